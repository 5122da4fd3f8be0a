package types

import (
	"strings"
	"time"
)

// EventCategory is the first segment of a step's event type.
type EventCategory string

// EventSubject is the second segment of a step's event type.
type EventSubject string

const (
	CategoryState  EventCategory = "state"
	CategoryAction EventCategory = "action"

	SubjectPage    EventSubject = "page"
	SubjectBrowser EventSubject = "browser"
	SubjectUser    EventSubject = "user"
)

// Page lifecycle and browser-level actions.
const (
	ActionDOMContentLoaded = "domcontentloaded"
	ActionLoaded           = "loaded"
	ActionNavigated        = "navigated"
	ActionNavigateStart    = "navigate_start"
	ActionBack             = "back"
	ActionTabOpened        = "tab_opened"
	ActionTabClosed        = "tab_closed"
	ActionTabVisibility    = "tab_visibility_changed"
)

// User actions reported by the injected DOM listener.
const (
	ActionClick       = "click"
	ActionInput       = "input"
	ActionScroll      = "scroll"
	ActionKeydown     = "keydown"
	ActionSubmit      = "submit"
	ActionHover       = "hover"
	ActionContextMenu = "contextmenu"
)

// EventType is the namespaced "<category>:<subject>:<action>" identifier
// stored on every step row, e.g. "action:user:click".
type EventType struct {
	Category EventCategory
	Subject  EventSubject
	Action   string
}

func (e EventType) String() string {
	return string(e.Category) + ":" + string(e.Subject) + ":" + e.Action
}

// ParseEventType splits a stored event type back into its segments.
// Missing segments are left empty rather than treated as errors so that
// malformed rows degrade to no-ops during trajectory replay.
func ParseEventType(s string) EventType {
	var et EventType
	parts := strings.SplitN(s, ":", 3)
	if len(parts) > 0 {
		et.Category = EventCategory(parts[0])
	}
	if len(parts) > 1 {
		et.Subject = EventSubject(parts[1])
	}
	if len(parts) > 2 {
		et.Action = parts[2]
	}
	return et
}

// Point is a pair of viewport coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect describes an element bounding box in page coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the page viewport size at event time.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// ElementDescriptor identifies the DOM element a user action targeted.
// Selectors drift on dynamic pages, so recorded coordinates take priority
// over descriptor lookup during replay.
type ElementDescriptor struct {
	Tag       string `json:"tag,omitempty"`
	ID        string `json:"id,omitempty"`
	ClassName string `json:"className,omitempty"`
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Coordinates carries every coordinate space the listener script reports.
type Coordinates struct {
	Client   *Point `json:"client,omitempty"`
	Page     *Point `json:"page,omitempty"`
	Offset   *Point `json:"offset,omitempty"`
	Relative *Point `json:"relative,omitempty"`
}

// EventPayload is the structured data attached to a step. Only the fields
// relevant to the event's action are populated.
type EventPayload struct {
	URL         string             `json:"url,omitempty"`
	Value       string             `json:"value,omitempty"`
	Key         string             `json:"key,omitempty"`
	X           *float64           `json:"x,omitempty"`
	Y           *float64           `json:"y,omitempty"`
	Coordinates *Coordinates       `json:"coordinates,omitempty"`
	Element     *ElementDescriptor `json:"element,omitempty"`
	ElementRect *Rect              `json:"elementRect,omitempty"`
	Viewport    *Viewport          `json:"viewport,omitempty"`
	Visible     *bool              `json:"visible,omitempty"`
}

// StepEvent is one recorded UI or lifecycle event before persistence.
type StepEvent struct {
	Type      EventType
	Data      EventPayload
	Metadata  map[string]any
	Timestamp time.Time
}
