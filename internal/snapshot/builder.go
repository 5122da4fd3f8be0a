// Package snapshot renders an accessibility tree into a compact, bounded
// text document suitable for storing alongside a recorded step.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/webtrace/internal/types"
)

// MaxNodes caps the number of rendered elements per snapshot. Deep product
// pages can carry tens of thousands of AX nodes; everything past the cap is
// replaced with a single truncation marker.
const MaxNodes = 400

const maxTextLength = 120

// Node is one entry of the accessibility tree, decoupled from the CDP wire
// types so builders and tests can construct trees directly.
type Node struct {
	Role        string
	Name        string
	Value       string
	Description string
	// States holds active boolean states (checked, disabled, expanded, ...)
	// in render order.
	States   []string
	Children []*Node
}

// PageInfo carries page-level context captured next to the tree.
type PageInfo struct {
	URL            string
	Title          string
	Viewport       *types.Viewport
	FocusedElement *FocusedElement
	WordCount      *int
}

// FocusedElement describes document.activeElement at snapshot time.
type FocusedElement struct {
	TagName   string `json:"tagName"`
	ID        string `json:"id"`
	ClassName string `json:"className"`
}

// Metadata is the sidecar record stored with the rendered snapshot.
type Metadata struct {
	SnapshotType   string          `json:"snapshot_type"`
	PageURL        string          `json:"page_url"`
	PageTitle      string          `json:"page_title"`
	Viewport       *types.Viewport `json:"viewport"`
	ElementCount   int             `json:"element_count"`
	Truncated      bool            `json:"truncated"`
	EventContext   string          `json:"event_context"`
	EventType      string          `json:"event_type"`
	FocusedElement *FocusedElement `json:"focused_element,omitempty"`
	TextWordCount  *int            `json:"text_word_count,omitempty"`
}

// interactiveRoles are flagged in the rendered output so a consumer can
// find actionable elements without parsing attribute lines.
var interactiveRoles = map[string]struct{}{
	"button":           {},
	"link":             {},
	"textbox":          {},
	"checkbox":         {},
	"radio":            {},
	"combobox":         {},
	"listbox":          {},
	"menuitem":         {},
	"menuitemcheckbox": {},
	"menuitemradio":    {},
	"option":           {},
	"switch":           {},
	"tab":              {},
}

// Build renders the tree plus page context as an indented line document and
// returns it with the sidecar metadata. A nil root produces a placeholder
// entry instead of an empty element list.
func Build(root *Node, info PageInfo, eventContext, eventType string) (string, Metadata) {
	b := &builder{}

	b.linef("url: %s", yamlScalar(info.URL))
	b.linef("title: %s", yamlScalar(info.Title))
	if info.Viewport != nil {
		b.linef("viewport:")
		b.linef("  width: %d", info.Viewport.Width)
		b.linef("  height: %d", info.Viewport.Height)
	} else {
		b.linef("viewport: null")
	}
	b.linef("elements:")

	if root != nil {
		b.walk(root, 1, nil)
	} else {
		b.linef("  - No accessibility content available")
	}

	if info.FocusedElement != nil {
		b.linef("focused_element:")
		b.linef("  tagName: %s", yamlScalar(info.FocusedElement.TagName))
		b.linef("  id: %s", yamlScalar(info.FocusedElement.ID))
		b.linef("  className: %s", yamlScalar(info.FocusedElement.ClassName))
	}
	if info.WordCount != nil {
		b.linef("text_word_count: %d", *info.WordCount)
	}

	meta := Metadata{
		SnapshotType:   "accessibility_tree",
		PageURL:        info.URL,
		PageTitle:      info.Title,
		Viewport:       info.Viewport,
		ElementCount:   b.refCounter,
		Truncated:      b.truncated,
		EventContext:   eventContext,
		EventType:      eventType,
		FocusedElement: info.FocusedElement,
		TextWordCount:  info.WordCount,
	}
	return strings.Join(b.lines, "\n"), meta
}

type builder struct {
	lines      []string
	refCounter int
	truncated  bool
}

func (b *builder) linef(format string, args ...any) {
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
}

// walk renders a node and recurses into its children. Roleless containers
// are skipped but their children stay at the current depth.
func (b *builder) walk(n *Node, indent int, path []string) {
	if n == nil {
		return
	}
	if n.Role == "" {
		for _, child := range n.Children {
			b.walk(child, indent, path)
		}
		return
	}

	if b.refCounter >= MaxNodes {
		if !b.truncated {
			b.linef("%s- [truncated]", strings.Repeat("  ", indent))
			b.truncated = true
		}
		return
	}

	desc := []string{n.Role}
	attrs := [][2]string{{"role", yamlScalar(n.Role)}}

	if name := cleanText(n.Name); name != "" {
		desc = append(desc, quoteText(name))
		attrs = append(attrs, [2]string{"name", yamlScalar(name)})
	}
	if value := cleanText(n.Value); value != "" {
		desc = append(desc, "[value="+quoteText(value)+"]")
		attrs = append(attrs, [2]string{"value", yamlScalar(value)})
	}
	if d := cleanText(n.Description); d != "" {
		desc = append(desc, "[description="+quoteText(d)+"]")
		attrs = append(attrs, [2]string{"description", yamlScalar(d)})
	}
	for _, state := range n.States {
		desc = append(desc, "["+state+"]")
		attrs = append(attrs, [2]string{state, "true"})
	}

	b.refCounter++
	ref := fmt.Sprintf("e%d", b.refCounter)
	desc = append(desc, "[ref="+ref+"]")
	attrs = append(attrs, [2]string{"ref", yamlScalar(ref)})

	nodePath := append(append([]string{}, path...), n.Role)
	attrs = append(attrs, [2]string{"path", yamlScalar(strings.Join(nodePath, " > "))})

	if _, ok := interactiveRoles[n.Role]; ok {
		desc = append(desc, "[interactive]")
		attrs = append(attrs, [2]string{"interactive", "true"})
	}

	prefix := strings.Repeat("  ", indent)
	b.linef("%s- %s", prefix, strings.Join(desc, " "))

	attrPrefix := strings.Repeat("  ", indent+1)
	for _, kv := range attrs {
		b.linef("%s%s: %s", attrPrefix, kv[0], kv[1])
	}

	if len(n.Children) > 0 {
		b.linef("%schildren:", attrPrefix)
		for _, child := range n.Children {
			b.walk(child, indent+2, nodePath)
		}
	}
}

// cleanText collapses whitespace runs and bounds the length so one long
// label cannot dominate the document.
func cleanText(s string) string {
	normalized := strings.Join(strings.Fields(s), " ")
	if len(normalized) > maxTextLength {
		// Cut on a rune boundary; a split multi-byte rune would leak
		// invalid UTF-8 into the rendered document.
		cut := maxTextLength - 3
		for cut > 0 && !utf8.RuneStart(normalized[cut]) {
			cut--
		}
		return normalized[:cut] + "..."
	}
	return normalized
}

func quoteText(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// yamlScalar renders a string as a JSON-quoted scalar, which is valid YAML
// and survives arbitrary page content.
func yamlScalar(s string) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	// Encode appends a newline.
	return strings.TrimRight(b.String(), "\n")
}
