// Package relay streams capture progress to SSE clients so an operator
// can watch a recording session live.
package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dgnsrekt/webtrace/internal/store"
)

// stepMessage is the wire shape for a persisted step. Event data rides
// along verbatim; snapshots stay out of the stream (they are large and
// fetchable over the REST API).
type stepMessage struct {
	ID             int64  `json:"id"`
	TaskID         int64  `json:"task_id"`
	Timestamp      string `json:"timestamp"`
	EventType      string `json:"event_type"`
	EventData      string `json:"event_data,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
	HasSnapshot    bool   `json:"has_snapshot"`
}

type taskMessage struct {
	Event       string `json:"event"`
	ID          int64  `json:"id"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Publisher turns persisted rows into broker events.
type Publisher struct {
	broker *Broker
}

func NewPublisher(broker *Broker) *Publisher {
	return &Publisher{broker: broker}
}

// PublishStep announces a freshly persisted step.
func (p *Publisher) PublishStep(step *store.Step) {
	if step == nil {
		return
	}
	msg := stepMessage{
		ID:             step.ID,
		TaskID:         step.TaskID,
		Timestamp:      step.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:      step.EventType,
		EventData:      step.EventData,
		ScreenshotPath: step.ScreenshotPath,
		HasSnapshot:    step.Snapshot != "",
	}
	p.publish(FeedSteps, msg)
}

// PublishTask announces a task lifecycle change ("created", "ended").
func (p *Publisher) PublishTask(event string, task *store.Task) {
	if task == nil {
		return
	}
	p.publish(FeedTasks, taskMessage{
		Event:       event,
		ID:          task.ID,
		Description: task.Description,
		Website:     task.Website,
	})
}

func (p *Publisher) publish(feed string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal relay message", "feed", feed, "error", err)
		return
	}
	p.broker.Publish(Event{Feed: feed, Payload: string(data)})
}
