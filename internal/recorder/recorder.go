// Package recorder turns browser events into persisted steps and network
// rows. All step writes flow through a single consumer goroutine, so rows
// land in the order events were enqueued and "current step" correlation
// never observes a half-written step.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/webtrace/internal/snapshot"
	"github.com/dgnsrekt/webtrace/internal/store"
	"github.com/dgnsrekt/webtrace/internal/types"
)

const screenshotThrottle = 500 * time.Millisecond

// screenshotSkip lists high-frequency event actions that never get a
// screenshot, whatever else is true.
var screenshotSkip = map[string]struct{}{
	"keydown":                {},
	"input":                  {},
	"scroll":                 {},
	"mousemove":              {},
	"mousedown":              {},
	"mouseup":                {},
	"pointerdown":            {},
	"pointerup":              {},
	"pointermove":            {},
	"hover":                  {},
	"tab_visibility_changed": {},
}

// screenshotAllow lists the actions significant enough to screenshot.
var screenshotAllow = map[string]struct{}{
	"click":  {},
	"loaded": {},
	"back":   {},
}

// snapshotTriggers are the (context, action) pairs that capture an
// accessibility snapshot. Unthrottled: snapshots are cheap relative to
// screenshots and replay evaluation depends on them.
var snapshotTriggers = map[[2]string]struct{}{
	{"state:page", "loaded"}:            {},
	{"state:page", "domcontentloaded"}:  {},
	{"state:browser", "navigated"}:      {},
	{"state:browser", "navigate_start"}: {},
	{"state:browser", "back"}:           {},
	{"action:user", "click"}:            {},
	{"action:user", "input"}:            {},
	{"action:user", "contextmenu"}:      {},
	{"action:user", "submit"}:           {},
}

// Hooks are the page-level capture operations the recorder calls while
// processing a step. Either may be nil; failures leave the corresponding
// field empty and never fail the step.
type Hooks struct {
	Screenshot func(ctx context.Context) ([]byte, error)
	Snapshot   func(ctx context.Context) (*snapshot.Node, snapshot.PageInfo, error)
}

// Recorder persists step events for one task.
type Recorder struct {
	store         *store.Store
	taskID        int64
	screenshotDir string
	hooks         Hooks
	publish       func(*store.Step)

	queue chan types.StepEvent
	done  chan struct{}
	wg    sync.WaitGroup

	closing     atomic.Bool
	currentStep atomic.Int64

	// Touched only by the consumer goroutine.
	lastScreenshot time.Time
}

// New creates a recorder and starts its consumer. publish, when non-nil,
// receives every persisted step for live observers.
func New(st *store.Store, taskID int64, screenshotDir string, hooks Hooks, publish func(*store.Step)) *Recorder {
	r := &Recorder{
		store:         st,
		taskID:        taskID,
		screenshotDir: screenshotDir,
		hooks:         hooks,
		publish:       publish,
		queue:         make(chan types.StepEvent, 1024),
		done:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.consumeLoop()
	return r
}

// Record enqueues a step event. Never blocks the caller: a full queue
// drops the event with a warning.
func (r *Recorder) Record(ev types.StepEvent) error {
	if r.closing.Load() {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case r.queue <- ev:
		return nil
	case <-r.done:
		return fmt.Errorf("recorder is closed")
	default:
		slog.Warn("step queue full, dropping event",
			"event_type", ev.Type.String())
		return fmt.Errorf("queue full")
	}
}

// CurrentStepID returns the id of the most recently persisted step, which
// is the implicit parent for network requests until the next step lands.
// Nil before the first step.
func (r *Recorder) CurrentStepID() *int64 {
	id := r.currentStep.Load()
	if id == 0 {
		return nil
	}
	return &id
}

// Close stops intake, drains the queue, and waits for the consumer.
func (r *Recorder) Close() error {
	if r.closing.Swap(true) {
		return nil
	}
	close(r.done)
	r.wg.Wait()

	// Process whatever was queued before intake stopped.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.queue:
			r.process(ev)
		case <-timeout:
			slog.Warn("recorder close timeout, some steps may be lost")
			return nil
		default:
			return nil
		}
	}
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.queue:
			r.process(ev)
		case <-r.done:
			return
		}
	}
}

func (r *Recorder) process(ev types.StepEvent) {
	eventType := ev.Type.String()
	contextKey := string(ev.Type.Category) + ":" + string(ev.Type.Subject)
	slog.Info("recording step", "event_type", eventType)

	screenshotPath := ""
	if r.shouldScreenshot(ev.Type.Action) {
		if path, err := r.takeScreenshot(eventType); err != nil {
			slog.Error("screenshot failed", "event_type", eventType, "error", err)
		} else {
			screenshotPath = path
		}
	}

	var doc string
	meta := map[string]any{}
	if len(ev.Metadata) > 0 {
		meta["event_metadata"] = ev.Metadata
	}
	if r.shouldSnapshot(contextKey, ev.Type.Action) && r.hooks.Snapshot != nil {
		root, info, err := r.hooks.Snapshot(context.Background())
		if err != nil {
			slog.Warn("accessibility snapshot failed", "error", err)
		} else {
			var sidecar snapshot.Metadata
			doc, sidecar = snapshot.Build(root, info, contextKey, eventType)
			mergeMetadata(meta, sidecar)
		}
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Error("failed to encode event data", "error", err)
		data = []byte("{}")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	step := &store.Step{
		TaskID:           r.taskID,
		Timestamp:        ev.Timestamp,
		EventType:        eventType,
		EventData:        string(data),
		Snapshot:         doc,
		SnapshotMetadata: string(metaJSON),
		ScreenshotPath:   screenshotPath,
	}
	id, err := r.store.InsertStep(step)
	if err != nil {
		slog.Error("failed to persist step",
			"event_type", eventType,
			"error", err)
		return
	}
	r.currentStep.Store(id)

	if r.publish != nil {
		r.publish(step)
	}
}

// shouldScreenshot applies the skip list, the allow list, and the
// throttle, in that order.
func (r *Recorder) shouldScreenshot(action string) bool {
	if r.hooks.Screenshot == nil {
		return false
	}
	if _, skip := screenshotSkip[action]; skip {
		return false
	}
	if _, important := screenshotAllow[action]; !important {
		return false
	}
	now := time.Now()
	if now.Sub(r.lastScreenshot) < screenshotThrottle {
		return false
	}
	r.lastScreenshot = now
	return true
}

func (r *Recorder) shouldSnapshot(contextKey, action string) bool {
	_, ok := snapshotTriggers[[2]string{strings.ToLower(contextKey), strings.ToLower(action)}]
	return ok
}

func (r *Recorder) takeScreenshot(eventType string) (string, error) {
	data, err := r.hooks.Screenshot(context.Background())
	if err != nil {
		return "", err
	}

	dir := filepath.Join(r.screenshotDir, fmt.Sprintf("task_%d", r.taskID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	name := fmt.Sprintf("%d_%s.png", time.Now().UnixMilli(), strings.ReplaceAll(eventType, ":", "_"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// mergeMetadata flattens the snapshot sidecar into the step metadata map.
func mergeMetadata(dst map[string]any, sidecar snapshot.Metadata) {
	raw, err := json.Marshal(sidecar)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	for k, v := range m {
		dst[k] = v
	}
}
