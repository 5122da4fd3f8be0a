package recorder

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/webtrace/internal/snapshot"
	"github.com/dgnsrekt/webtrace/internal/store"
	"github.com/dgnsrekt/webtrace/internal/types"
)

func newTestRecorder(t *testing.T, hooks Hooks) (*Recorder, *store.Store, int64) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	taskID, err := st.CreateTask("t", "browsing", "operator", "")
	if err != nil {
		t.Fatal(err)
	}

	r := New(st, taskID, t.TempDir(), hooks, nil)
	t.Cleanup(func() { r.Close() })
	return r, st, taskID
}

func userEvent(action string) types.StepEvent {
	return types.StepEvent{
		Type: types.EventType{
			Category: types.CategoryAction,
			Subject:  types.SubjectUser,
			Action:   action,
		},
	}
}

func waitForSteps(t *testing.T, st *store.Store, taskID int64, want int) []*store.Step {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		steps, err := st.StepsByTask(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if len(steps) >= want {
			return steps
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d steps persisted", len(steps), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStepsPersistInOrder(t *testing.T) {
	r, st, taskID := newTestRecorder(t, Hooks{})

	for _, action := range []string{"click", "input", "scroll"} {
		if err := r.Record(userEvent(action)); err != nil {
			t.Fatalf("Record(%s) failed: %v", action, err)
		}
	}

	steps := waitForSteps(t, st, taskID, 3)
	for i, want := range []string{"action:user:click", "action:user:input", "action:user:scroll"} {
		if steps[i].EventType != want {
			t.Fatalf("step %d = %q, want %q", i, steps[i].EventType, want)
		}
	}
}

func TestCurrentStepTracksLatest(t *testing.T) {
	r, st, taskID := newTestRecorder(t, Hooks{})

	if r.CurrentStepID() != nil {
		t.Fatal("no step recorded yet")
	}

	r.Record(userEvent("click"))
	steps := waitForSteps(t, st, taskID, 1)

	id := r.CurrentStepID()
	if id == nil || *id != steps[0].ID {
		t.Fatalf("CurrentStepID() = %v, want %d", id, steps[0].ID)
	}
}

func TestScreenshotGating(t *testing.T) {
	var shots atomic.Int32
	hooks := Hooks{
		Screenshot: func(ctx context.Context) ([]byte, error) {
			shots.Add(1)
			return []byte("png"), nil
		},
	}
	r, st, taskID := newTestRecorder(t, hooks)

	// High-frequency events never get a screenshot even though they are
	// recorded as steps.
	r.Record(userEvent("scroll"))
	r.Record(userEvent("keydown"))
	// Click does, once; the immediate second click is throttled.
	r.Record(userEvent("click"))
	r.Record(userEvent("click"))

	steps := waitForSteps(t, st, taskID, 4)
	if got := shots.Load(); got != 1 {
		t.Fatalf("screenshots taken = %d, want 1", got)
	}

	withShot := 0
	for _, s := range steps {
		if s.ScreenshotPath != "" {
			withShot++
		}
	}
	if withShot != 1 {
		t.Fatalf("steps with screenshot = %d, want 1", withShot)
	}
}

func TestSnapshotGating(t *testing.T) {
	var snaps atomic.Int32
	hooks := Hooks{
		Snapshot: func(ctx context.Context) (*snapshot.Node, snapshot.PageInfo, error) {
			snaps.Add(1)
			root := &snapshot.Node{Role: "WebArea", Name: "Shop"}
			return root, snapshot.PageInfo{URL: "https://example.com", Title: "Shop"}, nil
		},
	}
	r, st, taskID := newTestRecorder(t, hooks)

	r.Record(userEvent("click"))  // trigger pair (action:user, click)
	r.Record(userEvent("scroll")) // not a trigger

	steps := waitForSteps(t, st, taskID, 2)
	if got := snaps.Load(); got != 1 {
		t.Fatalf("snapshots = %d, want 1", got)
	}
	if steps[0].Snapshot == "" {
		t.Fatal("click step missing snapshot")
	}
	if steps[1].Snapshot != "" {
		t.Fatal("scroll step should not carry a snapshot")
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(steps[0].SnapshotMetadata), &meta); err != nil {
		t.Fatalf("snapshot metadata not JSON: %v", err)
	}
	if meta["page_url"] != "https://example.com" {
		t.Fatalf("metadata page_url = %v", meta["page_url"])
	}
}

func TestCaptureFailureIsNotFatal(t *testing.T) {
	hooks := Hooks{
		Screenshot: func(ctx context.Context) ([]byte, error) {
			return nil, context.DeadlineExceeded
		},
	}
	r, st, taskID := newTestRecorder(t, hooks)

	r.Record(userEvent("click"))
	steps := waitForSteps(t, st, taskID, 1)
	if steps[0].ScreenshotPath != "" {
		t.Fatal("failed screenshot should leave the field empty")
	}
}
