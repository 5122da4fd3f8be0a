package capture

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/webtrace/internal/store"
)

func testTask() *store.Task {
	return &store.Task{
		ID:          7,
		Description: "find the cheapest flight",
		TaskType:    "browsing",
		Source:      "operator",
		CreatedAt:   time.Now(),
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	var storageCalls, contextCalls, browserCalls, finalizedCalls atomic.Int32
	hooks := Hooks{
		OnFinalized: func() {
			finalizedCalls.Add(1)
		},
		SaveStorageState: func(ctx context.Context, path string) error {
			storageCalls.Add(1)
			return os.WriteFile(path, []byte(`{"cookies":[]}`), 0644)
		},
		CloseContext: func(ctx context.Context) error {
			contextCalls.Add(1)
			return nil
		},
		CloseBrowser: func(ctx context.Context) error {
			browserCalls.Add(1)
			return nil
		},
	}

	m, err := NewManager(t.TempDir(), testTask(), hooks)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Finalize(context.Background())
		}()
	}
	wg.Wait()

	if got := storageCalls.Load(); got != 1 {
		t.Fatalf("storage state saved %d times, want 1", got)
	}
	if got := contextCalls.Load(); got != 1 {
		t.Fatalf("context closed %d times, want 1", got)
	}
	if got := browserCalls.Load(); got != 1 {
		t.Fatalf("browser closed %d times, want 1", got)
	}
	if !m.Finalized() {
		t.Fatal("manager should be finalized")
	}
	if got := finalizedCalls.Load(); got != 1 {
		t.Fatalf("OnFinalized fired %d times, want 1", got)
	}

	// Manifest and archive exist and reference each other.
	data, err := os.ReadFile(m.Paths().Manifest)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}
	if manifest.Task == nil || manifest.Task.ID != 7 {
		t.Fatalf("manifest task = %+v", manifest.Task)
	}
	if manifest.ArchivePath == nil || *manifest.ArchivePath != "session.har" {
		t.Fatalf("manifest har_path = %v", manifest.ArchivePath)
	}
	if manifest.StorageState == nil || *manifest.StorageState != "storage_state.json" {
		t.Fatalf("manifest storage_state = %v", manifest.StorageState)
	}
	if _, err := os.Stat(m.Paths().Archive); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
}

func TestFinalizeAfterLastPageClose(t *testing.T) {
	m, err := NewManager(t.TempDir(), testTask(), Hooks{})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	m.PageCountChanged(0)

	deadline := time.Now().Add(3 * time.Second)
	for !m.Finalized() {
		if time.Now().After(deadline) {
			t.Fatal("finalization never fired after last page close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewPageCancelsDebounce(t *testing.T) {
	m, err := NewManager(t.TempDir(), testTask(), Hooks{})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	m.PageCountChanged(0)
	m.PageCountChanged(1)

	time.Sleep(4 * lastPageDebounce)
	if m.Finalized() {
		t.Fatal("reopened page should cancel the pending finalization")
	}

	// Tear down so the archive writer goroutine exits.
	m.Finalize(context.Background())
}

func TestHookFailureDoesNotAbortSequence(t *testing.T) {
	var browserClosed atomic.Bool
	hooks := Hooks{
		SaveStorageState: func(ctx context.Context, path string) error {
			return os.ErrPermission
		},
		CloseBrowser: func(ctx context.Context) error {
			browserClosed.Store(true)
			return nil
		},
	}

	m, err := NewManager(t.TempDir(), testTask(), hooks)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	if err := m.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	if !browserClosed.Load() {
		t.Fatal("browser close should run despite earlier hook failure")
	}
	if _, err := os.Stat(m.Paths().Manifest); err != nil {
		t.Fatalf("manifest should still be written: %v", err)
	}

	var manifest Manifest
	data, _ := os.ReadFile(m.Paths().Manifest)
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatalf("manifest unmarshal: %v", err)
	}
	if manifest.StorageState != nil {
		t.Fatal("storage_state should be null when the snapshot failed")
	}
}
