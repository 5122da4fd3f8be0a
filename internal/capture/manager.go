package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/webtrace/internal/store"
)

// Session lifecycle states.
const (
	stateIdle = iota
	stateCapturing
	stateStopping
	stateFinalized
)

const (
	// lastPageDebounce delays finalization after the open page count hits
	// zero, so a tab close immediately followed by a new tab does not tear
	// the session down.
	lastPageDebounce = 80 * time.Millisecond

	archivePollInterval = 100 * time.Millisecond
	archivePollTimeout  = 20 * time.Second
)

// SessionPaths locates the bundle files of one capture session.
type SessionPaths struct {
	Dir          string
	Manifest     string
	Archive      string
	StorageState string
}

// LaunchMetadata records how the recorded browser was launched, for the
// manifest.
type LaunchMetadata struct {
	BrowserChannel string   `json:"browser_channel,omitempty"`
	BrowserArgs    []string `json:"browser_args"`
	UserDataDir    string   `json:"user_data_dir,omitempty"`
}

// Hooks are the browser-side operations the manager drives during
// finalization. Each hook may be nil; failures are logged and the sequence
// continues.
type Hooks struct {
	// SaveStorageState writes cookies and origin storage to path.
	SaveStorageState func(ctx context.Context, path string) error
	// ClosePages closes any pages still open.
	ClosePages func(ctx context.Context) error
	// CloseContext tears down the recording context.
	CloseContext func(ctx context.Context) error
	// CloseBrowser stops the browser process.
	CloseBrowser func(ctx context.Context) error
	// OnFinalized fires once after the bundle is written, whichever
	// trigger finalized the session.
	OnFinalized func()
}

// Manifest is the bundle descriptor written at finalization.
type Manifest struct {
	SessionID    string          `json:"session_id"`
	Task         *ManifestTask   `json:"task"`
	StartedAt    string          `json:"started_at"`
	FinishedAt   string          `json:"finished_at"`
	ArchivePath  *string         `json:"har_path"`
	StorageState *string         `json:"storage_state"`
	Context      ManifestContext `json:"context"`
}

// ManifestTask is the task descriptor embedded in the manifest.
type ManifestTask struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	TaskType    string `json:"task_type"`
	Source      string `json:"source"`
}

// ManifestContext preserves the context and launch configuration the
// session ran with, so replay can reproduce it.
type ManifestContext struct {
	Options map[string]any `json:"options"`
	Launch  LaunchMetadata `json:"launch"`
}

// Manager owns one capture session directory and guarantees the bundle is
// finalized exactly once, whichever trigger fires first: an explicit
// Finalize call, the last page closing, or process shutdown.
type Manager struct {
	mu    sync.Mutex
	state int

	task      *store.Task
	sessionID string
	paths     SessionPaths
	startedAt time.Time

	writer *ArchiveWriter
	hooks  Hooks

	launch      LaunchMetadata
	contextOpts map[string]any

	debounce *time.Timer

	// Per-step latches: a crashed or re-entered finalization never repeats
	// a completed step.
	storageSaved    bool
	pagesClosed     bool
	contextClosed   bool
	browserClosed   bool
	manifestWritten bool
}

// NewManager creates the session directory under
// <dataDir>/captures/task_<id>/<timestamp> and an archive writer inside it.
func NewManager(dataDir string, task *store.Task, hooks Hooks) (*Manager, error) {
	if task == nil {
		return nil, fmt.Errorf("no active task; offline capture disabled")
	}

	startedAt := time.Now().UTC()
	slug := strings.ReplaceAll(startedAt.Format(time.RFC3339), ":", "-")
	dir := filepath.Join(dataDir, "captures", fmt.Sprintf("task_%d", task.ID), slug)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	paths := SessionPaths{
		Dir:          dir,
		Manifest:     filepath.Join(dir, "manifest.json"),
		Archive:      filepath.Join(dir, "session.har"),
		StorageState: filepath.Join(dir, "storage_state.json"),
	}

	slog.Info("capture session prepared",
		"dir", paths.Dir,
		"task_id", task.ID)

	return &Manager{
		state:     stateCapturing,
		task:      task,
		sessionID: uuid.NewString(),
		paths:     paths,
		startedAt: startedAt,
		writer:    NewArchiveWriter(paths.Archive, 4096),
		hooks:     hooks,
	}, nil
}

// Archive returns the session's archive writer.
func (m *Manager) Archive() *ArchiveWriter {
	return m.writer
}

// Paths returns the bundle file locations.
func (m *Manager) Paths() SessionPaths {
	return m.paths
}

// SetLaunchMetadata records browser launch details for the manifest.
func (m *Manager) SetLaunchMetadata(meta LaunchMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launch = meta
}

// SetContextOptions records context configuration for the manifest.
func (m *Manager) SetContextOptions(opts map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contextOpts = opts
}

// Finalized reports whether the bundle has been written.
func (m *Manager) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateFinalized
}

// PageCountChanged feeds the open-page count from the page registry. A
// count of zero arms the finalization debounce; a nonzero count disarms it.
func (m *Manager) PageCountChanged(open int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateCapturing {
		return
	}

	if open > 0 {
		if m.debounce != nil {
			m.debounce.Stop()
			m.debounce = nil
		}
		return
	}

	if m.debounce != nil {
		return
	}
	slog.Info("last page closed, scheduling finalization",
		"debounce", lastPageDebounce)
	m.debounce = time.AfterFunc(lastPageDebounce, func() {
		if err := m.Finalize(context.Background()); err != nil {
			slog.Error("finalization after last page close failed",
				"error", err)
		}
	})
}

// Finalize runs the shutdown sequence: storage state, page and context
// teardown, archive flush, archive materialization wait, manifest write.
// Safe to call from multiple triggers; only the first caller does the work
// and later calls return immediately.
func (m *Manager) Finalize(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateFinalized || m.state == stateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopping
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()

	slog.Info("finalizing capture session", "dir", m.paths.Dir)

	m.saveStorageState(ctx)
	m.closePages(ctx)
	m.closeContext(ctx)

	if err := m.writer.Close(); err != nil {
		slog.Error("archive flush failed", "error", err)
	}

	m.closeBrowser(ctx)

	archiveErr := m.waitForArchive(ctx)
	if archiveErr != nil {
		slog.Error("archive did not materialize; offline replay will be unavailable",
			"path", m.paths.Archive,
			"error", archiveErr)
	}

	if err := m.writeManifest(); err != nil {
		slog.Error("manifest write failed", "error", err)
		m.mu.Lock()
		m.state = stateFinalized
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.state = stateFinalized
	m.mu.Unlock()

	slog.Info("capture session finalized", "dir", m.paths.Dir)
	if m.hooks.OnFinalized != nil {
		m.hooks.OnFinalized()
	}
	return archiveErr
}

func (m *Manager) saveStorageState(ctx context.Context) {
	m.mu.Lock()
	done := m.storageSaved
	m.storageSaved = true
	m.mu.Unlock()
	if done || m.hooks.SaveStorageState == nil {
		return
	}
	if err := m.hooks.SaveStorageState(ctx, m.paths.StorageState); err != nil {
		slog.Error("failed to capture storage state", "error", err)
		return
	}
	slog.Info("storage state saved", "path", m.paths.StorageState)
}

func (m *Manager) closePages(ctx context.Context) {
	m.mu.Lock()
	done := m.pagesClosed
	m.pagesClosed = true
	m.mu.Unlock()
	if done || m.hooks.ClosePages == nil {
		return
	}
	if err := m.hooks.ClosePages(ctx); err != nil {
		slog.Warn("failed to close pages", "error", err)
	}
}

func (m *Manager) closeContext(ctx context.Context) {
	m.mu.Lock()
	done := m.contextClosed
	m.contextClosed = true
	m.mu.Unlock()
	if done || m.hooks.CloseContext == nil {
		return
	}
	if err := m.hooks.CloseContext(ctx); err != nil {
		slog.Warn("failed to close context", "error", err)
	}
}

func (m *Manager) closeBrowser(ctx context.Context) {
	m.mu.Lock()
	done := m.browserClosed
	m.browserClosed = true
	m.mu.Unlock()
	if done || m.hooks.CloseBrowser == nil {
		return
	}
	if err := m.hooks.CloseBrowser(ctx); err != nil {
		slog.Warn("failed to close browser", "error", err)
	}
}

// waitForArchive polls for the archive file. The flush happens on another
// goroutine's schedule, so existence on disk is the only trustworthy
// signal that the bundle is complete.
func (m *Manager) waitForArchive(ctx context.Context) error {
	deadline := time.Now().Add(archivePollTimeout)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(m.paths.Archive); err == nil {
			slog.Info("archive materialized",
				"path", m.paths.Archive,
				"bytes", info.Size())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(archivePollInterval):
		}
	}
	return fmt.Errorf("archive not found at %s after %s", m.paths.Archive, archivePollTimeout)
}

func (m *Manager) writeManifest() error {
	m.mu.Lock()
	if m.manifestWritten {
		m.mu.Unlock()
		return nil
	}
	m.manifestWritten = true
	opts := m.contextOpts
	launch := m.launch
	m.mu.Unlock()

	manifest := Manifest{
		SessionID: m.sessionID,
		Task: &ManifestTask{
			ID:          m.task.ID,
			Description: m.task.Description,
			TaskType:    m.task.TaskType,
			Source:      m.task.Source,
		},
		StartedAt:    m.startedAt.Format(time.RFC3339Nano),
		FinishedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		ArchivePath:  relativeName(m.paths.Archive),
		StorageState: relativeName(m.paths.StorageState),
		Context: ManifestContext{
			Options: opts,
			Launch:  launch,
		},
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(m.paths.Manifest, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	slog.Info("manifest written", "path", m.paths.Manifest)
	return nil
}

// relativeName returns the basename when the file exists, nil otherwise.
// Readers treat null as "this artifact was not produced".
func relativeName(path string) *string {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	name := filepath.Base(path)
	return &name
}
