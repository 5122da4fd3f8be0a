// Package capture owns the offline session bundle: the network archive
// written during recording and the exactly-once finalization that turns a
// live session into a replayable directory on disk.
package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgnsrekt/webtrace/internal/types"
)

const archiveVersion = "1.2"

// ArchiveWriter accumulates network exchanges off the capture hot path and
// writes the archive document once on Close. Entries arrive from CDP event
// handlers that must never block.
type ArchiveWriter struct {
	path    string
	writeCh chan types.HAREntry
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	entries []types.HAREntry
	closed  bool
}

// NewArchiveWriter creates a writer targeting path. The archive file does
// not exist until Close.
func NewArchiveWriter(path string, bufferSize int) *ArchiveWriter {
	w := &ArchiveWriter{
		path:    path,
		writeCh: make(chan types.HAREntry, bufferSize),
		done:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.collectLoop()

	return w
}

// Add queues an exchange for the archive. Never blocks: a full buffer drops
// the entry with a warning.
func (w *ArchiveWriter) Add(entry types.HAREntry) error {
	select {
	case w.writeCh <- entry:
		return nil
	case <-w.done:
		return fmt.Errorf("archive writer is closed")
	default:
		slog.Warn("archive buffer full, dropping entry",
			"url", entry.Request.URL)
		return fmt.Errorf("buffer full")
	}
}

// Len reports the number of collected entries.
func (w *ArchiveWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Close drains pending entries and writes the archive document. Safe to
// call once; subsequent calls return an error.
func (w *ArchiveWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already closed")
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	// Drain whatever the loop did not get to before done fired.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case entry := <-w.writeCh:
			w.collect(entry)
		case <-timeout:
			slog.Warn("archive close timeout, some entries may be lost",
				"path", w.path)
			return w.flush()
		default:
			return w.flush()
		}
	}
}

func (w *ArchiveWriter) collectLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.writeCh:
			w.collect(entry)
		case <-w.done:
			return
		}
	}
}

func (w *ArchiveWriter) collect(entry types.HAREntry) {
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	w.mu.Unlock()
}

// flush marshals the archive and moves it into place in one rename so a
// reader polling for the file never observes a partial document.
func (w *ArchiveWriter) flush() error {
	w.mu.Lock()
	doc := types.HAR{
		Log: types.HARLog{
			Version: archiveVersion,
			Creator: types.HARCreator{Name: "webtrace", Version: "1.0"},
			Entries: w.entries,
		},
	}
	w.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}

	slog.Info("archive written",
		"path", w.path,
		"entries", len(doc.Log.Entries),
		"bytes", len(data))
	return nil
}
