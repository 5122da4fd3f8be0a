// Package bundle reads finalized capture directories back for replay: the
// manifest, the network archive, and the optional storage-state snapshot.
package bundle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/types"
)

// Bundle is a loaded, validated capture session.
type Bundle struct {
	Dir          string
	ManifestPath string
	ArchivePath  string
	Manifest     capture.Manifest

	archive *types.HAR
}

// Open resolves and loads a bundle. The path may be the bundle directory,
// the manifest file itself, or a parent directory holding timestamped
// session directories, in which case the newest session wins.
func Open(path string) (*Bundle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle path: %w", err)
	}

	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		if filepath.Base(abs) != "manifest.json" {
			return nil, fmt.Errorf("bundle path points to unexpected file: %s", abs)
		}
		abs = filepath.Dir(abs)
	}

	manifestPath, err := resolveManifest(abs)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	b := &Bundle{
		Dir:          filepath.Dir(manifestPath),
		ManifestPath: manifestPath,
	}
	if err := json.Unmarshal(data, &b.Manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", manifestPath, err)
	}

	if b.Manifest.ArchivePath == nil || *b.Manifest.ArchivePath == "" {
		return nil, fmt.Errorf("manifest %s missing har_path", manifestPath)
	}
	b.ArchivePath = filepath.Join(b.Dir, *b.Manifest.ArchivePath)
	if _, err := os.Stat(b.ArchivePath); err != nil {
		return nil, fmt.Errorf("archive not found at %s: %w", b.ArchivePath, err)
	}

	slog.Info("bundle loaded",
		"dir", b.Dir,
		"task_id", b.TaskID())
	return b, nil
}

// resolveManifest finds manifest.json under dir, falling back to the
// newest child directory that has one.
func resolveManifest(dir string) (string, error) {
	direct := filepath.Join(dir, "manifest.json")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no manifest found at %s: %w", direct, err)
	}

	var children []string
	for _, e := range entries {
		if e.IsDir() {
			children = append(children, e.Name())
		}
	}
	// Session directories are named by RFC3339 timestamp, so lexical order
	// is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(children)))
	for _, child := range children {
		candidate := filepath.Join(dir, child, "manifest.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no manifest found at %s", direct)
}

// TaskID returns the recorded task id, or 0 when the manifest carries no
// task descriptor.
func (b *Bundle) TaskID() int64 {
	if b.Manifest.Task == nil {
		return 0
	}
	return b.Manifest.Task.ID
}

// Entries loads and caches the archive's exchange list.
func (b *Bundle) Entries() ([]types.HAREntry, error) {
	if b.archive == nil {
		data, err := os.ReadFile(b.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		var doc types.HAR
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse archive %s: %w", b.ArchivePath, err)
		}
		b.archive = &doc
	}
	return b.archive.Log.Entries, nil
}

// StorageStatePath returns the storage-state snapshot location when the
// bundle has one.
func (b *Bundle) StorageStatePath() (string, bool) {
	if b.Manifest.StorageState == nil || *b.Manifest.StorageState == "" {
		return "", false
	}
	path := filepath.Join(b.Dir, *b.Manifest.StorageState)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// GuessStartURL picks the entry replay should navigate to first: the first
// successfully recorded document, or failing that the first entry at all.
func (b *Bundle) GuessStartURL() string {
	entries, err := b.Entries()
	if err != nil || len(entries) == 0 {
		return ""
	}
	for _, e := range entries {
		if e.ResourceType == "document" && e.Response.Status > 0 && e.Response.Status < 400 {
			return e.Request.URL
		}
	}
	return entries[0].Request.URL
}
