package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/types"
)

func writeBundle(t *testing.T, dir string, entries []types.HAREntry, storageState bool) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	doc := types.HAR{Log: types.HARLog{Version: "1.2", Entries: entries}}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.har"), data, 0644); err != nil {
		t.Fatal(err)
	}

	har := "session.har"
	manifest := capture.Manifest{
		Task:        &capture.ManifestTask{ID: 3, Description: "d", TaskType: "browsing", Source: "operator"},
		ArchivePath: &har,
	}
	if storageState {
		ss := "storage_state.json"
		manifest.StorageState = &ss
		if err := os.WriteFile(filepath.Join(dir, ss), []byte(`{"cookies":[]}`), 0644); err != nil {
			t.Fatal(err)
		}
	}
	mdata, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), mdata, 0644); err != nil {
		t.Fatal(err)
	}
}

func sampleEntries() []types.HAREntry {
	return []types.HAREntry{
		{
			ResourceType: "image",
			Request:      types.HARRequest{Method: "GET", URL: "https://cdn.example/logo.png"},
			Response:     types.HARResponse{Status: 200},
		},
		{
			ResourceType: "document",
			Request:      types.HARRequest{Method: "GET", URL: "https://example.com/redirect"},
			Response:     types.HARResponse{Status: 0},
		},
		{
			ResourceType: "document",
			Request:      types.HARRequest{Method: "GET", URL: "https://example.com/home"},
			Response:     types.HARResponse{Status: 200},
		},
	}
}

func TestOpenDirectDirectory(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, sampleEntries(), true)

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if b.TaskID() != 3 {
		t.Fatalf("TaskID() = %d, want 3", b.TaskID())
	}

	entries, err := b.Entries()
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}

	if path, ok := b.StorageStatePath(); !ok || filepath.Base(path) != "storage_state.json" {
		t.Fatalf("StorageStatePath() = %q, %v", path, ok)
	}
}

func TestOpenManifestFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, sampleEntries(), false)

	b, err := Open(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if b.Dir != dir {
		t.Fatalf("Dir = %q, want %q", b.Dir, dir)
	}
	if _, ok := b.StorageStatePath(); ok {
		t.Fatal("bundle has no storage state")
	}
}

func TestOpenPicksNewestSession(t *testing.T) {
	parent := t.TempDir()
	writeBundle(t, filepath.Join(parent, "2026-01-01T10-00-00Z"), sampleEntries()[:1], false)
	newest := filepath.Join(parent, "2026-02-01T10-00-00Z")
	writeBundle(t, newest, sampleEntries(), false)

	b, err := Open(parent)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if b.Dir != newest {
		t.Fatalf("Dir = %q, want newest session %q", b.Dir, newest)
	}
}

func TestOpenMissingArchive(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, nil, false)
	if err := os.Remove(filepath.Join(dir, "session.har")); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir); err == nil {
		t.Fatal("expected error for missing archive")
	}
}

func TestGuessStartURL(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, sampleEntries(), false)

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if got := b.GuessStartURL(); got != "https://example.com/home" {
		t.Fatalf("GuessStartURL() = %q", got)
	}
}

func TestGuessStartURLFallsBackToFirstEntry(t *testing.T) {
	dir := t.TempDir()
	entries := []types.HAREntry{
		{
			ResourceType: "xhr",
			Request:      types.HARRequest{Method: "GET", URL: "https://example.com/api"},
			Response:     types.HARResponse{Status: 200},
		},
	}
	writeBundle(t, dir, entries, false)

	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if got := b.GuessStartURL(); got != "https://example.com/api" {
		t.Fatalf("GuessStartURL() = %q", got)
	}
}
