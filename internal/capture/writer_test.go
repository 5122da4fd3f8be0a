package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/webtrace/internal/types"
)

func TestArchiveWriterFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.har")
	w := NewArchiveWriter(path, 16)

	for _, url := range []string{"https://a.example/", "https://b.example/x.js"} {
		err := w.Add(types.HAREntry{
			Request:  types.HARRequest{Method: "GET", URL: url},
			Response: types.HARResponse{Status: 200},
		})
		if err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("archive must not exist before Close")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("archive not written: %v", err)
	}
	var doc types.HAR
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("archive is not valid JSON: %v", err)
	}
	if len(doc.Log.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(doc.Log.Entries))
	}
	if doc.Log.Version != "1.2" {
		t.Fatalf("version = %q", doc.Log.Version)
	}
	if doc.Log.Entries[1].Request.URL != "https://b.example/x.js" {
		t.Fatal("entry order not preserved")
	}
}

func TestArchiveWriterAddAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.har")
	w := NewArchiveWriter(path, 4)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := w.Add(types.HAREntry{}); err == nil {
		t.Fatal("Add after Close should fail")
	}
	if err := w.Close(); err == nil {
		t.Fatal("second Close should fail")
	}
}
