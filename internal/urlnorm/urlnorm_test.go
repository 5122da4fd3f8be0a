package urlnorm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeStripsDynamicParams(t *testing.T) {
	s := DefaultStrategy()

	tests := []struct {
		name         string
		url          string
		resourceType string
		want         string
	}{
		{
			name:         "cache_buster_removed",
			url:          "https://example.com/a?cb=123",
			resourceType: ResourceXHR,
			want:         "https://example.com/a",
		},
		{
			name:         "stable_params_kept_and_sorted",
			url:          "https://example.com/search?q=shoes&page=2&_=1699999999",
			resourceType: ResourceXHR,
			want:         "https://example.com/search?page=2&q=shoes",
		},
		{
			name:         "tracking_params_removed",
			url:          "https://example.com/p?utm_source=mail&utm_campaign=x&id=42",
			resourceType: ResourceDocument,
			want:         "https://example.com/p?id=42",
		},
		{
			name:         "fragment_dropped",
			url:          "https://example.com/docs#section-3",
			resourceType: ResourceDocument,
			want:         "https://example.com/docs",
		},
		{
			name:         "bundle_suffix_collapsed",
			url:          "https://m.example-cdn.com/images/I/31abc._RC|41def.css,51ghi.css_.css?AUIClients/Retail",
			resourceType: ResourceStylesheet,
			want:         "https://m.example-cdn.com/images/I/31abc._RC|",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.url, tt.resourceType, s)
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestNormalizeCollapsesHashySegments(t *testing.T) {
	s := DefaultStrategy()

	a := Normalize("https://cdn.example.com/build/1A2B3C4D5E6F/app.js", ResourceScript, s)
	b := Normalize("https://cdn.example.com/build/9Z8Y7X6W5V4U/app.js", ResourceScript, s)
	if a != b {
		t.Fatalf("expected hashy build dirs to unify, got %q vs %q", a, b)
	}

	// Non-asset resources keep their paths verbatim.
	c := Normalize("https://api.example.com/v1/ABCDEFGHIJKLMNOP/items", ResourceXHR, s)
	if c != "https://api.example.com/v1/ABCDEFGHIJKLMNOP/items" {
		t.Fatalf("xhr path should be untouched, got %q", c)
	}
}

func TestSimilarityKeyImages(t *testing.T) {
	s := DefaultStrategy()

	small := SimilarityKey("https://img.example.com/images/I/71xyz._AC_UL200_SR200,200_.jpg", ResourceImage, s)
	large := SimilarityKey("https://img.example.com/images/I/71xyz._AC_UL480_SR480,480_.jpg", ResourceImage, s)
	if small != large {
		t.Fatalf("responsive variants should share a key, got %q vs %q", small, large)
	}
	if small != "https://img.example.com/images/I/71xyz.jpg" {
		t.Fatalf("unexpected image key %q", small)
	}

	other := SimilarityKey("https://img.example.com/images/I/99other._SL1500_.jpg", ResourceImage, s)
	if other == small {
		t.Fatalf("distinct images must not collide")
	}
}

func TestSimilarityKeyFonts(t *testing.T) {
	s := DefaultStrategy()

	woff := SimilarityKey("https://fonts.example.com/static/brand-regular.woff", ResourceFont, s)
	woff2 := SimilarityKey("https://fonts.example.com/static/brand-regular.woff2", ResourceFont, s)
	if woff != woff2 {
		t.Fatalf("woff/woff2 should unify, got %q vs %q", woff, woff2)
	}
}

func TestSimilarityKeyFallsBackToNormalize(t *testing.T) {
	s := DefaultStrategy()

	key := SimilarityKey("https://example.com/a?cb=777", ResourceXHR, s)
	if key != "https://example.com/a" {
		t.Fatalf("expected normalized fallback, got %q", key)
	}
}

func TestLoadStrategyOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	content := "dynamic_params:\n  - session\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write strategy file: %v", err)
	}

	s, err := LoadStrategy(path)
	if err != nil {
		t.Fatalf("LoadStrategy() failed: %v", err)
	}

	got := Normalize("https://example.com/a?session=abc&cb=1", ResourceXHR, s)
	if got != "https://example.com/a?cb=1" {
		t.Fatalf("override should replace dynamic param set, got %q", got)
	}
}
