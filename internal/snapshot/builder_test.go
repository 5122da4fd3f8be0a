package snapshot

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dgnsrekt/webtrace/internal/types"
)

func TestBuildRendersTree(t *testing.T) {
	root := &Node{
		Role: "WebArea",
		Name: "Checkout",
		Children: []*Node{
			{Role: "button", Name: "Place order", States: []string{"disabled"}},
			{Role: "textbox", Name: "Email", Value: "a@example.com"},
		},
	}
	wc := 42
	info := PageInfo{
		URL:       "https://example.com/checkout",
		Title:     "Checkout",
		Viewport:  &types.Viewport{Width: 1280, Height: 720},
		WordCount: &wc,
	}

	doc, meta := Build(root, info, "event", "action:user:click")

	for _, want := range []string{
		`url: "https://example.com/checkout"`,
		"viewport:",
		"  width: 1280",
		"elements:",
		`  - WebArea "Checkout" [ref=e1]`,
		`- button "Place order" [disabled] [ref=e2] [interactive]`,
		`- textbox "Email" [value="a@example.com"] [ref=e3] [interactive]`,
		`path: "WebArea > button"`,
		"text_word_count: 42",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}

	if meta.ElementCount != 3 {
		t.Fatalf("ElementCount = %d, want 3", meta.ElementCount)
	}
	if meta.Truncated {
		t.Fatal("unexpected truncation")
	}
	if meta.EventType != "action:user:click" {
		t.Fatalf("EventType = %q", meta.EventType)
	}
}

func TestBuildSkipsRolelessContainers(t *testing.T) {
	root := &Node{
		Children: []*Node{
			{Role: "link", Name: "Home"},
		},
	}

	doc, meta := Build(root, PageInfo{}, "event", "state:page:loaded")

	if !strings.Contains(doc, `  - link "Home" [ref=e1]`) {
		t.Fatalf("child should render at top indent:\n%s", doc)
	}
	if meta.ElementCount != 1 {
		t.Fatalf("ElementCount = %d, want 1", meta.ElementCount)
	}
}

func TestBuildTruncatesAtCap(t *testing.T) {
	root := &Node{Role: "WebArea"}
	for i := 0; i < MaxNodes+50; i++ {
		root.Children = append(root.Children, &Node{Role: "link", Name: "item"})
	}

	doc, meta := Build(root, PageInfo{}, "event", "state:page:loaded")

	if !meta.Truncated {
		t.Fatal("expected truncation")
	}
	if meta.ElementCount != MaxNodes {
		t.Fatalf("ElementCount = %d, want %d", meta.ElementCount, MaxNodes)
	}
	if got := strings.Count(doc, "[truncated]"); got != 1 {
		t.Fatalf("truncation marker count = %d, want 1", got)
	}
}

func TestBuildNilRoot(t *testing.T) {
	doc, meta := Build(nil, PageInfo{URL: "about:blank"}, "event", "state:page:loaded")

	if !strings.Contains(doc, "No accessibility content available") {
		t.Fatalf("missing placeholder:\n%s", doc)
	}
	if meta.ElementCount != 0 {
		t.Fatalf("ElementCount = %d, want 0", meta.ElementCount)
	}
}

func TestCleanTextBoundsLength(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := cleanText(long)
	if len(got) != maxTextLength {
		t.Fatalf("len = %d, want %d", len(got), maxTextLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got)
	}

	if got := cleanText("  a \n b  "); got != "a b" {
		t.Fatalf("whitespace collapse = %q", got)
	}
}

func TestCleanTextTruncatesOnRuneBoundary(t *testing.T) {
	// Three-byte runes offset so the naive byte cut lands mid-rune.
	long := "a" + strings.Repeat("語", 100)
	got := cleanText(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("missing ellipsis: %q", got)
	}
	if len(got) > maxTextLength {
		t.Fatalf("len = %d, want <= %d", len(got), maxTextLength)
	}
}
