package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/dgnsrekt/webtrace/internal/types"
)

// Page is one attached browser page. It satisfies the surface the
// trajectory executor drives and feeds the recorder's capture hooks.
type Page struct {
	id      target.ID
	ctx     context.Context
	cancel  context.CancelFunc
	shooter *Screenshotter

	mu  sync.RWMutex
	url string
}

func newPage(id target.ID, url string, ctx context.Context, cancel context.CancelFunc, shooter *Screenshotter) *Page {
	return &Page{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		shooter: shooter,
		url:     url,
	}
}

// TargetID returns the CDP target identifier.
func (p *Page) TargetID() target.ID {
	return p.id
}

// URL returns the last URL reported by frame navigation events.
func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *Page) setURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// Viewport returns the current inner window size. Zero when the page is
// not reachable.
func (p *Page) Viewport() types.Viewport {
	ctx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
	defer cancel()

	var dims []int64
	if err := chromedp.Run(ctx, chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &dims)); err != nil || len(dims) != 2 {
		return types.Viewport{}
	}
	return types.Viewport{Width: dims[0], Height: dims[1]}
}

// run executes chromedp actions on the page, honoring the caller context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Navigate drives the page to url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	p.setURL(url)
	return nil
}

// WaitReady blocks until document.readyState reaches the given state
// ("interactive" or "complete").
func (p *Page) WaitReady(ctx context.Context, state string) error {
	accept := map[string]bool{"complete": true}
	if state == "interactive" {
		accept["interactive"] = true
	}

	for {
		var ready string
		if err := p.run(ctx, chromedp.Evaluate(`document.readyState`, &ready)); err != nil {
			return fmt.Errorf("failed to read document ready state: %w", err)
		}
		if accept[ready] {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// MoveMouse moves the pointer to viewport coordinates without clicking.
func (p *Page) MoveMouse(ctx context.Context, x, y float64) error {
	err := p.run(ctx, input.DispatchMouseEvent(input.MouseMoved, x, y))
	if err != nil {
		return fmt.Errorf("failed to move mouse: %w", err)
	}
	return nil
}

// ClickAt dispatches a trusted left click at viewport coordinates.
func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	if err := p.run(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("failed to click at (%v, %v): %w", x, y, err)
	}
	return nil
}

// ClickSelector clicks the first element matching a CSS selector. Fails
// after a bounded wait when no such element appears.
func (p *Page) ClickSelector(ctx context.Context, selector string) error {
	clickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.run(clickCtx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// namedKeys maps recorded key names onto the DevTools key runes.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Backspace":  kb.Backspace,
	"Escape":     kb.Escape,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

// PressKey dispatches a key press for a recorded key name. Unknown
// multi-character names fail so the caller can fall back to typing.
func (p *Page) PressKey(ctx context.Context, key string) error {
	keys, ok := namedKeys[key]
	if !ok {
		if len([]rune(key)) != 1 {
			return fmt.Errorf("unsupported key %q", key)
		}
		keys = key
	}
	if err := p.run(ctx, chromedp.KeyEvent(keys)); err != nil {
		return fmt.Errorf("failed to press %q: %w", key, err)
	}
	return nil
}

// TypeText inserts text into the focused element as a single IME-style
// insertion.
func (p *Page) TypeText(ctx context.Context, text string) error {
	if err := p.run(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("failed to type text: %w", err)
	}
	return nil
}

// Evaluate runs a JS expression on the page, discarding the result.
func (p *Page) Evaluate(ctx context.Context, expr string) error {
	if err := p.run(ctx, chromedp.Evaluate(expr, nil)); err != nil {
		return fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return nil
}

// Screenshot captures the page as PNG, preferring the flicker-free raw
// session and falling back to chromedp.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if p.shooter != nil {
		data, err := p.shooter.Capture(ctx, p.id)
		if err == nil {
			return data, nil
		}
	}

	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Title returns the document title, empty on failure.
func (p *Page) Title(ctx context.Context) string {
	var title string
	if err := p.run(ctx, chromedp.Title(&title)); err != nil {
		return ""
	}
	return title
}

// LocalStorage dumps the page origin's localStorage entries.
func (p *Page) LocalStorage(ctx context.Context) (origin string, entries map[string]string, err error) {
	var dump struct {
		Origin  string            `json:"origin"`
		Entries map[string]string `json:"entries"`
	}
	js := `(() => {
		const entries = {};
		try {
			for (let i = 0; i < localStorage.length; i++) {
				const k = localStorage.key(i);
				entries[k] = localStorage.getItem(k);
			}
		} catch (e) {}
		return {origin: location.origin, entries};
	})()`
	if err := p.run(ctx, chromedp.Evaluate(js, &dump)); err != nil {
		return "", nil, fmt.Errorf("failed to read localStorage: %w", err)
	}
	if strings.HasPrefix(dump.Origin, "about:") || dump.Origin == "null" {
		return "", nil, nil
	}
	return dump.Origin, dump.Entries, nil
}
