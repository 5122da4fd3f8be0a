package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/webtrace/internal/store"
	"github.com/dgnsrekt/webtrace/internal/types"
)

// Page is the live-page surface the trajectory executor drives. The CDP
// layer provides the real implementation.
type Page interface {
	URL() string
	Viewport() types.Viewport

	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context, state string) error

	MoveMouse(ctx context.Context, x, y float64) error
	ClickAt(ctx context.Context, x, y float64) error
	ClickSelector(ctx context.Context, selector string) error
	PressKey(ctx context.Context, key string) error
	TypeText(ctx context.Context, text string) error
	Evaluate(ctx context.Context, expr string) error
}

// Executor walks a recorded step list against a live page to reproduce
// the original user path. A failing step stops the walk: every later step
// assumed the failed one happened, so continuing would replay a divergent
// session while looking successful.
type Executor struct {
	steps          []*store.Step
	humanPace      bool
	initialNavDone bool
	interStepDelay time.Duration
	humanStepDelay time.Duration
}

// NewExecutor creates an executor over steps. With humanPace the walk
// slows down to roughly human reaction speed.
func NewExecutor(steps []*store.Step, humanPace bool) *Executor {
	return &Executor{
		steps:          steps,
		humanPace:      humanPace,
		interStepDelay: 100 * time.Millisecond,
		humanStepDelay: 200 * time.Millisecond,
	}
}

// Run executes every step in order. Returns the first step failure,
// annotated with the step's id and event type.
func (x *Executor) Run(ctx context.Context, page Page) error {
	if url := page.URL(); url != "" && url != "about:blank" {
		x.initialNavDone = true
	}

	for _, step := range x.steps {
		if err := x.runStep(ctx, page, step); err != nil {
			slog.Error("trajectory step failed, stopping walk",
				"step_id", step.ID,
				"event_type", step.EventType,
				"error", err)
			return fmt.Errorf("step %d (%s): %w", step.ID, step.EventType, err)
		}

		delay := x.interStepDelay
		if x.humanPace {
			delay = x.humanStepDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (x *Executor) runStep(ctx context.Context, page Page, step *store.Step) error {
	et := types.ParseEventType(step.EventType)

	var payload types.EventPayload
	if step.EventData != "" {
		if err := json.Unmarshal([]byte(step.EventData), &payload); err != nil {
			slog.Debug("unparseable event data, treating as empty",
				"step_id", step.ID)
		}
	}

	switch et.Category {
	case types.CategoryState:
		return x.handleState(ctx, page, et, payload)
	case types.CategoryAction:
		if et.Subject == types.SubjectUser {
			return x.handleUserAction(ctx, page, et.Action, payload)
		}
	}
	return nil
}

func (x *Executor) handleState(ctx context.Context, page Page, et types.EventType, payload types.EventPayload) error {
	if et.Subject == types.SubjectBrowser && et.Action == types.ActionNavigated {
		if payload.URL == "" || payload.URL == "about:blank" {
			return nil
		}
		// Only the first navigation is driven directly. Later ones are
		// consequences of clicks and submits the walk will reproduce.
		if !x.initialNavDone || urlsDiffer(page.URL(), payload.URL) {
			slog.Info("navigating", "url", payload.URL)
			if err := page.Navigate(ctx, payload.URL); err != nil {
				return fmt.Errorf("navigate to %s: %w", payload.URL, err)
			}
			x.initialNavDone = true
		}
		return nil
	}

	if et.Subject == types.SubjectPage {
		switch et.Action {
		case types.ActionDOMContentLoaded:
			return x.waitReady(ctx, page, "domcontentloaded")
		case types.ActionLoaded:
			return x.waitReady(ctx, page, "load")
		}
	}
	return nil
}

// waitReady tolerates timeouts: a page that settled before the wait began
// never fires the event again.
func (x *Executor) waitReady(ctx context.Context, page Page, state string) error {
	if err := page.WaitReady(ctx, state); err != nil {
		slog.Debug("load wait skipped", "state", state, "error", err)
	}
	return nil
}

func (x *Executor) handleUserAction(ctx context.Context, page Page, action string, payload types.EventPayload) error {
	switch action {
	case types.ActionClick:
		return x.click(ctx, page, payload)
	case types.ActionHover:
		return x.hover(ctx, page, payload)
	case types.ActionScroll:
		return x.scroll(ctx, page, payload)
	case types.ActionInput:
		return x.input(ctx, page, payload)
	case types.ActionKeydown:
		return x.keydown(ctx, page, payload)
	case types.ActionSubmit:
		return x.submit(ctx, page, payload)
	}
	return nil
}

func (x *Executor) click(ctx context.Context, page Page, payload types.EventPayload) error {
	pt, ok := extractPoint(payload)
	if !ok {
		selector := buildSelector(payload)
		if selector == "" {
			return nil
		}
		return page.ClickSelector(ctx, selector)
	}
	pt = clampToViewport(pt, page.Viewport())
	if err := page.MoveMouse(ctx, pt.X, pt.Y); err != nil {
		return err
	}
	return page.ClickAt(ctx, pt.X, pt.Y)
}

func (x *Executor) hover(ctx context.Context, page Page, payload types.EventPayload) error {
	pt, ok := extractPoint(payload)
	if !ok {
		return nil
	}
	pt = clampToViewport(pt, page.Viewport())
	return page.MoveMouse(ctx, pt.X, pt.Y)
}

func (x *Executor) scroll(ctx context.Context, page Page, payload types.EventPayload) error {
	if payload.X == nil || payload.Y == nil {
		slog.Warn("scroll step without coordinates, skipping")
		return nil
	}
	expr := fmt.Sprintf(`(() => {
		window.scrollTo({left: %[1]v, top: %[2]v, behavior: 'instant'});
		if (document.documentElement) {
			document.documentElement.scrollLeft = %[1]v;
			document.documentElement.scrollTop = %[2]v;
		}
	})()`, *payload.X, *payload.Y)
	return page.Evaluate(ctx, expr)
}

func (x *Executor) input(ctx context.Context, page Page, payload types.EventPayload) error {
	if payload.Value == "" && payload.Element == nil {
		return nil
	}
	args, err := json.Marshal(map[string]any{
		"value":   payload.Value,
		"element": payload.Element,
	})
	if err != nil {
		return err
	}
	expr := fmt.Sprintf(`((data) => {
		const el = data.element || {};
		let target = null;
		if (el.id) target = document.getElementById(el.id);
		if (!target && el.className) {
			const sel = (el.tag || '*').toLowerCase() + el.className.split(/\s+/)
				.filter(Boolean).map(c => '.' + CSS.escape(c)).join('');
			target = document.querySelector(sel);
		}
		if (!target) target = document.activeElement;
		if (!target || !('value' in target)) return false;
		target.value = data.value;
		target.dispatchEvent(new Event('input', {bubbles: true}));
		target.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})(%s)`, args)
	return page.Evaluate(ctx, expr)
}

func (x *Executor) keydown(ctx context.Context, page Page, payload types.EventPayload) error {
	if payload.Key == "" {
		return nil
	}
	if err := page.PressKey(ctx, payload.Key); err != nil {
		// Unknown key names are typed out literally.
		return page.TypeText(ctx, payload.Key)
	}
	return nil
}

// submit escalates through increasingly generic strategies and only fails
// when every one of them does.
func (x *Executor) submit(ctx context.Context, page Page, payload types.EventPayload) error {
	args, err := json.Marshal(payload.Element)
	if err != nil {
		args = []byte("null")
	}
	matched := fmt.Sprintf(`((el) => {
		el = el || {};
		let form = null;
		if (el.id) form = document.getElementById(el.id);
		if (!form && el.className) {
			const sel = (el.tag || 'form').toLowerCase() + el.className.split(/\s+/)
				.filter(Boolean).map(c => '.' + CSS.escape(c)).join('');
			form = document.querySelector(sel);
		}
		if (!form) {
			const active = document.activeElement;
			if (active && active.form) form = active.form;
		}
		if (!form) throw new Error('no matching form');
		if (typeof form.requestSubmit === 'function') form.requestSubmit();
		else form.submit();
	})(%s)`, args)

	if err := page.Evaluate(ctx, matched); err == nil {
		return nil
	}
	if err := page.ClickSelector(ctx, `button[type="submit"], input[type="submit"]`); err == nil {
		return nil
	}
	if err := page.PressKey(ctx, "Enter"); err == nil {
		return nil
	}
	firstForm := `(() => {
		const form = document.querySelector('form');
		if (!form) throw new Error('no form on page');
		if (typeof form.requestSubmit === 'function') form.requestSubmit();
		else form.submit();
	})()`
	if err := page.Evaluate(ctx, firstForm); err != nil {
		return fmt.Errorf("all submit strategies failed: %w", err)
	}
	return nil
}

// extractPoint resolves recorded coordinates: client over page over offset,
// then relative scaled by the recorded viewport, then flat x/y, then the
// element rect center.
func extractPoint(payload types.EventPayload) (types.Point, bool) {
	if c := payload.Coordinates; c != nil {
		for _, p := range []*types.Point{c.Client, c.Page, c.Offset} {
			if p != nil {
				return *p, true
			}
		}
		if c.Relative != nil {
			vp := payload.Viewport
			if vp != nil && vp.Width > 0 && vp.Height > 0 {
				return types.Point{
					X: c.Relative.X * float64(vp.Width),
					Y: c.Relative.Y * float64(vp.Height),
				}, true
			}
		}
	}
	if payload.X != nil && payload.Y != nil {
		return types.Point{X: *payload.X, Y: *payload.Y}, true
	}
	if r := payload.ElementRect; r != nil {
		return types.Point{X: r.Left + r.Width/2, Y: r.Top + r.Height/2}, true
	}
	return types.Point{}, false
}

// clampToViewport keeps recorded coordinates inside the current viewport,
// which may be smaller than the capture-time one.
func clampToViewport(pt types.Point, vp types.Viewport) types.Point {
	if vp.Width <= 0 || vp.Height <= 0 {
		return pt
	}
	if pt.X < 0 {
		pt.X = 0
	}
	if max := float64(vp.Width) - 1; pt.X > max {
		pt.X = max
	}
	if pt.Y < 0 {
		pt.Y = 0
	}
	if max := float64(vp.Height) - 1; pt.Y > max {
		pt.Y = max
	}
	return pt
}

func buildSelector(payload types.EventPayload) string {
	el := payload.Element
	if el == nil {
		return ""
	}
	if el.ID != "" {
		return "#" + cssEscape(el.ID)
	}
	if el.ClassName != "" {
		var classes []string
		for _, part := range strings.Fields(el.ClassName) {
			classes = append(classes, "."+cssEscape(part))
		}
		if len(classes) > 0 {
			tag := "*"
			if el.Tag != "" {
				tag = strings.ToLower(el.Tag)
			}
			return tag + strings.Join(classes, "")
		}
	}
	return ""
}

var cssEscaper = strings.NewReplacer(
	"\n", "\\A ",
	"\r", "",
	"\f", "\\C ",
	"\t", " ",
	`"`, `\"`,
	"'", `\'`,
	"#", `\#`,
	":", `\:`,
)

func cssEscape(s string) string {
	return cssEscaper.Replace(s)
}

func urlsDiffer(current, target string) bool {
	if current == "" {
		return true
	}
	return strings.TrimRight(current, "/") != strings.TrimRight(target, "/")
}
