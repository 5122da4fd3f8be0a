// Package cdp attaches to a Chromium instance over the DevTools protocol
// and bridges browser events into the recording and replay layers.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/webtrace/internal/recorder"
	"github.com/dgnsrekt/webtrace/internal/replay"
	"github.com/dgnsrekt/webtrace/internal/types"
)

// Config wires a session to its consumers. All callbacks are optional:
// a replay session runs without a recorder, a capture session without a
// route handler.
type Config struct {
	// BrowserURL is the DevTools HTTP endpoint, e.g. "http://127.0.0.1:9222".
	BrowserURL string
	// Recorder receives UI and lifecycle step events.
	Recorder *recorder.Recorder
	// Network receives request/response events for archiving.
	Network *recorder.NetworkCapture
	// OnPageCount is invoked whenever the number of open pages changes.
	OnPageCount func(open int)
	// HandleRoute resolves intercepted requests. When set, every page
	// request pauses at the Fetch domain and is dispatched here.
	HandleRoute func(replay.Route)
	// URLFilter restricts attachment to pages whose URL contains the
	// filter string (case-insensitive). Empty attaches to every page.
	URLFilter string
}

// Session manages CDP connections to the browser and its pages.
type Session struct {
	cfg Config

	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	registry *pageRegistry
	shooter  *Screenshotter

	closeOnce sync.Once
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:      cfg,
		registry: newPageRegistry(),
	}
}

// Connect dials the browser, attaches to existing pages, and turns on
// target discovery so later pages attach automatically.
func (s *Session) Connect(ctx context.Context) error {
	slog.Info("connecting to browser", "url", s.cfg.BrowserURL)

	s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), s.cfg.BrowserURL)
	s.rootCtx, s.rootCancel = chromedp.NewContext(s.allocCtx)

	if err := chromedp.Run(s.rootCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	s.shooter = NewScreenshotter(s.cfg.BrowserURL)

	chromedp.ListenBrowser(s.rootCtx, s.onBrowserEvent)
	if err := chromedp.Run(s.rootCtx, target.SetDiscoverTargets(true)); err != nil {
		return fmt.Errorf("failed to enable target discovery: %w", err)
	}

	targets, err := chromedp.Targets(s.rootCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if err := s.attachPage(t.TargetID, t.URL); err != nil {
			slog.Error("failed to attach to page", "target_id", t.TargetID, "url", t.URL, "error", err)
		}
	}

	slog.Info("session connected", "pages", s.registry.Count())
	return nil
}

func (s *Session) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo.Type != "page" {
			return
		}
		go func() {
			if err := s.attachPage(e.TargetInfo.TargetID, e.TargetInfo.URL); err != nil {
				slog.Error("failed to attach to new page",
					"target_id", e.TargetInfo.TargetID, "error", err)
			}
		}()
	case *target.EventTargetDestroyed:
		p, ok := s.registry.Remove(e.TargetID)
		if !ok {
			return
		}
		p.cancel()
		slog.Info("page closed", "target_id", e.TargetID, "url", truncateURL(p.URL()))
		s.recordLifecycle(types.SubjectBrowser, types.ActionTabClosed, types.EventPayload{URL: p.URL()})
		s.notifyPageCount()
	}
}

// attachPage creates a dedicated chromedp context for the target and wires
// event handling. Safe to call twice for the same target.
func (s *Session) attachPage(targetID target.ID, url string) error {
	if !s.matchesURLFilter(url) {
		slog.Debug("skipping page (url filter)", "url", url)
		return nil
	}
	if _, ok := s.registry.Get(targetID); ok {
		return nil
	}

	pageCtx, pageCancel := chromedp.NewContext(s.allocCtx, chromedp.WithTargetID(targetID))
	p := newPage(targetID, url, pageCtx, pageCancel, s.shooter)

	actions := []chromedp.Action{
		network.Enable(),
		network.SetCacheDisabled(true),
		page.Enable(),
		runtime.Enable(),
	}
	if s.cfg.Recorder != nil {
		actions = append(actions,
			runtime.AddBinding(bindingName),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(listenerScript).Do(ctx)
				return err
			}),
		)
	}
	if s.cfg.HandleRoute != nil {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}))
	}

	if err := chromedp.Run(pageCtx, actions...); err != nil {
		pageCancel()
		return fmt.Errorf("failed to enable page domains: %w", err)
	}

	chromedp.ListenTarget(pageCtx, s.pageEventHandler(p))

	if s.cfg.Recorder != nil {
		// The injected script only reaches future documents; cover the
		// one already loaded.
		if err := chromedp.Run(pageCtx, chromedp.Evaluate(listenerScript, nil)); err != nil {
			slog.Warn("failed to inject listener into current document",
				"target_id", targetID, "error", err)
		}
	}

	s.registry.Put(p)
	slog.Info("attached to page", "target_id", targetID, "url", truncateURL(url))
	s.recordLifecycle(types.SubjectBrowser, types.ActionTabOpened, types.EventPayload{URL: url})
	s.notifyPageCount()
	return nil
}

func (s *Session) pageEventHandler(p *Page) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID != "" {
				return
			}
			p.setURL(e.Frame.URL)
			s.recordLifecycle(types.SubjectBrowser, types.ActionNavigated, types.EventPayload{URL: e.Frame.URL})
		case *page.EventNavigatedWithinDocument:
			p.setURL(e.URL)
			s.recordLifecycle(types.SubjectBrowser, types.ActionNavigated, types.EventPayload{URL: e.URL})
		case *page.EventFrameRequestedNavigation:
			s.recordLifecycle(types.SubjectBrowser, types.ActionNavigateStart, types.EventPayload{URL: e.URL})
		case *page.EventDomContentEventFired:
			s.recordLifecycle(types.SubjectPage, types.ActionDOMContentLoaded, types.EventPayload{URL: p.URL()})
		case *page.EventLoadEventFired:
			s.recordLifecycle(types.SubjectPage, types.ActionLoaded, types.EventPayload{URL: p.URL()})
		case *runtime.EventBindingCalled:
			if e.Name != bindingName || s.cfg.Recorder == nil {
				return
			}
			step, err := decodeBindingPayload(e.Payload)
			if err != nil {
				slog.Warn("dropping malformed listener event", "error", err)
				return
			}
			if err := s.cfg.Recorder.Record(step); err != nil {
				slog.Warn("failed to record listener event", "error", err)
			}
		case *network.EventRequestWillBeSent:
			if s.cfg.Network != nil {
				s.cfg.Network.OnRequestWillBeSent(e)
			}
		case *network.EventResponseReceived:
			if s.cfg.Network != nil {
				s.cfg.Network.OnResponseReceived(e)
			}
		case *network.EventLoadingFinished:
			if s.cfg.Network == nil {
				return
			}
			pageCtx := p.ctx
			getBody := func() ([]byte, error) {
				bodyCtx, bodyCancel := context.WithTimeout(pageCtx, 10*time.Second)
				defer bodyCancel()

				var body []byte
				err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(e.RequestID).Do(ctx)
					return err
				}))
				return body, err
			}
			s.cfg.Network.OnLoadingFinished(e, getBody)
		case *network.EventLoadingFailed:
			if s.cfg.Network != nil {
				s.cfg.Network.OnLoadingFailed(e)
			}
		case *fetch.EventRequestPaused:
			if s.cfg.HandleRoute == nil {
				return
			}
			route := newFetchRoute(p.ctx, e)
			go s.cfg.HandleRoute(route)
		}
	}
}

func (s *Session) recordLifecycle(subject types.EventSubject, action string, data types.EventPayload) {
	if s.cfg.Recorder == nil {
		return
	}
	ev := types.StepEvent{
		Type: types.EventType{Category: types.CategoryState, Subject: subject, Action: action},
		Data: data,
	}
	if err := s.cfg.Recorder.Record(ev); err != nil {
		slog.Warn("failed to record lifecycle event", "action", action, "error", err)
	}
}

func (s *Session) notifyPageCount() {
	if s.cfg.OnPageCount != nil {
		s.cfg.OnPageCount(s.registry.Count())
	}
}

// Pages returns the currently attached pages.
func (s *Session) Pages() []*Page {
	return s.registry.All()
}

// FirstPage returns an attached page, or an error when none are open.
func (s *Session) FirstPage() (*Page, error) {
	pages := s.registry.All()
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages attached")
	}
	return pages[0], nil
}

// OpenPageCount reports the number of attached pages.
func (s *Session) OpenPageCount() int {
	return s.registry.Count()
}

// NewPage opens a fresh blank page and waits for it to attach.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	var id target.ID
	err := chromedp.Run(s.rootCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		id, err = target.CreateTarget("about:blank").Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := s.registry.Get(id); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("page %s did not attach in time", id)
}

// ClosePages gracefully closes every attached page.
func (s *Session) ClosePages(ctx context.Context) error {
	var firstErr error
	for _, p := range s.registry.All() {
		closeCtx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := chromedp.Run(closeCtx, page.Close())
		cancel()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close page %s: %w", p.id, err)
		}
	}
	return firstErr
}

// Close tears down every page context and the browser connection. The
// browser process itself keeps running.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		for _, p := range s.registry.All() {
			p.cancel()
		}
		if s.shooter != nil {
			s.shooter.Close()
		}
		if s.rootCancel != nil {
			s.rootCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
		slog.Info("session closed")
	})
	return nil
}

func (s *Session) matchesURLFilter(url string) bool {
	if s.cfg.URLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(s.cfg.URLFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
