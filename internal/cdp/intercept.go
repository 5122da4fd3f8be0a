package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// routeTimeout bounds how long a single paused request may take to
// resolve before the browser is left to its own devices.
const routeTimeout = 15 * time.Second

// fetchRoute adapts a Fetch.requestPaused event onto the match engine's
// route surface. Each route resolves exactly once.
type fetchRoute struct {
	pageCtx context.Context
	ev      *fetch.EventRequestPaused
}

func newFetchRoute(pageCtx context.Context, ev *fetch.EventRequestPaused) *fetchRoute {
	return &fetchRoute{pageCtx: pageCtx, ev: ev}
}

func (r *fetchRoute) URL() string {
	return r.ev.Request.URL
}

func (r *fetchRoute) Method() string {
	return r.ev.Request.Method
}

func (r *fetchRoute) ResourceType() string {
	return strings.ToLower(string(r.ev.ResourceType))
}

func (r *fetchRoute) PostData() string {
	entries := r.ev.Request.PostDataEntries
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		if e == nil || e.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			b.WriteString(e.Bytes)
			continue
		}
		b.Write(decoded)
	}
	return b.String()
}

func (r *fetchRoute) Fulfill(status int, headers map[string]string, body []byte) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}

	err := r.do(func(ctx context.Context) error {
		params := fetch.FulfillRequest(r.ev.RequestID, int64(status))
		if len(entries) > 0 {
			params = params.WithResponseHeaders(entries)
		}
		if len(body) > 0 {
			params = params.WithBody(base64.StdEncoding.EncodeToString(body))
		}
		return params.Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to fulfill request: %w", err)
	}
	return nil
}

func (r *fetchRoute) Continue() error {
	err := r.do(func(ctx context.Context) error {
		return fetch.ContinueRequest(r.ev.RequestID).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to continue request: %w", err)
	}
	return nil
}

func (r *fetchRoute) Abort(reason string) error {
	err := r.do(func(ctx context.Context) error {
		return fetch.FailRequest(r.ev.RequestID, errorReason(reason)).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to abort request: %w", err)
	}
	return nil
}

func (r *fetchRoute) do(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(r.pageCtx, routeTimeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.ActionFunc(fn))
}

// errorReason maps engine abort reasons onto protocol error reasons.
func errorReason(reason string) network.ErrorReason {
	switch reason {
	case "blockedbyclient":
		return network.ErrorReasonBlockedByClient
	case "aborted":
		return network.ErrorReasonAborted
	case "accessdenied":
		return network.ErrorReasonAccessDenied
	default:
		return network.ErrorReasonFailed
	}
}
