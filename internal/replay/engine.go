// Package replay serves recorded network exchanges to a fresh browser
// session so it behaves like the one that produced the bundle, without
// touching the live network.
package replay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgnsrekt/webtrace/internal/types"
	"github.com/dgnsrekt/webtrace/internal/urlnorm"
)

// MissStatus is the diagnostic status served when no recorded entry
// matches and live fallback is disabled.
const MissStatus = 504

// Route is one intercepted request the engine must resolve. The CDP layer
// adapts Fetch.requestPaused events onto this interface.
type Route interface {
	URL() string
	Method() string
	ResourceType() string
	PostData() string

	Fulfill(status int, headers map[string]string, body []byte) error
	Continue() error
	Abort(reason string) error
}

// defaultTelemetryHosts aborts analytics and ad traffic before matching.
var defaultTelemetryHosts = []string{
	"amazon-adsystem",
	"doubleclick",
	"fls-na",
	"google-analytics",
	"metrics",
	"pinpoint",
	"unagi",
}

// similarityTypes are the resource classes eligible for the third matching
// tier. State-carrying exchanges (xhr, fetch, document) must match exactly
// or by normalization, never by similarity.
var similarityTypes = map[string]struct{}{
	urlnorm.ResourceStylesheet: {},
	urlnorm.ResourceScript:     {},
	urlnorm.ResourceImage:      {},
	urlnorm.ResourceFont:       {},
}

// Options configures an Engine.
type Options struct {
	// Strategy supplies URL canonicalization rules; nil uses the defaults.
	Strategy *urlnorm.Strategy
	// TelemetryHosts overrides the built-in hostname keyword deny list.
	TelemetryHosts []string
	// AuthPostURLs lists POST endpoints matched by method and URL only,
	// ignoring body differences. A miss on one of these aborts the request.
	AuthPostURLs []string
	// AllowNetworkFallback lets unmatched requests reach the live network
	// instead of failing with MissStatus.
	AllowNetworkFallback bool
}

// Engine matches intercepted requests against a bundle's archive entries.
// Consumption state is per-engine and never persisted: a fresh replay run
// starts with every entry available again.
type Engine struct {
	entries  []types.HAREntry
	opts     Options
	strategy *urlnorm.Strategy

	mu       sync.Mutex
	consumed map[int]struct{}
	served   map[string]struct{}
	missed   map[string]struct{}
}

// NewEngine creates an engine over the archive entries.
func NewEngine(entries []types.HAREntry, opts Options) *Engine {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = urlnorm.DefaultStrategy()
	}
	if opts.TelemetryHosts == nil {
		opts.TelemetryHosts = defaultTelemetryHosts
	}
	return &Engine{
		entries:  entries,
		opts:     opts,
		strategy: strategy,
		consumed: make(map[int]struct{}),
		served:   make(map[string]struct{}),
		missed:   make(map[string]struct{}),
	}
}

// Handle resolves one intercepted request: abort telemetry, match against
// the archive, fulfill on a hit, and apply the configured miss behavior
// otherwise.
func (e *Engine) Handle(r Route) error {
	method := strings.ToUpper(r.Method())
	rawURL := r.URL()
	resourceType := urlnorm.NormalizeResourceType(r.ResourceType())

	if e.isTelemetry(rawURL) {
		slog.Debug("aborting telemetry request",
			"method", method,
			"url", rawURL)
		return r.Abort("blockedbyclient")
	}

	if method == "POST" && e.isAuthPost(rawURL) {
		entry, ok := e.claim(func(en types.HAREntry) bool {
			return strings.ToUpper(en.Request.Method) == "POST" && en.Request.URL == rawURL
		})
		if !ok {
			slog.Warn("no recorded exchange for auth endpoint, aborting",
				"method", method,
				"url", rawURL)
			return r.Abort("failed")
		}
		return e.fulfill(r, entry)
	}

	entry, reason, ok := e.match(method, rawURL, resourceType, r.PostData())
	if ok {
		e.markServed(rawURL)
		slog.Debug("serving recorded exchange",
			"method", method,
			"url", rawURL,
			"tier", reason)
		return e.fulfill(r, entry)
	}

	e.markMissed(rawURL)
	slog.Warn("no recorded exchange for request",
		"method", method,
		"url", rawURL,
		"resource_type", resourceType)

	if e.opts.AllowNetworkFallback {
		return r.Continue()
	}
	body := fmt.Sprintf("offline bundle missing resource for %s %s", method, rawURL)
	return r.Fulfill(MissStatus, map[string]string{"content-type": "text/plain"}, []byte(body))
}

// match runs the tiers in order. Each tier skips consumed entries; a hit
// marks the entry consumed before it is returned, so a recorded exchange is
// served at most once per session.
func (e *Engine) match(method, rawURL, resourceType, postData string) (types.HAREntry, string, bool) {
	if method == "POST" {
		routeBody := []byte(postData)
		entry, ok := e.claim(func(en types.HAREntry) bool {
			if strings.ToUpper(en.Request.Method) != "POST" || en.Request.URL != rawURL {
				return false
			}
			return bytes.Equal(decodePostBody(en.Request.PostData), routeBody)
		})
		return entry, "exact", ok
	}

	entry, ok := e.claim(func(en types.HAREntry) bool {
		return strings.ToUpper(en.Request.Method) == method && en.Request.URL == rawURL
	})
	if ok {
		return entry, "exact", true
	}

	normalized := urlnorm.Normalize(rawURL, resourceType, e.strategy)
	entry, ok = e.claim(func(en types.HAREntry) bool {
		if strings.ToUpper(en.Request.Method) != method {
			return false
		}
		return urlnorm.Normalize(en.Request.URL, resourceType, e.strategy) == normalized
	})
	if ok {
		return entry, "normalized", true
	}

	if _, eligible := similarityTypes[resourceType]; !eligible || method != "GET" {
		return types.HAREntry{}, "", false
	}

	key := urlnorm.SimilarityKey(rawURL, resourceType, e.strategy)
	entry, ok = e.claim(func(en types.HAREntry) bool {
		if strings.ToUpper(en.Request.Method) != method {
			return false
		}
		return urlnorm.SimilarityKey(en.Request.URL, resourceType, e.strategy) == key
	})
	if ok {
		return entry, "similarity", true
	}
	return types.HAREntry{}, "", false
}

// claim finds the first unconsumed entry satisfying pred and consumes it.
func (e *Engine) claim(pred func(types.HAREntry) bool) (types.HAREntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for idx, entry := range e.entries {
		if _, used := e.consumed[idx]; used {
			continue
		}
		if pred(entry) {
			e.consumed[idx] = struct{}{}
			return entry, true
		}
	}
	return types.HAREntry{}, false
}

func (e *Engine) fulfill(r Route, entry types.HAREntry) error {
	body, err := decodeContent(entry.Response.Content)
	if err != nil {
		slog.Warn("failed to decode recorded body",
			"url", entry.Request.URL,
			"error", err)
		body = nil
	}

	headers := make(map[string]string, len(entry.Response.Headers))
	for _, h := range entry.Response.Headers {
		switch strings.ToLower(h.Name) {
		case "content-encoding", "transfer-encoding", "content-length":
			// Bodies are stored decoded; these no longer apply.
			continue
		}
		headers[h.Name] = h.Value
	}
	headers["content-length"] = strconv.Itoa(len(body))

	status := entry.Response.Status
	if status == 0 {
		status = 200
	}
	return r.Fulfill(status, headers, body)
}

// decodePostBody recovers the raw recorded request payload. Binary bodies
// are archived base64-encoded; a fresh route carries the raw bytes, so the
// comparison has to happen on the decoded form.
func decodePostBody(pd *types.HARPostData) []byte {
	if pd == nil || pd.Text == "" {
		return nil
	}
	if pd.Encoding == "base64" {
		if b, err := base64.StdEncoding.DecodeString(pd.Text); err == nil {
			return b
		}
	}
	return []byte(pd.Text)
}

func decodeContent(c types.HARContent) ([]byte, error) {
	if c.Text == "" {
		return nil, nil
	}
	if c.Encoding == "base64" {
		return base64.StdEncoding.DecodeString(c.Text)
	}
	return []byte(c.Text), nil
}

func (e *Engine) isTelemetry(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, keyword := range e.opts.TelemetryHosts {
		if keyword != "" && strings.Contains(host, keyword) {
			return true
		}
	}
	return false
}

func (e *Engine) isAuthPost(rawURL string) bool {
	for _, prefix := range e.opts.AuthPostURLs {
		if prefix != "" && strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) markServed(url string) {
	e.mu.Lock()
	e.served[url] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) markMissed(url string) {
	e.mu.Lock()
	e.missed[url] = struct{}{}
	e.mu.Unlock()
}

// ConsumedCount reports how many archive entries have been served.
func (e *Engine) ConsumedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.consumed)
}

// WriteLogs dumps the served and missed URL sets to cached.log and
// not-found.log under dir, for diagnosing capture gaps after a run.
func (e *Engine) WriteLogs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	e.mu.Lock()
	served := sortedKeys(e.served)
	missed := sortedKeys(e.missed)
	e.mu.Unlock()

	if len(served) > 0 {
		path := filepath.Join(dir, "cached.log")
		if err := os.WriteFile(path, []byte(strings.Join(served, "\n")+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write served log: %w", err)
		}
	}
	if len(missed) > 0 {
		path := filepath.Join(dir, "not-found.log")
		if err := os.WriteFile(path, []byte(strings.Join(missed, "\n")+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write miss log: %w", err)
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
