package recorder

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"

	"github.com/dgnsrekt/webtrace/internal/capture"
	"github.com/dgnsrekt/webtrace/internal/store"
	"github.com/dgnsrekt/webtrace/internal/types"
	"github.com/dgnsrekt/webtrace/internal/urlnorm"
)

// rowBodyMaxBytes caps response bodies stored in correlation rows.
const rowBodyMaxBytes = 2 * 1024 * 1024

// extract runs one defensive field read. Failures surface as a debug
// diagnostic and ok=false; the zero value stands in for the field.
func extract[T any](field string, read func() (T, error)) (T, bool) {
	v, err := read()
	if err != nil {
		slog.Debug("best-effort field read failed", "field", field, "error", err)
		var zero T
		return zero, false
	}
	return v, true
}

// stepCorrelated lists the resource classes modeled as database rows tied
// to the triggering step. Everything else only goes to the archive, where
// replay reconstructs it directly.
var stepCorrelated = map[string]struct{}{
	urlnorm.ResourceDocument: {},
	urlnorm.ResourceXHR:      {},
	urlnorm.ResourceFetch:    {},
}

type pendingExchange struct {
	rowID        int64
	entry        types.HAREntry
	resourceType string
	seen         time.Time
}

// NetworkCapture correlates CDP network events into request/response rows
// and archive entries. The live-request map is in-memory only; responses
// whose request was never seen are dropped.
type NetworkCapture struct {
	store   *store.Store
	taskID  int64
	archive *capture.ArchiveWriter

	// currentStep yields the implicit parent step id for new requests.
	currentStep func() *int64
	// cookieSnapshot, when set, serializes the cookie jar at request time.
	cookieSnapshot func() string

	pending   map[network.RequestID]*pendingExchange
	pendingMu sync.Mutex

	done chan struct{}
}

// NewNetworkCapture creates a capture pipeline writing rows to st and
// entries to archive.
func NewNetworkCapture(st *store.Store, taskID int64, archive *capture.ArchiveWriter, currentStep func() *int64, cookieSnapshot func() string) *NetworkCapture {
	n := &NetworkCapture{
		store:          st,
		taskID:         taskID,
		archive:        archive,
		currentStep:    currentStep,
		cookieSnapshot: cookieSnapshot,
		pending:        make(map[network.RequestID]*pendingExchange),
		done:           make(chan struct{}),
	}
	go n.cleanupLoop()
	return n
}

// Close stops the stale-entry sweeper.
func (n *NetworkCapture) Close() {
	close(n.done)
}

// OnRequestWillBeSent registers an outgoing request: always as an archive
// entry, and additionally as a step-correlated database row for
// navigation-relevant resource classes.
func (n *NetworkCapture) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	resourceType := urlnorm.NormalizeResourceType(string(ev.Type))
	postData := encodePostData(decodePostData(ev.Request))

	cookies := ""
	if n.cookieSnapshot != nil {
		cookies = n.cookieSnapshot()
	}

	entry := types.HAREntry{
		StartedDateTime: time.Now().UTC().Format(time.RFC3339Nano),
		ResourceType:    resourceType,
		Request: types.HARRequest{
			Method:   ev.Request.Method,
			URL:      ev.Request.URL,
			Headers:  headerPairs(ev.Request.Headers),
			Cookies:  cookiePairs(cookies),
			PostData: postData,
		},
	}

	p := &pendingExchange{
		entry:        entry,
		resourceType: resourceType,
		seen:         time.Now(),
	}

	if _, modeled := stepCorrelated[resourceType]; modeled {
		row := &store.Request{
			TaskID:     n.taskID,
			StepID:     n.currentStep(),
			RequestUID: string(ev.RequestID),
			URL:        ev.Request.URL,
			Method:     ev.Request.Method,
			Headers:    encodeHeaders(ev.Request.Headers),
			Cookies:    cookies,
		}
		if postData != nil {
			row.PostData = postData.Text
			row.PostDataEncoding = postData.Encoding
		}
		if _, err := n.store.InsertRequest(row); err != nil {
			slog.Error("failed to persist request",
				"url", ev.Request.URL,
				"error", err)
		} else {
			p.rowID = row.ID
		}
	}

	n.pendingMu.Lock()
	n.pending[ev.RequestID] = p
	n.pendingMu.Unlock()
}

// OnResponseReceived attaches status and headers to the in-flight
// exchange. Unknown request ids are ignored: capture may have started
// mid-flight.
func (n *NetworkCapture) OnResponseReceived(ev *network.EventResponseReceived) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	p, ok := n.pending[ev.RequestID]
	if !ok {
		return
	}
	p.entry.Response = types.HARResponse{
		Status:     int(ev.Response.Status),
		StatusText: ev.Response.StatusText,
		Headers:    headerPairs(ev.Response.Headers),
		Content:    types.HARContent{MimeType: ev.Response.MimeType},
	}
	if ev.Type != "" {
		p.entry.ResourceType = urlnorm.NormalizeResourceType(string(ev.Type))
	}
}

// OnLoadingFinished completes an exchange: fetches the body off the event
// thread, archives the entry, and writes the response row for modeled
// requests.
func (n *NetworkCapture) OnLoadingFinished(ev *network.EventLoadingFinished, getBody func() ([]byte, error)) {
	n.pendingMu.Lock()
	p, ok := n.pending[ev.RequestID]
	if ok {
		delete(n.pending, ev.RequestID)
	}
	n.pendingMu.Unlock()
	if !ok {
		return
	}

	go func() {
		var body []byte
		if getBody != nil {
			body, _ = extract("response_body", getBody)
		}

		if len(body) > 0 {
			p.entry.Response.Content.Size = len(body)
			if utf8.Valid(body) {
				p.entry.Response.Content.Text = string(body)
			} else {
				p.entry.Response.Content.Text = base64.StdEncoding.EncodeToString(body)
				p.entry.Response.Content.Encoding = "base64"
			}
		}

		if err := n.archive.Add(p.entry); err != nil {
			slog.Warn("failed to archive exchange",
				"url", p.entry.Request.URL,
				"error", err)
		}

		if p.rowID > 0 {
			// Rows are for step correlation, not replay; the archive keeps
			// the full body, so oversized row bodies are safe to cap.
			rowBody, truncated, origLen, hash := capture.TruncateBody(body, rowBodyMaxBytes)
			if truncated {
				slog.Debug("response row body truncated",
					"url", p.entry.Request.URL,
					"original_bytes", origLen,
					"sha256", hash)
			}
			row := &store.Response{
				TaskID:    n.taskID,
				RequestID: &p.rowID,
				Status:    p.entry.Response.Status,
				Headers:   encodePairs(p.entry.Response.Headers),
				Body:      rowBody,
			}
			if _, err := n.store.InsertResponse(row); err != nil {
				slog.Error("failed to persist response",
					"url", p.entry.Request.URL,
					"error", err)
			}
		}
	}()
}

// OnLoadingFailed drops the in-flight exchange.
func (n *NetworkCapture) OnLoadingFailed(ev *network.EventLoadingFailed) {
	n.pendingMu.Lock()
	delete(n.pending, ev.RequestID)
	n.pendingMu.Unlock()
}

func (n *NetworkCapture) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.cleanupStale()
		case <-n.done:
			return
		}
	}
}

func (n *NetworkCapture) cleanupStale() {
	threshold := time.Now().Add(-5 * time.Minute)

	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	for id, p := range n.pending {
		if p.seen.Before(threshold) {
			delete(n.pending, id)
		}
	}
}

// decodePostData reassembles the raw request body from CDP's base64
// entries. Entries that fail to decode are kept verbatim rather than
// dropped.
func decodePostData(req *network.Request) []byte {
	if req == nil || !req.HasPostData || len(req.PostDataEntries) == 0 {
		return nil
	}
	var parts []byte
	for _, entry := range req.PostDataEntries {
		if entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			parts = append(parts, []byte(entry.Bytes)...)
		} else {
			parts = append(parts, decoded...)
		}
	}
	return parts
}

// encodePostData stores a request body the same way response bodies are
// stored: UTF-8 text verbatim, anything else base64 with an encoding
// marker. Feeding raw binary through the JSON archive would replace
// invalid sequences with U+FFFD and break body matching on replay.
func encodePostData(body []byte) *types.HARPostData {
	if len(body) == 0 {
		return nil
	}
	pd := &types.HARPostData{}
	if utf8.Valid(body) {
		pd.Text = string(body)
	} else {
		pd.Text = base64.StdEncoding.EncodeToString(body)
		pd.Encoding = "base64"
	}
	return pd
}

// cookiePairs projects the serialized jar snapshot onto archive pairs.
func cookiePairs(snapshot string) []types.HARKeyValue {
	if snapshot == "" {
		return nil
	}
	var jar []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(snapshot), &jar); err != nil {
		return nil
	}
	pairs := make([]types.HARKeyValue, 0, len(jar))
	for _, c := range jar {
		pairs = append(pairs, types.HARKeyValue{Name: c.Name, Value: c.Value})
	}
	return pairs
}

func headerPairs(headers map[string]any) []types.HARKeyValue {
	pairs := make([]types.HARKeyValue, 0, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			pairs = append(pairs, types.HARKeyValue{Name: k, Value: s})
		}
	}
	return pairs
}

func encodeHeaders(headers map[string]any) string {
	m := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func encodePairs(pairs []types.HARKeyValue) string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.Name] = p.Value
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
