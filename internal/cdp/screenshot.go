package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// Screenshotter captures page screenshots over a dedicated raw session so
// captures never interleave with chromedp's command stream. Sessions are
// cached per target and recreated after any failure.
type Screenshotter struct {
	raw *rawClient

	mu       sync.Mutex
	sessions map[target.ID]string
}

func NewScreenshotter(browserURL string) *Screenshotter {
	return &Screenshotter{
		raw:      newRawClient(browserURL),
		sessions: make(map[target.ID]string),
	}
}

// Capture screenshots the target as PNG bytes.
func (s *Screenshotter) Capture(ctx context.Context, targetID target.ID) ([]byte, error) {
	data, err := s.capture(ctx, targetID)
	if err == nil {
		return data, nil
	}

	// Stale sessions surface as command errors. Drop the cached session
	// and retry once on a fresh attach.
	slog.Debug("screenshot session retry", "target_id", targetID, "error", err)
	s.dropSession(targetID)
	s.raw.close()
	return s.capture(ctx, targetID)
}

func (s *Screenshotter) capture(ctx context.Context, targetID target.ID) ([]byte, error) {
	if err := s.raw.connect(ctx); err != nil {
		return nil, err
	}

	sessionID, err := s.sessionFor(ctx, targetID)
	if err != nil {
		return nil, err
	}

	encoded, err := s.raw.captureScreenshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot data: %w", err)
	}
	return data, nil
}

func (s *Screenshotter) sessionFor(ctx context.Context, targetID target.ID) (string, error) {
	s.mu.Lock()
	sessionID, ok := s.sessions[targetID]
	s.mu.Unlock()
	if ok {
		return sessionID, nil
	}

	sessionID, err := s.raw.attachToTarget(ctx, targetID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[targetID] = sessionID
	s.mu.Unlock()
	return sessionID, nil
}

func (s *Screenshotter) dropSession(targetID target.ID) {
	s.mu.Lock()
	sessionID, ok := s.sessions[targetID]
	delete(s.sessions, targetID)
	s.mu.Unlock()

	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.raw.detachFromTarget(ctx, sessionID)
	}
}

// Close releases the raw connection. Attached sessions die with it.
func (s *Screenshotter) Close() {
	s.mu.Lock()
	s.sessions = make(map[target.ID]string)
	s.mu.Unlock()
	s.raw.close()
}
