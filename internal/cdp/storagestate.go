package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	proto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// StorageState is the persisted browser state of a capture session:
// cookies plus per-origin localStorage.
type StorageState struct {
	Cookies []StateCookie `json:"cookies"`
	Origins []StateOrigin `json:"origins"`
}

type StateCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

type StateOrigin struct {
	Origin       string       `json:"origin"`
	LocalStorage []StateEntry `json:"localStorage"`
}

type StateEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SaveStorageState dumps cookies and the localStorage of every open page
// to path. Pages that refuse a storage read are skipped, not fatal.
func (s *Session) SaveStorageState(ctx context.Context, path string) error {
	var cookies []*network.Cookie
	err := chromedp.Run(s.rootCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	state := StorageState{Cookies: make([]StateCookie, 0, len(cookies))}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, StateCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	seen := make(map[string]struct{})
	for _, p := range s.Pages() {
		origin, entries, err := p.LocalStorage(ctx)
		if err != nil {
			slog.Debug("localStorage read failed", "url", truncateURL(p.URL()), "error", err)
			continue
		}
		if origin == "" || len(entries) == 0 {
			continue
		}
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}

		so := StateOrigin{Origin: origin}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			so.LocalStorage = append(so.LocalStorage, StateEntry{Name: k, Value: entries[k]})
		}
		state.Origins = append(state.Origins, so)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write storage state: %w", err)
	}
	slog.Info("storage state saved", "path", path,
		"cookies", len(state.Cookies), "origins", len(state.Origins))
	return nil
}

// CookieSnapshot serializes the current cookie jar for request-time
// correlation rows. Returns "" when the jar cannot be read.
func (s *Session) CookieSnapshot() string {
	ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		slog.Debug("cookie snapshot failed", "error", err)
		return ""
	}

	out := make([]StateCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, StateCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(data)
}

// RestoreStorageState loads a saved state file and applies it: cookies at
// the browser level, localStorage by visiting each origin on page. The page
// is left on the last visited origin.
func (s *Session) RestoreStorageState(ctx context.Context, page *Page, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read storage state: %w", err)
	}
	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse storage state %s: %w", path, err)
	}

	if len(state.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: network.CookieSameSite(c.SameSite),
			}
			if c.Expires > 0 {
				t := cdpTimeSinceEpoch(c.Expires)
				p.Expires = &t
			}
			params = append(params, p)
		}
		err := chromedp.Run(s.rootCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return storage.SetCookies(params).Do(ctx)
		}))
		if err != nil {
			return fmt.Errorf("failed to set cookies: %w", err)
		}
	}

	for _, origin := range state.Origins {
		if err := page.Navigate(ctx, origin.Origin); err != nil {
			slog.Warn("origin visit for localStorage restore failed",
				"origin", origin.Origin, "error", err)
			continue
		}
		if err := page.WaitReady(ctx, "interactive"); err != nil {
			slog.Debug("origin never reached interactive state", "origin", origin.Origin, "error", err)
		}
		for _, entry := range origin.LocalStorage {
			js := fmt.Sprintf("try { localStorage.setItem(%s, %s) } catch (e) {}",
				jsString(entry.Name), jsString(entry.Value))
			if err := page.Evaluate(ctx, js); err != nil {
				slog.Debug("localStorage restore entry failed",
					"origin", origin.Origin, "key", entry.Name, "error", err)
			}
		}
	}

	slog.Info("storage state restored", "path", path,
		"cookies", len(state.Cookies), "origins", len(state.Origins))
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func cdpTimeSinceEpoch(sec float64) proto.TimeSinceEpoch {
	return proto.TimeSinceEpoch(time.Unix(int64(sec), 0))
}
