package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// pageRegistry tracks the pages a session is attached to.
type pageRegistry struct {
	pages map[target.ID]*Page
	mu    sync.RWMutex
}

func newPageRegistry() *pageRegistry {
	return &pageRegistry{pages: make(map[target.ID]*Page)}
}

func (r *pageRegistry) Put(p *Page) {
	r.mu.Lock()
	r.pages[p.id] = p
	r.mu.Unlock()
}

func (r *pageRegistry) Get(targetID target.ID) (*Page, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[targetID]
	return p, ok
}

func (r *pageRegistry) Remove(targetID target.ID) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[targetID]
	if ok {
		delete(r.pages, targetID)
	}
	return p, ok
}

func (r *pageRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}

// All returns a snapshot of the attached pages.
func (r *pageRegistry) All() []*Page {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, p)
	}
	return out
}
