package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdleTTL is how long an untouched workspace is kept.
const DefaultIdleTTL = 2 * time.Hour

type entry struct {
	ws       *Workspace
	lastUsed time.Time
}

// Registry holds one Workspace per session ID and evicts idle ones.
type Registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry returns a Registry evicting workspaces idle for longer than
// ttl. A non-positive ttl selects DefaultIdleTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Registry{ttl: ttl, entries: map[string]*entry{}, now: time.Now}
}

// Get returns the workspace of sessionID, creating it if needed.
func (r *Registry) Get(sessionID string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	e, ok := r.entries[sessionID]
	if !ok || now.Sub(e.lastUsed) > r.ttl {
		e = &entry{ws: &Workspace{}}
		r.entries[sessionID] = e
	}
	e.lastUsed = now
	return e.ws
}

// Drop forgets the workspace of sessionID.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Len returns the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts idle workspaces and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, e := range r.entries {
		if now.Sub(e.lastUsed) > r.ttl {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				zerolog.Ctx(ctx).Debug().Int("evicted", n).Msg("workspace sweep")
			}
		}
	}
}
