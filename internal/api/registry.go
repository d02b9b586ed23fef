package api

import (
	"sort"
	"sync"
	"time"

	"netprobe/internal/session"
)

// Registry tracks the sessions started through the API.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Add stores s under its ID.
func (r *Registry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get looks a session up by ID.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every session, oldest first.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune drops terminal sessions that ended more than maxAge ago and returns
// how many were removed.
func (r *Registry) Prune(maxAge time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		snap := s.Snapshot()
		if !snap.Status.Terminal() || snap.EndedAt == nil {
			continue
		}
		if now.Sub(*snap.EndedAt) > maxAge {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
