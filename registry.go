package main

import (
	"math/rand"
	"sync"
	"time"
)

// Registry owns the mapping from session code to live Session. Codes
// are unique for a session's lifetime; reclamation happens through the
// periodic sweep, never on the spot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleThreshold time.Duration
	notify        Notifier
}

func newRegistry(idleThreshold time.Duration, notify Notifier) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		idleThreshold: idleThreshold,
		notify:        notify,
	}
}

// Create mints a unique code and inserts a fresh lobby session. The
// generator is retried until the code is unused; with 32^6 codes a
// collision is a curiosity, not a failure mode.
func (r *Registry) Create() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		code := newSessionCode()
		if _, exists := r.sessions[code]; exists {
			continue
		}

		rng := rand.New(rand.NewSource(cryptoSeed()))
		session := newSession(code, rng, r.notify)
		r.sessions[code] = session

		return session
	}
}

// Get resolves a client-provided code, case-insensitively.
func (r *Registry) Get(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[normalizeCode(code)]
	if !ok {
		return nil, notFoundf("Game not found. Please check the PIN.")
	}
	return session, nil
}

// Count reports the number of live sessions, for the health endpoint.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// SweepIdle removes sessions whose roster is empty and which have
// been idle past the threshold. Both conditions are required: an
// empty-but-fresh session survives a reconnecting tab, a populated
// session survives indefinitely.
func (r *Registry) SweepIdle(now time.Time) {
	cutoff := now.Add(-r.idleThreshold)

	r.mu.Lock()
	defer r.mu.Unlock()

	for code, session := range r.sessions {
		if session.reapable(cutoff) {
			delete(r.sessions, code)
			r.notify.SessionClosed(code)
		}
	}
}

// reaper periodically sweeps idle sessions until ticks stops.
func (r *Registry) reaper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	for range ticker.C {
		r.SweepIdle(time.Now())
	}
}
