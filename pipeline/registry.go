package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nutrilens"

	"github.com/lucsky/cuid"
)

// DefaultSessionTTL is how long a session may sit untouched before the
// registry drops it.
const DefaultSessionTTL = 10 * time.Minute

// Registry keeps live sessions by id. Sessions idle for longer than the TTL
// are evicted and abandoned; a stage in flight keeps its session alive.
type Registry struct {
	p   *Pipeline
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	newID    func() string
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

type RegistryOption func(*Registry)

// WithSessionTTL sets the idle lifetime. Zero or less keeps sessions forever.
func WithSessionTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

func NewRegistry(p *Pipeline, opts ...RegistryOption) *Registry {
	r := &Registry{
		p:        p,
		ttl:      DefaultSessionTTL,
		sessions: make(map[string]*entry),
		newID:    cuid.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Pipeline() *Pipeline { return r.p }

// Create registers a new idle session.
func (r *Registry) Create() *Session {
	s := r.p.NewSession(r.newID())
	r.put(s)
	return s
}

// Resume registers a session in Complete built from a saved meal.
func (r *Registry) Resume(rec nutrilens.MealRecord) *Session {
	s := r.p.ResumeSession(r.newID(), rec)
	r.put(s)
	return s
}

func (r *Registry) put(s *Session) {
	r.mu.Lock()
	expired := r.sweepLocked()
	r.sessions[s.ID()] = &entry{session: s, lastSeen: r.p.now()}
	r.mu.Unlock()

	for _, old := range expired {
		old.Abandon()
	}
}

// Get returns a live session and marks it as seen.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", nutrilens.ErrSessionNotFound, id)
	}
	now := r.p.now()
	if r.expired(e, now) {
		delete(r.sessions, id)
		r.mu.Unlock()
		slog.Info("PIPELINE: Session expired", "session_id", id)
		e.session.Abandon()
		return nil, fmt.Errorf("%w: %s", nutrilens.ErrSessionNotFound, id)
	}
	e.lastSeen = now
	r.mu.Unlock()
	return e.session, nil
}

// Abandon removes the session and discards any result still in flight.
func (r *Registry) Abandon(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", nutrilens.ErrSessionNotFound, id)
	}
	e.session.Abandon()
	return nil
}

// Sweep evicts every expired session and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	expired := r.sweepLocked()
	r.mu.Unlock()

	for _, s := range expired {
		s.Abandon()
	}
	return len(expired)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweepLocked must be called with mu held. The returned sessions still need
// to be abandoned, outside the lock.
func (r *Registry) sweepLocked() []*Session {
	now := r.p.now()
	var out []*Session
	for id, e := range r.sessions {
		if r.expired(e, now) {
			delete(r.sessions, id)
			out = append(out, e.session)
			slog.Info("PIPELINE: Session expired", "session_id", id)
		}
	}
	return out
}

// expired must be called with mu held. An in-flight session counts as seen.
func (r *Registry) expired(e *entry, now time.Time) bool {
	if r.ttl <= 0 {
		return false
	}
	if e.session.State().InFlight() {
		e.lastSeen = now
		return false
	}
	return now.Sub(e.lastSeen) > r.ttl
}
