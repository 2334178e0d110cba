package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/stella/internal/domain"
)

// DefaultTTL is the idle time after which a session is evicted.
const DefaultTTL = 180 * time.Second

// ErrEmptyKey is returned when a session key is missing.
var ErrEmptyKey = errors.New("session key is required")

// EndReason says why a session left the registry.
type EndReason string

const (
	EndExplicit EndReason = "ended"
	EndExpired  EndReason = "expired"
	EndSwitched EndReason = "switched"
	EndCleared  EndReason = "cleared"
)

// EndHook is called after a session has been removed and its pending
// withdrawal discarded. Hooks run outside every registry and session lock.
type EndHook func(s *domain.Session, reason EndReason)

// Registry tracks live sessions on top of a Store, applying idle expiry and
// single-active-session exclusivity.
type Registry struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	hookMu sync.RWMutex
	hooks  []EndHook
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry over store. A ttl <= 0 disables idle expiry.
func NewRegistry(store Store, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEnd registers a hook fired for every removed session.
func (r *Registry) OnEnd(h EndHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) factoryFor(key string, factory Factory) Factory {
	if factory != nil {
		return factory
	}
	return func() (*domain.Session, error) {
		return domain.NewSession(key, r.now()), nil
	}
}

// GetOrCreate returns the session for key, creating it with factory (or an
// idle session when factory is nil). Expired sessions are swept afterwards.
// A factory error is returned and nothing is registered.
func (r *Registry) GetOrCreate(key string, factory Factory) (*domain.Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	now := r.now()
	s, created, err := r.store.GetOrCreate(key, now, r.factoryFor(key, factory))
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}
	if created {
		r.logger.Info("Session created", "session_id", key)
	}
	touch(s, now)
	r.Sweep()
	return s, nil
}

// Acquire returns the session for key and makes it the active session,
// ending every other session in the same store operation.
func (r *Registry) Acquire(key string, factory Factory) (*domain.Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	now := r.now()
	s, evicted, err := r.store.Acquire(key, now, r.factoryFor(key, factory))
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", key, err)
	}
	if len(evicted) > 0 {
		r.logger.Info("Switched active session", "session_id", key, "ended", len(evicted))
	}
	r.finish(evicted, EndSwitched)
	touch(s, now)
	r.Sweep()
	return s, nil
}

// Get returns the live session for key without refreshing it.
func (r *Registry) Get(key string) (*domain.Session, bool) {
	return r.store.Get(key)
}

// End removes the session for key and discards its pending withdrawal.
// It returns false when no such session exists.
func (r *Registry) End(key string) bool {
	s, ok := r.store.Remove(key)
	if !ok {
		r.logger.Debug("Session not found to end", "session_id", key)
		return false
	}
	r.finish([]*domain.Session{s}, EndExplicit)
	r.logger.Info("Session ended", "session_id", key)
	return true
}

// SwitchActive marks key as the active session. When another key was active,
// every other session is ended first. Repeated calls with the same key are no-ops.
func (r *Registry) SwitchActive(key string) {
	evicted := r.store.SwitchActive(key, r.now())
	if len(evicted) > 0 {
		r.logger.Info("Switched active session", "session_id", key, "ended", len(evicted))
	}
	r.finish(evicted, EndSwitched)
}

// ClearAll ends every session.
func (r *Registry) ClearAll() {
	r.finish(r.store.RemoveAll(), EndCleared)
}

// Sweep evicts sessions idle longer than the TTL and returns how many were removed.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	expired := r.store.RemoveExpired(r.now().Add(-r.ttl))
	for _, s := range expired {
		r.logger.Info("Session expired", "session_id", s.Key, "ttl", r.ttl)
	}
	r.finish(expired, EndExpired)
	return len(expired)
}

// Active returns the active session key.
func (r *Registry) Active() string {
	return r.store.Active()
}

// Keys returns all live session keys.
func (r *Registry) Keys() []string {
	return r.store.Keys()
}

func (r *Registry) finish(sessions []*domain.Session, reason EndReason) {
	if len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		s.Lock()
		s.MarkEnded()
		s.Unlock()
	}

	r.hookMu.RLock()
	hooks := append([]EndHook(nil), r.hooks...)
	r.hookMu.RUnlock()

	for _, s := range sessions {
		for _, h := range hooks {
			h(s, reason)
		}
	}
}

func touch(s *domain.Session, now time.Time) {
	s.Lock()
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	s.Unlock()
}
