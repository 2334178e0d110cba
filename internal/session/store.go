// Package session owns the set of live sessions and their exclusivity and expiry.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/stella/internal/domain"
)

// Factory builds a new session. It runs while the store is locked and must
// not call external services.
type Factory func() (*domain.Session, error)

// Store persists live sessions. Implementations must make every method atomic
// with respect to the others.
type Store interface {
	// Get returns the session for key without refreshing it.
	Get(key string) (*domain.Session, bool)

	// GetOrCreate returns the session for key, creating it with factory when
	// absent, and records now as its last activity.
	GetOrCreate(key string, now time.Time, factory Factory) (s *domain.Session, created bool, err error)

	// Acquire is GetOrCreate followed by SwitchActive as one step.
	Acquire(key string, now time.Time, factory Factory) (s *domain.Session, evicted []*domain.Session, err error)

	// SwitchActive marks key active. When a different key was active, every
	// other session is removed and returned.
	SwitchActive(key string, now time.Time) []*domain.Session

	// Remove deletes the session for key.
	Remove(key string) (*domain.Session, bool)

	// RemoveExpired deletes and returns sessions last seen before cutoff.
	RemoveExpired(cutoff time.Time) []*domain.Session

	// RemoveAll deletes and returns every session.
	RemoveAll() []*domain.Session

	// Active returns the active session key, or "" when none is active.
	Active() string

	// Keys returns the keys of all live sessions.
	Keys() []string
}

type entry struct {
	session  *domain.Session
	lastSeen time.Time
}

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	active  string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

// Get returns the session for key.
func (m *MemoryStore) Get(key string) (*domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// GetOrCreate returns or creates the session for key.
func (m *MemoryStore) GetOrCreate(key string, now time.Time, factory Factory) (*domain.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key, now, factory)
}

func (m *MemoryStore) getOrCreateLocked(key string, now time.Time, factory Factory) (*domain.Session, bool, error) {
	if e, ok := m.entries[key]; ok {
		e.lastSeen = now
		return e.session, false, nil
	}
	s, err := factory()
	if err != nil {
		return nil, false, err
	}
	s.Key = key
	m.entries[key] = &entry{session: s, lastSeen: now}
	return s, true, nil
}

// Acquire gets or creates key and makes it the only live session.
func (m *MemoryStore) Acquire(key string, now time.Time, factory Factory) (*domain.Session, []*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.getOrCreateLocked(key, now, factory)
	if err != nil {
		return nil, nil, err
	}
	return s, m.switchLocked(key, now), nil
}

// SwitchActive marks key active, removing the others when the active key changes.
func (m *MemoryStore) SwitchActive(key string, now time.Time) []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switchLocked(key, now)
}

func (m *MemoryStore) switchLocked(key string, now time.Time) []*domain.Session {
	var evicted []*domain.Session
	if m.active != "" && m.active != key {
		for k, e := range m.entries {
			if k == key {
				continue
			}
			evicted = append(evicted, e.session)
			delete(m.entries, k)
		}
	}
	m.active = key
	if e, ok := m.entries[key]; ok {
		e.lastSeen = now
	}
	return evicted
}

// Remove deletes the session for key.
func (m *MemoryStore) Remove(key string) (*domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	delete(m.entries, key)
	if m.active == key {
		m.active = ""
	}
	return e.session, true
}

// RemoveExpired deletes sessions idle since before cutoff.
func (m *MemoryStore) RemoveExpired(cutoff time.Time) []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*domain.Session
	for k, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, e.session)
			delete(m.entries, k)
			if m.active == k {
				m.active = ""
			}
		}
	}
	return expired
}

// RemoveAll deletes every session.
func (m *MemoryStore) RemoveAll() []*domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*domain.Session, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e.session)
	}
	m.entries = make(map[string]*entry)
	m.active = ""
	return all
}

// Active returns the active key.
func (m *MemoryStore) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Keys returns live session keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*MemoryStore)(nil)
