// Package optimistic holds short-lived user-intent values that bridge the
// gap between "user clicked" and "server confirmed". Entries live for a fixed
// grace period and then vanish; the store never learns whether the server
// actually confirmed anything.
package optimistic

import (
	"sync"
	"time"
)

// DefaultGracePeriod bounds how long an unconfirmed intent is shown.
const DefaultGracePeriod = 30 * time.Second

type entryKey struct {
	scope string
	key   string
}

type entry struct {
	value any
	setAt time.Time
}

// Store is a (scope, key) keyed overlay with hard-cliff TTL expiry. Reads
// past the grace period return absent; they never extend an entry's life.
type Store struct {
	mu    sync.Mutex
	grace time.Duration
	items map[entryKey]entry
	now   func() time.Time
}

// NewStore builds a store with the given grace period (DefaultGracePeriod
// when zero).
func NewStore(grace time.Duration) *Store {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Store{
		grace: grace,
		items: make(map[entryKey]entry),
		now:   time.Now,
	}
}

// Set records value for (scope, key), unconditionally overwriting any prior
// entry and restarting its clock.
func (s *Store) Set(scope, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[entryKey{scope, key}] = entry{value: value, setAt: s.now()}
}

// Get returns the value for (scope, key) if it is still within the grace
// period. Expired entries are deleted on sight.
func (s *Store) Get(scope, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{scope, key}
	e, ok := s.items[k]
	if !ok {
		return nil, false
	}
	if s.now().Sub(e.setAt) >= s.grace {
		delete(s.items, k)
		return nil, false
	}
	return e.value, true
}

// Clear drops a single entry, e.g. when a command fails and the intent must
// not be shown any longer.
func (s *Store) Clear(scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, entryKey{scope, key})
}

// ClearScope drops every entry under one scope.
func (s *Store) ClearScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.items {
		if k.scope == scope {
			delete(s.items, k)
		}
	}
}

// Sweep deletes all expired entries. Called once per poll cycle; this bounds
// memory and guarantees absence eventually becomes authoritative.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.items {
		if now.Sub(e.setAt) >= s.grace {
			delete(s.items, k)
		}
	}
}

// Len reports the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
