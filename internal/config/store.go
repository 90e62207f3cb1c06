package config

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotInitialized is returned by Store.Get before the first Set.
// Callers must treat it as fatal to the call, never substitute defaults.
var ErrNotInitialized = errors.New("config store not initialized")

// Snapshot is an immutable point-in-time copy of the runtime settings.
// It is published wholesale on every update and never mutated in place;
// holding a Snapshot never requires a lock.
type Snapshot struct {
	Model           string
	TokenBudget     int // Estimated-token ceiling per outbound request. 0 = unlimited.
	WarnThreshold   int // Advisory threshold, <= TokenBudget when both are set.
	ApprovalTimeout time.Duration
	Version         uint64 // Monotonic, bumped on every Set.
}

// Store owns the current runtime snapshot. Reads are lock-free; writes
// serialize under a mutex so read-modify-write updates stay atomic.
type Store struct {
	mu      sync.Mutex // serializes Set/Update
	current atomic.Pointer[Snapshot]
	version uint64 // guarded by mu
}

// NewStore creates an empty store. Get fails until the first Set.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current snapshot. Returns ErrNotInitialized before the
// first Set. Never blocks against other readers.
func (s *Store) Get() (Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return Snapshot{}, ErrNotInitialized
	}
	return *snap, nil
}

// Set publishes a new snapshot, replacing the current one wholesale.
// An empty snapshot is a valid, explicit configuration. Concurrent readers
// observe either the old snapshot or the new one, never a mix.
func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(snap)
}

// Update performs a read-modify-write entirely inside one critical section:
// the mutator receives the current snapshot (zero value if unset) and returns
// the replacement.
func (s *Store) Update(mutate func(Snapshot) Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur Snapshot
	if p := s.current.Load(); p != nil {
		cur = *p
	}
	next := mutate(cur)
	s.publish(next)
	return next
}

// publish bumps the version and swaps the pointer. Callers hold mu.
func (s *Store) publish(snap Snapshot) {
	s.version++
	snap.Version = s.version
	s.current.Store(&snap)
}
