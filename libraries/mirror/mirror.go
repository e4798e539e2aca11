// Package mirror holds the local replica of remote entity-component state.
// A Store accumulates update records with last-applied-wins semantics: the
// final value for a key is whatever record was applied last, regardless of
// the records' own block numbers. Callers are responsible for feeding records
// in true chronological order.
package mirror

import (
	"sync"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// Store is the read/write contract the sync pipeline reduces into.
type Store interface {
	// Apply reduces one record: removals delete the (component, entity)
	// entry if present, anything else upserts. No ordering or staleness
	// validation is performed.
	Apply(rec world.UpdateRecord) error
	Get(component world.ComponentID, entity world.EntityID) (world.ComponentValue, bool, error)
	Len() (int, error)
	Each(fn func(key world.Key, value world.ComponentValue) error) error
	Close() error
}

// MemoryStore is the in-process mirror. It assumes a single logical writer;
// concurrent writers need caller-provided synchronization.
type MemoryStore struct {
	entries map[world.Key]world.ComponentValue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[world.Key]world.ComponentValue),
	}
}

func (s *MemoryStore) Apply(rec world.UpdateRecord) error {
	if rec.Removed {
		delete(s.entries, rec.Key())
		return nil
	}
	s.entries[rec.Key()] = rec.Value
	return nil
}

func (s *MemoryStore) Get(component world.ComponentID, entity world.EntityID) (world.ComponentValue, bool, error) {
	value, ok := s.entries[world.KeyOf(component, entity)]
	return value, ok, nil
}

func (s *MemoryStore) Len() (int, error) {
	return len(s.entries), nil
}

func (s *MemoryStore) Each(fn func(key world.Key, value world.ComponentValue) error) error {
	for key, value := range s.entries {
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// GuardedStore wraps a Store with a read-write lock so query handlers can
// read while the sync pipeline keeps applying.
type GuardedStore struct {
	mu    sync.RWMutex
	inner Store
}

func Guard(inner Store) *GuardedStore {
	return &GuardedStore{inner: inner}
}

func (s *GuardedStore) Apply(rec world.UpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Apply(rec)
}

func (s *GuardedStore) Get(component world.ComponentID, entity world.EntityID) (world.ComponentValue, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Get(component, entity)
}

func (s *GuardedStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Len()
}

func (s *GuardedStore) Each(fn func(key world.Key, value world.ComponentValue) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Each(fn)
}

func (s *GuardedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}
