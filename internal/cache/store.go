package cache

import (
	"sort"
	"time"
)

// Entry is one cached snapshot. Value must be treated as immutable: writers
// replace it, they never modify what a reader may already hold.
type Entry struct {
	Value       any
	UpdatedAt   time.Time
	Invalidated bool
}

// Write is one change in a batch. A Delete write removes Key and ignores
// Entry.
type Write struct {
	Key    Key
	Entry  Entry
	Delete bool
}

// Store is the persistence abstraction for cache entries.
// The Cache serializes every call, so implementations need no locking.
// Apply carries every multi-key change; a Store that publishes or persists
// writes must treat the batch as one step.
type Store interface {
	Get(key Key) (Entry, bool)
	Set(key Key, e Entry)
	Delete(key Key)
	Apply(writes []Write)
	Keys() []Key
}

// InMemoryStore is a map-backed Store.
type InMemoryStore struct {
	entries map[Key]Entry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[Key]Entry),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(key Key) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(key Key, e Entry) {
	s.entries[key] = e
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(key Key) {
	delete(s.entries, key)
}

// Apply implements Store.Apply.
func (s *InMemoryStore) Apply(writes []Write) {
	for _, w := range writes {
		if w.Delete {
			delete(s.entries, w.Key)
			continue
		}
		s.entries[w.Key] = w.Entry
	}
}

// Keys implements Store.Keys. Keys are returned sorted.
func (s *InMemoryStore) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
