package batcher

import (
	"sort"
	"sync"
)

// Store maps keys to their last resolved value. Writes replace, nothing is removed.
type Store[V any] struct {
	mu      sync.RWMutex
	records map[string]V
}

// NewStore creates an empty store
func NewStore[V any]() *Store[V] {
	return &Store[V]{records: make(map[string]V)}
}

// Put sets the value of key, last writer wins
func (s *Store[V]) Put(key string, value V) {
	s.mu.Lock()
	s.records[key] = value
	s.mu.Unlock()
}

// Get returns the value of key
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	return v, ok
}

// Len returns the number of resolved keys
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Keys returns the resolved keys, sorted
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
