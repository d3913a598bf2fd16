package subscription

import (
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenCache remembers which relays delivered an event, for the most recent events
type SeenCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []string]
}

// NewSeenCache creates a SeenCache holding up to size event ids
func NewSeenCache(size int) (*SeenCache, error) {
	cache, err := lru.New[string, []string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &SeenCache{cache: cache}, nil
}

// Add records that relayURL delivered eventID.
// Returns true if the event had not been seen on any relay before.
func (s *SeenCache) Add(eventID, relayURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	relays, ok := s.cache.Get(eventID)
	if slices.Contains(relays, relayURL) {
		return false
	}
	s.cache.Add(eventID, append(slices.Clone(relays), relayURL))
	return !ok
}

// Relays returns the relays that delivered eventID, in delivery order
func (s *SeenCache) Relays(eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	relays, _ := s.cache.Peek(eventID)
	return slices.Clone(relays)
}

// Clear clears the cache
func (s *SeenCache) Clear() {
	s.cache.Purge()
}

// Len returns the number of tracked events
func (s *SeenCache) Len() int {
	return s.cache.Len()
}
