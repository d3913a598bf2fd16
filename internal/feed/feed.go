// Package feed merges events arriving from many relays into one ordered,
// duplicate-free sequence.
package feed

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Feed holds unique events sorted newest first. Events with equal
// timestamps keep the order in which they were first seen.
type Feed struct {
	mu     sync.RWMutex
	index  map[string]struct{}
	events []*nostr.Event
}

// New creates an empty feed
func New() *Feed {
	return &Feed{index: make(map[string]struct{})}
}

// Add inserts evt unless an event with the same id is already present.
// It reports whether the event was new.
func (f *Feed) Add(evt *nostr.Event) bool {
	if evt == nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.index[evt.ID]; ok {
		return false
	}
	f.index[evt.ID] = struct{}{}

	// first position holding an older event, so equal timestamps stay behind earlier arrivals
	pos := sort.Search(len(f.events), func(i int) bool {
		return f.events[i].CreatedAt < evt.CreatedAt
	})
	f.events = append(f.events, nil)
	copy(f.events[pos+1:], f.events[pos:])
	f.events[pos] = evt
	return true
}

// Contains reports whether an event with id has been added
func (f *Feed) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.index[id]
	return ok
}

// Len returns the number of unique events
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.events)
}

// Events returns a snapshot of the feed, newest first
func (f *Feed) Events() []*nostr.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]*nostr.Event, len(f.events))
	copy(result, f.events)
	return result
}

// Latest returns the newest event, nil when empty
func (f *Feed) Latest() *nostr.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[0]
}
