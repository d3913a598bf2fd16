package subscription

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is the caller's handle on a multiplexed filter
type Subscription struct {
	id    string
	seq   int64
	m     *Multiplexer
	opts  Options
	entry *entry // nil when the filter was suppressed

	done   atomic.Bool
	closed atomic.Bool

	mu     sync.Mutex
	frozen []*nostr.Event // feed as it was at Unsubscribe
}

// ID returns the handle id
func (s *Subscription) ID() string {
	return s.id
}

// Key returns the structural filter key, empty for a suppressed handle
func (s *Subscription) Key() string {
	if s.entry == nil {
		return ""
	}
	return s.entry.key
}

// Suppressed reports whether the filter was rejected and nothing was opened
func (s *Subscription) Suppressed() bool {
	return s.entry == nil
}

// IsLoading is true until the first relay reports end of stored events, and
// for as long as the pool has never connected. A suppressed handle only
// follows the pool.
func (s *Subscription) IsLoading() bool {
	if s.entry == nil {
		return s.m.pool.IsLoading()
	}
	s.entry.mu.Lock()
	reachedEOSE := s.entry.eose
	s.entry.mu.Unlock()
	return !reachedEOSE || s.m.pool.IsLoading()
}

// Events returns the merged feed, newest first. After Unsubscribe it is the
// feed as it was at that moment, even if other handles keep the filter open.
func (s *Subscription) Events() []*nostr.Event {
	if s.entry == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return append([]*nostr.Event(nil), s.frozen...)
	}
	return s.entry.feed.Events()
}

// Relays returns the per-relay subscriptions currently open for this handle
func (s *Subscription) Relays() []RelayStats {
	if s.entry == nil || s.closed.Load() {
		return nil
	}
	s.entry.mu.Lock()
	stats := make([]RelayStats, 0, len(s.entry.relays))
	for url, rs := range s.entry.relays {
		stats = append(stats, RelayStats{
			URL:      url,
			SubID:    rs.subID,
			OpenedAt: rs.openedAt,
			Events:   rs.events,
			EOSE:     rs.eose,
		})
	}
	s.entry.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].URL < stats[j].URL })
	return stats
}

// Unsubscribe detaches the handle. The relay subscriptions close when the last
// handle sharing the filter leaves. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	if s.entry != nil {
		s.frozen = s.entry.feed.Events()
	}
	s.closed.Store(true)
	s.mu.Unlock()

	if s.entry == nil {
		return
	}
	s.m.unsubscribe(s)
}

func (s *Subscription) fireDone() {
	if s.closed.Load() || !s.done.CompareAndSwap(false, true) {
		return
	}
	if s.opts.OnDone != nil {
		s.m.safeCall(s, s.opts.OnDone)
	}
}
