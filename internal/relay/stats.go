package relay

import (
	"sync/atomic"
	"time"
)

// Stats holds per-relay counters
type Stats struct {
	eventsReceived      atomic.Int64
	subscriptionsOpened atomic.Int64
	eventsPublished     atomic.Int64
	notices             atomic.Int64
	connects            atomic.Int64
	lastMessageAt       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	EventsReceived      int64
	SubscriptionsOpened int64
	EventsPublished     int64
	Notices             int64
	Connects            int64
	LastMessageAt       time.Time
}

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		EventsReceived:      s.eventsReceived.Load(),
		SubscriptionsOpened: s.subscriptionsOpened.Load(),
		EventsPublished:     s.eventsPublished.Load(),
		Notices:             s.notices.Load(),
		Connects:            s.connects.Load(),
	}
	if ts := s.lastMessageAt.Load(); ts > 0 {
		snap.LastMessageAt = time.Unix(0, ts)
	}
	return snap
}

func (s *Stats) touch() {
	s.lastMessageAt.Store(time.Now().UnixNano())
}
