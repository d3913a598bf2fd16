package batcher

import (
	"time"
)

// Bucket accumulates queued keys behind a trailing debounce timer.
// It is not synchronized; the owning Queue guards it.
type Bucket struct {
	keys   []string
	queued map[string]struct{}
	timer  *time.Timer
	gen    uint64
}

// NewBucket creates an empty bucket
func NewBucket() *Bucket {
	return &Bucket{queued: make(map[string]struct{})}
}

// Add queues key. Returns false if it was already queued.
func (b *Bucket) Add(key string) bool {
	if _, ok := b.queued[key]; ok {
		return false
	}
	b.queued[key] = struct{}{}
	b.keys = append(b.keys, key)
	return true
}

// RestartTimer (re)arms the debounce timer so onFlush runs d after the last call.
// onFlush receives the generation it was armed with; a timer that fired while
// being replaced carries a stale generation, see Current.
func (b *Bucket) RestartTimer(d time.Duration, onFlush func(gen uint64)) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(d, func() { onFlush(gen) })
}

// Current reports whether gen belongs to the most recently armed timer
func (b *Bucket) Current(gen uint64) bool {
	return gen == b.gen
}

// StopTimer stops the flush timer
func (b *Bucket) StopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// TakeKeys empties the bucket and returns the queued keys in request order
func (b *Bucket) TakeKeys() []string {
	b.StopTimer()
	keys := b.keys
	b.keys = nil
	b.queued = make(map[string]struct{})
	return keys
}

// Len returns the number of queued keys
func (b *Bucket) Len() int {
	return len(b.keys)
}
