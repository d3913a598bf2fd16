package batcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/subscription"
)

// Subscriber opens multiplexed subscriptions
type Subscriber interface {
	Subscribe(filter nostr.Filter, opts subscription.Options) *subscription.Subscription
}

// Options configures a Queue
type Options struct {
	Debounce        time.Duration
	DecodeCacheSize int
}

const (
	DefaultDebounce        = 100 * time.Millisecond
	DefaultDecodeCacheSize = 4096
)

type decoded[V any] struct {
	key   string
	value V
	err   error
}

// batch is one flush: the keys it carried and the subscription requesting them
type batch struct {
	seq    int64
	keys   []string
	handle *subscription.Subscription
}

// Queue is one session's debounced batch fetcher. Create one per session and
// Close it when done; nothing is shared between queues.
type Queue[V any] struct {
	sub    Subscriber
	build  FilterBuilder
	decode Decoder[V]
	opts   Options
	logger zerolog.Logger

	store *Store[V]
	cache *lru.Cache[string, decoded[V]]

	mu      sync.Mutex
	bucket  *Bucket
	states  map[string]KeyState
	batchOf map[string]*batch
	batches []*batch
	seq     int64
	closed  bool

	flushes atomic.Int64
}

// NewQueue creates a queue issuing its subscriptions through sub
func NewQueue[V any](sub Subscriber, build FilterBuilder, decode Decoder[V], opts Options, logger zerolog.Logger) (*Queue[V], error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.DecodeCacheSize <= 0 {
		opts.DecodeCacheSize = DefaultDecodeCacheSize
	}

	cache, err := lru.New[string, decoded[V]](opts.DecodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Queue[V]{
		sub:     sub,
		build:   build,
		decode:  decode,
		opts:    opts,
		logger:  logger.With().Str("component", "batcher").Logger(),
		store:   NewStore[V](),
		cache:   cache,
		bucket:  NewBucket(),
		states:  make(map[string]KeyState),
		batchOf: make(map[string]*batch),
	}, nil
}

// Request queues key for the next batch and restarts the debounce timer.
// Keys already in flight or resolved are ignored.
func (q *Queue[V]) Request(key string) {
	if key == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	switch q.states[key] {
	case StateInFlight, StateResolved:
		return
	}

	q.states[key] = StateQueued
	q.bucket.Add(key)
	q.bucket.RestartTimer(q.opts.Debounce, q.flush)
}

// flush moves every queued key to in-flight and opens one subscription for all of them
func (q *Queue[V]) flush(gen uint64) {
	q.mu.Lock()
	if q.closed || !q.bucket.Current(gen) {
		q.mu.Unlock()
		return
	}
	keys := q.bucket.TakeKeys()
	if len(keys) == 0 {
		q.mu.Unlock()
		return
	}
	q.seq++
	b := &batch{seq: q.seq, keys: keys}
	for _, k := range keys {
		q.states[k] = StateInFlight
		q.batchOf[k] = b
	}
	q.batches = append(q.batches, b)
	q.mu.Unlock()

	handle := q.sub.Subscribe(q.build(keys), subscription.Options{
		OnEvent: func(evt *nostr.Event, relayURL string) { q.ingest(evt, relayURL) },
	})

	q.mu.Lock()
	b.handle = handle
	closed := q.closed
	q.mu.Unlock()

	if closed {
		handle.Unsubscribe()
		return
	}
	q.flushes.Add(1)

	q.logger.Debug().Int64("batch", b.seq).Int("keys", len(keys)).Str("key", handle.Key()).Msg("batch flushed")

	// a structurally equal filter may already have merged events we were not called for
	events := handle.Events()
	for i := len(events) - 1; i >= 0; i-- {
		q.ingest(events[i], "")
	}
}

func (q *Queue[V]) decodeOnce(evt *nostr.Event) (decoded[V], bool) {
	if d, ok := q.cache.Get(evt.ID); ok {
		return d, false
	}
	var d decoded[V]
	d.key, d.value, d.err = q.decode(evt)
	q.cache.Add(evt.ID, d)
	return d, true
}

func (q *Queue[V]) ingest(evt *nostr.Event, relayURL string) {
	d, fresh := q.decodeOnce(evt)
	if d.err != nil {
		if fresh {
			var malformed *MalformedPayloadError
			if !errors.As(d.err, &malformed) {
				d.err = &MalformedPayloadError{EventID: evt.ID, Err: d.err}
			}
			q.logger.Debug().Err(d.err).Str("relay", relayURL).Msg("event dropped")
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.states[d.key] {
	case StateInFlight, StateResolved:
	default:
		q.logger.Debug().Str("key", d.key).Str("relay", relayURL).Msg("record for unrequested key ignored")
		return
	}
	q.states[d.key] = StateResolved
	q.store.Put(d.key, d.value)
}

// Get returns the resolved value of key without requesting it
func (q *Queue[V]) Get(key string) (V, bool) {
	return q.store.Get(key)
}

// Fetch requests key and returns what is known about it now.
// Call it again to observe resolution.
func (q *Queue[V]) Fetch(key string) Result[V] {
	q.Request(key)
	v, found := q.store.Get(key)
	return Result[V]{
		IsLoading: q.isLoading(key),
		Found:     found,
		Data:      v,
	}
}

func (q *Queue[V]) isLoading(key string) bool {
	q.mu.Lock()
	state := q.states[key]
	b := q.batchOf[key]
	var handle *subscription.Subscription
	if b != nil {
		handle = b.handle
	}
	q.mu.Unlock()

	switch state {
	case StateQueued:
		return true
	case StateInFlight:
		return handle == nil || handle.IsLoading()
	default:
		return false
	}
}

// State returns where key is in its lifecycle
func (q *Queue[V]) State(key string) KeyState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[key]
}

// Pending returns the number of queued keys waiting for the timer
func (q *Queue[V]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bucket.Len()
}

// Flushes returns how many batch subscriptions the queue has opened
func (q *Queue[V]) Flushes() int64 {
	return q.flushes.Load()
}

// Store returns the resolved records
func (q *Queue[V]) Store() *Store[V] {
	return q.store
}

// Close stops the timer and closes every batch subscription. Queued keys are
// discarded and go back to unrequested.
func (q *Queue[V]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, k := range q.bucket.TakeKeys() {
		delete(q.states, k)
	}
	handles := make([]*subscription.Subscription, 0, len(q.batches))
	for _, b := range q.batches {
		// a nil handle belongs to a flush still subscribing; it sees closed and unsubscribes
		if b.handle != nil {
			handles = append(handles, b.handle)
		}
	}
	q.batches = nil
	q.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
	q.logger.Debug().Int("batches", len(handles)).Msg("batcher closed")
}
