package subscription

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/feed"
	"relaymux/internal/pool"
	"relaymux/internal/relay"
)

// RelayPool is the part of the connection pool the multiplexer depends on
type RelayPool interface {
	ConnectedRelays() []*pool.Relay
	IsLoading() bool
	OnConnect(fn func(*pool.Relay)) (cancel func())
	OnDisconnect(fn func(*pool.Relay, error)) (cancel func())
}

// relaySub is one filter opened on one relay
type relaySub struct {
	socket   relay.Socket
	subID    string
	openedAt time.Time
	events   int64
	eose     bool
	closed   bool
}

// entry holds the handles, per-relay subscriptions and merged feed of one filter key
type entry struct {
	key    string
	filter nostr.Filter
	feed   *feed.Feed

	mu      sync.Mutex
	handles map[string]*Subscription
	relays  map[string]*relaySub
	eose    bool
	closed  bool
}

func (e *entry) handleList() []*Subscription {
	list := make([]*Subscription, 0, len(e.handles))
	for _, h := range e.handles {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

// Multiplexer opens every active filter on every connected relay, merges what
// comes back and follows the connected set as relays come and go.
// Handles with structurally equal filters share one set of relay subscriptions.
type Multiplexer struct {
	pool   RelayPool
	seen   *SeenCache
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*entry

	handleSeq      atomic.Int64
	stopConnect    func()
	stopDisconnect func()
}

// New creates a multiplexer on top of p. seenCacheSize bounds SeenOn tracking.
func New(p RelayPool, seenCacheSize int, logger zerolog.Logger) (*Multiplexer, error) {
	seen, err := NewSeenCache(seenCacheSize)
	if err != nil {
		return nil, err
	}

	m := &Multiplexer{
		pool:   p,
		seen:   seen,
		logger: logger.With().Str("component", "multiplexer").Logger(),
		active: make(map[string]*entry),
	}
	m.stopConnect = p.OnConnect(m.relayConnected)
	m.stopDisconnect = p.OnDisconnect(m.relayDisconnected)
	return m, nil
}

// Close detaches from the pool and closes every relay subscription
func (m *Multiplexer) Close() {
	m.stopConnect()
	m.stopDisconnect()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.active = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		m.closeEntry(e)
	}
	m.logger.Info().Int("closed", len(entries)).Msg("multiplexer closed")
}

// Subscribe opens filter on every connected relay and on every relay that
// connects later, until Unsubscribe. A filter that cannot match anything
// opens nothing and yields an inert handle.
func (m *Multiplexer) Subscribe(filter nostr.Filter, opts Options) *Subscription {
	seq := m.handleSeq.Add(1)
	h := &Subscription{
		id:   "h" + strconv.FormatInt(seq, 10),
		seq:  seq,
		m:    m,
		opts: opts,
	}

	if err := Validate(filter); err != nil {
		m.logger.Debug().Err(err).Str("handle", h.id).Msg("subscription suppressed")
		return h
	}

	key := FilterKey(filter)

	m.mu.Lock()
	e, exists := m.active[key]
	if !exists {
		e = &entry{
			key:     key,
			filter:  filter,
			feed:    feed.New(),
			handles: make(map[string]*Subscription),
			relays:  make(map[string]*relaySub),
		}
		m.active[key] = e
	}
	h.entry = e
	e.mu.Lock()
	e.handles[h.id] = h
	reachedEOSE := e.eose
	// relays whose REQ is still in flight report to this handle from open
	var opened []RelayStats
	for url, rs := range e.relays {
		if rs.subID != "" && !rs.closed {
			opened = append(opened, RelayStats{URL: url, SubID: rs.subID})
		}
	}
	e.mu.Unlock()
	m.mu.Unlock()

	if exists {
		m.logger.Debug().Str("key", key).Str("handle", h.id).Msg("handle joined existing subscription")
		if h.opts.OnSubscribe != nil {
			sort.Slice(opened, func(i, j int) bool { return opened[i].URL < opened[j].URL })
			for _, rs := range opened {
				m.safeCall(h, func() { h.opts.OnSubscribe(rs.URL, rs.SubID) })
			}
		}
		if reachedEOSE {
			h.fireDone()
		}
		return h
	}

	relays := m.pool.ConnectedRelays()
	m.logger.Info().Str("key", key).Str("handle", h.id).Int("relays", len(relays)).Msg("created new subscription")
	for _, r := range relays {
		m.open(e, r)
	}
	return h
}

// open subscribes e on r unless it already has a subscription there
func (m *Multiplexer) open(e *entry, r *pool.Relay) {
	url := r.URL()
	socket := r.Socket()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.relays[url]; ok {
		e.mu.Unlock()
		return
	}
	rs := &relaySub{socket: socket, openedAt: time.Now()}
	e.relays[url] = rs
	e.mu.Unlock()

	subID, err := socket.Subscribe(nostr.Filters{e.filter}, relay.SubscriptionHandler{
		OnEvent:  func(evt *nostr.Event) { m.deliver(e, rs, url, evt) },
		OnEOSE:   func() { m.endOfStored(e, rs, url) },
		OnClosed: func(reason string) { m.closedByRelay(e, rs, url, reason) },
	})

	e.mu.Lock()
	if err != nil {
		if e.relays[url] == rs {
			delete(e.relays, url)
		}
		e.mu.Unlock()
		m.logger.Warn().Err(err).Str("relay", url).Str("key", e.key).Msg("failed to open subscription on relay")
		return
	}
	rs.subID = subID
	abandoned := e.closed || rs.closed
	handles := e.handleList()
	e.mu.Unlock()

	if abandoned {
		socket.Unsubscribe(subID)
		return
	}

	m.logger.Debug().Str("relay", url).Str("key", e.key).Str("sub", subID).Msg("subscription opened on relay")
	for _, h := range handles {
		if h.opts.OnSubscribe != nil {
			m.safeCall(h, func() { h.opts.OnSubscribe(url, subID) })
		}
	}
}

func (m *Multiplexer) deliver(e *entry, rs *relaySub, url string, evt *nostr.Event) {
	e.mu.Lock()
	if e.closed || rs.closed {
		e.mu.Unlock()
		return
	}
	rs.events++
	added := e.feed.Add(evt)
	var handles []*Subscription
	if added {
		handles = e.handleList()
	}
	e.mu.Unlock()

	m.seen.Add(evt.ID, url)

	for _, h := range handles {
		if h.opts.OnEvent != nil && !h.closed.Load() {
			m.safeCall(h, func() { h.opts.OnEvent(evt, url) })
		}
	}
}

func (m *Multiplexer) endOfStored(e *entry, rs *relaySub, url string) {
	e.mu.Lock()
	if e.closed || rs.closed {
		e.mu.Unlock()
		return
	}
	rs.eose = true
	first := !e.eose
	e.eose = true
	var handles []*Subscription
	if first {
		handles = e.handleList()
	}
	e.mu.Unlock()

	if first {
		m.logger.Debug().Str("relay", url).Str("key", e.key).Msg("end of stored events")
	}
	for _, h := range handles {
		h.fireDone()
	}
}

func (m *Multiplexer) closedByRelay(e *entry, rs *relaySub, url, reason string) {
	e.mu.Lock()
	rs.closed = true
	if e.relays[url] == rs {
		delete(e.relays, url)
	}
	e.mu.Unlock()
	m.logger.Warn().Str("relay", url).Str("key", e.key).Str("reason", reason).Msg("relay closed subscription")
}

func (m *Multiplexer) entries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		list = append(list, e)
	}
	return list
}

// relayConnected extends every active subscription to a newly connected relay
func (m *Multiplexer) relayConnected(r *pool.Relay) {
	entries := m.entries()
	if len(entries) > 0 {
		m.logger.Info().Str("relay", r.URL()).Int("activeSubs", len(entries)).Msg("extending subscriptions to relay")
	}
	for _, e := range entries {
		m.open(e, r)
	}
}

// relayDisconnected forgets the subscriptions of a dropped relay. The socket
// already discarded them, so nothing is sent.
func (m *Multiplexer) relayDisconnected(r *pool.Relay, _ error) {
	url := r.URL()
	for _, e := range m.entries() {
		e.mu.Lock()
		if rs, ok := e.relays[url]; ok {
			rs.closed = true
			delete(e.relays, url)
		}
		e.mu.Unlock()
	}
}

func (m *Multiplexer) unsubscribe(h *Subscription) {
	e := h.entry

	m.mu.Lock()
	e.mu.Lock()
	delete(e.handles, h.id)
	remaining := len(e.handles)
	e.mu.Unlock()
	if remaining == 0 && m.active[e.key] == e {
		delete(m.active, e.key)
	}
	m.mu.Unlock()

	if remaining > 0 {
		m.logger.Debug().Str("key", e.key).Str("handle", h.id).Int("remaining", remaining).Msg("handle removed")
		return
	}
	m.closeEntry(e)
	m.logger.Info().Str("key", e.key).Msg("closed subscription (no more handles)")
}

func (m *Multiplexer) closeEntry(e *entry) {
	type openSub struct {
		socket relay.Socket
		subID  string
	}

	e.mu.Lock()
	e.closed = true
	open := make([]openSub, 0, len(e.relays))
	for _, rs := range e.relays {
		rs.closed = true
		// an empty subID means the REQ is still being sent; open cleans it up
		if rs.subID != "" {
			open = append(open, openSub{socket: rs.socket, subID: rs.subID})
		}
	}
	e.relays = make(map[string]*relaySub)
	e.mu.Unlock()

	for _, s := range open {
		s.socket.Unsubscribe(s.subID)
	}
}

// SeenOn returns the relays that delivered eventID, if it is still tracked
func (m *Multiplexer) SeenOn(eventID string) []string {
	return m.seen.Relays(eventID)
}

// ActiveCount returns the number of distinct filters currently open
func (m *Multiplexer) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Multiplexer) safeCall(h *Subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("handle", h.id).Interface("panic", r).Msg("subscription callback panicked")
		}
	}()
	fn()
}
