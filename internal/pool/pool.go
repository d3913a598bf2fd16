package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/relay"
)

// Relay is a pool member identified by its normalized url
type Relay struct {
	url    string
	socket relay.Socket
	state  atomic.Int32
	// guarded by Pool.mu
	dialing bool
}

// URL returns the relay url
func (r *Relay) URL() string {
	return r.url
}

// State returns the relay connection state as seen by the pool
func (r *Relay) State() relay.State {
	return relay.State(r.state.Load())
}

// Socket returns the relay socket
func (r *Relay) Socket() relay.Socket {
	return r.socket
}

func (r *Relay) setState(s relay.State) {
	r.state.Store(int32(s))
}

// PublishResult is the pending outcome of a publish on one relay
type PublishResult struct {
	URL string
	Ack *relay.Ack
}

// Options configures a Pool
type Options struct {
	StatusLogInterval time.Duration
}

type connectListener struct {
	id int
	fn func(*Relay)
}

type disconnectListener struct {
	id int
	fn func(*Relay, error)
}

// Pool owns one socket per relay url and tracks which relays are connected
type Pool struct {
	factory relay.Factory
	opts    Options
	logger  zerolog.Logger

	mu        sync.RWMutex
	relays    map[string]*Relay
	order     []string
	connected map[string]*Relay

	listenerMu          sync.RWMutex
	listenerSeq         int
	connectListeners    []connectListener
	disconnectListeners []disconnectListener

	everConnected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty pool. Sockets are built with factory on first Connect.
func New(factory relay.Factory, opts Options, logger zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		factory:   factory,
		opts:      opts,
		logger:    logger.With().Str("component", "pool").Logger(),
		relays:    make(map[string]*Relay),
		connected: make(map[string]*Relay),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the periodic status log
func (p *Pool) Start() {
	if p.opts.StatusLogInterval > 0 {
		p.wg.Add(1)
		go p.logStatus()
	}
	p.logger.Info().Msg("pool started")
}

// Close closes every socket. Disconnect listeners fire for connected relays.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	for _, r := range p.Relays() {
		r.socket.Close()
	}
	p.logger.Info().Msg("pool stopped")
}

// Connect starts one connection attempt per url and waits for all of them.
// Urls that are already connected or dialing are skipped; a relay that dropped
// or failed is dialed again on the same socket. Failures are returned joined
// and never affect the other relays.
func (p *Pool) Connect(ctx context.Context, urls ...string) error {
	var toDial []*Relay
	var errs []error

	p.mu.Lock()
	for _, raw := range urls {
		url := nostr.NormalizeURL(raw)
		if url == "" {
			errs = append(errs, fmt.Errorf("invalid relay url %q", raw))
			continue
		}
		r, ok := p.relays[url]
		if !ok {
			r = &Relay{url: url}
			r.setState(relay.StatePending)
			r.socket = p.factory(url, p.hooksFor(r))
			p.relays[url] = r
			p.order = append(p.order, url)
		}
		if r.dialing || r.State() == relay.StateConnected {
			continue
		}
		r.dialing = true
		r.setState(relay.StatePending)
		toDial = append(toDial, r)
	}
	p.mu.Unlock()

	var errMu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range toDial {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			err := r.socket.Connect(ctx)

			p.mu.Lock()
			r.dialing = false
			p.mu.Unlock()

			if err != nil {
				var connErr *relay.ConnectionError
				if !errors.As(err, &connErr) {
					err = &relay.ConnectionError{URL: r.url, Err: err}
				}
				r.setState(relay.StateError)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (p *Pool) hooksFor(r *Relay) relay.Hooks {
	return relay.Hooks{
		OnConnect:    func() { p.handleConnect(r) },
		OnDisconnect: func(err error) { p.handleDisconnect(r, err) },
		OnError: func(err error) {
			r.setState(relay.StateError)
			p.logger.Warn().Str("relay", r.url).Err(err).Msg("relay error")
		},
	}
}

func (p *Pool) handleConnect(r *Relay) {
	r.setState(relay.StateConnected)
	p.mu.Lock()
	p.connected[r.url] = r
	count := len(p.connected)
	p.mu.Unlock()
	p.everConnected.Store(true)

	p.logger.Info().Str("relay", r.url).Int("connected", count).Msg("relay joined pool")

	p.listenerMu.RLock()
	listeners := append([]connectListener(nil), p.connectListeners...)
	p.listenerMu.RUnlock()
	for _, l := range listeners {
		p.safeCall(r.url, func() { l.fn(r) })
	}
}

func (p *Pool) handleDisconnect(r *Relay, err error) {
	r.setState(relay.StateDisconnected)
	p.mu.Lock()
	_, was := p.connected[r.url]
	delete(p.connected, r.url)
	count := len(p.connected)
	p.mu.Unlock()

	if !was {
		return
	}

	p.logger.Info().Str("relay", r.url).Int("connected", count).Msg("relay left pool")

	p.listenerMu.RLock()
	listeners := append([]disconnectListener(nil), p.disconnectListeners...)
	p.listenerMu.RUnlock()
	for _, l := range listeners {
		p.safeCall(r.url, func() { l.fn(r, err) })
	}
}

func (p *Pool) safeCall(url string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Str("relay", url).Interface("panic", rec).Msg("pool listener panicked")
		}
	}()
	fn()
}

// OnConnect registers fn for every relay that becomes connected.
// All registered listeners are called, in registration order.
func (p *Pool) OnConnect(fn func(*Relay)) (cancel func()) {
	if fn == nil {
		panic("pool: nil connect listener")
	}
	p.listenerMu.Lock()
	p.listenerSeq++
	id := p.listenerSeq
	p.connectListeners = append(p.connectListeners, connectListener{id: id, fn: fn})
	p.listenerMu.Unlock()

	return func() {
		p.listenerMu.Lock()
		defer p.listenerMu.Unlock()
		for i, l := range p.connectListeners {
			if l.id == id {
				p.connectListeners = append(p.connectListeners[:i:i], p.connectListeners[i+1:]...)
				return
			}
		}
	}
}

// OnDisconnect registers fn for every connected relay that drops
func (p *Pool) OnDisconnect(fn func(*Relay, error)) (cancel func()) {
	if fn == nil {
		panic("pool: nil disconnect listener")
	}
	p.listenerMu.Lock()
	p.listenerSeq++
	id := p.listenerSeq
	p.disconnectListeners = append(p.disconnectListeners, disconnectListener{id: id, fn: fn})
	p.listenerMu.Unlock()

	return func() {
		p.listenerMu.Lock()
		defer p.listenerMu.Unlock()
		for i, l := range p.disconnectListeners {
			if l.id == id {
				p.disconnectListeners = append(p.disconnectListeners[:i:i], p.disconnectListeners[i+1:]...)
				return
			}
		}
	}
}

// Relays returns every relay the pool knows, in the order they were added
func (p *Pool) Relays() []*Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Relay, 0, len(p.order))
	for _, url := range p.order {
		result = append(result, p.relays[url])
	}
	return result
}

// Relay returns the relay for url
func (p *Pool) Relay(url string) (*Relay, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.relays[nostr.NormalizeURL(url)]
	return r, ok
}

// ConnectedRelays returns a snapshot of the connected relays, in the order they were added
func (p *Pool) ConnectedRelays() []*Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Relay, 0, len(p.connected))
	for _, url := range p.order {
		if r, ok := p.connected[url]; ok {
			result = append(result, r)
		}
	}
	return result
}

// IsLoading reports true until the first relay has connected
func (p *Pool) IsLoading() bool {
	return !p.everConnected.Load()
}

// Publish sends evt to every connected relay. Relays that are not connected,
// or drop while sending, are skipped without error.
func (p *Pool) Publish(evt nostr.Event) []PublishResult {
	relays := p.ConnectedRelays()
	results := make([]PublishResult, 0, len(relays))
	for _, r := range relays {
		ack, err := r.socket.Publish(evt)
		if err != nil {
			p.logger.Debug().Str("relay", r.url).Str("event", evt.ID).Err(err).Msg("publish skipped")
			continue
		}
		results = append(results, PublishResult{URL: r.url, Ack: ack})
	}

	p.logger.Debug().Str("event", evt.ID).Int("relays", len(results)).Msg("event published")
	return results
}

// WaitAcks waits for every ack until ctx is done and returns the outcome per relay url.
// Relays that did not answer in time map to ctx.Err().
func WaitAcks(ctx context.Context, results []PublishResult) map[string]error {
	outcomes := make(map[string]error, len(results))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, res := range results {
		wg.Add(1)
		go func(res PublishResult) {
			defer wg.Done()
			err := res.Ack.Wait(ctx)
			mu.Lock()
			outcomes[res.URL] = err
			mu.Unlock()
		}(res)
	}
	wg.Wait()
	return outcomes
}

type statsProvider interface {
	Stats() relay.StatsSnapshot
}

// logStatus periodically logs the state of all relays
func (p *Pool) logStatus() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.StatusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.logCurrentStatus()
		}
	}
}

func (p *Pool) logCurrentStatus() {
	var connected, down []string
	var events int64
	for _, r := range p.Relays() {
		status := fmt.Sprintf("%s(%s)", r.url, r.State())
		if sp, ok := r.socket.(statsProvider); ok {
			s := sp.Stats()
			events += s.EventsReceived
			status = fmt.Sprintf("%s(%s,events=%d,notices=%d)", r.url, r.State(), s.EventsReceived, s.Notices)
		}
		if r.State() == relay.StateConnected {
			connected = append(connected, status)
		} else {
			down = append(down, status)
		}
	}
	sort.Strings(connected)
	sort.Strings(down)

	p.logger.Info().
		Strs("connected", connected).
		Strs("down", down).
		Int64("eventsReceived", events).
		Msg("relays status")
}
