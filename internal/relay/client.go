package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// Options configures a Client
type Options struct {
	ConnectTimeout time.Duration
	MessageTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MessageTimeout == 0 {
		o.MessageTimeout = 60 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Client owns a single WebSocket connection to a relay.
// It multiplexes REQ subscriptions and EVENT publishes on one connection.
type Client struct {
	url    string
	opts   Options
	hooks  Hooks
	logger zerolog.Logger

	dialMu  sync.Mutex
	conn    *websocket.Conn
	stop    context.CancelFunc
	connMu  sync.RWMutex
	writeMu sync.Mutex

	subs   map[string]SubscriptionHandler
	subMu  sync.Mutex
	subSeq atomic.Int64

	acks  map[string][]*Ack
	ackMu sync.Mutex

	state  atomic.Int32
	closed atomic.Bool
	stats  Stats
	wg     sync.WaitGroup
}

// NewClient creates a relay client. Nothing is dialed until Connect.
func NewClient(url string, opts Options, hooks Hooks, logger zerolog.Logger) *Client {
	return &Client{
		url:    url,
		opts:   opts.withDefaults(),
		hooks:  hooks,
		logger: logger.With().Str("relay", url).Logger(),
		subs:   make(map[string]SubscriptionHandler),
		acks:   make(map[string][]*Ack),
	}
}

// NewFactory returns a Factory building Clients with the given options
func NewFactory(opts Options, logger zerolog.Logger) Factory {
	return func(url string, hooks Hooks) Socket {
		return NewClient(url, opts, hooks, logger)
	}
}

// URL returns the relay url
func (c *Client) URL() string {
	return c.url
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stats returns the relay counters
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Connect dials the relay and starts the reader. Calling it on a connected
// client is a no-op; calling it after a drop starts a fresh session.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrSocketClosed
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.connMu.RLock()
	connected := c.conn != nil
	c.connMu.RUnlock()
	if connected {
		return nil
	}

	c.state.Store(int32(StatePending))
	c.logger.Debug().Msg("relay connecting")

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.state.Store(int32(StateError))
		connErr := &ConnectionError{URL: c.url, Err: err}
		c.logger.Warn().Err(err).Msg("relay connection failed")
		if c.hooks.OnError != nil {
			c.hooks.OnError(connErr)
		}
		return connErr
	}

	if c.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.setPongHandler(conn)

	sessionCtx, stop := context.WithCancel(context.Background())
	c.connMu.Lock()
	c.conn = conn
	c.stop = stop
	c.connMu.Unlock()

	c.state.Store(int32(StateConnected))
	c.stats.connects.Add(1)
	c.logger.Info().Msg("relay connected")

	// Subscriptions opened by the hook are written before the reader starts,
	// so a drop can never be reported ahead of the connect.
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}

	c.wg.Add(1)
	go c.readLoop(sessionCtx, conn)
	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(sessionCtx, conn)
	}
	return nil
}

func (c *Client) setPongHandler(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.MessageTimeout))
	})
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.MessageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				c.teardown(conn, nil)
			default:
				c.teardown(conn, err)
			}
			return
		}
		c.stats.touch()
		c.dispatch(data)
	}
}

// teardown drops the session owning conn. Subscriptions are forgotten and
// pending acks fail, so a later Connect starts from a clean slate.
func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	stop := c.stop
	c.stop = nil
	c.connMu.Unlock()

	stop()
	conn.Close()

	c.subMu.Lock()
	dropped := len(c.subs)
	c.subs = make(map[string]SubscriptionHandler)
	c.subMu.Unlock()

	c.ackMu.Lock()
	pending := c.acks
	c.acks = make(map[string][]*Ack)
	c.ackMu.Unlock()
	for _, acks := range pending {
		for _, ack := range acks {
			ack.Resolve(ErrConnectionClosed)
		}
	}

	c.state.Store(int32(StateDisconnected))

	var disconnectErr error
	if cause != nil {
		disconnectErr = &ConnectionError{URL: c.url, Err: cause}
		c.logger.Warn().Err(cause).Int("subscriptions", dropped).Msg("relay connection lost")
	} else {
		c.logger.Info().Int("subscriptions", dropped).Msg("relay disconnected")
	}

	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(disconnectErr)
	}
}

// Close shuts the connection down for good
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}

	c.connMu.RLock()
	conn := c.conn
	stop := c.stop
	c.connMu.RUnlock()

	if conn != nil {
		stop()
		c.teardown(conn, nil)
	}
	c.wg.Wait()
}

// Publish sends an EVENT and returns an ack resolved by the relay's OK
func (c *Client) Publish(evt nostr.Event) (*Ack, error) {
	ack := NewAck(c.url, evt.ID)

	c.ackMu.Lock()
	c.acks[evt.ID] = append(c.acks[evt.ID], ack)
	c.ackMu.Unlock()

	env := nostr.EventEnvelope{Event: evt}
	if err := c.writeEnvelope(&env); err != nil {
		c.dropAck(evt.ID, ack)
		return nil, err
	}

	c.stats.eventsPublished.Add(1)
	return ack, nil
}

func (c *Client) dropAck(eventID string, ack *Ack) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	acks := c.acks[eventID]
	for i, a := range acks {
		if a == ack {
			acks = append(acks[:i], acks[i+1:]...)
			break
		}
	}
	if len(acks) == 0 {
		delete(c.acks, eventID)
	} else {
		c.acks[eventID] = acks
	}
}

// Subscribe sends a REQ and routes its events to handler
func (c *Client) Subscribe(filters nostr.Filters, handler SubscriptionHandler) (string, error) {
	subID := "rm:" + strconv.FormatInt(c.subSeq.Add(1), 10)

	c.subMu.Lock()
	c.subs[subID] = handler
	c.subMu.Unlock()

	env := nostr.ReqEnvelope{SubscriptionID: subID, Filters: filters}
	if err := c.writeEnvelope(&env); err != nil {
		c.subMu.Lock()
		delete(c.subs, subID)
		c.subMu.Unlock()
		return "", err
	}

	c.stats.subscriptionsOpened.Add(1)
	c.logger.Debug().Str("sub", subID).Msg("subscription opened")
	return subID, nil
}

// Unsubscribe forgets the handler and sends CLOSE when still connected
func (c *Client) Unsubscribe(subID string) {
	c.subMu.Lock()
	_, ok := c.subs[subID]
	delete(c.subs, subID)
	c.subMu.Unlock()

	if !ok {
		return
	}

	env := nostr.CloseEnvelope(subID)
	if err := c.writeEnvelope(&env); err != nil {
		c.logger.Debug().Str("sub", subID).Err(err).Msg("close not sent")
	}
}

func (c *Client) writeEnvelope(env nostr.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", env.Label(), err)
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Label(), err)
	}
	return nil
}

func (c *Client) handler(subID string) (SubscriptionHandler, bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	h, ok := c.subs[subID]
	return h, ok
}

func (c *Client) dispatch(data []byte) {
	envelope := nostr.ParseMessage(data)
	if envelope == nil {
		c.logger.Debug().Int("bytes", len(data)).Msg("unparseable relay message dropped")
		return
	}

	switch env := envelope.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		h, ok := c.handler(*env.SubscriptionID)
		if !ok {
			return
		}
		c.stats.eventsReceived.Add(1)
		if h.OnEvent != nil {
			evt := env.Event
			c.safeCall("event", func() { h.OnEvent(&evt) })
		}

	case *nostr.EOSEEnvelope:
		h, ok := c.handler(string(*env))
		if ok && h.OnEOSE != nil {
			c.safeCall("eose", h.OnEOSE)
		}

	case *nostr.ClosedEnvelope:
		c.subMu.Lock()
		h, ok := c.subs[env.SubscriptionID]
		delete(c.subs, env.SubscriptionID)
		c.subMu.Unlock()
		if !ok {
			return
		}
		c.logger.Warn().Str("sub", env.SubscriptionID).Str("reason", env.Reason).Msg("subscription closed by relay")
		if h.OnClosed != nil {
			c.safeCall("closed", func() { h.OnClosed(env.Reason) })
		}

	case *nostr.OKEnvelope:
		c.ackMu.Lock()
		acks := c.acks[env.EventID]
		delete(c.acks, env.EventID)
		c.ackMu.Unlock()

		var err error
		if !env.OK {
			err = fmt.Errorf("%w: %s", ErrPublishRejected, env.Reason)
		}
		for _, ack := range acks {
			ack.Resolve(err)
		}

	case *nostr.NoticeEnvelope:
		c.stats.notices.Add(1)
		c.logger.Warn().Str("notice", string(*env)).Msg("relay notice")

	default:
		c.logger.Debug().Str("label", envelope.Label()).Msg("relay message ignored")
	}
}

// safeCall runs a subscriber callback so that a panic cannot stop the read loop
func (c *Client) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("kind", kind).Msg("subscription handler panicked")
		}
	}()
	fn()
}
