package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/batcher"
	"relaymux/internal/config"
	"relaymux/internal/pool"
	"relaymux/internal/profile"
	"relaymux/internal/relay"
	"relaymux/internal/subscription"
)

// ErrNoSecretKey is returned when signing without a configured key
var ErrNoSecretKey = errors.New("no secret key configured")

// Option customizes a Client
type Option func(*settings)

type settings struct {
	factory relay.Factory
}

// WithSocketFactory replaces the websocket relay client, mainly for tests
func WithSocketFactory(f relay.Factory) Option {
	return func(s *settings) {
		s.factory = f
	}
}

// Client is one session: a relay pool, the multiplexer on top of it and a
// profile fetcher. Nothing is shared between clients.
type Client struct {
	cfg      *config.Config
	pool     *pool.Pool
	mux      *subscription.Multiplexer
	profiles *batcher.Queue[profile.Profile]
	logger   zerolog.Logger
}

// New creates a client from cfg. No relay is dialed until Connect.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.factory == nil {
		s.factory = relay.NewFactory(relay.Options{
			ConnectTimeout: cfg.GetConnectTimeoutDuration(),
			MessageTimeout: cfg.GetMessageTimeoutDuration(),
			PingInterval:   cfg.GetPingIntervalDuration(),
			WriteTimeout:   cfg.GetWriteTimeoutDuration(),
			MaxMessageSize: cfg.GetMaxMessageSizeBytes(),
		}, logger)
	}

	p := pool.New(s.factory, pool.Options{StatusLogInterval: cfg.GetStatusLogIntervalDuration()}, logger)

	mux, err := subscription.New(p, cfg.SeenCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create multiplexer: %w", err)
	}

	profiles, err := profile.NewQueue(mux, cfg.GetFetchDebounceDuration(), logger)
	if err != nil {
		mux.Close()
		return nil, fmt.Errorf("failed to create profile queue: %w", err)
	}

	logger.Info().
		Int("relays", len(cfg.Relays)).
		Int("seenCacheSize", cfg.SeenCacheSize).
		Int("fetchDebounce", cfg.FetchDebounce).
		Bool("canPublish", cfg.CanPublish()).
		Msg("client created")

	return &Client{
		cfg:      cfg,
		pool:     p,
		mux:      mux,
		profiles: profiles,
		logger:   logger,
	}, nil
}

// Start starts background work such as the periodic status log
func (c *Client) Start() {
	c.pool.Start()
}

// Connect dials urls, or the configured relays when none are given.
// A relay that fails to connect does not affect the others.
func (c *Client) Connect(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		urls = c.cfg.Relays
	}
	return c.pool.Connect(ctx, urls...)
}

// Subscribe opens filter on every connected relay and keeps it open on
// relays that connect later
func (c *Client) Subscribe(filter nostr.Filter, opts subscription.Options) *subscription.Subscription {
	return c.mux.Subscribe(filter, opts)
}

// FetchProfile requests the metadata of pubkey and returns what is known now
func (c *Client) FetchProfile(pubkey string) batcher.Result[profile.Profile] {
	return c.profiles.Fetch(pubkey)
}

// Profile returns a resolved profile without requesting it
func (c *Client) Profile(pubkey string) (profile.Profile, bool) {
	return c.profiles.Get(pubkey)
}

// Publish sends evt to every connected relay
func (c *Client) Publish(evt nostr.Event) []pool.PublishResult {
	return c.pool.Publish(evt)
}

// PublishAndWait sends evt and waits for every relay to answer or for the
// configured publish timeout
func (c *Client) PublishAndWait(ctx context.Context, evt nostr.Event) map[string]error {
	results := c.pool.Publish(evt)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetPublishTimeoutDuration())
	defer cancel()
	return pool.WaitAcks(ctx, results)
}

// Sign fills in the pubkey, id and signature of evt with the configured key
func (c *Client) Sign(evt *nostr.Event) error {
	if !c.cfg.CanPublish() {
		return ErrNoSecretKey
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := evt.Sign(c.cfg.SecretKey); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// FeedFilter builds the configured startup filter
func (c *Client) FeedFilter() nostr.Filter {
	return FeedFilter(c.cfg.Feed, time.Now())
}

// FeedFilter builds the filter described by feed relative to now
func FeedFilter(feed *config.FeedConfig, now time.Time) nostr.Filter {
	f := nostr.Filter{Kinds: []int{nostr.KindTextNote}, Limit: config.DefaultFeedLimit}
	if feed == nil {
		return f
	}
	if len(feed.Kinds) > 0 {
		f.Kinds = feed.Kinds
	}
	if len(feed.Authors) > 0 {
		f.Authors = feed.Authors
	}
	if feed.Limit > 0 {
		f.Limit = feed.Limit
	}
	if feed.Since > 0 {
		since := nostr.Timestamp(now.Add(-time.Duration(feed.Since) * time.Second).Unix())
		f.Since = &since
	}
	return f
}

// OnConnect registers fn for every relay that connects
func (c *Client) OnConnect(fn func(*pool.Relay)) (cancel func()) {
	return c.pool.OnConnect(fn)
}

// OnDisconnect registers fn for every relay that drops
func (c *Client) OnDisconnect(fn func(*pool.Relay, error)) (cancel func()) {
	return c.pool.OnDisconnect(fn)
}

// Pool returns the relay pool
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Multiplexer returns the subscription multiplexer
func (c *Client) Multiplexer() *subscription.Multiplexer {
	return c.mux
}

// Close closes the profile queue, every subscription and every relay
func (c *Client) Close() {
	c.logger.Info().Msg("shutting down client")
	c.profiles.Close()
	c.mux.Close()
	c.pool.Close()
	c.logger.Info().Msg("client stopped")
}
