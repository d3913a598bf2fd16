package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/client"
	"relaymux/internal/config"
	"relaymux/internal/subscription"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.json", "path to config file")
	publish := flag.String("publish", "", "text note to sign and publish after connecting")
	flag.Parse()

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Strs("relays", cfg.Relays).
		Msg("starting relaymux")

	if len(cfg.Relays) == 0 {
		logger.Fatal().Msg("no relays configured")
	}

	c, err := client.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A relay that fails is logged by the pool; the rest keep going
	if err := c.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("some relays failed to connect")
	}

	filter := c.FeedFilter()
	sub := c.Subscribe(filter, subscription.Options{
		OnEvent: func(evt *nostr.Event, relayURL string) {
			author := evt.PubKey
			res := c.FetchProfile(evt.PubKey)
			if res.Found {
				author = res.Data.Label()
			}
			logger.Info().
				Str("relay", relayURL).
				Str("id", evt.ID).
				Str("author", author).
				Int("kind", evt.Kind).
				Str("content", truncate(evt.Content, 120)).
				Msg("event")
		},
		OnDone: func() {
			logger.Info().Msg("end of stored events")
		},
	})
	defer sub.Unsubscribe()

	for _, pk := range filter.Authors {
		c.FetchProfile(pk)
	}

	if *publish != "" {
		publishNote(ctx, c, *publish, logger)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().
		Str("signal", sig.String()).
		Int("events", len(sub.Events())).
		Msg("received shutdown signal")

	cancel()
	c.Close()
}

func publishNote(ctx context.Context, c *client.Client, content string, logger zerolog.Logger) {
	evt := nostr.Event{Kind: nostr.KindTextNote, Content: content}
	if err := c.Sign(&evt); err != nil {
		logger.Error().Err(err).Msg("cannot publish")
		return
	}

	outcomes := c.PublishAndWait(ctx, evt)
	if len(outcomes) == 0 {
		logger.Warn().Str("id", evt.ID).Msg("no connected relay to publish to")
		return
	}
	for url, err := range outcomes {
		if err != nil {
			logger.Warn().Err(err).Str("relay", url).Str("id", evt.ID).Msg("publish failed")
			continue
		}
		logger.Info().Str("relay", url).Str("id", evt.ID).Msg("published")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
