package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/config"
	"relaymux/internal/pool"
	"relaymux/internal/relaytest"
	"relaymux/internal/subscription"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

func newTestClient(t *testing.T, mutate func(*config.Config)) (*Client, *relaytest.Network) {
	t.Helper()
	cfg := config.Default()
	cfg.Relays = []string{relayA, relayB}
	cfg.FetchDebounce = 20
	cfg.PublishTimeout = 50
	cfg.StatusLogInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	net := relaytest.NewNetwork()
	c, err := New(cfg, zerolog.Nop(), WithSocketFactory(net.Factory()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(c.Close)
	return c, net
}

func note(t *testing.T, sk, content string, createdAt nostr.Timestamp) nostr.Event {
	t.Helper()
	evt := nostr.Event{Kind: nostr.KindTextNote, CreatedAt: createdAt, Tags: nostr.Tags{}, Content: content}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return evt
}

func TestClient_ConnectUsesConfiguredRelays(t *testing.T) {
	c, net := newTestClient(t, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if net.Created() != 2 {
		t.Errorf("expected 2 sockets, got %d", net.Created())
	}
	if len(c.Pool().ConnectedRelays()) != 2 {
		t.Errorf("expected 2 connected relays, got %d", len(c.Pool().ConnectedRelays()))
	}
}

func TestClient_SubscribeMergesAcrossRelays(t *testing.T) {
	c, net := newTestClient(t, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	var delivered []string
	sub := c.Subscribe(nostr.Filter{Kinds: []int{nostr.KindTextNote}}, subscription.Options{
		OnEvent: func(evt *nostr.Event, relayURL string) {
			mu.Lock()
			delivered = append(delivered, evt.ID)
			mu.Unlock()
		},
	})
	defer sub.Unsubscribe()

	sk := nostr.GeneratePrivateKey()
	older := note(t, sk, "older", 100)
	newer := note(t, sk, "newer", 200)

	net.Socket(relayA).Broadcast(older)
	net.Socket(relayB).Broadcast(newer)
	net.Socket(relayB).Broadcast(older)

	events := sub.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != newer.ID || events[1].ID != older.ID {
		t.Error("expected newest first")
	}
	mu.Lock()
	if len(delivered) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(delivered))
	}
	mu.Unlock()
	if seen := c.Multiplexer().SeenOn(older.ID); len(seen) != 2 {
		t.Errorf("expected older seen on 2 relays, got %v", seen)
	}
}

func TestClient_FetchProfile(t *testing.T) {
	c, net := newTestClient(t, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sk := nostr.GeneratePrivateKey()
	meta := nostr.Event{Kind: nostr.KindProfileMetadata, CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: `{"display_name":"Carol"}`}
	if err := meta.Sign(sk); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if res := c.FetchProfile(meta.PubKey); !res.IsLoading {
		t.Error("expected loading on first fetch")
	}

	deadline := time.Now().Add(time.Second)
	for net.Socket(relayA).Broadcast(meta) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for the profile subscription")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p, ok := c.Profile(meta.PubKey)
	if !ok || p.Label() != "Carol" {
		t.Errorf("expected Carol, got %+v", p)
	}
}

func TestClient_PublishAndWait(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	c, net := newTestClient(t, func(cfg *config.Config) { cfg.SecretKey = sk })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := nostr.Event{Kind: nostr.KindTextNote, Content: "hello"}
	if err := c.Sign(&evt); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if ok, _ := evt.CheckSignature(); !ok {
		t.Fatal("expected a valid signature")
	}

	done := make(chan map[string]error, 1)
	go func() { done <- c.PublishAndWait(context.Background(), evt) }()

	deadline := time.Now().Add(time.Second)
	for len(net.Socket(relayA).Published()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for publish")
		}
		time.Sleep(time.Millisecond)
	}
	net.Socket(relayA).Ack(evt.ID, nil)

	outcomes := <-done
	if err, ok := outcomes[relayA]; !ok || err != nil {
		t.Errorf("expected %s to accept, got %v", relayA, err)
	}
	if err := outcomes[relayB]; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected %s to time out, got %v", relayB, err)
	}
}

func TestClient_SignWithoutKey(t *testing.T) {
	c, _ := newTestClient(t, nil)
	evt := nostr.Event{Kind: nostr.KindTextNote}
	if err := c.Sign(&evt); !errors.Is(err, ErrNoSecretKey) {
		t.Errorf("expected ErrNoSecretKey, got %v", err)
	}
}

func TestClient_ListenersAndDisconnect(t *testing.T) {
	c, net := newTestClient(t, nil)

	var mu sync.Mutex
	var connected, dropped []string
	c.OnConnect(func(r *pool.Relay) {
		mu.Lock()
		connected = append(connected, r.URL())
		mu.Unlock()
	})
	c.OnDisconnect(func(r *pool.Relay, err error) {
		mu.Lock()
		dropped = append(dropped, r.URL())
		mu.Unlock()
	})

	if err := c.Connect(context.Background(), relayA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	net.Socket(relayA).Drop(errors.New("reset"))

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || len(dropped) != 1 {
		t.Errorf("expected one connect and one drop, got %v / %v", connected, dropped)
	}
}

func TestFeedFilter(t *testing.T) {
	now := time.Unix(10_000, 0)

	f := FeedFilter(nil, now)
	if len(f.Kinds) != 1 || f.Kinds[0] != nostr.KindTextNote || f.Limit != config.DefaultFeedLimit || f.Since != nil {
		t.Errorf("unexpected default filter: %+v", f)
	}

	f = FeedFilter(&config.FeedConfig{Kinds: []int{1, 6}, Authors: []string{"abc"}, Limit: 10, Since: 600}, now)
	if len(f.Kinds) != 2 || len(f.Authors) != 1 || f.Limit != 10 {
		t.Errorf("unexpected filter: %+v", f)
	}
	if f.Since == nil || *f.Since != nostr.Timestamp(9_400) {
		t.Errorf("expected since 9400, got %v", f.Since)
	}
}
