package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"relaymux/internal/relay"
	"relaymux/internal/relaytest"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

func newTestPool() (*Pool, *relaytest.Network) {
	net := relaytest.NewNetwork()
	return New(net.Factory(), Options{}, zerolog.Nop()), net
}

func testEvent(t *testing.T, content string) nostr.Event {
	t.Helper()
	evt := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: content}
	if err := evt.Sign(nostr.GeneratePrivateKey()); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return evt
}

func urls(relays []*Relay) []string {
	out := make([]string, len(relays))
	for i, r := range relays {
		out[i] = r.URL()
	}
	return out
}

func TestPool_ConnectIsIdempotentPerURL(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	ctx := context.Background()
	if err := p.Connect(ctx, relayA, relayA, relayA+"/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Connect(ctx, relayA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if net.Created() != 1 {
		t.Errorf("expected 1 socket, got %d", net.Created())
	}
	if calls := net.Socket(relayA).ConnectCalls(); calls != 1 {
		t.Errorf("expected 1 connect call, got %d", calls)
	}
	if len(p.Relays()) != 1 {
		t.Errorf("expected 1 relay, got %d", len(p.Relays()))
	}
}

func TestPool_ListenersFanOut(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	var mu sync.Mutex
	var first, second, dropped []string
	p.OnConnect(func(r *Relay) {
		mu.Lock()
		first = append(first, r.URL())
		mu.Unlock()
	})
	cancel := p.OnConnect(func(r *Relay) {
		mu.Lock()
		second = append(second, r.URL())
		mu.Unlock()
	})
	p.OnDisconnect(func(r *Relay, err error) {
		mu.Lock()
		dropped = append(dropped, r.URL())
		mu.Unlock()
	})

	if err := p.Connect(context.Background(), relayA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	if err := p.Connect(context.Background(), relayB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	net.Socket(relayA).Drop(errors.New("reset"))

	mu.Lock()
	defer mu.Unlock()
	if len(first) != 2 {
		t.Errorf("expected first listener to see 2 connects, got %v", first)
	}
	if len(second) != 1 || second[0] != relayA {
		t.Errorf("expected cancelled listener to see only %s, got %v", relayA, second)
	}
	if len(dropped) != 1 || dropped[0] != relayA {
		t.Errorf("expected disconnect of %s, got %v", relayA, dropped)
	}

	connected := urls(p.ConnectedRelays())
	if len(connected) != 1 || connected[0] != relayB {
		t.Errorf("expected only %s connected, got %v", relayB, connected)
	}
	if r, _ := p.Relay(relayA); r.State() != relay.StateDisconnected {
		t.Errorf("expected %s disconnected, got %s", relayA, r.State())
	}
}

func TestPool_ConnectionErrorIsNotFatal(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	net.Fail(relayB, errors.New("refused"))

	err := p.Connect(context.Background(), relayA, relayB)
	var connErr *relay.ConnectionError
	if !errors.As(err, &connErr) || connErr.URL != relayB {
		t.Fatalf("expected ConnectionError for %s, got %v", relayB, err)
	}

	connected := urls(p.ConnectedRelays())
	if len(connected) != 1 || connected[0] != relayA {
		t.Errorf("expected only %s connected, got %v", relayA, connected)
	}
	r, ok := p.Relay(relayB)
	if !ok || r.State() != relay.StateError {
		t.Fatalf("expected %s in error state", relayB)
	}

	// the failed relay stays in the pool and can come back on the same socket
	net.Fail(relayB, nil)
	if err := p.Connect(context.Background(), relayB); err != nil {
		t.Fatalf("unexpected error on reconnect: %v", err)
	}
	if net.Created() != 2 {
		t.Errorf("expected 2 sockets, got %d", net.Created())
	}
	if len(p.ConnectedRelays()) != 2 {
		t.Errorf("expected 2 connected relays, got %v", urls(p.ConnectedRelays()))
	}
}

func TestPool_ReconnectAfterDrop(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	connects := 0
	p.OnConnect(func(*Relay) { connects++ })

	ctx := context.Background()
	if err := p.Connect(ctx, relayA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	net.Socket(relayA).Drop(nil)
	if len(p.ConnectedRelays()) != 0 {
		t.Fatal("expected no connected relays after drop")
	}

	if err := p.Connect(ctx, relayA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connects != 2 {
		t.Errorf("expected 2 connect notifications, got %d", connects)
	}
	if net.Created() != 1 {
		t.Errorf("expected the socket to be reused, got %d sockets", net.Created())
	}
}

func TestPool_PublishSkipsDisconnectedRelays(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	if err := p.Connect(context.Background(), relayA, relayB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	net.Socket(relayA).Drop(errors.New("gone"))

	evt := testEvent(t, "hello")
	results := p.Publish(evt)
	if len(results) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(results))
	}
	if results[0].URL != relayB {
		t.Errorf("expected ack from %s, got %s", relayB, results[0].URL)
	}
	if len(net.Socket(relayA).Published()) != 0 {
		t.Error("expected nothing sent to the disconnected relay")
	}
}

func TestPool_PublishWithNoRelays(t *testing.T) {
	p, _ := newTestPool()
	defer p.Close()

	if results := p.Publish(testEvent(t, "nobody")); len(results) != 0 {
		t.Errorf("expected no acks, got %d", len(results))
	}
}

func TestWaitAcks(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	if err := p.Connect(context.Background(), relayA, relayB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := testEvent(t, "ack me")
	results := p.Publish(evt)
	net.Socket(relayA).Ack(evt.ID, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcomes := WaitAcks(ctx, results)

	if err, ok := outcomes[relayA]; !ok || err != nil {
		t.Errorf("expected %s to accept, got %v", relayA, err)
	}
	if err := outcomes[relayB]; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected %s to time out, got %v", relayB, err)
	}
}

func TestPool_IsLoading(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	if !p.IsLoading() {
		t.Error("expected loading before any connection")
	}

	net.Fail(relayA, errors.New("refused"))
	_ = p.Connect(context.Background(), relayA)
	if !p.IsLoading() {
		t.Error("expected loading while no relay has connected")
	}

	if err := p.Connect(context.Background(), relayB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.IsLoading() {
		t.Error("expected not loading after first connection")
	}
}

func TestPool_CloseNotifiesDisconnect(t *testing.T) {
	p, _ := newTestPool()

	if err := p.Connect(context.Background(), relayA, relayB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var mu sync.Mutex
	dropped := 0
	p.OnDisconnect(func(*Relay, error) {
		mu.Lock()
		dropped++
		mu.Unlock()
	})

	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if dropped != 2 {
		t.Errorf("expected 2 disconnect notifications, got %d", dropped)
	}
	if len(p.ConnectedRelays()) != 0 {
		t.Error("expected no connected relays after close")
	}
}

func TestPool_InvalidURL(t *testing.T) {
	p, net := newTestPool()
	defer p.Close()

	if err := p.Connect(context.Background(), ""); err == nil {
		t.Error("expected error for empty url")
	}
	if net.Created() != 0 {
		t.Errorf("expected no sockets, got %d", net.Created())
	}
}
