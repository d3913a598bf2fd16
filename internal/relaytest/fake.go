// Package relaytest provides an in-memory relay.Socket for tests of the
// layers above the websocket transport.
package relaytest

import (
	"context"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"relaymux/internal/relay"
)

// Network hands out FakeSockets and remembers them by url
type Network struct {
	mu      sync.Mutex
	sockets map[string]*FakeSocket
	failing map[string]error
	created int
}

// NewNetwork creates an empty fake network
func NewNetwork() *Network {
	return &Network{
		sockets: make(map[string]*FakeSocket),
		failing: make(map[string]error),
	}
}

// Factory returns a relay.Factory creating FakeSockets on this network
func (n *Network) Factory() relay.Factory {
	return func(url string, hooks relay.Hooks) relay.Socket {
		s := &FakeSocket{
			url:   url,
			hooks: hooks,
			net:   n,
			subs:  make(map[string]*FakeSub),
			acks:  make(map[string]*relay.Ack),
		}
		n.mu.Lock()
		n.sockets[url] = s
		n.created++
		n.mu.Unlock()
		return s
	}
}

// Socket returns the socket created for url, nil if none
func (n *Network) Socket(url string) *FakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sockets[url]
}

// Created returns how many sockets the factory built
func (n *Network) Created() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created
}

// Fail makes every following Connect to url fail with err. A nil err heals it.
func (n *Network) Fail(url string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failing, url)
		return
	}
	n.failing[url] = err
}

func (n *Network) failure(url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failing[url]
}

// FakeSub is a subscription opened on a FakeSocket
type FakeSub struct {
	ID      string
	Filters nostr.Filters
	handler relay.SubscriptionHandler
}

// FakeSocket implements relay.Socket without any I/O
type FakeSocket struct {
	url   string
	hooks relay.Hooks
	net   *Network

	mu             sync.Mutex
	connected      bool
	closed         bool
	seq            int
	subs           map[string]*FakeSub
	acks           map[string]*relay.Ack
	published      []nostr.Event
	unsubscribed   []string
	connectCalls   int
	subscribeCalls int
}

func (s *FakeSocket) URL() string {
	return s.url
}

func (s *FakeSocket) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return relay.ErrSocketClosed
	}
	s.connectCalls++
	if err := s.net.failure(s.url); err != nil {
		s.mu.Unlock()
		connErr := &relay.ConnectionError{URL: s.url, Err: err}
		if s.hooks.OnError != nil {
			s.hooks.OnError(connErr)
		}
		return connErr
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.mu.Unlock()

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect()
	}
	return nil
}

func (s *FakeSocket) Publish(evt nostr.Event) (*relay.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, relay.ErrNotConnected
	}
	ack := relay.NewAck(s.url, evt.ID)
	s.acks[evt.ID] = ack
	s.published = append(s.published, evt)
	return ack, nil
}

func (s *FakeSocket) Subscribe(filters nostr.Filters, handler relay.SubscriptionHandler) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", relay.ErrNotConnected
	}
	s.seq++
	s.subscribeCalls++
	id := "fake:" + strconv.Itoa(s.seq)
	s.subs[id] = &FakeSub{ID: id, Filters: filters, handler: handler}
	return id, nil
}

func (s *FakeSocket) Unsubscribe(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[subID]; !ok {
		return
	}
	delete(s.subs, subID)
	s.unsubscribed = append(s.unsubscribed, subID)
}

func (s *FakeSocket) Close() {
	s.mu.Lock()
	s.closed = true
	connected := s.connected
	s.mu.Unlock()
	if connected {
		s.Drop(nil)
	}
}

// Drop simulates the connection going away
func (s *FakeSocket) Drop(err error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.subs = make(map[string]*FakeSub)
	acks := s.acks
	s.acks = make(map[string]*relay.Ack)
	s.mu.Unlock()

	for _, ack := range acks {
		ack.Resolve(relay.ErrConnectionClosed)
	}
	if s.hooks.OnDisconnect != nil {
		if err != nil {
			err = &relay.ConnectionError{URL: s.url, Err: err}
		}
		s.hooks.OnDisconnect(err)
	}
}

// Emit delivers evt on one subscription. It reports false for unknown ids.
func (s *FakeSocket) Emit(subID string, evt nostr.Event) bool {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if sub.handler.OnEvent != nil {
		sub.handler.OnEvent(&evt)
	}
	return true
}

// Broadcast delivers evt on every open subscription whose filters match it
// and returns how many subscriptions received it
func (s *FakeSocket) Broadcast(evt nostr.Event) int {
	n := 0
	for _, sub := range s.OpenSubs() {
		if sub.Filters.Match(&evt) && s.Emit(sub.ID, evt) {
			n++
		}
	}
	return n
}

// EOSE signals end of stored events on one subscription
func (s *FakeSocket) EOSE(subID string) bool {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if sub.handler.OnEOSE != nil {
		sub.handler.OnEOSE()
	}
	return true
}

// EOSEAll signals end of stored events on every open subscription
func (s *FakeSocket) EOSEAll() {
	for _, sub := range s.OpenSubs() {
		s.EOSE(sub.ID)
	}
}

// CloseSub simulates a relay-side CLOSED message
func (s *FakeSocket) CloseSub(subID, reason string) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()
	if ok && sub.handler.OnClosed != nil {
		sub.handler.OnClosed(reason)
	}
}

// Ack answers a publish the way an OK message would
func (s *FakeSocket) Ack(eventID string, err error) {
	s.mu.Lock()
	ack, ok := s.acks[eventID]
	delete(s.acks, eventID)
	s.mu.Unlock()
	if ok {
		ack.Resolve(err)
	}
}

// OpenSubs returns a snapshot of the open subscriptions
func (s *FakeSocket) OpenSubs() []FakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FakeSub, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	return out
}

func (s *FakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *FakeSocket) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func (s *FakeSocket) SubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCalls
}

func (s *FakeSocket) Unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.unsubscribed...)
}

func (s *FakeSocket) Published() []nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nostr.Event(nil), s.published...)
}
