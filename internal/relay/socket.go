package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection
	ErrNotConnected = errors.New("relay not connected")
	// ErrConnectionClosed resolves pending acks when the connection drops
	ErrConnectionClosed = errors.New("relay connection closed")
	// ErrSocketClosed is returned by Connect after Close
	ErrSocketClosed = errors.New("relay socket closed")
	// ErrPublishRejected wraps the reason a relay gave in a negative OK
	ErrPublishRejected = errors.New("event rejected by relay")
)

// ConnectionError reports a relay that could not be reached or dropped.
// It is never fatal: the relay stays eligible to reconnect.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// State is the connection state of a relay
type State int32

const (
	StatePending State = iota
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Hooks receives connection lifecycle notifications of a socket.
// Notifications of one socket are delivered in order; nil hooks are skipped.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
}

// SubscriptionHandler receives the notifications of one subscription
type SubscriptionHandler struct {
	OnEvent  func(evt *nostr.Event)
	OnEOSE   func()
	OnClosed func(reason string)
}

// Socket is one connection to one relay
type Socket interface {
	URL() string
	Connect(ctx context.Context) error
	Publish(evt nostr.Event) (*Ack, error)
	Subscribe(filters nostr.Filters, handler SubscriptionHandler) (string, error)
	// Unsubscribe is a no-op for unknown ids and disconnected sockets
	Unsubscribe(subID string)
	Close()
}

// Factory creates the socket for a relay url
type Factory func(url string, hooks Hooks) Socket
