package relay

import (
	"context"
	"sync"
)

// Ack is the pending acknowledgement of one event published to one relay
type Ack struct {
	relayURL string
	eventID  string

	once sync.Once
	done chan struct{}
	err  error
}

// NewAck creates an unresolved ack
func NewAck(relayURL, eventID string) *Ack {
	return &Ack{
		relayURL: relayURL,
		eventID:  eventID,
		done:     make(chan struct{}),
	}
}

// RelayURL returns the relay the event was sent to
func (a *Ack) RelayURL() string {
	return a.relayURL
}

// EventID returns the id of the published event
func (a *Ack) EventID() string {
	return a.eventID
}

// Resolve completes the ack. Only the first call has an effect.
func (a *Ack) Resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed once the ack is resolved
func (a *Ack) Done() <-chan struct{} {
	return a.done
}

// Err returns the outcome, nil while unresolved or when the relay accepted the event
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the relay answers, the connection drops or ctx is done
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
