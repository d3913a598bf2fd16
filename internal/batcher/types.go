package batcher

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// KeyState is the lifecycle position of one requested key
type KeyState int

const (
	StateUnrequested KeyState = iota
	StateQueued
	StateInFlight
	StateResolved
)

func (s KeyState) String() string {
	switch s {
	case StateUnrequested:
		return "unrequested"
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in-flight"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Result is what a reader of one key sees right now
type Result[V any] struct {
	IsLoading bool
	Found     bool
	Data      V
}

// FilterBuilder turns a batch of keys into the filter requesting all of them
type FilterBuilder func(keys []string) nostr.Filter

// Decoder extracts the key and the decoded record from an event
type Decoder[V any] func(evt *nostr.Event) (key string, value V, err error)

// MalformedPayloadError reports an event whose payload could not be decoded.
// Such events are dropped.
type MalformedPayloadError struct {
	EventID string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload in event %s: %v", e.EventID, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}
