package subscription

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Options are the optional callbacks of one subscription handle
type Options struct {
	// OnEvent is called once for every event newly merged into the feed
	OnEvent func(evt *nostr.Event, relayURL string)
	// OnSubscribe is called whenever the filter is opened on a relay. A handle
	// joining a filter that is already open gets it for those relays on join.
	OnSubscribe func(relayURL, subID string)
	// OnDone is called once, on the first end-of-stored-events from any relay
	OnDone func()
}

// RelayStats describes the per-relay subscription behind a handle
type RelayStats struct {
	URL      string
	SubID    string
	OpenedAt time.Time
	Events   int64
	EOSE     bool
}
