package profile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"

	"relaymux/internal/batcher"
)

// Metadata is the content of a kind 0 event
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	About       string `json:"about,omitempty"`
	Website     string `json:"website,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Nip06       string `json:"nip06,omitempty"`
}

// Profile is a resolved author
type Profile struct {
	PubKey    string
	Npub      string
	Metadata  Metadata
	CreatedAt nostr.Timestamp
}

// Label returns the best human-readable name for the author
func (p Profile) Label() string {
	switch {
	case p.Metadata.DisplayName != "":
		return p.Metadata.DisplayName
	case p.Metadata.Name != "":
		return p.Metadata.Name
	case len(p.Npub) > 16:
		return p.Npub[:16]
	default:
		return p.Npub
	}
}

// Decode turns a kind 0 event into a Profile keyed by its author
func Decode(evt *nostr.Event) (string, Profile, error) {
	if evt.Kind != nostr.KindProfileMetadata {
		return "", Profile{}, &batcher.MalformedPayloadError{
			EventID: evt.ID,
			Err:     fmt.Errorf("unexpected kind %d", evt.Kind),
		}
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(evt.Content), &meta); err != nil {
		return "", Profile{}, &batcher.MalformedPayloadError{EventID: evt.ID, Err: err}
	}

	npub, err := nip19.EncodePublicKey(evt.PubKey)
	if err != nil {
		return "", Profile{}, &batcher.MalformedPayloadError{EventID: evt.ID, Err: err}
	}

	return evt.PubKey, Profile{
		PubKey:    evt.PubKey,
		Npub:      npub,
		Metadata:  meta,
		CreatedAt: evt.CreatedAt,
	}, nil
}

// Filter requests the metadata of every pubkey in one subscription
func Filter(pubkeys []string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: pubkeys,
	}
}

// NewQueue creates a debounced profile fetcher for one session
func NewQueue(sub batcher.Subscriber, debounce time.Duration, logger zerolog.Logger) (*batcher.Queue[Profile], error) {
	return batcher.NewQueue[Profile](sub, Filter, Decode, batcher.Options{Debounce: debounce}, logger.With().Str("kind", "profile").Logger())
}
