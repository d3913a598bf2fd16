package feed

import (
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func event(id string, createdAt nostr.Timestamp) *nostr.Event {
	return &nostr.Event{ID: id, CreatedAt: createdAt, Kind: 1}
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestFeed_DeduplicatesByID(t *testing.T) {
	f := New()

	// the same event delivered by two relays
	if !f.Add(event("1", 100)) {
		t.Error("expected first add to be new")
	}
	if f.Add(event("1", 100)) {
		t.Error("expected duplicate add to be dropped")
	}

	if f.Len() != 1 {
		t.Errorf("expected 1 event, got %d", f.Len())
	}
	if !f.Contains("1") {
		t.Error("expected feed to contain event 1")
	}
}

func TestFeed_SortsNewestFirstWithStableTies(t *testing.T) {
	f := New()
	f.Add(event("a", 100))
	f.Add(event("b", 300))
	f.Add(event("c", 200))
	f.Add(event("d", 300))
	f.Add(event("e", 100))

	got := ids(f.Events())
	want := []string{"b", "d", "c", "a", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if f.Latest().ID != "b" {
		t.Errorf("expected latest b, got %s", f.Latest().ID)
	}
}

func TestFeed_DuplicateKeepsFirstSeenPosition(t *testing.T) {
	f := New()
	f.Add(event("x", 50))
	f.Add(event("y", 50))
	f.Add(event("x", 50))

	got := ids(f.Events())
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected [x y], got %v", got)
	}
}

func TestFeed_EventsIsSnapshot(t *testing.T) {
	f := New()
	f.Add(event("1", 10))
	snap := f.Events()
	f.Add(event("2", 20))

	if len(snap) != 1 {
		t.Errorf("expected snapshot to keep 1 event, got %d", len(snap))
	}
	if f.Latest() == nil || f.Latest().ID != "2" {
		t.Error("expected latest to be event 2")
	}
	if New().Latest() != nil {
		t.Error("expected nil latest on empty feed")
	}
	if f.Add(nil) {
		t.Error("expected nil event to be ignored")
	}
}

func TestFeed_ConcurrentIngestion(t *testing.T) {
	f := New()
	r := rand.New(rand.NewSource(1))

	// three relays deliver overlapping sets in different orders
	base := make([]*nostr.Event, 200)
	for i := range base {
		base[i] = event(strconv.Itoa(i), nostr.Timestamp(r.Intn(50)))
	}

	var wg sync.WaitGroup
	for relay := 0; relay < 3; relay++ {
		perm := r.Perm(len(base))
		wg.Add(1)
		go func(perm []int) {
			defer wg.Done()
			for _, i := range perm {
				e := *base[i]
				f.Add(&e)
			}
		}(perm)
	}
	wg.Wait()

	events := f.Events()
	if len(events) != len(base) {
		t.Fatalf("expected %d unique events, got %d", len(base), len(events))
	}
	seen := make(map[string]bool)
	for i, e := range events {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
		if i > 0 && events[i-1].CreatedAt < e.CreatedAt {
			t.Fatalf("feed not sorted at %d: %d before %d", i, events[i-1].CreatedAt, e.CreatedAt)
		}
	}
}
