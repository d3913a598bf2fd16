package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// ErrInvalidFilter marks a filter that can never match anything
var ErrInvalidFilter = errors.New("invalid filter")

// Validate reports filters that select nothing: an explicitly empty id,
// kind, author or tag list, or a since bound after the until bound.
func Validate(f nostr.Filter) error {
	if f.IDs != nil && len(f.IDs) == 0 {
		return fmt.Errorf("%w: empty ids", ErrInvalidFilter)
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return fmt.Errorf("%w: empty kinds", ErrInvalidFilter)
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return fmt.Errorf("%w: empty authors", ErrInvalidFilter)
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			return fmt.Errorf("%w: empty #%s", ErrInvalidFilter, name)
		}
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return fmt.Errorf("%w: since after until", ErrInvalidFilter)
	}
	return nil
}

// canonicalFilter is the order-independent form of a filter.
// Tags are a sorted list because map order is not stable.
type canonicalFilter struct {
	IDs       []string   `json:"ids,omitempty"`
	Kinds     []int      `json:"kinds,omitempty"`
	Authors   []string   `json:"authors,omitempty"`
	Tags      [][]string `json:"tags,omitempty"`
	Since     *int64     `json:"since,omitempty"`
	Until     *int64     `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	LimitZero bool       `json:"limitZero,omitempty"`
	Search    string     `json:"search,omitempty"`
}

func sortedUnique[T string | int](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// FilterKey returns the structural identity of a filter. Filters that differ
// only in list order or duplicate entries share a key.
func FilterKey(f nostr.Filter) string {
	c := canonicalFilter{
		IDs:       sortedUnique(f.IDs),
		Kinds:     sortedUnique(f.Kinds),
		Authors:   sortedUnique(f.Authors),
		Limit:     f.Limit,
		LimitZero: f.LimitZero,
		Search:    f.Search,
	}
	if f.Since != nil {
		v := int64(*f.Since)
		c.Since = &v
	}
	if f.Until != nil {
		v := int64(*f.Until)
		c.Until = &v
	}
	if len(f.Tags) > 0 {
		names := make([]string, 0, len(f.Tags))
		for name := range f.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.Tags = append(c.Tags, append([]string{name}, sortedUnique(f.Tags[name])...))
		}
	}

	data, _ := json.Marshal(c)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}
