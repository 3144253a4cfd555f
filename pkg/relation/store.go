// Relcache keeps the relations of an entry (the entries citing it and the entries it cites) in a chain of tiers.
// Every tier, from the in-memory LRU to the persistent store, implements the same Store contract so tiers can be
// composed freely by the Chain.

package relation

import (
	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/utils"
)

// Store is the contract of a single relation tier; an instance serves exactly one direction.
type Store interface {
	// Relations returns the stored relations of `key`, or an empty set if absent. Absence is never an error.
	Relations(key entry.Key) ([]entry.Entry, error)
	// CacheOrMergeRelations merges `relations` into the set stored for `key`: existing relations keep their order,
	// new relations not yet present are appended in the given order.
	CacheOrMergeRelations(key entry.Key, relations []entry.Entry) error
	// ContainsKey returns true if a record (possibly an empty set) exists for `key`.
	ContainsKey(key entry.Key) bool
	// IsUpdatable returns true if the data stored for `key` is missing or stale and should be refreshed.
	IsUpdatable(key entry.Key) bool
}

// Clearer is implemented by stores that support wiping all their records; used for tests and maintenance only.
type Clearer interface {
	ClearEntries() error
}

// Merge returns the distinct union of `existing` and `incoming` in first-seen order, comparing entries by `identity`.
// The result is never nil and never aliases the given slices' backing arrays.
func Merge(existing, incoming []entry.Entry, identity entry.Identity) []entry.Entry {
	merged := make([]entry.Entry, 0, len(existing)+len(incoming))
	seen := make(map[entry.Key]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		key := identity(e)
		if _, duplicate := seen[key]; duplicate {
			// Previous merges never store duplicates; this only happens if the identity function changed.
			utils.RaiseInvariant("relation", "duplicate_stored_relation",
				"Stored relation set contains a duplicate entry.", "key", key)
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, e.Clone())
	}
	for _, e := range incoming {
		key := identity(e)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, e.Clone())
	}
	return merged
}
