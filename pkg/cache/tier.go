// The LRU tier is the fastest tier of a relation chain. It keeps a bounded number of relation sets in memory and
// forgets the least recently used ones; losing them is fine since the persistent tier holds every fetched set.

package cache

import (
	"flag"
	"log/slog"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/relation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lruCapacity   = flag.Int("lru_capacity", 1000, "Max number of relation sets kept in memory per direction; 0 disables the in-memory tier.")
	lruShardCount = flag.Int("lru_shard_count", 1, "Number of independently locked shards of the in-memory tier; 1 keeps the eviction order exactly LRU.")

	lruLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_lru_lookups_total",
		Help: "Total number of in-memory relation lookups.",
	}, []string{"direction", "result" /* hit | miss */})
	lruEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_lru_evictions_total",
		Help: "Total number of relation sets evicted from memory.",
	}, []string{"direction"})
)

// LRUTier is a bounded in-memory relation store for one direction.
type LRUTier struct { // Implements relation.Store and relation.Clearer.
	direction entry.Direction
	identity  entry.Identity
	sets      *Sharded[entry.Key, []entry.Entry]
}

var (
	_ relation.Store   = (*LRUTier)(nil)
	_ relation.Clearer = (*LRUTier)(nil)
)

// NewLRUTier is the constructor for LRUTier. A non-positive capacity disables the tier: it stores nothing and
// reports every key as updatable.
func NewLRUTier(direction entry.Direction, capacity, shardCount int, identity entry.Identity) *LRUTier {
	if identity == nil {
		identity = entry.DefaultIdentity
	}
	tier := &LRUTier{direction: direction, identity: identity}
	evictions := lruEvictions.WithLabelValues(direction.String())
	onEvict := func(key entry.Key, _ []entry.Entry) {
		evictions.Inc()
		slog.Debug("Evicted relations from memory.", "direction", direction, "key", key)
	}

	if capacity <= 0 {
		tier.sets = NewSharded(func() Layer[entry.Key, []entry.Entry] {
			return NewNoOp[entry.Key, []entry.Entry]()
		}, 1 /*shardCount*/, StringHash[entry.Key])
		return tier
	}
	// More shards than entries would leave shards that can never hold anything.
	shardCount = max(1, min(shardCount, capacity))
	shardCapacity := (capacity + shardCount - 1) / shardCount
	tier.sets = NewSharded(func() Layer[entry.Key, []entry.Entry] {
		return NewLRU(shardCapacity, onEvict)
	}, shardCount, StringHash[entry.Key])
	return tier
}

// NewLRUTierFromFlags builds an LRUTier sized by the `lru_capacity` and `lru_shard_count` flags.
func NewLRUTierFromFlags(direction entry.Direction, identity entry.Identity) *LRUTier {
	return NewLRUTier(direction, *lruCapacity, *lruShardCount, identity)
}

// Relations returns a copy of the cached relations of `key`, marking it as recently used.
func (t *LRUTier) Relations(key entry.Key) ([]entry.Entry, error) {
	relations, found := t.sets.Get(key)
	if !found {
		lruLookups.WithLabelValues(t.direction.String(), "miss").Inc()
		return []entry.Entry{}, nil
	}
	lruLookups.WithLabelValues(t.direction.String(), "hit").Inc()
	return entry.CloneAll(relations), nil
}

// CacheOrMergeRelations merges `relations` into the cached set of `key` and marks it as recently used. It may evict
// the least recently used set of the shard.
func (t *LRUTier) CacheOrMergeRelations(key entry.Key, relations []entry.Entry) error {
	t.sets.Update(key, func(existing []entry.Entry, _ bool) []entry.Entry {
		return relation.Merge(existing, relations, t.identity)
	})
	return nil
}

// ContainsKey reports whether a set (possibly empty) is cached for `key` without touching its recency.
func (t *LRUTier) ContainsKey(key entry.Key) bool {
	return t.sets.Contains(key)
}

// IsUpdatable is true for keys that are not in memory. Memory holds no timestamps; staleness is decided by the
// persistent tier.
func (t *LRUTier) IsUpdatable(key entry.Key) bool {
	return !t.ContainsKey(key)
}

// Len returns the number of cached relation sets.
func (t *LRUTier) Len() int {
	return t.sets.Len()
}

// ClearEntries drops every cached set.
func (t *LRUTier) ClearEntries() error {
	t.sets.Purge()
	return nil
}
