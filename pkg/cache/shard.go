// This module implements cache sharding which distributes keys uniformly across cache shards. Cache layers are not
// thread-safe, so every shard is guarded by its own mutex; sharding helps by distributing the locks.
// In cases where there are multiple goroutines trying to read or write to the sharded cache, each goroutine can only
// lock the shard that their key belongs to and doesn't prevent other goroutines from accessing their intended keys.
// Note that eviction is decided per shard: with more than one shard, the evicted key is the least recently used key
// of its shard, not necessarily of the whole cache.

package cache

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/relcache/pkg/utils"
)

// shard is a single cache layer and the lock guarding it.
type shard[K comparable, V any] struct {
	mu    sync.Mutex
	layer Layer[K, V]
}

// Sharded is a thread-safe cache that distributes keys across multiple underlying cache layers (shards).
// This pattern is used to reduce lock contention and improve concurrency in high-traffic scenarios, as different keys
// can be accessed in parallel on different shards.
type Sharded[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(key K) uint64 // Helps choose the shards index.
}

// NewSharded is the constructor for Sharded. It takes a layerGenerator function, which is responsible for creating
// individual shard instances, and the desired number of shards (shardCount). If `hash` is nil, a hash is derived
// from the key type.
func NewSharded[K comparable, V any](
	layerGenerator func() Layer[K, V], shardCount int, hash func(key K) uint64) *Sharded[K, V] {
	// Ensure there is at least one shard.
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "non_positive_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded[K, V]{shards: make([]*shard[K, V], shardCount), hash: hash}
	for i := range shardCount {
		sharded.shards[i] = &shard[K, V]{layer: layerGenerator()}
	}
	if sharded.hash == nil {
		sharded.hash = defaultHash[K]()
	}
	return sharded
}

// StringHash hashes string-like keys, e.g. entry.Key.
func StringHash[K ~string](key K) uint64 {
	return xxhash.Sum64String(string(key))
}

// defaultHash picks a hash function based on the key type once, to use in getShard.
func defaultHash[K comparable]() func(key K) uint64 {
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int:
		return func(key K) uint64 {
			var b [8]byte
			// Since int's size is architecture-dependent, we should cast it to a fixed-size type before hashing.
			binary.LittleEndian.PutUint64(b[:], uint64(any(key).(int)))
			return xxhash.Sum64(b[:])
		}
	case uint64:
		return func(key K) uint64 {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], any(key).(uint64))
			return xxhash.Sum64(b[:])
		}
	case bool:
		return func(key K) uint64 {
			if any(key).(bool) {
				return xxhash.Sum64([]byte{1})
			}
			return xxhash.Sum64([]byte{0})
		}
	}
	if reflect.TypeFor[K]().Kind() == reflect.String { // Named string types.
		return func(key K) uint64 { return xxhash.Sum64String(reflect.ValueOf(key).String()) }
	}
	// As a fallback for other types (like structs), use fmt.Sprintf. This is less performant but works for any
	// type that can be printed.
	return func(key K) uint64 { return xxhash.Sum64String(fmt.Sprintf("%#v", key)) }
}

// getShard determines which shard a given key belongs to. It does this by hashing the key and using the modulo operator
// to map the hash value to a shard index.
func (c *Sharded[K, V]) getShard(key K) *shard[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

// Get finds the appropriate shard for the key and retrieves the value from it, marking the key as recently used.
func (c *Sharded[K, V]) Get(key K) (V, bool /*found*/) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layer.Get(key)
}

// Peek is like Get without touching the recency of the key.
func (c *Sharded[K, V]) Peek(key K) (V, bool /*found*/) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layer.Peek(key)
}

// Contains reports whether the key is cached without touching its recency.
func (c *Sharded[K, V]) Contains(key K) bool {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layer.Contains(key)
}

// Add finds the appropriate shard for the key and adds the key-value pair to it.
func (c *Sharded[K, V]) Add(key K, value V) /*evictionOccurred*/ bool {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layer.Add(key, value)
}

// Update atomically replaces the value of `key` with the result of `update`, which receives the current value (if
// any). No other goroutine can observe or modify the key while `update` runs.
func (c *Sharded[K, V]) Update(key K, update func(old V, found bool) V) /*evictionOccurred*/ bool {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, found := s.layer.Peek(key)
	return s.layer.Add(key, update(old, found))
}

// Keys aggregates the keys from all shards into a single slice. This can be a resource-intensive operation, as it
// requires iterating over every shard and collecting its keys.
func (c *Sharded[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, s := range c.shards {
		s.mu.Lock()
		keys = append(keys, s.layer.Keys()...)
		s.mu.Unlock()
	}
	return keys
}

// Len sums up the number of keys of every shard.
func (c *Sharded[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.layer.Len()
		s.mu.Unlock()
	}
	return total
}

// Purge clears all items from the cache by calling Purge on every shard.
func (c *Sharded[K, V]) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.layer.Purge()
		s.mu.Unlock()
	}
}
