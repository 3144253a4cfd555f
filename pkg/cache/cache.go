// Relcache keeps the hottest relation sets in memory to avoid repeated reads of the persistent store.
// This module provides an interface on caching, making single shard caches and multi shard caches have the same API.

package cache

// Layer defines the interface for a bounded in-memory key-value cache. Layers are not thread-safe on their own; the
// Sharded cache guards every layer (shard) with its own mutex.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	// A hit marks the key as recently used.
	Get(key K) (V, bool)
	// Peek is like Get without touching the recency of the key.
	Peek(key K) (V, bool)
	// Add inserts or replaces a key-value pair, marking it as recently used. It returns true if an item was evicted.
	Add(key K, value V) bool
	Contains(key K) bool // Reports whether the key is cached without touching its recency.
	Keys() []K           // Returns a slice of all keys currently in the cache.
	Len() int            // Returns the number of cached keys.
	Purge()              // Removes all items from the cache.
}
