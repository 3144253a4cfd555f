// This module implements a least recently used (LRU) cache.
// Eviction Policy:
// Entries are kept in a doubly linked list ordered by recency; the front of the list holds the most recently used
// entry. Both reads (Get) and writes (Add) move an entry to the front. When an insertion of a new key would exceed the
// capacity, the entry at the back of the list (the least recently used one) is evicted first.

package cache

import (
	"github.com/nobletooth/relcache/pkg/utils"
)

// lruEntry is a single key-value pair stored in the recency list.
type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-capacity, in-memory cache evicting the least recently used entry. It is not thread-safe.
type LRU[K comparable, V any] struct { // Implements Layer.
	capacity int                                    // Maximum number of entries the cache can hold.
	index    map[K]*linkedListNode[*lruEntry[K, V]] // Provides lookup for an entry by its key.
	recency  *linkedList[*lruEntry[K, V]]           // Most recently used entries are at the front.
	// evictionCallback is an optional callback function that is executed when an entry is evicted by Add. It runs
	// while the owning shard is locked, so it must not call any of the cache methods.
	evictionCallback func(K, V)
}

var _ Layer[int, int] = (*LRU[int, int])(nil)

// NewLRU is the constructor for LRU. Capacity is fixed for the lifetime of the cache.
func NewLRU[K comparable, V any](capacity int, evictionCallback func(K, V)) *LRU[K, V] {
	// Ensure capacity is at least 1.
	if capacity <= 0 {
		utils.RaiseInvariant("lru", "non_positive_cache_capacity",
			"Invalid capacity has been given to lru cache.", "capacity", capacity)
		capacity = 1
	}
	return &LRU[K, V]{
		capacity:         capacity,
		index:            make(map[K]*linkedListNode[*lruEntry[K, V]], capacity),
		recency:          new(linkedList[*lruEntry[K, V]]),
		evictionCallback: evictionCallback,
	}
}

// Get retrieves a value from the cache and marks the key as the most recently used one.
func (c *LRU[K, V]) Get(key K) (V, bool /*found*/) {
	node, found := c.index[key]
	if !found {
		return *new(V), false
	}
	c.recency.MoveToFront(node)
	return node.Value.value, true
}

// Peek retrieves a value from the cache without updating its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool /*found*/) {
	node, found := c.index[key]
	if !found {
		return *new(V), false
	}
	return node.Value.value, true
}

// Add inserts or updates a key-value pair and marks it as the most recently used one. If the cache is full, the least
// recently used entry is evicted before inserting a new key.
func (c *LRU[K, V]) Add(key K, value V) /*evictionOccurred*/ bool {
	if node, found := c.index[key]; found { // Update existing entry.
		node.Value.value = value
		c.recency.MoveToFront(node)
		return false
	}

	evicted := false
	if c.recency.Len() >= c.capacity {
		oldest := c.recency.Back()
		c.recency.Remove(oldest)
		delete(c.index, oldest.Value.key)
		evicted = true
		if c.evictionCallback != nil {
			c.evictionCallback(oldest.Value.key, oldest.Value.value)
		}
	}
	c.index[key] = c.recency.PushFront(&lruEntry[K, V]{key: key, value: value})
	return evicted
}

// Contains reports whether the key is cached without updating its recency.
func (c *LRU[K, V]) Contains(key K) bool {
	_, found := c.index[key]
	return found
}

// Keys returns the cached keys from the most to the least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, c.recency.Len())
	for node := c.recency.Front(); node != nil; node = node.Next() {
		keys = append(keys, node.Value.key)
	}
	return keys
}

func (c *LRU[K, V]) Len() int {
	return c.recency.Len()
}

// Purge drops every entry. The eviction callback is not called for purged entries.
func (c *LRU[K, V]) Purge() {
	c.index = make(map[K]*linkedListNode[*lruEntry[K, V]], c.capacity)
	c.recency = new(linkedList[*lruEntry[K, V]])
}
