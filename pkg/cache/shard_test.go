package cache

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/stretchr/testify/assert"
)

// fakeCache is a simple map-based implementation of the Layer interface for testing purposes. It is not thread-safe.
type fakeCache[K comparable, V any] struct {
	items map[K]V
}

// newFakeCache is the constructor for fakeCache.
func newFakeCache[K comparable, V any]() Layer[K, V] {
	return &fakeCache[K, V]{items: make(map[K]V)}
}

func (m *fakeCache[K, V]) Get(key K) (V, bool /*found*/) {
	val, found := m.items[key]
	return val, found
}

func (m *fakeCache[K, V]) Peek(key K) (V, bool /*found*/) {
	return m.Get(key)
}

// Add inserts a key-value pair into the fake cache. It always returns false because it doesn't support eviction.
func (m *fakeCache[K, V]) Add(key K, value V) bool {
	m.items[key] = value
	return false
}

func (m *fakeCache[K, V]) Contains(key K) bool {
	_, found := m.items[key]
	return found
}

func (m *fakeCache[K, V]) Keys() []K {
	return slices.Collect(maps.Keys(m.items))
}

func (m *fakeCache[K, V]) Len() int {
	return len(m.items)
}

func (m *fakeCache[K, V]) Purge() {
	m.items = make(map[K]V)
}

func TestSharded_AddAndGet(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 10 /*shardCount*/, nil /*hash*/)
	t.Run("add_and_get_existing_key", func(t *testing.T) {
		sc.Add("hello", 123)

		got, found := sc.Get("hello")
		assert.True(t, found, "Expected to find key %q", "hello")
		assert.Equal(t, 123, got, "Expected value does not match")
		assert.True(t, sc.Contains("hello"))
	})
	t.Run("get_non_existent_key", func(t *testing.T) {
		_, found := sc.Get("non-existent")
		assert.False(t, found, "Expected not to find key")
		_, found = sc.Peek("non-existent")
		assert.False(t, found)
	})
}

// TestSharded_KeyTypes tests that different key types are hashed and handled correctly.
func TestSharded_KeyTypes(t *testing.T) {
	type testValue struct {
		Name string
		Age  int
	}
	t.Run("string_key", func(t *testing.T) {
		sc := NewSharded(newFakeCache[string, string], 8, nil /*hash*/)
		sc.Add("my-string-key", "a string value")
		got, found := sc.Get("my-string-key")
		assert.True(t, found)
		assert.Equal(t, "a string value", got)
	})
	t.Run("int_key", func(t *testing.T) {
		sc := NewSharded(newFakeCache[int, int], 8, nil /*hash*/)
		sc.Add(42, 999)
		got, found := sc.Get(42)
		assert.True(t, found)
		assert.Equal(t, 999, got)
	})
	t.Run("named_string_key", func(t *testing.T) {
		sc := NewSharded(newFakeCache[entry.Key, int], 8, nil /*hash*/)
		sc.Add(entry.Key("doi:10.1/a"), 7)
		got, found := sc.Get("doi:10.1/a")
		assert.True(t, found)
		assert.Equal(t, 7, got)
		// Named string keys hash exactly like their underlying string.
		assert.Equal(t, StringHash(entry.Key("doi:10.1/a")), sc.hash("doi:10.1/a"))
	})
	t.Run("struct_key", func(t *testing.T) {
		sc := NewSharded(newFakeCache[testValue, testValue], 8, nil /*hash*/)
		key := testValue{Name: "Go", Age: 15}
		sc.Add(key, key)
		got, found := sc.Get(key)
		assert.True(t, found)
		assert.Equal(t, key, got)
	})
}

func TestSharded_Keys(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 4 /*shardCount*/, StringHash[string])
	expectedKeys := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, key := range expectedKeys {
		sc.Add(key, i)
	}
	assert.ElementsMatch(t, expectedKeys, sc.Keys())
	assert.Equal(t, len(expectedKeys), sc.Len())
}

func TestSharded_Purge(t *testing.T) {
	sc := NewSharded(newFakeCache[int, string], 5, nil /*hash*/)
	keysToAdd := []int{1, 10, 100, 1000}
	for _, key := range keysToAdd {
		sc.Add(key, "some value")
	}
	assert.Len(t, sc.Keys(), len(keysToAdd), "Incorrect number of keys before purge")

	// Verify all keys are removed.
	sc.Purge()
	assert.Empty(t, sc.Keys(), "Expected keys to be empty after purge")
	_, found := sc.Get(keysToAdd[0])
	assert.False(t, found, "Expected key to be gone after purge")
}

func TestSharded_Update(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 4, nil /*hash*/)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.Update("counter", func(old int, found bool) int {
				if !found {
					return 1
				}
				return old + 1
			})
		}()
	}
	wg.Wait()
	got, found := sc.Get("counter")
	assert.True(t, found)
	assert.Equal(t, 100, got, "Concurrent updates must not be lost")
}

// TestSharded_ShardingDistribution verifies that keys are distributed across multiple shards.
func TestSharded_ShardingDistribution(t *testing.T) {
	shardCount := 10
	sc := NewSharded(newFakeCache[string, int], shardCount, nil /*hash*/)
	// keyCount should be large enough compared to shardCount so it becomes virtually impossible to have a shard with
	// less than 50% of `keyCount/shardCount` keys.
	keyCount := 100_000
	for i := range keyCount {
		sc.Add(fmt.Sprintf("key-%d", i), i)
	}
	for _, s := range sc.shards {
		assert.Greater(t, s.layer.Len(), keyCount/(2*shardCount),
			"Expected keys in each shard to be at least half the keys compared to the uniform distribution.")
	}
}

// TestSharded_ShardMapping tests the hash function mapping to each shard.
func TestSharded_ShardMapping(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 10 /*shardCount*/, nil /*hash*/)
	for i := range 10 {
		sc.Add(fmt.Sprintf("key-%d", i), i)
	}
	assert.Empty(t, sc.shards[0].layer.Keys())
	assert.ElementsMatch(t, []string{"key-6"}, sc.shards[1].layer.Keys())
	assert.Empty(t, sc.shards[2].layer.Keys())
	assert.ElementsMatch(t, []string{"key-0", "key-7"}, sc.shards[3].layer.Keys())
	assert.ElementsMatch(t, []string{"key-1", "key-3"}, sc.shards[4].layer.Keys())
	assert.Empty(t, sc.shards[5].layer.Keys())
	assert.ElementsMatch(t, []string{"key-2", "key-5", "key-9"}, sc.shards[6].layer.Keys())
	assert.ElementsMatch(t, []string{"key-4", "key-8"}, sc.shards[7].layer.Keys())
	assert.Empty(t, sc.shards[8].layer.Keys())
	assert.Empty(t, sc.shards[9].layer.Keys())
}
