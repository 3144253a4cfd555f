package relation

import (
	"testing"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T, opts ...ChainOption) (*Chain, *fakeStore, *fakeStore) {
	t.Helper()
	fast, durable := newFakeStore(), newFakeStore()
	chain, err := NewChain([]Store{fast, durable}, opts...)
	require.NoError(t, err)
	return chain, fast, durable
}

func TestNewChain(t *testing.T) {
	t.Run("no_tiers", func(t *testing.T) {
		_, err := NewChain(nil)
		assert.ErrorIs(t, err, ErrNoTiers)
	})
	t.Run("nil_tier", func(t *testing.T) {
		_, err := NewChain([]Store{newFakeStore(), nil})
		assert.Error(t, err)
	})
}

func TestChain_WriteThrough(t *testing.T) {
	chain, fast, durable := newTestChain(t)
	key := entry.Key("doi:source")

	require.NoError(t, chain.CacheOrMergeRelations(key, papers("a", "b")))
	require.NoError(t, chain.CacheOrMergeRelations(key, papers("b", "c")))

	expected := papers("a", "b", "c")
	for name, tier := range map[string]*fakeStore{"fast": fast, "durable": durable} {
		got, err := tier.Relations(key)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "Tier %s diverged from the chain", name)
	}
	got, err := chain.Relations(key)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestChain_WriteStopsAtFailingTier(t *testing.T) {
	t.Run("durable_tier", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		durable.failWrite = true
		assert.Error(t, chain.CacheOrMergeRelations("doi:source", papers("a")))
		assert.Zero(t, fast.writes, "Faster tiers must not hold relations the durable tier lost")
	})
	t.Run("fast_tier", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		fast.failWrite = true
		assert.Error(t, chain.CacheOrMergeRelations("doi:source", papers("a")))
		assert.Equal(t, 1, durable.writes)
	})
	t.Run("durable_read_back", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		durable.failReads = true
		assert.Error(t, chain.CacheOrMergeRelations("doi:source", papers("a")))
		assert.Zero(t, fast.writes)
	})
}

func TestChain_WriteSeedsEvictedTier(t *testing.T) {
	chain, fast, durable := newTestChain(t)
	key := entry.Key("doi:source")
	require.NoError(t, chain.CacheOrMergeRelations(key, papers("a", "b")))
	require.NoError(t, fast.ClearEntries()) // Evicted from the fast tier only.

	require.NoError(t, chain.CacheOrMergeRelations(key, papers("c")))
	expected := papers("a", "b", "c")
	for name, tier := range map[string]*fakeStore{"fast": fast, "durable": durable} {
		got, err := tier.Relations(key)
		require.NoError(t, err)
		assert.Equal(t, expected, got, "Tier %s diverged from the chain", name)
	}
	got, err := chain.Relations(key)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestChain_ContainsKey(t *testing.T) {
	chain, fast, durable := newTestChain(t)
	assert.False(t, chain.ContainsKey("doi:x"))

	require.NoError(t, fast.CacheOrMergeRelations("doi:only-fast", papers("a")))
	require.NoError(t, durable.CacheOrMergeRelations("doi:only-durable", papers("a")))
	assert.True(t, chain.ContainsKey("doi:only-fast"))
	assert.True(t, chain.ContainsKey("doi:only-durable"))
	assert.False(t, chain.ContainsKey("doi:nowhere"))
}

func TestChain_IsUpdatable(t *testing.T) {
	chain, fast, durable := newTestChain(t)
	key := entry.Key("doi:source")

	assert.True(t, chain.IsUpdatable(key), "Missing keys are updatable")
	require.NoError(t, chain.CacheOrMergeRelations(key, papers("a")))
	assert.False(t, chain.IsUpdatable(key), "Freshly written keys are not updatable")

	// One stale tier is not enough, every tier has to agree.
	durable.stale[key] = true
	assert.False(t, chain.IsUpdatable(key))
	require.NoError(t, fast.ClearEntries())
	assert.True(t, chain.IsUpdatable(key))
}

func TestChain_Relations(t *testing.T) {
	t.Run("miss_returns_empty_set", func(t *testing.T) {
		chain, _, _ := newTestChain(t)
		got, err := chain.Relations("doi:missing")
		assert.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
	t.Run("first_tier_wins", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		require.NoError(t, fast.CacheOrMergeRelations("doi:k", papers("fast")))
		require.NoError(t, durable.CacheOrMergeRelations("doi:k", papers("durable")))
		got, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.Equal(t, papers("fast"), got)
	})
	t.Run("cached_empty_set_is_a_hit", func(t *testing.T) {
		chain, _, durable := newTestChain(t)
		require.NoError(t, chain.CacheOrMergeRelations("doi:k", nil))
		durable.failReads = true // Would fail if the read fell through.
		got, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("failing_tier_falls_back", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		require.NoError(t, chain.CacheOrMergeRelations("doi:k", papers("a")))
		fast.failReads = true
		got, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.Equal(t, papers("a"), got)

		durable.failReads = true
		_, err = chain.Relations("doi:k")
		assert.Error(t, err)
	})
}

func TestChain_ReadPromotion(t *testing.T) {
	t.Run("fresh_hit_is_promoted", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		require.NoError(t, durable.CacheOrMergeRelations("doi:k", papers("a")))
		got, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.Equal(t, papers("a"), got)
		assert.True(t, fast.ContainsKey("doi:k"))
	})
	t.Run("stale_hit_is_not_promoted", func(t *testing.T) {
		chain, fast, durable := newTestChain(t)
		require.NoError(t, durable.CacheOrMergeRelations("doi:k", papers("a")))
		durable.stale["doi:k"] = true
		_, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.False(t, fast.ContainsKey("doi:k"))
		assert.True(t, chain.IsUpdatable("doi:k"))
	})
	t.Run("disabled", func(t *testing.T) {
		chain, fast, durable := newTestChain(t, WithoutReadPromotion())
		require.NoError(t, durable.CacheOrMergeRelations("doi:k", papers("a")))
		_, err := chain.Relations("doi:k")
		require.NoError(t, err)
		assert.False(t, fast.ContainsKey("doi:k"))
	})
}

func TestChain_ClearEntries(t *testing.T) {
	chain, fast, durable := newTestChain(t)
	require.NoError(t, chain.CacheOrMergeRelations("doi:k", papers("a")))
	require.NoError(t, chain.ClearEntries())
	assert.False(t, fast.ContainsKey("doi:k"))
	assert.False(t, durable.ContainsKey("doi:k"))
}
