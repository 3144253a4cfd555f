// A Chain orders tiers from the fastest / most volatile to the slowest / most durable one. Reads fall back through
// the tiers and writes go through every tier, so the fast tier absorbs read traffic while the durable tier guarantees
// no fetched relation is lost to eviction.

package relation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrNoTiers = errors.New("relation chain needs at least one tier")

	chainLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_chain_lookups_total",
		Help: "Total number of chain reads by the index of the tier that answered.",
	}, []string{"tier" /* 0..n-1 | miss */})
	chainPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relation_chain_promotions_total",
		Help: "Total number of relation sets copied into faster tiers after a read.",
	})
)

// Chain composes tiers and implements Store itself.
type Chain struct { // Implements Store.
	tiers         []Store
	promoteOnRead bool // Copy fresh hits of slower tiers into the faster ones.
}

var _ Store = (*Chain)(nil)

// ChainOption customizes a Chain.
type ChainOption func(*Chain)

// WithoutReadPromotion disables copying relations found in slower tiers into faster tiers on read.
func WithoutReadPromotion() ChainOption {
	return func(c *Chain) { c.promoteOnRead = false }
}

// NewChain is the constructor for Chain. Tiers are ordered from the fastest to the most durable.
func NewChain(tiers []Store, opts ...ChainOption) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	for i, tier := range tiers {
		if tier == nil {
			utils.RaiseInvariant("relation", "nil_chain_tier", "Got a nil tier for relation chain.", "index", i)
			return nil, fmt.Errorf("relation chain tier %d is nil", i)
		}
	}
	chain := &Chain{tiers: tiers, promoteOnRead: true}
	for _, opt := range opts {
		opt(chain)
	}
	return chain, nil
}

// Relations answers from the first tier that contains `key`. A tier failing to read is skipped; its error is only
// returned when no later tier could answer either.
func (c *Chain) Relations(key entry.Key) ([]entry.Entry, error) {
	var readErrs error
	for i, tier := range c.tiers {
		if !tier.ContainsKey(key) {
			continue
		}
		relations, err := tier.Relations(key)
		if err != nil {
			slog.Warn("Failed to read relations from tier, falling back to the next tier.",
				"tier", i, "key", key, "error", err)
			readErrs = errors.Join(readErrs, fmt.Errorf("tier %d: %w", i, err))
			continue
		}
		chainLookups.WithLabelValues(fmt.Sprint(i)).Inc()
		if i > 0 && c.promoteOnRead && !tier.IsUpdatable(key) {
			c.promote(key, relations, i)
		}
		return relations, nil
	}
	chainLookups.WithLabelValues("miss").Inc()
	if readErrs != nil {
		return nil, fmt.Errorf("failed to read relations of %s: %w", key, readErrs)
	}
	return []entry.Entry{}, nil
}

// promote copies `relations` into the tiers faster than `hitTier`. Failures are logged; the read still succeeds.
func (c *Chain) promote(key entry.Key, relations []entry.Entry, hitTier int) {
	for i := range hitTier {
		if err := c.tiers[i].CacheOrMergeRelations(key, relations); err != nil {
			slog.Warn("Failed to promote relations into a faster tier.", "tier", i, "key", key, "error", err)
			continue
		}
		chainPromotions.Inc()
	}
}

// CacheOrMergeRelations writes through every tier, starting with the most durable one. The faster tiers then merge
// the durable tier's set instead of `relations` alone, so a tier that evicted `key` does not come back with only the
// newest relations.
func (c *Chain) CacheOrMergeRelations(key entry.Key, relations []entry.Entry) error {
	last := len(c.tiers) - 1
	durable := c.tiers[last]
	if err := durable.CacheOrMergeRelations(key, relations); err != nil {
		return fmt.Errorf("failed to merge relations of %s into tier %d: %w", key, last, err)
	}
	if last == 0 {
		return nil
	}
	merged, err := durable.Relations(key)
	if err != nil {
		return fmt.Errorf("failed to read back relations of %s from tier %d: %w", key, last, err)
	}
	for i := last - 1; i >= 0; i-- {
		if err := c.tiers[i].CacheOrMergeRelations(key, merged); err != nil {
			return fmt.Errorf("failed to merge relations of %s into tier %d: %w", key, i, err)
		}
	}
	return nil
}

// ContainsKey is true if any tier holds `key`.
func (c *Chain) ContainsKey(key entry.Key) bool {
	for _, tier := range c.tiers {
		if tier.ContainsKey(key) {
			return true
		}
	}
	return false
}

// IsUpdatable is true only if every tier considers `key` missing or stale.
func (c *Chain) IsUpdatable(key entry.Key) bool {
	for _, tier := range c.tiers {
		if !tier.IsUpdatable(key) {
			return false
		}
	}
	return true
}

// ClearEntries wipes every tier that supports clearing.
func (c *Chain) ClearEntries() error {
	var errs error
	for i, tier := range c.tiers {
		if clearer, ok := tier.(Clearer); ok {
			if err := clearer.ClearEntries(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("tier %d: %w", i, err))
			}
		}
	}
	return errs
}
