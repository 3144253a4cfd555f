// The repository answers relation lookups from the tier chains and falls back to the fetcher when the cached data is
// missing or stale. Concurrent lookups of the same entry and direction share one in-flight fetch.

package repository

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/relation"
	"github.com/nobletooth/relcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	fetchTimeout = flag.Duration("fetch_timeout", 30*time.Second, "Upper bound of a single relation fetch.")

	ErrFetch = errors.New("relation fetch failed")

	fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_fetches_total",
		Help: "Total number of relation fetches by outcome.",
	}, []string{"direction", "fetcher", "status" /* ok | error | cancelled | store_error */})
	sharedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_fetch_shared_total",
		Help: "Total number of lookups answered by a fetch started by another caller.",
	}, []string{"direction"})
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relation_fetch_duration_seconds",
		Help:    "Latency of relation fetches.",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})
)

// Repository is the relation lookup API for both directions.
type Repository struct {
	fetcher      Fetcher
	chains       map[entry.Direction]relation.Store
	identity     entry.Identity
	fetchTimeout time.Duration
	flights      singleflight.Group // Keyed by direction and entry key.
}

// Option customizes a Repository.
type Option func(*Repository)

// WithIdentity sets how entries are keyed; it must match the identity of the tiers.
func WithIdentity(identity entry.Identity) Option {
	return func(r *Repository) { r.identity = identity }
}

// WithFetchTimeout overrides the `fetch_timeout` flag.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(r *Repository) { r.fetchTimeout = timeout }
}

// New is the constructor for Repository. `citations` and `references` are usually relation chains.
func New(fetcher Fetcher, citations, references relation.Store, opts ...Option) (*Repository, error) {
	if fetcher == nil {
		return nil, errors.New("repository needs a fetcher")
	}
	if citations == nil || references == nil {
		return nil, errors.New("repository needs a store per direction")
	}
	repo := &Repository{
		fetcher:      fetcher,
		chains:       map[entry.Direction]relation.Store{entry.Citations: citations, entry.References: references},
		identity:     entry.DefaultIdentity,
		fetchTimeout: *fetchTimeout,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// GetCitations returns the entries citing `e`, fetching them if the cached set is missing or stale.
func (r *Repository) GetCitations(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, entry.Citations, e, false /*force*/)
}

// GetReferences returns the entries cited by `e`, fetching them if the cached set is missing or stale.
func (r *Repository) GetReferences(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, entry.References, e, false /*force*/)
}

// ForceRefreshCitations fetches the citations of `e` regardless of the cache and merges them into it.
func (r *Repository) ForceRefreshCitations(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, entry.Citations, e, true /*force*/)
}

// ForceRefreshReferences fetches the references of `e` regardless of the cache and merges them into it.
func (r *Repository) ForceRefreshReferences(ctx context.Context, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, entry.References, e, true /*force*/)
}

// Get is GetCitations or GetReferences depending on `direction`.
func (r *Repository) Get(ctx context.Context, direction entry.Direction, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, direction, e, false /*force*/)
}

// ForceRefresh is ForceRefreshCitations or ForceRefreshReferences depending on `direction`.
func (r *Repository) ForceRefresh(ctx context.Context, direction entry.Direction, e entry.Entry) ([]entry.Entry, error) {
	return r.get(ctx, direction, e, true /*force*/)
}

// ContainsKey reports whether relations of `e` are cached in `direction`.
func (r *Repository) ContainsKey(direction entry.Direction, e entry.Entry) bool {
	chain, err := r.chain(direction)
	if err != nil {
		return false
	}
	return chain.ContainsKey(r.identity(e))
}

// IsUpdatable reports whether the next lookup of `e` in `direction` would fetch.
func (r *Repository) IsUpdatable(direction entry.Direction, e entry.Entry) bool {
	chain, err := r.chain(direction)
	if err != nil {
		return true
	}
	return chain.IsUpdatable(r.identity(e))
}

// Cached returns what the cache holds for `e` without fetching, stale or not. Callers use it to degrade gracefully
// after a failed fetch.
func (r *Repository) Cached(direction entry.Direction, e entry.Entry) ([]entry.Entry, error) {
	chain, err := r.chain(direction)
	if err != nil {
		return nil, err
	}
	return chain.Relations(r.identity(e))
}

func (r *Repository) chain(direction entry.Direction) (relation.Store, error) {
	chain, found := r.chains[direction]
	if !found {
		utils.RaiseInvariant("repository", "unknown_direction", "Got a lookup for an unknown direction.",
			"direction", direction)
		return nil, fmt.Errorf("unknown relation direction %s", direction)
	}
	return chain, nil
}

func (r *Repository) get(ctx context.Context, direction entry.Direction, e entry.Entry, force bool) (
	[]entry.Entry, error) {
	chain, err := r.chain(direction)
	if err != nil {
		return nil, err
	}
	key := r.identity(e)
	if !force && !chain.IsUpdatable(key) {
		return chain.Relations(key)
	}

	flightKey := direction.String() + "/" + string(key)
	if force { // A forced refresh must not settle for the answer of a lookup that found the key fresh.
		flightKey = "force/" + flightKey
	}
	for {
		results := r.flights.DoChan(flightKey, func() (any, error) {
			return r.fetchAndMerge(ctx, chain, direction, e, key, force)
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stopped waiting for %s of %s: %w", direction, key, ctx.Err())
		case result := <-results:
			if result.Shared {
				sharedFetches.WithLabelValues(direction.String()).Inc()
			}
			// The caller that started a shared fetch may have given up on it; that is no reason to fail this caller.
			if result.Err != nil && result.Shared && errors.Is(result.Err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			if result.Err != nil {
				return nil, result.Err
			}
			return entry.CloneAll(result.Val.([]entry.Entry)), nil
		}
	}
}

// fetchAndMerge runs inside a flight: it calls the fetcher and merges the result into `chain`. Nothing is merged
// when the fetch fails or its context ended before the fetcher returned.
func (r *Repository) fetchAndMerge(ctx context.Context, chain relation.Store, direction entry.Direction,
	e entry.Entry, key entry.Key, force bool) ([]entry.Entry, error) {
	// Another flight may have refreshed the key since the caller checked.
	if !force && !chain.IsUpdatable(key) {
		return chain.Relations(key)
	}

	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	logger := slog.With("fetch_id", uuid.NewString(), "direction", direction, "key", key,
		"fetcher", r.fetcher.Name())
	logger.Debug("Fetching relations.", "force", force)

	start := time.Now()
	var relations []entry.Entry
	var err error
	switch direction {
	case entry.Citations:
		relations, err = r.fetcher.SearchCitedBy(ctx, e)
	default:
		relations, err = r.fetcher.SearchCiting(ctx, e)
	}
	fetchDuration.WithLabelValues(direction.String()).Observe(time.Since(start).Seconds())
	status := fetches.MustCurryWith(prometheus.Labels{"direction": direction.String(), "fetcher": r.fetcher.Name()})

	if err == nil {
		err = ctx.Err() // Results arriving after cancellation are dropped.
	}
	if err != nil {
		if ctx.Err() != nil {
			status.WithLabelValues("cancelled").Inc()
		} else {
			status.WithLabelValues("error").Inc()
		}
		logger.Warn("Failed to fetch relations.", "error", err)
		return nil, fmt.Errorf("%w: %s could not fetch %s of %s: %w", ErrFetch, r.fetcher.Name(), direction, key, err)
	}

	if err := chain.CacheOrMergeRelations(key, relations); err != nil {
		status.WithLabelValues("store_error").Inc()
		logger.Error("Failed to cache fetched relations.", "error", err)
		return nil, fmt.Errorf("failed to cache %s of %s: %w", direction, key, err)
	}
	status.WithLabelValues("ok").Inc()
	logger.Debug("Fetched relations.", "fetched", len(relations), "duration", time.Since(start))
	return chain.Relations(key)
}
