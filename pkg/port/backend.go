package port

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/scan"
)

// Repository is the part of repository.Repository served by ports.
type Repository interface {
	Get(ctx context.Context, direction entry.Direction, e entry.Entry) ([]entry.Entry, error)
	ForceRefresh(ctx context.Context, direction entry.Direction, e entry.Entry) ([]entry.Entry, error)
	ContainsKey(direction entry.Direction, e entry.Entry) bool
	IsUpdatable(direction entry.Direction, e entry.Entry) bool
}

// KeySource lists stored relation keys in ascending order, e.g. a persistent tier.
type KeySource interface {
	Keys() iter.Seq[entry.Key]
}

// RelationBackend is the relcache backend used by ports, e.g. Redis. Ports address entries by DOI.
type RelationBackend struct {
	repo       Repository
	keySources []KeySource
}

// NewRelationBackend is the constructor for RelationBackend.
func NewRelationBackend(repo Repository, keySources ...KeySource) (*RelationBackend, error) {
	if repo == nil {
		return nil, errors.New("expected a non-nil repository")
	}
	return &RelationBackend{repo: repo, keySources: keySources}, nil
}

// sourceEntry builds the entry looked up for a DOI argument.
func sourceEntry(doi string) (entry.Entry, error) {
	if doi = strings.TrimSpace(doi); doi == "" {
		return entry.Entry{}, errors.New("expected a non-empty doi")
	}
	return entry.New("article", map[entry.Field]string{entry.FieldDOI: doi}), nil
}

// Relations returns the relations of the entry with `doi`, fetching them when needed or when `force` is set.
func (b *RelationBackend) Relations(ctx context.Context, direction entry.Direction, doi string, force bool) (
	[]entry.Entry, error) {
	source, err := sourceEntry(doi)
	if err != nil {
		return nil, err
	}
	if force {
		return b.repo.ForceRefresh(ctx, direction, source)
	}
	return b.repo.Get(ctx, direction, source)
}

// Exists reports whether relations of `doi` are cached in `direction`.
func (b *RelationBackend) Exists(direction entry.Direction, doi string) (bool, error) {
	source, err := sourceEntry(doi)
	if err != nil {
		return false, err
	}
	return b.repo.ContainsKey(direction, source), nil
}

// Stale reports whether the next lookup of `doi` in `direction` would fetch.
func (b *RelationBackend) Stale(direction entry.Direction, doi string) (bool, error) {
	source, err := sourceEntry(doi)
	if err != nil {
		return false, err
	}
	return b.repo.IsUpdatable(direction, source), nil
}

// Keys lists the distinct stored keys of every key source matching the glob `pattern`, in ascending order.
func (b *RelationBackend) Keys(pattern string) ([]string, error) {
	if len(b.keySources) == 0 {
		return []string{}, nil
	}
	sources := make([]iter.Seq[entry.Key], len(b.keySources))
	for i, source := range b.keySources {
		sources[i] = source.Keys()
	}
	merged, err := scan.MergeKeys(sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to merge keys: %w", err)
	}
	matched, err := scan.MatchGlob(pattern, merged)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for pair := range matched {
		keys = append(keys, string(pair.Key))
	}
	return keys, nil
}
