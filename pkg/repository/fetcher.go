package repository

import (
	"context"

	"github.com/nobletooth/relcache/pkg/entry"
)

// Fetcher looks up relations of an entry on an external metadata service. An empty result with a nil error means
// the service knows no relations; it is cached like any other result.
type Fetcher interface {
	// SearchCitedBy returns the entries citing `e`.
	SearchCitedBy(ctx context.Context, e entry.Entry) ([]entry.Entry, error)
	// SearchCiting returns the entries cited by `e`.
	SearchCiting(ctx context.Context, e entry.Entry) ([]entry.Entry, error)
	// Name identifies the fetcher in logs and metrics.
	Name() string
}
