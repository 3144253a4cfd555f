// Spins up the relcache server: citation relations served over the Redis protocol, backed by an in-memory LRU tier,
// a persistent tier and the Semantic Scholar API.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/relcache/pkg/cache"
	"github.com/nobletooth/relcache/pkg/config"
	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/fetcher"
	"github.com/nobletooth/relcache/pkg/port"
	"github.com/nobletooth/relcache/pkg/relation"
	"github.com/nobletooth/relcache/pkg/repository"
	"github.com/nobletooth/relcache/pkg/storage"
	"github.com/nobletooth/relcache/pkg/utils"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", ":9090", "The ip:port serving Prometheus metrics; empty disables it.")
)

// newChain stacks the in-memory tier on top of the persistent one for a single direction.
func newChain(db *storage.DB, direction entry.Direction) (*relation.Chain, *storage.Tier, error) {
	persistent, err := db.Tier(direction)
	if err != nil {
		return nil, nil, err
	}
	chain, err := relation.NewChain([]relation.Store{cache.NewLRUTierFromFlags(direction, entry.DefaultIdentity), persistent})
	if err != nil {
		return nil, nil, err
	}
	return chain, persistent, nil
}

// run wires the relation repository and serves it until `ctx` is cancelled.
func run(ctx context.Context) error {
	db, err := storage.OpenFromFlags()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close relation store.", "error", closeErr)
		}
	}()

	citations, citationTier, err := newChain(db, entry.Citations)
	if err != nil {
		return err
	}
	references, referenceTier, err := newChain(db, entry.References)
	if err != nil {
		return err
	}
	repo, err := repository.New(fetcher.NewSemanticScholarFromFlags(http.DefaultClient), citations, references)
	if err != nil {
		return err
	}
	backend, err := port.NewRelationBackend(repo, citationTier, referenceTier)
	if err != nil {
		return err
	}

	if *metricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: *metricsAddress, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server stopped.", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	return port.RunRedisServer(ctx, backend)
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Relcache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("Relcache server stopped.", "error", err)
		os.Exit(1)
	}
}
