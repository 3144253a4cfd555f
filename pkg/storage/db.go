// The persistent tier keeps every fetched relation set in a single bbolt file, one bucket per direction. bbolt locks
// the file for the lifetime of a handle, so the handle is shared: Open hands out one reference counted DB per path and
// the last Close releases the file.

package storage

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
)

var (
	storePath        = flag.String("store_path", "relcache.db", "Path of the persistent relation store file.")
	storeOpenTimeout = flag.Duration("store_open_timeout", 5*time.Second, "How long to wait for the store file lock.")
	bloomEstimated   = flag.Uint("bloom_estimated_keys", 100_000, "Expected number of keys per direction; sizes the bloom filter.")
	bloomFPRate      = flag.Float64("bloom_fp_rate", 0.01, "Target false positive rate of the bloom filter.")

	ErrStoreIO = errors.New("relation store io failure")

	storedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relation_stored_bytes",
		Help: "Encoded size of all relation records per direction.",
	}, []string{"direction"})

	registry = struct {
		sync.Mutex
		dbs map[string]*DB // By absolute path.
	}{dbs: make(map[string]*DB)}
)

// DB is a shared handle of one store file.
type DB struct {
	path    string
	bolt    *bolt.DB
	refs    int // Guarded by the registry lock.
	filters map[entry.Direction]*keyFilter
}

// Open acquires the DB of `path`, opening the file and creating the direction buckets on first use. Every successful
// Open must be paired with a Close.
func Open(path string) (*DB, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path %s: %w", path, err)
	}

	registry.Lock()
	defer registry.Unlock()
	if db, found := registry.dbs[absPath]; found {
		db.refs++
		return db, nil
	}

	boltDB, err := bolt.Open(absPath, 0o600, &bolt.Options{Timeout: *storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open relation store %s: %w: %w", absPath, ErrStoreIO, err)
	}
	db := &DB{path: absPath, bolt: boltDB, refs: 1, filters: make(map[entry.Direction]*keyFilter)}
	if err := db.init(); err != nil {
		if closeErr := boltDB.Close(); closeErr != nil {
			slog.Error("Failed to close relation store after a failed open.", "path", absPath, "error", closeErr)
		}
		return nil, err
	}
	registry.dbs[absPath] = db
	slog.Info("Opened relation store.", "path", absPath)
	return db, nil
}

// OpenFromFlags opens the store at the `store_path` flag.
func OpenFromFlags() (*DB, error) {
	return Open(*storePath)
}

// init creates the direction buckets and fills their key filters from the stored keys.
func (db *DB) init() error {
	return db.update(func(tx *bolt.Tx) error {
		for _, direction := range entry.Directions {
			bucket, err := tx.CreateBucketIfNotExists(bucketName(direction))
			if err != nil {
				return err
			}
			filter := newKeyFilter()
			totalBytes := 0
			if err := bucket.ForEach(func(k, v []byte) error {
				filter.Add(entry.Key(k))
				totalBytes += len(v)
				return nil
			}); err != nil {
				return err
			}
			db.filters[direction] = filter
			storedBytes.WithLabelValues(direction.String()).Set(float64(totalBytes))
		}
		return nil
	})
}

func bucketName(direction entry.Direction) []byte {
	return []byte(direction.String())
}

// view runs a read transaction; errors are wrapped with ErrStoreIO.
func (db *DB) view(fn func(tx *bolt.Tx) error) error {
	if err := db.bolt.View(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreIO, err)
	}
	return nil
}

// update runs a read-write transaction; errors are wrapped with ErrStoreIO.
func (db *DB) update(fn func(tx *bolt.Tx) error) error {
	if err := db.bolt.Update(fn); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreIO, err)
	}
	return nil
}

// Path returns the absolute path of the store file.
func (db *DB) Path() string {
	return db.path
}

// Close releases this reference; the file is closed once no reference is left.
func (db *DB) Close() error {
	registry.Lock()
	defer registry.Unlock()
	if db.refs <= 0 {
		utils.RaiseInvariant("storage", "db_closed_twice", "Closed a relation store with no open reference.",
			"path", db.path)
		return nil
	}
	db.refs--
	if db.refs > 0 {
		return nil
	}
	delete(registry.dbs, db.path)
	if err := db.bolt.Close(); err != nil {
		return fmt.Errorf("failed to close relation store %s: %w: %w", db.path, ErrStoreIO, err)
	}
	slog.Info("Closed relation store.", "path", db.path)
	return nil
}

// keyFilter remembers which keys may be stored, so lookups of never stored keys skip the read transaction.
// False positives are fine; false negatives are not, so keys are added before their write commits.
type keyFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	// writes is held shared by merges and exclusively by clears, so no merge commits between a clear and its reset.
	writes sync.RWMutex
}

func newKeyFilter() *keyFilter {
	return &keyFilter{filter: bloom.NewWithEstimates(*bloomEstimated, *bloomFPRate)}
}

func (f *keyFilter) Add(key entry.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(string(key))
}

// MayContain returns false only if `key` was never added.
func (f *keyFilter) MayContain(key entry.Key) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(string(key))
}

func (f *keyFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.ClearAll()
}
