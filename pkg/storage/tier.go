// A Tier is the persistent relation store of one direction. Writes run read-merge-write inside one bbolt update
// transaction, so concurrent merges into the same key never lose relations. Staleness is judged from the time of the
// last write against a TTL using an injectable clock.

package storage

import (
	"errors"
	"flag"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/nobletooth/relcache/pkg/relation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
)

var (
	storeTTL       = flag.Duration("store_ttl", 7*24*time.Hour, "Relations older than this are refetched on the next read.")
	fieldSeparator = flag.String("store_field_separator", "|", "Single byte separating the fields of a stored entry.")

	corruptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_corrupt_records_total",
		Help: "Total number of stored relation records that failed to decode.",
	}, []string{"direction"})
	recordSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relation_record_bytes",
		Help:    "Encoded size of written relation records.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. 1MiB.
	}, []string{"direction"})
	bloomSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relation_store_bloom_skips_total",
		Help: "Total number of store lookups answered by the bloom filter without a read transaction.",
	}, []string{"direction"})
)

// Tier is the persistent relation.Store of one direction.
type Tier struct { // Implements relation.Store and relation.Clearer.
	db        *DB
	direction entry.Direction
	bucket    []byte
	ttl       time.Duration
	clock     clockwork.Clock
	codec     Codec
	identity  entry.Identity
}

var (
	_ relation.Store   = (*Tier)(nil)
	_ relation.Clearer = (*Tier)(nil)
)

// Option customizes a Tier.
type Option func(*Tier)

// WithTTL sets how long written relations stay fresh.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tier) { t.ttl = ttl }
}

// WithClock replaces the wall clock, e.g. with a fake clock in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tier) { t.clock = clock }
}

// WithCodec replaces the record codec.
func WithCodec(codec Codec) Option {
	return func(t *Tier) { t.codec = codec }
}

// WithIdentity sets the identity used to deduplicate merged relations.
func WithIdentity(identity entry.Identity) Option {
	return func(t *Tier) { t.identity = identity }
}

// Tier returns the store of `direction`. Defaults come from the `store_ttl` and `store_field_separator` flags.
func (db *DB) Tier(direction entry.Direction, opts ...Option) (*Tier, error) {
	if _, found := db.filters[direction]; !found {
		return nil, fmt.Errorf("no relation bucket for direction %s", direction)
	}
	if len(*fieldSeparator) != 1 {
		return nil, fmt.Errorf("field separator must be a single byte, got %q", *fieldSeparator)
	}
	codec, err := NewBinaryCodec((*fieldSeparator)[0])
	if err != nil {
		return nil, err
	}
	tier := &Tier{
		db:        db,
		direction: direction,
		bucket:    bucketName(direction),
		ttl:       *storeTTL,
		clock:     clockwork.NewRealClock(),
		codec:     codec,
		identity:  entry.DefaultIdentity,
	}
	for _, opt := range opts {
		opt(tier)
	}
	return tier, nil
}

// Direction returns the direction this tier stores.
func (t *Tier) Direction() entry.Direction {
	return t.direction
}

func (t *Tier) filter() *keyFilter {
	return t.db.filters[t.direction]
}

// read loads the record of `key`. A missing record is reported with found=false, a corrupt one as ErrCorruptRecord.
func (t *Tier) read(key entry.Key) (record Record, found bool, err error) {
	if !t.filter().MayContain(key) {
		bloomSkips.WithLabelValues(t.direction.String()).Inc()
		return Record{}, false, nil
	}
	err = t.db.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(t.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		// Decode copies out of the page, so the record outlives the transaction.
		var decodeErr error
		if record, decodeErr = t.codec.Decode(data); decodeErr != nil && !errors.Is(decodeErr, ErrCorruptRecord) {
			decodeErr = fmt.Errorf("%w: %w", ErrCorruptRecord, decodeErr)
		}
		return decodeErr
	})
	if errors.Is(err, ErrCorruptRecord) {
		t.reportCorrupt(key, err)
	}
	return record, found, err
}

func (t *Tier) reportCorrupt(key entry.Key, err error) {
	corruptRecords.WithLabelValues(t.direction.String()).Inc()
	slog.Warn("Dropping corrupt relation record.", "direction", t.direction, "key", key, "error", err)
}

// Relations returns the stored relations of `key`. Corrupt records read as an empty set.
func (t *Tier) Relations(key entry.Key) ([]entry.Entry, error) {
	record, found, err := t.read(key)
	if errors.Is(err, ErrCorruptRecord) || (err == nil && !found) {
		return []entry.Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s of %s: %w", t.direction, key, err)
	}
	return record.Relations, nil
}

// CacheOrMergeRelations merges `relations` into the stored set of `key` and stamps the record with the current time.
// A corrupt stored record is replaced.
func (t *Tier) CacheOrMergeRelations(key entry.Key, relations []entry.Entry) error {
	var oldSize, newSize int
	t.filter().writes.RLock()
	defer t.filter().writes.RUnlock()
	err := t.db.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(t.bucket)
		var existing []entry.Entry
		if data := bucket.Get([]byte(key)); data != nil {
			oldSize = len(data)
			if record, err := t.codec.Decode(data); err != nil {
				t.reportCorrupt(key, err)
			} else {
				existing = record.Relations
			}
		}
		record := Record{WrittenAt: t.clock.Now(), Relations: relation.Merge(existing, relations, t.identity)}
		data, err := t.codec.Encode(record)
		if err != nil {
			return fmt.Errorf("failed to encode relations: %w", err)
		}
		newSize = len(data)
		t.filter().Add(key)
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s of %s: %w", t.direction, key, err)
	}
	recordSize.WithLabelValues(t.direction.String()).Observe(float64(newSize))
	storedBytes.WithLabelValues(t.direction.String()).Add(float64(newSize - oldSize))
	return nil
}

// ContainsKey reports whether a record exists for `key`. Read failures are logged and reported as absent.
func (t *Tier) ContainsKey(key entry.Key) bool {
	if !t.filter().MayContain(key) {
		bloomSkips.WithLabelValues(t.direction.String()).Inc()
		return false
	}
	found := false
	if err := t.db.view(func(tx *bolt.Tx) error {
		found = tx.Bucket(t.bucket).Get([]byte(key)) != nil
		return nil
	}); err != nil {
		slog.Error("Failed to look up relations.", "direction", t.direction, "key", key, "error", err)
		return false
	}
	return found
}

// IsUpdatable reports whether `key` is missing or older than the TTL according to the tier clock.
func (t *Tier) IsUpdatable(key entry.Key) bool {
	return t.IsUpdatableWith(key, t.clock)
}

// IsUpdatableWith is IsUpdatable judged by `clock`. A record is stale once strictly more than the TTL has passed
// since it was written. Missing, corrupt and unreadable records are updatable.
func (t *Tier) IsUpdatableWith(key entry.Key, clock clockwork.Clock) bool {
	record, found, err := t.read(key)
	if err != nil {
		if !errors.Is(err, ErrCorruptRecord) {
			slog.Error("Failed to read relations timestamp.", "direction", t.direction, "key", key, "error", err)
		}
		return true
	}
	if !found {
		return true
	}
	return clock.Since(record.WrittenAt) > t.ttl
}

// Keys yields the stored keys in ascending byte order. Iteration holds a read transaction open.
func (t *Tier) Keys() iter.Seq[entry.Key] {
	return func(yield func(entry.Key) bool) {
		if err := t.db.view(func(tx *bolt.Tx) error {
			cursor := tx.Bucket(t.bucket).Cursor()
			for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
				if !yield(entry.Key(k)) {
					return nil
				}
			}
			return nil
		}); err != nil {
			slog.Error("Failed to scan relation keys.", "direction", t.direction, "error", err)
		}
	}
}

// ClearEntries drops every record of this direction.
func (t *Tier) ClearEntries() error {
	t.filter().writes.Lock()
	defer t.filter().writes.Unlock()
	err := t.db.update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(t.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(t.bucket)
		return err
	})
	if err != nil { // The old records may still be stored, so the filter keeps their keys.
		return fmt.Errorf("failed to clear %s: %w", t.direction, err)
	}
	t.filter().Reset()
	storedBytes.WithLabelValues(t.direction.String()).Set(0)
	return nil
}
