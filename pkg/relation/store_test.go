package relation

import (
	"errors"
	"testing"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/stretchr/testify/assert"
)

// fakeStore is a simple map-based implementation of the Store interface for testing purposes. It is not thread-safe.
type fakeStore struct {
	items     map[entry.Key][]entry.Entry
	stale     map[entry.Key]bool // Keys reported as updatable even though they are stored.
	failReads bool
	failWrite bool
	writes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[entry.Key][]entry.Entry), stale: make(map[entry.Key]bool)}
}

func (f *fakeStore) Relations(key entry.Key) ([]entry.Entry, error) {
	if f.failReads {
		return nil, errors.New("disk on fire")
	}
	if relations, found := f.items[key]; found {
		return relations, nil
	}
	return []entry.Entry{}, nil
}

func (f *fakeStore) CacheOrMergeRelations(key entry.Key, relations []entry.Entry) error {
	if f.failWrite {
		return errors.New("disk full")
	}
	f.writes++
	f.items[key] = Merge(f.items[key], relations, entry.DefaultIdentity)
	return nil
}

func (f *fakeStore) ContainsKey(key entry.Key) bool {
	_, found := f.items[key]
	return found
}

func (f *fakeStore) IsUpdatable(key entry.Key) bool {
	return !f.ContainsKey(key) || f.stale[key]
}

func (f *fakeStore) ClearEntries() error {
	f.items = make(map[entry.Key][]entry.Entry)
	return nil
}

// paper builds a relation entry identified by its DOI.
func paper(doi string) entry.Entry {
	return entry.New("article", map[entry.Field]string{entry.FieldDOI: doi, entry.FieldTitle: "Paper " + doi})
}

func papers(dois ...string) []entry.Entry {
	entries := make([]entry.Entry, len(dois))
	for i, doi := range dois {
		entries[i] = paper(doi)
	}
	return entries
}

func TestMerge(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		existing []entry.Entry
		incoming []entry.Entry
		expected []entry.Entry
	}{
		{
			name:     "both_empty",
			existing: nil,
			incoming: nil,
			expected: []entry.Entry{},
		},
		{
			name:     "into_empty",
			existing: nil,
			incoming: papers("b", "c"),
			expected: papers("b", "c"),
		},
		{
			name:     "overlapping_keeps_first_seen_order",
			existing: papers("a", "b"),
			incoming: papers("c", "b", "a", "d"),
			expected: papers("a", "b", "c", "d"),
		},
		{
			name:     "duplicates_inside_incoming",
			existing: papers("a"),
			incoming: papers("b", "b", "c", "b"),
			expected: papers("a", "b", "c"),
		},
		{
			name:     "partial_fetch_never_drops_known_relations",
			existing: papers("a", "b", "c"),
			incoming: papers("c"),
			expected: papers("a", "b", "c"),
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, Merge(testCase.existing, testCase.incoming, entry.DefaultIdentity))
		})
	}
}

func TestMerge_IdentityNotStructure(t *testing.T) {
	// Same DOI with a different title is the same logical entry; the first seen version wins.
	existing := []entry.Entry{paper("a")}
	incoming := []entry.Entry{paper("a").With(entry.FieldTitle, "Renamed")}
	merged := Merge(existing, incoming, entry.DefaultIdentity)
	assert.Len(t, merged, 1)
	assert.Equal(t, "Paper a", merged[0].Get(entry.FieldTitle))
}

func TestMerge_DoesNotAlias(t *testing.T) {
	existing := papers("a")
	merged := Merge(existing, papers("b"), entry.DefaultIdentity)
	merged[0].Fields[entry.FieldTitle] = "changed"
	assert.Equal(t, "Paper a", existing[0].Get(entry.FieldTitle))
}
