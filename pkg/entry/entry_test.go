package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_With(t *testing.T) {
	original := New("article", map[Field]string{FieldTitle: "Original"})
	updated := original.With(FieldTitle, "Updated")
	assert.Equal(t, "Original", original.Get(FieldTitle), "With should not mutate the receiver")
	assert.Equal(t, "Updated", updated.Get(FieldTitle))

	var empty Entry
	assert.Equal(t, "2020", empty.With(FieldYear, "2020").Get(FieldYear))
	assert.Empty(t, empty.Get(FieldYear))
}

func TestCloneAll(t *testing.T) {
	assert.Nil(t, CloneAll(nil))
	entries := []Entry{New("article", map[Field]string{FieldTitle: "A"})}
	clones := CloneAll(entries)
	clones[0].Fields[FieldTitle] = "B"
	assert.Equal(t, "A", entries[0].Get(FieldTitle))
}

func TestDefaultIdentity(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		entry    Entry
		expected Key
	}{
		{
			name:     "doi",
			entry:    New("article", map[Field]string{FieldDOI: "10.1000/XYZ"}),
			expected: "doi:10.1000/xyz",
		},
		{
			name:     "doi_with_resolver_prefix",
			entry:    New("article", map[Field]string{FieldDOI: " https://doi.org/10.1000/xyz "}),
			expected: "doi:10.1000/xyz",
		},
		{
			name:     "citation_key",
			entry:    Entry{CitationKey: "Knuth1984"},
			expected: "key:Knuth1984",
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, DefaultIdentity(testCase.entry))
		})
	}
	t.Run("title_hash_ignores_case_and_spacing", func(t *testing.T) {
		first := DefaultIdentity(New("article", map[Field]string{FieldTitle: "Literate  Programming", FieldYear: "1984"}))
		second := DefaultIdentity(New("misc", map[Field]string{FieldTitle: "literate programming", FieldYear: "1984"}))
		third := DefaultIdentity(New("misc", map[Field]string{FieldTitle: "literate programming", FieldYear: "1985"}))
		assert.Equal(t, first, second)
		assert.NotEqual(t, first, third)
		assert.Contains(t, string(first), "hash:")
	})
}

func TestParseDirection(t *testing.T) {
	for _, direction := range Directions {
		parsed, err := ParseDirection(direction.String())
		require.NoError(t, err)
		assert.Equal(t, direction, parsed)
	}
	_, err := ParseDirection("siblings")
	assert.Error(t, err)
}
