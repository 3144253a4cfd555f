package storage

import (
	"testing"
	"time"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestBinaryCodec_RoundTrip(t *testing.T) {
	codec, err := NewBinaryCodec('|')
	require.NoError(t, err)
	writtenAt := time.Date(2024, 3, 1, 12, 0, 0, 42, time.UTC)

	for _, testCase := range []struct {
		name      string
		relations []entry.Entry
	}{
		{
			name:      "empty_set",
			relations: []entry.Entry{},
		},
		{
			name: "plain_fields",
			relations: []entry.Entry{
				{Type: "article", CitationKey: "smith2001", Fields: map[entry.Field]string{
					entry.FieldTitle: "On Caches", entry.FieldYear: "2001", entry.FieldDOI: "10.1/a"}},
				{Type: "inproceedings", Fields: map[entry.Field]string{entry.FieldAuthor: "Doe, J. and Roe, R."}},
			},
		},
		{
			name: "separator_escape_and_assignment_in_values",
			relations: []entry.Entry{
				{Type: "article", CitationKey: "a|b", Fields: map[entry.Field]string{
					entry.FieldTitle:    `x|y\z=w`,
					entry.FieldAbstract: "ends with escape \\",
					entry.FieldURL:      "https://example.org/?q=1|2",
				}},
			},
		},
		{
			name: "empty_values_and_unicode",
			relations: []entry.Entry{
				{Type: "misc", Fields: map[entry.Field]string{entry.FieldTitle: "", entry.FieldAuthor: "Müller, Ö."}},
			},
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			record := Record{WrittenAt: writtenAt, Relations: testCase.relations}
			data, err := codec.Encode(record)
			require.NoError(t, err)
			assert.Equal(t, len(data), codec.MemorySize(record))

			decoded, err := codec.Decode(data)
			require.NoError(t, err)
			assert.True(t, writtenAt.Equal(decoded.WrittenAt))
			require.Len(t, decoded.Relations, len(testCase.relations))
			for i, want := range testCase.relations {
				assert.Equal(t, want.Type, decoded.Relations[i].Type)
				assert.Equal(t, want.CitationKey, decoded.Relations[i].CitationKey)
				assert.Equal(t, want.Fields, decoded.Relations[i].Fields)
			}
		})
	}
}

func TestBinaryCodec_PersistsProjectionOnly(t *testing.T) {
	codec, err := NewBinaryCodec(';')
	require.NoError(t, err)
	record := Record{WrittenAt: time.Unix(100, 0), Relations: []entry.Entry{{Type: "book", Fields: map[entry.Field]string{
		entry.FieldTitle: "Kept", "publisher": "Dropped", "keywords": "dropped;too"}}}}

	data, err := codec.Encode(record)
	require.NoError(t, err)
	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[entry.Field]string{entry.FieldTitle: "Kept"}, decoded.Relations[0].Fields)
}

func TestBinaryCodec_SkipsUnknownFields(t *testing.T) {
	codec, err := NewBinaryCodec('|')
	require.NoError(t, err)
	data, err := codec.Encode(Record{WrittenAt: time.Unix(100, 0), Relations: []entry.Entry{
		{Type: "article", Fields: map[entry.Field]string{entry.FieldDOI: "10.1/a"}}}})
	require.NoError(t, err)
	// A newer writer may add fields, e.g. a checksum.
	data = protowire.AppendTag(data, 9, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))
	data = protowire.AppendTag(data, 10, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded.Relations, 1)
	assert.Equal(t, "10.1/a", decoded.Relations[0].Get(entry.FieldDOI))
}

func TestBinaryCodec_Corrupt(t *testing.T) {
	codec, err := NewBinaryCodec('|')
	require.NoError(t, err)
	header := protowire.AppendTag(nil, versionField, protowire.VarintType)
	header = protowire.AppendVarint(header, formatVersion)
	withPayload := func(payload string) []byte {
		data := protowire.AppendTag(append([]byte{}, header...), entryField, protowire.BytesType)
		return protowire.AppendBytes(data, []byte(payload))
	}

	for _, testCase := range []struct {
		name string
		data []byte
	}{
		{name: "garbage", data: []byte{0xff, 0xff, 0xff}},
		{name: "missing_version", data: protowire.AppendVarint(protowire.AppendTag(nil, 5, protowire.VarintType), 1)},
		{name: "future_version", data: protowire.AppendVarint(protowire.AppendTag(nil, versionField,
			protowire.VarintType), formatVersion+1)},
		{name: "truncated_entry", data: withPayload("title=abc")[:len(header)+3]},
		{name: "dangling_escape", data: withPayload(`title=abc\`)},
		{name: "pair_without_value", data: withPayload("title")},
		{name: "unescaped_assignment", data: withPayload("title=a=b")},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := codec.Decode(testCase.data)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

func TestNewBinaryCodec_RejectsReservedSeparators(t *testing.T) {
	_, err := NewBinaryCodec('\\')
	assert.Error(t, err)
	_, err = NewBinaryCodec('=')
	assert.Error(t, err)
}
