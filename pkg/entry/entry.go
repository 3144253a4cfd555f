// Relcache stores lists of bibliographic entries related to a source entry. The surrounding application owns the
// full entry model; this module only needs an open-ended field map plus a stable identity to key caches with.

package entry

import (
	"maps"
	"slices"
)

// Field is the name of a bibliographic field, e.g. "title". Field names are lower case.
type Field string

const (
	FieldTitle    Field = "title"
	FieldYear     Field = "year"
	FieldAuthor   Field = "author"
	FieldDOI      Field = "doi"
	FieldURL      Field = "url"
	FieldAbstract Field = "abstract"
)

// Entry is a single bibliographic entry, either a source entry or one of its relations.
// Entries are treated as values; use Clone before mutating a shared one.
type Entry struct {
	Type        string // Entry type, e.g. "article" or "inproceedings".
	CitationKey string // May be empty for entries delivered by a fetcher.
	Fields      map[Field]string
}

// New builds an entry of the given type out of field/value pairs.
func New(entryType string, fields map[Field]string) Entry {
	return Entry{Type: entryType, Fields: maps.Clone(fields)}
}

// Get returns the value of `field` or an empty string.
func (e Entry) Get(field Field) string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields[field]
}

// With returns a copy of the entry with `field` set to `value`.
func (e Entry) With(field Field, value string) Entry {
	clone := e.Clone()
	if clone.Fields == nil {
		clone.Fields = make(map[Field]string, 1)
	}
	clone.Fields[field] = value
	return clone
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	return Entry{Type: e.Type, CitationKey: e.CitationKey, Fields: maps.Clone(e.Fields)}
}

// SortedFields returns the field names of the entry in lexical order.
func (e Entry) SortedFields() []Field {
	return slices.Sorted(maps.Keys(e.Fields))
}

// CloneAll deep copies a list of entries. A nil list stays nil.
func CloneAll(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	clones := make([]Entry, len(entries))
	for i, e := range entries {
		clones[i] = e.Clone()
	}
	return clones
}
