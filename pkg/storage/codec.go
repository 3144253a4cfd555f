// Relation records are encoded with an explicit binary format so that entries with open-ended field maps round-trip
// exactly and old files stay readable as the format evolves.
//
// Record layout (protobuf wire format, unknown fields are skipped):
//   field 1 (varint):  format version
//   field 2 (fixed64): written-at, unix nanoseconds
//   field 3 (bytes):   one entry payload per relation, in stored order
// Entry payload: `name=value` pairs joined by the field separator, e.g. `entrytype=article|doi=10.1/a|year=2001`.
// Separator, escape and `=` bytes inside names and values are prefixed with the escape byte.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nobletooth/relcache/pkg/entry"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	formatVersion = 1

	versionField   protowire.Number = 1
	writtenAtField protowire.Number = 2
	entryField     protowire.Number = 3

	entryTypeName   = "entrytype"
	citationKeyName = "citationkey"

	defaultBufferSize = 4096
)

var (
	ErrCorruptRecord = errors.New("corrupt relation record")

	// persistedFields is the projection of entry fields written to disk, in write order.
	persistedFields = []entry.Field{entry.FieldTitle, entry.FieldYear, entry.FieldAuthor, entry.FieldDOI,
		entry.FieldURL, entry.FieldAbstract}

	bufferPool = sync.Pool{New: func() any { return bytes.NewBuffer(make([]byte, 0, defaultBufferSize)) }}
)

// Record is the stored value of one key: the merged relation set and the time it was last written.
type Record struct {
	WrittenAt time.Time
	Relations []entry.Entry
}

// Codec turns records into bytes and back.
type Codec interface {
	Encode(record Record) ([]byte, error)
	Decode(data []byte) (Record, error) // Fails with ErrCorruptRecord on malformed input.
	MemorySize(record Record) int       // Number of bytes Encode produces for `record`.
}

// BinaryCodec is the default Codec.
type BinaryCodec struct { // Implements Codec.
	Separator byte // Joins name=value pairs of an entry.
	Escape    byte // Prefixes separator, escape and '=' bytes inside names and values.
}

var _ Codec = BinaryCodec{}

// NewBinaryCodec returns a codec joining fields with `separator`; the escape byte is a backslash.
func NewBinaryCodec(separator byte) (BinaryCodec, error) {
	codec := BinaryCodec{Separator: separator, Escape: '\\'}
	if separator == codec.Escape || separator == '=' {
		return BinaryCodec{}, fmt.Errorf("field separator %q collides with the escape or assignment byte", separator)
	}
	return codec, nil
}

// Encode serializes `record`. Only the persisted field projection of every relation is kept.
func (c BinaryCodec) Encode(record Record) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	out := make([]byte, 0, c.MemorySize(record))
	out = protowire.AppendTag(out, versionField, protowire.VarintType)
	out = protowire.AppendVarint(out, formatVersion)
	out = protowire.AppendTag(out, writtenAtField, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, uint64(record.WrittenAt.UnixNano()))
	for _, relation := range record.Relations {
		buf.Reset()
		c.writeEntry(buf, relation)
		out = protowire.AppendTag(out, entryField, protowire.BytesType)
		out = protowire.AppendBytes(out, buf.Bytes())
	}
	return out, nil
}

// writeEntry writes the name=value payload of `e` into `buf`.
func (c BinaryCodec) writeEntry(buf *bytes.Buffer, e entry.Entry) {
	first := true
	writePair := func(name, value string) {
		if !first {
			buf.WriteByte(c.Separator)
		}
		first = false
		c.writeEscaped(buf, name)
		buf.WriteByte('=')
		c.writeEscaped(buf, value)
	}
	if e.Type != "" {
		writePair(entryTypeName, e.Type)
	}
	if e.CitationKey != "" {
		writePair(citationKeyName, e.CitationKey)
	}
	for _, field := range persistedFields {
		if value, found := e.Fields[field]; found {
			writePair(string(field), value)
		}
	}
}

func (c BinaryCodec) writeEscaped(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		if b := s[i]; c.needsEscape(b) {
			buf.WriteByte(c.Escape)
		}
		buf.WriteByte(s[i])
	}
}

func (c BinaryCodec) needsEscape(b byte) bool {
	return b == c.Separator || b == c.Escape || b == '='
}

// MemorySize computes the encoded size of `record` without encoding it.
func (c BinaryCodec) MemorySize(record Record) int {
	size := protowire.SizeTag(versionField) + protowire.SizeVarint(formatVersion) +
		protowire.SizeTag(writtenAtField) + protowire.SizeFixed64()
	for _, relation := range record.Relations {
		payloadSize := c.entrySize(relation)
		size += protowire.SizeTag(entryField) + protowire.SizeBytes(payloadSize)
	}
	return size
}

func (c BinaryCodec) entrySize(e entry.Entry) int {
	size, pairs := 0, 0
	addPair := func(name, value string) {
		size += c.escapedSize(name) + 1 /*=*/ + c.escapedSize(value)
		pairs++
	}
	if e.Type != "" {
		addPair(entryTypeName, e.Type)
	}
	if e.CitationKey != "" {
		addPair(citationKeyName, e.CitationKey)
	}
	for _, field := range persistedFields {
		if value, found := e.Fields[field]; found {
			addPair(string(field), value)
		}
	}
	if pairs > 1 {
		size += pairs - 1 // Separators.
	}
	return size
}

func (c BinaryCodec) escapedSize(s string) int {
	size := len(s)
	for i := 0; i < len(s); i++ {
		if c.needsEscape(s[i]) {
			size++
		}
	}
	return size
}

// Decode parses a record written by Encode. Fields with unknown numbers are skipped.
func (c BinaryCodec) Decode(data []byte) (Record, error) {
	record := Record{Relations: []entry.Entry{}}
	sawVersion := false
	for len(data) > 0 {
		number, wireType, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return Record{}, fmt.Errorf("%w: bad tag: %v", ErrCorruptRecord, protowire.ParseError(tagLen))
		}
		data = data[tagLen:]
		var valueLen int
		switch {
		case number == versionField && wireType == protowire.VarintType:
			var version uint64
			version, valueLen = protowire.ConsumeVarint(data)
			if valueLen >= 0 && version != formatVersion {
				return Record{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptRecord, version)
			}
			sawVersion = true
		case number == writtenAtField && wireType == protowire.Fixed64Type:
			var nanos uint64
			nanos, valueLen = protowire.ConsumeFixed64(data)
			record.WrittenAt = time.Unix(0, int64(nanos))
		case number == entryField && wireType == protowire.BytesType:
			var payload []byte
			payload, valueLen = protowire.ConsumeBytes(data)
			if valueLen >= 0 {
				relation, err := c.readEntry(payload)
				if err != nil {
					return Record{}, err
				}
				record.Relations = append(record.Relations, relation)
			}
		default:
			valueLen = protowire.ConsumeFieldValue(number, wireType, data)
		}
		if valueLen < 0 {
			return Record{}, fmt.Errorf("%w: bad value of field %d: %v",
				ErrCorruptRecord, number, protowire.ParseError(valueLen))
		}
		data = data[valueLen:]
	}
	if !sawVersion {
		return Record{}, fmt.Errorf("%w: missing format version", ErrCorruptRecord)
	}
	return record, nil
}

// readEntry parses a name=value payload; names other than the entry type and citation key become fields.
func (c BinaryCodec) readEntry(payload []byte) (entry.Entry, error) {
	e := entry.Entry{Fields: make(map[entry.Field]string)}
	if len(payload) == 0 {
		return e, nil
	}
	var name, current []byte
	inValue := false
	flush := func() error {
		if !inValue {
			return fmt.Errorf("%w: pair %q has no value", ErrCorruptRecord, current)
		}
		switch value := string(current); string(name) {
		case entryTypeName:
			e.Type = value
		case citationKeyName:
			e.CitationKey = value
		default:
			e.Fields[entry.Field(name)] = value
		}
		name, current, inValue = nil, nil, false
		return nil
	}
	for i := 0; i < len(payload); i++ {
		switch b := payload[i]; {
		case b == c.Escape:
			if i+1 == len(payload) {
				return entry.Entry{}, fmt.Errorf("%w: dangling escape byte", ErrCorruptRecord)
			}
			i++
			current = append(current, payload[i])
		case b == '=' && !inValue:
			name, current, inValue = current, nil, true
		case b == '=':
			return entry.Entry{}, fmt.Errorf("%w: unescaped '=' in value of %q", ErrCorruptRecord, name)
		case b == c.Separator:
			if err := flush(); err != nil {
				return entry.Entry{}, err
			}
		default:
			current = append(current, b)
		}
	}
	if err := flush(); err != nil {
		return entry.Entry{}, err
	}
	return e, nil
}
