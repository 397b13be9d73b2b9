package record

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/etrap-labs/etrap-go/pkg/digest"
)

// encodingVersion prefixes every canonical serialization. Digests produced
// under different versions are incomparable.
const encodingVersion = 0x01

// Value type tags. The tag keeps differently-typed values with the same
// textual form (integer 1, string "1") from colliding.
const (
	tagNull      = 0x00
	tagBool      = 0x01
	tagInt       = 0x02
	tagFloat     = 0x03
	tagString    = 0x04
	tagTimestamp = 0x05
)

// Digest derives the canonical content digest of the record's column values.
// Identical column values always produce identical digests regardless of map
// construction order.
func (r *Record) Digest() (digest.Digest, error) {
	enc, err := encodeColumns(r.Columns)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Sum(enc), nil
}

// encodeColumns serializes columns deterministically: version byte, column
// count, then each column (name length, name bytes, tagged value) in
// ascending name order.
func encodeColumns(cols map[string]any) ([]byte, error) {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte(encodingVersion)
	writeUvarint(&buf, uint64(len(names)))

	for _, name := range names {
		writeUvarint(&buf, uint64(len(name)))
		buf.WriteString(name)
		if err := encodeValue(&buf, name, cols[name]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, column string, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		writeInt(buf, int64(val))
	case int8:
		writeInt(buf, int64(val))
	case int16:
		writeInt(buf, int64(val))
	case int32:
		writeInt(buf, int64(val))
	case int64:
		writeInt(buf, val)
	case uint:
		if uint64(val) > math.MaxInt64 {
			return &EncodingError{Column: column, Value: v}
		}
		writeInt(buf, int64(val))
	case uint8:
		writeInt(buf, int64(val))
	case uint16:
		writeInt(buf, int64(val))
	case uint32:
		writeInt(buf, int64(val))
	case uint64:
		if val > math.MaxInt64 {
			return &EncodingError{Column: column, Value: v}
		}
		writeInt(buf, int64(val))
	case float32:
		writeFloat(buf, float64(val))
	case float64:
		writeFloat(buf, val)
	case json.Number:
		// JSON integers stay integers; everything else hashes as float.
		if i, err := val.Int64(); err == nil {
			writeInt(buf, i)
		} else if f, err := val.Float64(); err == nil {
			writeFloat(buf, f)
		} else {
			return &EncodingError{Column: column, Value: v}
		}
	case string:
		buf.WriteByte(tagString)
		writeUvarint(buf, uint64(len(val)))
		buf.WriteString(val)
	case time.Time:
		buf.WriteByte(tagTimestamp)
		writeBE64(buf, uint64(val.UnixNano()))
	default:
		return &EncodingError{Column: column, Value: v}
	}
	return nil
}

func writeInt(buf *bytes.Buffer, i int64) {
	buf.WriteByte(tagInt)
	writeBE64(buf, uint64(i))
}

func writeFloat(buf *bytes.Buffer, f float64) {
	buf.WriteByte(tagFloat)
	writeBE64(buf, math.Float64bits(f))
}

func writeBE64(buf *bytes.Buffer, u uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], u)
	buf.Write(tmp[:])
}

func writeUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], n)])
}
