// ABOUTME: Order-preserving encoding for composite keys
// ABOUTME: Supports multiple data types with lexicographic byte ordering

package encoding

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Value types for composite keys.
const (
	TypeBytes  = 1
	TypeInt64  = 2
	TypeUint64 = 3
	TypeTime   = 4 // Stored as int64 Unix timestamp
)

// Value represents a single value in a composite key.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

// NewBytesValue creates a bytes value.
func NewBytesValue(data []byte) Value {
	return Value{Type: TypeBytes, Str: data}
}

// NewInt64Value creates an int64 value.
func NewInt64Value(i int64) Value {
	return Value{Type: TypeInt64, I64: i}
}

// NewUint64Value creates a uint64 value.
func NewUint64Value(u uint64) Value {
	return Value{Type: TypeUint64, U64: u}
}

// NewTimeValue creates a time value.
func NewTimeValue(t time.Time) Value {
	return Value{Type: TypeTime, Time: t}
}

// EncodeValues encodes multiple values in order-preserving format. Each
// value is tagged with its type so type boundaries never collide with the
// 0xFF/0x00 escape bytes used inside byte-string values.
func EncodeValues(vals []Value) []byte {
	out := make([]byte, 0, 256)
	for _, v := range vals {
		out = append(out, byte(v.Type))

		switch v.Type {
		case TypeInt64:
			// Flip the sign bit so two's-complement ordering matches
			// unsigned big-endian byte ordering.
			var buf [8]byte
			u := uint64(v.I64) + (1 << 63)
			binary.BigEndian.PutUint64(buf[:], u)
			out = append(out, buf[:]...)

		case TypeUint64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)

		case TypeTime:
			var buf [8]byte
			u := uint64(v.Time.Unix()) + (1 << 63)
			binary.BigEndian.PutUint64(buf[:], u)
			out = append(out, buf[:]...)

		case TypeBytes:
			out = append(out, escapeString(v.Str)...)
			out = append(out, 0)

		default:
			panic(fmt.Sprintf("encoding: unknown value type: %d", v.Type))
		}
	}
	return out
}

// escapeString escapes null bytes and 0xFF so a byte string can be
// null-terminated without ambiguity.
func escapeString(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFF {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}

	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0xFE, 0x00)
		case 0xFF:
			out = append(out, 0xFE, 0xFF)
		default:
			out = append(out, b)
		}
	}
	return out
}

// unescapeString reverses escapeString.
func unescapeString(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0xFE && i+1 < len(s) {
			out = append(out, s[i+1])
			i++
		} else {
			out = append(out, s[i])
		}
	}
	return out
}

// DecodeValues decodes values from the encoded format produced by
// EncodeValues.
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0

	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("encoding: incomplete int64 at pos %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, NewInt64Value(int64(u-(1<<63))))
			pos += 8

		case TypeUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("encoding: incomplete uint64 at pos %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, NewUint64Value(u))
			pos += 8

		case TypeTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("encoding: incomplete time at pos %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, NewTimeValue(time.Unix(int64(u-(1<<63)), 0)))
			pos += 8

		case TypeBytes:
			end := pos
			for end < len(data) && data[end] != 0 {
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("encoding: unterminated string at pos %d", pos)
			}
			vals = append(vals, NewBytesValue(unescapeString(data[pos:end])))
			pos = end + 1

		default:
			return nil, fmt.Errorf("encoding: unknown type %d at pos %d", typ, pos-1)
		}
	}

	return vals, nil
}

// Comparison operators used by EncodeKeyPartial to decide which infinity
// sentinel to append for the missing trailing columns of a partial key.
const (
	CmpGE = 1 // >=
	CmpGT = 2 // >
	CmpLT = 3 // <
	CmpLE = 4 // <=
)

// EncodeKey encodes a composite key with a 4-byte big-endian tree prefix
// followed by the order-preserving encoded values.
func EncodeKey(prefix uint32, vals []Value) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	out := append([]byte{}, buf[:]...)
	out = append(out, EncodeValues(vals)...)
	return out
}

// EncodeKeyPartial encodes a partial key for a range scan boundary. Missing
// trailing columns are represented as +infinity or -infinity depending on
// which side of the comparison the boundary falls on.
func EncodeKeyPartial(prefix uint32, vals []Value, cmp int) []byte {
	out := EncodeKey(prefix, vals)
	if cmp == CmpGT || cmp == CmpLE {
		out = append(out, 0xFF) // unreachable +infinity suffix
	}
	return out
}

// ExtractPrefix extracts the tree prefix from an encoded key.
func ExtractPrefix(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(key[:4])
}

// ExtractValues extracts and decodes the values portion of an encoded key.
func ExtractValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, fmt.Errorf("encoding: key too short")
	}
	return DecodeValues(key[4:])
}
