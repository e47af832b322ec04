// ABOUTME: Tests for composite key encoding
// ABOUTME: Verifies order-preserving properties and roundtrip encoding

package encoding

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeInt64(t *testing.T) {
	vals := []Value{
		NewInt64Value(-1000),
		NewInt64Value(-1),
		NewInt64Value(0),
		NewInt64Value(1),
		NewInt64Value(1000),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		require.Negativef(t, bytes.Compare(encoded[i], encoded[i+1]), "%d should sort before %d", vals[i].I64, vals[i+1].I64)
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		require.Equal(t, vals[i].I64, decoded[0].I64)
	}
}

func TestEncodeBytes(t *testing.T) {
	vals := []Value{
		NewBytesValue([]byte("")),
		NewBytesValue([]byte("a")),
		NewBytesValue([]byte("aa")),
		NewBytesValue([]byte("ab")),
		NewBytesValue([]byte("b")),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		require.True(t, bytes.Compare(encoded[i], encoded[i+1]) < 0)
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		require.Equal(t, vals[i].Str, decoded[0].Str)
	}
}

func TestEncodeComposite(t *testing.T) {
	keys := [][]Value{
		{NewBytesValue([]byte("a")), NewInt64Value(1)},
		{NewBytesValue([]byte("a")), NewInt64Value(2)},
		{NewBytesValue([]byte("b")), NewInt64Value(1)},
		{NewBytesValue([]byte("b")), NewInt64Value(2)},
	}

	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = EncodeValues(k)
	}

	for i := 0; i < len(encoded)-1; i++ {
		require.True(t, bytes.Compare(encoded[i], encoded[i+1]) < 0, "order violated at index %d", i)
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		require.NoError(t, err)
		require.Len(t, decoded, len(keys[i]))
		for j := range decoded {
			require.Equal(t, keys[i][j].Type, decoded[j].Type)
		}
	}
}

func TestEncodeKeyWithPrefix(t *testing.T) {
	prefix := uint32(100)
	vals := []Value{
		NewBytesValue([]byte("test")),
		NewInt64Value(42),
	}

	encoded := EncodeKey(prefix, vals)

	require.Equal(t, prefix, ExtractPrefix(encoded))

	extractedVals, err := ExtractValues(encoded)
	require.NoError(t, err)
	require.Len(t, extractedVals, len(vals))
	require.Equal(t, vals[0].Str, extractedVals[0].Str)
	require.Equal(t, vals[1].I64, extractedVals[1].I64)
}

func TestEncodeTime(t *testing.T) {
	now := time.Now()
	times := []Value{
		NewTimeValue(now.Add(-time.Hour)),
		NewTimeValue(now),
		NewTimeValue(now.Add(time.Hour)),
	}

	encoded := make([][]byte, len(times))
	for i, v := range times {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		require.True(t, bytes.Compare(encoded[i], encoded[i+1]) < 0, "time order violated at index %d", i)
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		require.NoError(t, err)
		require.Len(t, decoded, 1)
		require.Equal(t, times[i].Time.Unix(), decoded[0].Time.Unix())
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		input []byte
		name  string
	}{
		{[]byte("normal"), "normal string"},
		{[]byte{0x00}, "null byte"},
		{[]byte{0xFF}, "0xFF byte"},
		{[]byte{0x00, 0xFF}, "null and 0xFF"},
		{[]byte("test\x00string"), "embedded null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escapeString(tt.input)
			unescaped := unescapeString(escaped)
			require.Equal(t, tt.input, unescaped)
		})
	}
}

func TestPartialKeyEncoding(t *testing.T) {
	prefix := uint32(1)

	// Partial key for (a, b) > (1, +inf)
	key1 := EncodeKeyPartial(prefix, []Value{NewInt64Value(1)}, CmpGT)

	// Partial key for (a, b) >= (1, -inf)
	key2 := EncodeKeyPartial(prefix, []Value{NewInt64Value(1)}, CmpGE)

	require.True(t, bytes.Compare(key2, key1) < 0, "expected key2 < key1")

	fullKey := EncodeKey(prefix, []Value{NewInt64Value(1), NewInt64Value(0)})

	require.True(t, bytes.Compare(key2, fullKey) < 0, "expected key2 <= fullKey")
	require.True(t, bytes.Compare(fullKey, key1) < 0, "expected fullKey < key1")
}
