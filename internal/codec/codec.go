// Package codec implements the escode contract described in spec §6: a
// small, versioned serializer for attribute maps, plus an order-preserving
// byte encoding for index tuples. The real wire format is treated as an
// external collaborator (spec §1 explicitly scopes the byte-level format
// out); this package supplies a concrete, fully-specified implementation so
// the rest of EdgeStore has something to encode against in tests and in a
// single-process deployment.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Codec encodes and decodes an attribute map to and from an opaque byte
// payload. Index 0 in Registry is the default encoder for new writes;
// additional entries exist only to decode data written by older encoders.
type Codec interface {
	Encode(attrs map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// JSONCodec is the default escode implementation: it round-trips attribute
// maps through JSON. JSON's number type is float64, so integers are
// re-widened to int64 on decode when they carry no fractional part — this
// mirrors the attribute system's own base-type coercion (internal/attr)
// rather than leaking float64 into callers that declared an Int attribute.
type JSONCodec struct{}

func (JSONCodec) Encode(attrs map[string]any) ([]byte, error) {
	return json.Marshal(attrs)
}

func (JSONCodec) Decode(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return normalizeJSONNumbers(raw).(map[string]any), nil
}

func normalizeJSONNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeJSONNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeJSONNumbers(e)
		}
		return x
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x)
		}
		return x
	default:
		return x
	}
}

// Registry is the ordered list of encoders; encoding N in an edge row
// selects Registry[N] for decode. Registry[0] is always used for new
// writes. Grounded on the original source's `_encoders = [escode]` list:
// the slot-by-index scheme is preserved so a later codec can be appended
// without breaking decode of previously stored rows.
var Registry = []Codec{JSONCodec{}}

// CurrentEncoding is the index into Registry used for new writes.
const CurrentEncoding = 0

// Encode encodes attrs with the current default codec, returning the
// encoding index alongside the payload so callers can persist both.
func Encode(attrs map[string]any) (encoding int, data []byte, err error) {
	data, err = Registry[CurrentEncoding].Encode(attrs)
	return CurrentEncoding, data, err
}

// Decode decodes data that was written with the given encoding index.
func Decode(encoding int, data []byte) (map[string]any, error) {
	if encoding < 0 || encoding >= len(Registry) {
		return nil, fmt.Errorf("codec: unknown encoding %d", encoding)
	}
	return Registry[encoding].Decode(data)
}

// Type tags for the order-preserving index encoding. Ordering across tags
// matters: a query can only compare values of the same declared attribute,
// so we never rely on cross-tag ordering, but tags must still sort values
// of the same declared type consistently with Go's own ordering.
const (
	tagNull = iota
	tagFalse
	tagTrue
	tagNumber
	tagString
)

// exclusiveSuffix is appended to an encoded tuple to construct an exclusive
// bound: it sorts after any encoding that has the plain tuple as a prefix,
// because every further element of such an encoding starts with a tag byte
// (0x00..0x04), all of which sort below 0xFF.
const exclusiveSuffix = 0xFF

// extendPrefixSuffix is appended to an encoded end-of-range bound so that
// the bound sorts after every indexvalue that extends the prefix: each
// further element starts with a tag byte (0x00..0x04) below 0xFF.
const extendPrefixSuffix = 0xFF

// EncodeIndex encodes tuple into an order-preserving byte string such that
// for tuples a < b (compared element-wise using each element's natural
// order), EncodeIndex(a, open) < EncodeIndex(b, open) for any fixed open.
//
// open selects whether the encoding is the inclusive bound for its role
// (the greatest-lower-bound side of a range, or a plain equality prefix)
// or an exclusive bound: when open is false, a trailing byte is appended
// that sorts after every encoding sharing the plain tuple as a prefix,
// excluding exact matches of that prefix from a BETWEEN range.
func EncodeIndex(tuple []any, open bool) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range tuple {
		if err := encodeIndexElem(&buf, v); err != nil {
			return nil, err
		}
	}
	if !open {
		buf.WriteByte(exclusiveSuffix)
	}
	return buf.Bytes(), nil
}

// ExtendPrefix appends the sentinel byte that makes an end-of-range bound
// match rows whose indexvalue merely extends the encoded prefix (used for
// open/inclusive end bounds and for plain prefix scans, per spec §4.6).
func ExtendPrefix(encoded []byte) []byte {
	out := make([]byte, len(encoded)+1)
	copy(out, encoded)
	out[len(encoded)] = extendPrefixSuffix
	return out
}

func encodeIndexElem(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		if x {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		return encodeIndexNumber(buf, float64(x))
	case int32:
		return encodeIndexNumber(buf, float64(x))
	case int64:
		return encodeIndexNumber(buf, float64(x))
	case uint32:
		return encodeIndexNumber(buf, float64(x))
	case uint64:
		return encodeIndexNumber(buf, float64(x))
	case float32:
		return encodeIndexNumber(buf, float64(x))
	case float64:
		return encodeIndexNumber(buf, x)
	case string:
		encodeIndexString(buf, x)
	default:
		return fmt.Errorf("codec: index value of unsupported type %T", v)
	}
	return nil
}

// encodeIndexNumber encodes a float64 so that byte-lexicographic order
// matches numeric order: flip the sign bit for non-negative numbers and
// invert every bit for negative numbers (the standard order-preserving
// IEEE-754 transform).
func encodeIndexNumber(buf *bytes.Buffer, f float64) error {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf.WriteByte(tagNumber)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], bits)
	buf.Write(tmp[:])
	return nil
}

// encodeIndexString escapes embedded NUL bytes (0x00 -> 0x00 0xFF) and
// terminates with 0x00 0x00, so that no string's encoding is a prefix of
// another's and plain byte comparison matches string comparison.
func encodeIndexString(buf *bytes.Buffer, s string) {
	buf.WriteByte(tagString)
	for i := 0; i < len(s); i++ {
		c := s[i]
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

// DecrementBytes returns the bytewise predecessor of b: the greatest byte
// string of the same length as b that sorts strictly before b under plain
// lexicographic comparison. It is the mirror image of exclusiveSuffix: where
// appending 0xFF builds an exclusive *lower* bound (it must sort after b and
// after every continuation of b), an exclusive *upper* bound instead needs a
// value that sorts before the exact encoding of b, which no fixed suffix can
// produce. Decrementing the trailing non-zero byte (borrowing across any
// trailing 0x00 bytes, which become 0xFF) gives exactly that: for any value x
// with EncodeIndex(x) < b, EncodeIndex(x) <= DecrementBytes(b), and
// DecrementBytes(b) < b itself and everything that extends b as a prefix.
// Returns ok=false if b is entirely 0x00 bytes, meaning b already encodes
// the smallest possible value and no predecessor exists.
func DecrementBytes(b []byte) (out []byte, ok bool) {
	out = append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] > 0 {
			out[i]--
			return out, true
		}
		out[i] = 0xFF
	}
	return nil, false
}

// SortTuples sorts a slice of tuples using the same element-wise ordering
// EncodeIndex preserves; used by tests to assert the index-order law from
// spec §8 without round-tripping through SQL.
func SortTuples(tuples [][]any) {
	sort.Slice(tuples, func(i, j int) bool {
		a, _ := EncodeIndex(tuples[i], true)
		b, _ := EncodeIndex(tuples[j], true)
		return bytes.Compare(a, b) < 0
	})
}
