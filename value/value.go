// Package value implements the typed scalar encoding shared by the WAL
// and SSTable formats: a tagged union serialized as
// [tag:1][len:u32 LE][payload:len].
package value

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Tag identifies the Go type a Value's payload decodes to.
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagI8
	TagI16
	TagI32
	TagI64
	TagU8
	TagU16
	TagU32
	TagU64
	TagF32
	TagF64
	TagString
	TagBytes
)

func (t Tag) String() string {
	switch t {
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagI8:
		return "i8"
	case TagI16:
		return "i16"
	case TagI32:
		return "i32"
	case TagI64:
		return "i64"
	case TagU8:
		return "u8"
	case TagU16:
		return "u16"
	case TagU32:
		return "u32"
	case TagU64:
		return "u64"
	case TagF32:
		return "f32"
	case TagF64:
		return "f64"
	case TagString:
		return "string"
	case TagBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// ErrTypeMismatch is returned when an accessor is invoked against a
// Value whose Tag does not match.
var ErrTypeMismatch = errors.New("value: type mismatch")

// ErrCorrupt is returned when decoding a malformed value blob.
var ErrCorrupt = errors.New("value: corrupt encoding")

// Value is a tagged scalar: a type tag plus its little-endian /
// IEEE-754 / UTF-8 payload.
type Value struct {
	Tag Tag
	Raw []byte
}

// Size returns the on-wire size of the value: 1 (tag) + 4 (length
// prefix) + len(payload).
func (v Value) Size() int { return 1 + 4 + len(v.Raw) }

// IsNil reports whether v is the nil sentinel value.
func (v Value) IsNil() bool { return v.Tag == TagNil }

// --- constructors ---

func NilValue() Value { return Value{Tag: TagNil} }

func NewBool(b bool) Value {
	v := byte(0)
	if b {
		v = 1
	}
	return Value{Tag: TagBool, Raw: []byte{v}}
}

func NewI8(n int8) Value { return Value{Tag: TagI8, Raw: []byte{byte(n)}} }

func NewI16(n int16) Value {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(n))
	return Value{Tag: TagI16, Raw: buf}
}

func NewI32(n int32) Value {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(n))
	return Value{Tag: TagI32, Raw: buf}
}

func NewI64(n int64) Value {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return Value{Tag: TagI64, Raw: buf}
}

func NewU8(n uint8) Value { return Value{Tag: TagU8, Raw: []byte{n}} }

func NewU16(n uint16) Value {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, n)
	return Value{Tag: TagU16, Raw: buf}
}

func NewU32(n uint32) Value {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return Value{Tag: TagU32, Raw: buf}
}

func NewU64(n uint64) Value {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return Value{Tag: TagU64, Raw: buf}
}

func NewF32(f float32) Value {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return Value{Tag: TagF32, Raw: buf}
}

func NewF64(f float64) Value {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
	return Value{Tag: TagF64, Raw: buf}
}

func NewString(s string) Value { return Value{Tag: TagString, Raw: []byte(s)} }

func NewBytes(b []byte) Value {
	out := make([]byte, len(b))
	copy(out, b)
	return Value{Tag: TagBytes, Raw: out}
}

// --- accessors ---

func (v Value) AsBool() (bool, error) {
	if v.Tag != TagBool || len(v.Raw) != 1 {
		return false, ErrTypeMismatch
	}
	return v.Raw[0] != 0, nil
}

func (v Value) AsI8() (int8, error) {
	if v.Tag != TagI8 || len(v.Raw) != 1 {
		return 0, ErrTypeMismatch
	}
	return int8(v.Raw[0]), nil
}

func (v Value) AsI16() (int16, error) {
	if v.Tag != TagI16 || len(v.Raw) != 2 {
		return 0, ErrTypeMismatch
	}
	return int16(binary.LittleEndian.Uint16(v.Raw)), nil
}

func (v Value) AsI32() (int32, error) {
	if v.Tag != TagI32 || len(v.Raw) != 4 {
		return 0, ErrTypeMismatch
	}
	return int32(binary.LittleEndian.Uint32(v.Raw)), nil
}

func (v Value) AsI64() (int64, error) {
	if v.Tag != TagI64 || len(v.Raw) != 8 {
		return 0, ErrTypeMismatch
	}
	return int64(binary.LittleEndian.Uint64(v.Raw)), nil
}

func (v Value) AsU8() (uint8, error) {
	if v.Tag != TagU8 || len(v.Raw) != 1 {
		return 0, ErrTypeMismatch
	}
	return v.Raw[0], nil
}

func (v Value) AsU16() (uint16, error) {
	if v.Tag != TagU16 || len(v.Raw) != 2 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint16(v.Raw), nil
}

func (v Value) AsU32() (uint32, error) {
	if v.Tag != TagU32 || len(v.Raw) != 4 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint32(v.Raw), nil
}

func (v Value) AsU64() (uint64, error) {
	if v.Tag != TagU64 || len(v.Raw) != 8 {
		return 0, ErrTypeMismatch
	}
	return binary.LittleEndian.Uint64(v.Raw), nil
}

func (v Value) AsF32() (float32, error) {
	if v.Tag != TagF32 || len(v.Raw) != 4 {
		return 0, ErrTypeMismatch
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v.Raw)), nil
}

func (v Value) AsF64() (float64, error) {
	if v.Tag != TagF64 || len(v.Raw) != 8 {
		return 0, ErrTypeMismatch
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Raw)), nil
}

func (v Value) AsString() (string, error) {
	if v.Tag != TagString {
		return "", ErrTypeMismatch
	}
	return string(v.Raw), nil
}

func (v Value) AsBytes() ([]byte, error) {
	if v.Tag != TagBytes {
		return nil, ErrTypeMismatch
	}
	out := make([]byte, len(v.Raw))
	copy(out, v.Raw)
	return out, nil
}

// Encode serializes v as [tag:1][len:u32 LE][payload:len].
func (v Value) Encode() []byte {
	out := make([]byte, v.Size())
	out[0] = byte(v.Tag)
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(v.Raw)))
	copy(out[5:], v.Raw)
	return out
}

// Decode parses a Value from the head of b, returning the value and
// the number of bytes consumed.
func Decode(b []byte) (Value, int, error) {
	if len(b) < 5 {
		return Value{}, 0, ErrCorrupt
	}
	tag := Tag(b[0])
	n := binary.LittleEndian.Uint32(b[1:5])
	if len(b) < 5+int(n) {
		return Value{}, 0, ErrCorrupt
	}
	raw := make([]byte, n)
	copy(raw, b[5:5+n])
	return Value{Tag: tag, Raw: raw}, 5 + int(n), nil
}

// DecodeFrom reads one Value from r, mirroring Decode but for
// streaming callers (WAL replay, SSTable scans) that don't want to
// buffer the whole record up front.
func DecodeFrom(r io.Reader) (Value, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Value{}, err
	}
	tag := Tag(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:5])
	raw := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, raw); err != nil {
			return Value{}, err
		}
	}
	return Value{Tag: tag, Raw: raw}, nil
}

// EncodeTo writes v's wire form to w.
func (v Value) EncodeTo(w io.Writer) error {
	_, err := w.Write(v.Encode())
	return err
}
