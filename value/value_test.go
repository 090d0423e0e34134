package value

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"bool", NewBool(true)},
		{"i8", NewI8(-12)},
		{"i16", NewI16(-1234)},
		{"i32", NewI32(-123456)},
		{"i64", NewI64(-123456789012)},
		{"u8", NewU8(250)},
		{"u16", NewU16(65000)},
		{"u32", NewU32(4000000000)},
		{"u64", NewU64(18000000000000000000)},
		{"f32", NewF32(95.5)},
		{"f64", NewF64(3.14159265)},
		{"string", NewString("Alice")},
		{"bytes", NewBytes([]byte{1, 2, 3, 4, 5})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tc.v.Encode()
			require.Equal(t, tc.v.Size(), len(enc))

			got, n, err := Decode(enc)
			require.NoError(t, err)
			require.Equal(t, len(enc), n)
			require.Equal(t, tc.v.Tag, got.Tag)
			require.True(t, bytes.Equal(tc.v.Raw, got.Raw))

			got2, err := DecodeFrom(bytes.NewReader(enc))
			require.NoError(t, err)
			require.Equal(t, tc.v.Tag, got2.Tag)
			require.True(t, bytes.Equal(tc.v.Raw, got2.Raw))
		})
	}
}

func TestAccessorsRoundTrip(t *testing.T) {
	b, err := NewBool(true).AsBool()
	require.NoError(t, err)
	require.True(t, b)

	i64, err := NewI64(31).AsI64()
	require.NoError(t, err)
	require.EqualValues(t, 31, i64)

	f64, err := NewF64(95.5).AsF64()
	require.NoError(t, err)
	require.InDelta(t, 95.5, f64, 1e-9)

	s, err := NewString("Alice").AsString()
	require.NoError(t, err)
	require.Equal(t, "Alice", s)

	bs, err := NewBytes([]byte{1, 2, 3, 4, 5}).AsBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, bs)
}

func TestTypeMismatch(t *testing.T) {
	v := NewI32(5)
	_, err := v.AsString()
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = v.AsI64()
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDecodeCorrupt(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupt)

	_, _, err = Decode([]byte{byte(TagString), 10, 0, 0, 0, 'h', 'i'})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNilValue(t *testing.T) {
	v := NilValue()
	require.True(t, v.IsNil())
	require.Equal(t, 5, v.Size())
}
