package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullstorage/lsmdb/value"
)

func TestPutGetDelete(t *testing.T) {
	m := New()
	m.Put([]byte("a"), value.NewString("1"), 1)
	m.Put([]byte("b"), value.NewString("2"), 2)

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	s, err := r.Value.AsString()
	require.NoError(t, err)
	require.Equal(t, "1", s)

	m.Delete([]byte("a"), 3)
	_, ok = m.Get([]byte("a"))
	require.False(t, ok)

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestLastWriterWins(t *testing.T) {
	m := New()
	m.Put([]byte("age"), value.NewI64(30), 1)
	m.Put([]byte("age"), value.NewI64(31), 2)

	r, ok := m.Get([]byte("age"))
	require.True(t, ok)
	n, err := r.Value.AsI64()
	require.NoError(t, err)
	require.EqualValues(t, 31, n)
}

func TestRepeatedWritesCountAsOneRow(t *testing.T) {
	m := New()
	m.Put([]byte("k"), value.NewI64(1), 1)
	m.Delete([]byte("k"), 2)
	m.Put([]byte("k"), value.NewI64(3), 3)
	require.EqualValues(t, 1, m.Size())
}

func TestEachAscendingOrder(t *testing.T) {
	m := New()
	for _, k := range []string{"key_c", "key_a", "key_b"} {
		m.Put([]byte(k), value.NewString(k), 1)
	}
	var seen []string
	err := m.Each(func(r Record) error {
		seen = append(seen, string(r.Key))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"key_a", "key_b", "key_c"}, seen)
}

func TestEachYieldsTombstones(t *testing.T) {
	m := New()
	m.Put([]byte("a"), value.NewString("1"), 1)
	m.Delete([]byte("a"), 2)

	var rec Record
	err := m.Each(func(r Record) error {
		rec = r
		return nil
	})
	require.NoError(t, err)
	require.True(t, rec.Deleted)
}

func TestByteSizeTracksApproximateFootprint(t *testing.T) {
	m := New()
	require.Zero(t, m.ByteSize())
	m.Put([]byte("key"), value.NewString("value"), 1)
	require.Greater(t, m.ByteSize(), int64(0))
}

func TestClear(t *testing.T) {
	m := New()
	m.Put([]byte("a"), value.NewString("1"), 1)
	m.Clear()
	require.Zero(t, m.Size())
	require.Zero(t, m.ByteSize())
	_, ok := m.Get([]byte("a"))
	require.False(t, ok)
}
