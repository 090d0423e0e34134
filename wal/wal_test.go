package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullstorage/lsmdb/value"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)

	require.NoError(t, w.Append(OpPut, 1, []byte("a"), value.NewString("1"), true))
	require.NoError(t, w.Append(OpPut, 2, []byte("b"), value.NewString("2"), true))
	require.NoError(t, w.Append(OpDelete, 3, []byte("a"), value.Value{}, false))
	require.NoError(t, w.Close())

	var got []Record
	maxTS, err := Replay(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, maxTS)
	require.Len(t, got, 3)
	require.Equal(t, OpPut, got[0].Op)
	require.Equal(t, "a", string(got[0].Key))
	s, err := got[0].Value.AsString()
	require.NoError(t, err)
	require.Equal(t, "1", s)
	require.Equal(t, OpDelete, got[2].Op)
	require.False(t, got[2].HasValue)
}

func TestReplayMissingFile(t *testing.T) {
	dir := t.TempDir()
	maxTS, err := Replay(filepath.Join(dir, "missing.log"), func(Record) error { return nil })
	require.NoError(t, err)
	require.Zero(t, maxTS)
}

func TestReplayTruncatedTailIsEndOfLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), value.NewString("1"), true))
	require.NoError(t, w.Close())

	// Corrupt the tail: append a torn record (length header with no body).
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(OpPut), 0, 0, 0, 0, 0, 0, 0, 9, 0, 0, 0, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var count int
	maxTS, err := Replay(path, func(Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.EqualValues(t, 1, maxTS)
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, w.Append(OpPut, 1, []byte("a"), value.NewString("1"), true))
	require.NoError(t, w.Truncate())
	require.NoError(t, w.Close())

	var count int
	_, err = Replay(path, func(Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.log"), false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	err = w.Append(OpPut, 1, []byte("a"), value.NewString("x"), true)
	require.ErrorIs(t, err, ErrClosed)
}
