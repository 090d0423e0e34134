package lsmdb

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullstorage/lsmdb/value"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.FlushInterval = 5 * time.Millisecond
	opts.CompactionInterval = 5 * time.Millisecond
	return opts
}

func TestBasicCRUDAllScalarTypes(t *testing.T) {
	db, err := Open(testOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutString([]byte("name"), "Alice"))
	require.NoError(t, db.PutI64([]byte("age"), 30))
	require.NoError(t, db.PutF64([]byte("score"), 95.5))
	require.NoError(t, db.PutBool([]byte("active"), true))
	require.NoError(t, db.PutBytes([]byte("data"), []byte{1, 2, 3, 4, 5}))

	v, ok, err := db.Get([]byte("name"))
	require.NoError(t, err)
	require.True(t, ok)
	s, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "Alice", s)

	v, ok, err = db.Get([]byte("age"))
	require.NoError(t, err)
	require.True(t, ok)
	n, err := v.AsI64()
	require.NoError(t, err)
	require.EqualValues(t, 30, n)

	v, ok, err = db.Get([]byte("score"))
	require.NoError(t, err)
	require.True(t, ok)
	f, err := v.AsF64()
	require.NoError(t, err)
	require.InDelta(t, 95.5, f, 1e-9)

	v, ok, err = db.Get([]byte("active"))
	require.NoError(t, err)
	require.True(t, ok)
	b, err := v.AsBool()
	require.NoError(t, err)
	require.True(t, b)

	v, ok, err = db.Get([]byte("data"))
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := v.AsBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, raw)

	require.NoError(t, db.PutI64([]byte("age"), 31))
	v, ok, err = db.Get([]byte("age"))
	require.NoError(t, err)
	require.True(t, ok)
	n, err = v.AsI64()
	require.NoError(t, err)
	require.EqualValues(t, 31, n)

	require.NoError(t, db.Delete([]byte("data")))
	_, ok, err = db.Get([]byte("data"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSortedScan(t *testing.T) {
	db, err := Open(testOptions(t))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 26; i++ {
		k := fmt.Sprintf("key_%c", 'a'+i)
		require.NoError(t, db.PutI64([]byte(k), int64(i)))
	}

	var keys []string
	var vals []int64
	err = db.Scan([]byte("key_m"), []byte("key_s"), func(key []byte, v value.Value) error {
		keys = append(keys, string(key))
		n, err := v.AsI64()
		if err != nil {
			return err
		}
		vals = append(vals, n)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"key_m", "key_n", "key_o", "key_p", "key_q", "key_r", "key_s"}, keys)
	require.Equal(t, []int64{12, 13, 14, 15, 16, 17, 18}, vals)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.FlushInterval = 5 * time.Millisecond
	opts.CompactionInterval = 5 * time.Millisecond

	db, err := Open(opts)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, db.PutI64([]byte(fmt.Sprintf("k-%d", i)), int64(i)))
	}
	for i := 0; i < 1000; i += 2 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("k-%d", i))))
	}
	require.NoError(t, db.Close())

	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("k-%d", i))
		v, ok, err := db2.Get(key)
		require.NoError(t, err)
		if i%2 == 0 {
			require.Falsef(t, ok, "expected %s deleted", key)
			continue
		}
		require.True(t, ok)
		n, err := v.AsI64()
		require.NoError(t, err)
		require.EqualValues(t, i, n)
	}
}

func TestFlushAndCompactionSurvivorship(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.FlushThreshold = 2048
	opts.CompactionThreshold = 4
	opts.FlushInterval = 5 * time.Millisecond
	opts.CompactionInterval = 5 * time.Millisecond

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	const n = 4000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%06d", i)
		require.NoError(t, db.PutString([]byte(key), fmt.Sprintf("v%d-r%d", i, 0)))
	}
	for i := 0; i < n; i += 10 {
		key := fmt.Sprintf("key-%06d", i)
		require.NoError(t, db.PutString([]byte(key), fmt.Sprintf("v%d-r%d", i, 1)))
	}
	for i := 0; i < n; i += 37 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("key-%06d", i))))
	}

	require.Eventually(t, func() bool {
		return countSSTables(t, dir) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, db.Compact())

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%06d", i)
		v, ok, err := db.Get([]byte(key))
		require.NoError(t, err)
		if i%37 == 0 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		s, err := v.AsString()
		require.NoError(t, err)
		want := fmt.Sprintf("v%d-r%d", i, 0)
		if i%10 == 0 {
			want = fmt.Sprintf("v%d-r%d", i, 1)
		}
		require.Equal(t, want, s)
	}
}

func countSSTables(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "sstable_*.sst"))
	require.NoError(t, err)
	return len(matches)
}

func TestBloomFalsePositiveRateIntegration(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.FlushThreshold = 64 << 10 // rotate several times; Close flushes the queue
	opts.FlushInterval = 5 * time.Millisecond

	db, err := Open(opts)
	require.NoError(t, err)

	present := make([]string, 10000)
	for i := range present {
		present[i] = fmt.Sprintf("present-%d", i)
		require.NoError(t, db.PutI64([]byte(present[i]), int64(i)))
	}
	require.NoError(t, db.Close())

	db2, err := Open(opts)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Compact()) // merge the flushed tables into one

	snap := db2.compactionMgr.Snapshot()
	defer snap.Release()
	require.Len(t, snap.Tables(), 1)
	tbl := snap.Tables()[0]

	rng := rand.New(rand.NewSource(1))
	falsePositives := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		key := fmt.Sprintf("absent-%d", rng.Int63())
		_, ok, err := db2.Get([]byte(key))
		require.NoError(t, err)
		require.False(t, ok)
		if tbl.MightContain([]byte(key)) {
			falsePositives++
		}
	}
	require.Less(t, float64(falsePositives)/float64(trials), 0.05)
}

func TestScanAcrossLayers(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.FlushThreshold = 1 // force every rotation-eligible write to flush promptly
	opts.FlushInterval = 5 * time.Millisecond
	opts.CompactionInterval = time.Hour

	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutString([]byte("a"), "original_a"))
	require.NoError(t, db.PutString([]byte("b"), "original_b"))
	require.NoError(t, db.PutString([]byte("c"), "original_c"))

	require.Eventually(t, func() bool {
		return countSSTables(t, dir) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, db.PutString([]byte("b"), "new_b"))
	require.NoError(t, db.Delete([]byte("c")))

	var keys []string
	var vals []string
	err = db.Scan(nil, nil, func(key []byte, v value.Value) error {
		keys = append(keys, string(key))
		s, err := v.AsString()
		if err != nil {
			return err
		}
		vals = append(vals, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
	require.Equal(t, []string{"original_a", "new_b"}, vals)
}
