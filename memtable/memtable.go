// Package memtable implements the in-memory ordered map that buffers
// recent writes ahead of a flush to an SSTable.
package memtable

import (
	"sort"
	"sync"

	"github.com/nullstorage/lsmdb/value"
)

// Memtable is an ordered map from key to latest record. It is
// internally synchronized: the database's point-read fast path reads
// it without holding the database-wide write mutex, so the memtable
// must be safe for concurrent Get/Apply on its own.
type Memtable struct {
	mu       sync.RWMutex
	byKey    map[string]Record
	sorted   []string // ascending keys; index consumed by flush/scan
	byteSize int64
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{byKey: make(map[string]Record)}
}

// Put inserts or overwrites key with a live value at timestamp ts.
func (m *Memtable) Put(key []byte, v value.Value, ts int64) {
	m.apply(key, Record{Key: cloneBytes(key), Value: v, Timestamp: ts})
}

// Delete replaces key's record with a tombstone at timestamp ts.
func (m *Memtable) Delete(key []byte, ts int64) {
	m.apply(key, Record{Key: cloneBytes(key), Deleted: true, Timestamp: ts})
}

// Apply installs rec directly, keyed by rec.Key. This is the
// primitive used both by Put/Delete and by WAL-replay, which rebuilds
// the memtable from an already timestamp-ordered record stream.
func (m *Memtable) Apply(rec Record) {
	m.apply(rec.Key, rec)
}

func (m *Memtable) apply(key []byte, rec Record) {
	k := string(key)
	rec.Key = cloneBytes(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	old, existed := m.byKey[k]
	if existed {
		m.byteSize -= recordSize(old)
	} else {
		m.insertSorted(k)
	}
	m.byKey[k] = rec
	m.byteSize += recordSize(rec)
}

// insertSorted inserts k into the maintained ascending key index in
// O(n) (shift) rather than resorting the whole slice on every write.
func (m *Memtable) insertSorted(k string) {
	i := sort.SearchStrings(m.sorted, k)
	m.sorted = append(m.sorted, "")
	copy(m.sorted[i+1:], m.sorted[i:])
	m.sorted[i] = k
}

// Get returns the live record for key, or ok=false if absent or
// masked by a tombstone.
func (m *Memtable) Get(key []byte) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byKey[string(key)]
	if !ok || r.Deleted {
		return Record{}, false
	}
	return r, true
}

// GetRaw returns the stored record for key regardless of tombstone
// status, for callers (the database's point read) that need to see
// deletes.
func (m *Memtable) GetRaw(key []byte) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byKey[string(key)]
	return r, ok
}

// Each visits every record in ascending key order, tombstones
// included, stopping at the first error visit returns.
func (m *Memtable) Each(visit func(Record) error) error {
	m.mu.RLock()
	keys := make([]string, len(m.sorted))
	copy(keys, m.sorted)
	m.mu.RUnlock()

	for _, k := range keys {
		m.mu.RLock()
		rec, ok := m.byKey[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

// ByteSize returns the approximate in-memory footprint: the sum of
// key bytes, value bytes, and a fixed per-record overhead.
func (m *Memtable) ByteSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byteSize
}

// Size returns the logical row count: one per distinct key,
// regardless of how many times it was put or deleted.
func (m *Memtable) Size() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int32(len(m.byKey))
}

// Clear empties the memtable in place.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey = make(map[string]Record)
	m.sorted = nil
	m.byteSize = 0
}

func recordSize(r Record) int64 {
	return int64(len(r.Key)) + int64(len(r.Value.Raw)) + recordOverhead
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
