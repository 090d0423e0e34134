// Package lsmdb is the embedded, single-process, on-disk key-value
// store: a write-ahead log and an ordered memtable absorb writes, an
// immutable-memtable queue bridges a flush to a new SSTable, and a
// compaction manager keeps the live SSTable set small, all wired
// together here.
package lsmdb

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nullstorage/lsmdb/compaction"
	"github.com/nullstorage/lsmdb/memtable"
	"github.com/nullstorage/lsmdb/sstable"
	"github.com/nullstorage/lsmdb/value"
	"github.com/nullstorage/lsmdb/wal"
)

// ErrClosed is returned by any operation against a closed database.
var ErrClosed = errors.New("lsmdb: closed")

// ErrEmptyKey is returned by any operation given an empty key.
var ErrEmptyKey = errors.New("lsmdb: empty key")

// Database is the root handle onto one directory's worth of storage.
type Database struct {
	mu     sync.Mutex
	closed bool

	opts   Options
	logger *logrus.Logger

	walPath string
	w       *wal.WAL

	active    *memtable.Memtable
	immutable []*memtable.Memtable // oldest first

	lastTimestamp int64

	compactionMgr *compaction.Manager

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Open opens (creating if absent) the database rooted at opts.Dir.
func Open(opts Options) (*Database, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New("lsmdb: Options.Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "lsmdb: create directory")
	}
	if err := cleanupTmpFiles(opts.Dir); err != nil {
		return nil, err
	}

	d := &Database{
		opts:          opts,
		logger:        opts.Logger,
		walPath:       filepath.Join(opts.Dir, "wal.log"),
		active:        memtable.New(),
		compactionMgr: compaction.NewManager(opts.Dir, opts.BloomFalsePositiveRate, opts.Logger),
	}

	maxTimestamp, err := wal.Replay(d.walPath, func(r wal.Record) error {
		switch r.Op {
		case wal.OpPut:
			d.active.Apply(memtable.Record{Key: r.Key, Value: r.Value, Timestamp: r.Timestamp})
		case wal.OpDelete:
			d.active.Apply(memtable.Record{Key: r.Key, Deleted: true, Timestamp: r.Timestamp})
		default:
			return wal.ErrCorrupt
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "lsmdb: replay wal")
	}
	d.lastTimestamp = maxTimestamp

	w, err := wal.Open(d.walPath, opts.SyncOnWrite)
	if err != nil {
		return nil, errors.Wrap(err, "lsmdb: open wal")
	}
	d.w = w

	tables, err := discoverSSTables(opts.Dir)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		d.compactionMgr.Add(t)
	}

	d.startBackgroundWorkers()

	d.logger.WithFields(logrus.Fields{
		"dir":      opts.Dir,
		"sstables": len(tables),
	}).Info("lsmdb: opened")
	return d, nil
}

func discoverSSTables(dir string) ([]*sstable.Table, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "lsmdb: list directory")
	}
	type found struct {
		id   int64
		path string
	}
	var candidates []found
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		id, ok := sstable.ParseID(e.Name())
		if !ok {
			continue
		}
		candidates = append(candidates, found{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })

	tables := make([]*sstable.Table, 0, len(candidates))
	for _, c := range candidates {
		t, err := sstable.Open(c.path)
		if err != nil {
			return nil, errors.Wrapf(err, "lsmdb: open sstable %s", c.path)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func cleanupTmpFiles(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "lsmdb: list directory")
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), ".tmp-") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func (d *Database) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	d.group = g
	g.Go(func() error {
		ticker := time.NewTicker(d.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := d.flushTick(); err != nil {
					d.logger.WithError(err).Warn("lsmdb: background flush failed, retrying next tick")
				}
			}
		}
	})
	d.compactionMgr.Start(ctx, d.opts.CompactionInterval, d.opts.CompactionThreshold)
}

// nextTimestampLocked returns a timestamp strictly greater than every
// one issued before it, even across calls landing in the same
// wall-clock nanosecond. Must be called with mu held.
func (d *Database) nextTimestampLocked() int64 {
	ts := time.Now().UnixNano()
	if ts <= d.lastTimestamp {
		ts = d.lastTimestamp + 1
	}
	d.lastTimestamp = ts
	return ts
}

// Put stores v under key, replacing any prior record.
func (d *Database) Put(key []byte, v value.Value) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	ts := d.nextTimestampLocked()
	if err := d.w.Append(wal.OpPut, ts, key, v, true); err != nil {
		return errors.Wrap(err, "lsmdb: wal append")
	}
	d.active.Put(key, v, ts)
	return d.maybeRotateLocked()
}

// PutBool, PutI8...PutBytes are typed convenience wrappers over Put,
// mirroring the per-scalar-type overloads the embedded API exposes.
func (d *Database) PutBool(key []byte, b bool) error     { return d.Put(key, value.NewBool(b)) }
func (d *Database) PutI8(key []byte, n int8) error       { return d.Put(key, value.NewI8(n)) }
func (d *Database) PutI16(key []byte, n int16) error     { return d.Put(key, value.NewI16(n)) }
func (d *Database) PutI32(key []byte, n int32) error     { return d.Put(key, value.NewI32(n)) }
func (d *Database) PutI64(key []byte, n int64) error     { return d.Put(key, value.NewI64(n)) }
func (d *Database) PutU8(key []byte, n uint8) error      { return d.Put(key, value.NewU8(n)) }
func (d *Database) PutU16(key []byte, n uint16) error    { return d.Put(key, value.NewU16(n)) }
func (d *Database) PutU32(key []byte, n uint32) error    { return d.Put(key, value.NewU32(n)) }
func (d *Database) PutU64(key []byte, n uint64) error    { return d.Put(key, value.NewU64(n)) }
func (d *Database) PutF32(key []byte, f float32) error   { return d.Put(key, value.NewF32(f)) }
func (d *Database) PutF64(key []byte, f float64) error   { return d.Put(key, value.NewF64(f)) }
func (d *Database) PutString(key []byte, s string) error { return d.Put(key, value.NewString(s)) }
func (d *Database) PutBytes(key []byte, b []byte) error  { return d.Put(key, value.NewBytes(b)) }

// Delete replaces key's record with a tombstone.
func (d *Database) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	ts := d.nextTimestampLocked()
	if err := d.w.Append(wal.OpDelete, ts, key, value.Value{}, false); err != nil {
		return errors.Wrap(err, "lsmdb: wal append")
	}
	d.active.Delete(key, ts)
	return d.maybeRotateLocked()
}

// maybeRotateLocked pushes the active memtable onto the immutable
// queue and truncates the WAL once the active memtable's footprint
// reaches the flush threshold. Must be called with mu held.
func (d *Database) maybeRotateLocked() error {
	if d.active.ByteSize() < d.opts.FlushThreshold {
		return nil
	}
	d.immutable = append(d.immutable, d.active)
	d.active = memtable.New()
	if err := d.w.Truncate(); err != nil {
		return errors.Wrap(err, "lsmdb: truncate wal")
	}
	d.logger.WithField("queue_depth", len(d.immutable)).Debug("lsmdb: rotated active memtable")
	return nil
}

// Get returns the live value for key, or ok=false if absent or
// masked by a tombstone.
func (d *Database) Get(key []byte) (value.Value, bool, error) {
	if len(key) == 0 {
		return value.Value{}, false, ErrEmptyKey
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return value.Value{}, false, ErrClosed
	}
	active := d.active
	immutable := make([]*memtable.Memtable, len(d.immutable))
	copy(immutable, d.immutable)
	d.mu.Unlock()

	if r, ok := active.GetRaw(key); ok {
		if r.Deleted {
			return value.Value{}, false, nil
		}
		return r.Value, true, nil
	}
	for i := len(immutable) - 1; i >= 0; i-- {
		if r, ok := immutable[i].GetRaw(key); ok {
			if r.Deleted {
				return value.Value{}, false, nil
			}
			return r.Value, true, nil
		}
	}

	snap := d.compactionMgr.Snapshot()
	defer snap.Release()
	tables := snap.Tables()

	var attempted, failed int
	var lastErr error
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if !t.MightContain(key) {
			if d.logger.IsLevelEnabled(logrus.DebugLevel) {
				d.logger.WithField("path", t.Path).Debug("lsmdb: bloom filter skipped sstable")
			}
			continue
		}
		attempted++
		// A scan over [key, key] yields tombstones, which Table.Get
		// reports as a plain miss, so a delete in a newer table masks
		// older tables.
		var e sstable.Entry
		ok := false
		err := t.Scan(key, key, func(se sstable.Entry) error {
			e, ok = se, true
			return nil
		})
		if err != nil {
			failed++
			lastErr = err
			d.logger.WithError(err).WithField("path", t.Path).Warn("lsmdb: sstable read failed, trying older layer")
			continue
		}
		if !ok {
			continue
		}
		if e.Deleted {
			return value.Value{}, false, nil
		}
		return e.Value, true, nil
	}
	if attempted > 0 && attempted == failed {
		return value.Value{}, false, errors.Wrap(lastErr, "lsmdb: all sstable layers failed")
	}
	return value.Value{}, false, nil
}

// Scan emits every key in [start, end] (nil means unbounded on that
// side) whose most recent record is not a tombstone, in ascending key
// order, by visit.
func (d *Database) Scan(start, end []byte, visit func(key []byte, v value.Value) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	active := d.active
	immutable := make([]*memtable.Memtable, len(d.immutable))
	copy(immutable, d.immutable)
	d.mu.Unlock()

	snap := d.compactionMgr.Snapshot()
	defer snap.Release()

	type winner struct {
		value     value.Value
		deleted   bool
		timestamp int64
	}
	acc := make(map[string]winner)
	order := func(key []byte) bool {
		if start != nil && compareBytes(key, start) < 0 {
			return false
		}
		if end != nil && compareBytes(key, end) > 0 {
			return false
		}
		return true
	}
	accumulate := func(key []byte, v value.Value, deleted bool, ts int64) {
		if !order(key) {
			return
		}
		k := string(key)
		cur, ok := acc[k]
		if !ok || ts >= cur.timestamp {
			acc[k] = winner{value: v, deleted: deleted, timestamp: ts}
		}
	}

	for _, t := range snap.Tables() {
		if err := t.Scan(start, end, func(e sstable.Entry) error {
			accumulate(e.Key, e.Value, e.Deleted, e.Timestamp)
			return nil
		}); err != nil {
			return errors.Wrapf(err, "lsmdb: scan sstable %s", t.Path)
		}
	}
	for _, mt := range immutable {
		if err := mt.Each(func(r memtable.Record) error {
			accumulate(r.Key, r.Value, r.Deleted, r.Timestamp)
			return nil
		}); err != nil {
			return err
		}
	}
	if err := active.Each(func(r memtable.Record) error {
		accumulate(r.Key, r.Value, r.Deleted, r.Timestamp)
		return nil
	}); err != nil {
		return err
	}

	keys := make([]string, 0, len(acc))
	for k, w := range acc {
		if w.deleted {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := visit([]byte(k), acc[k].value); err != nil {
			return err
		}
	}
	return nil
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// flushOnce flushes the oldest immutable memtable, if any, to a new
// SSTable. The memtable stays on the queue (visible to readers) until
// after the new SSTable is built and registered with the compaction
// manager, closing the window where a concurrent read could see
// neither structure.
func (d *Database) flushOnce() error {
	d.mu.Lock()
	if len(d.immutable) == 0 {
		d.mu.Unlock()
		return nil
	}
	oldest := d.immutable[0]
	d.mu.Unlock()

	var entries []sstable.Entry
	if err := oldest.Each(func(r memtable.Record) error {
		entries = append(entries, sstable.Entry{
			Key:       r.Key,
			Value:     r.Value,
			Deleted:   r.Deleted,
			Timestamp: r.Timestamp,
		})
		return nil
	}); err != nil {
		return errors.Wrap(err, "lsmdb: read immutable memtable")
	}

	path, err := sstable.UniquePath(d.opts.Dir, func() int64 { return time.Now().UnixMilli() })
	if err != nil {
		return errors.Wrap(err, "lsmdb: allocate sstable path")
	}
	if err := sstable.Build(path, entries, d.opts.BloomFalsePositiveRate); err != nil {
		return errors.Wrap(err, "lsmdb: build sstable")
	}
	tbl, err := sstable.Open(path)
	if err != nil {
		return errors.Wrap(err, "lsmdb: open flushed sstable")
	}
	d.compactionMgr.Add(tbl)

	d.mu.Lock()
	if len(d.immutable) > 0 && d.immutable[0] == oldest {
		d.immutable = d.immutable[1:]
	}
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"path": path,
		"keys": len(entries),
	}).Info("lsmdb: flushed immutable memtable")
	return nil
}

// flushTick drains the entire immutable queue, one SSTable per entry.
func (d *Database) flushTick() error {
	for {
		d.mu.Lock()
		empty := len(d.immutable) == 0
		d.mu.Unlock()
		if empty {
			return nil
		}
		if err := d.flushOnce(); err != nil {
			return err
		}
	}
}

// Compact forces an immediate merge of the live SSTable set,
// regardless of the configured threshold.
func (d *Database) Compact() error {
	return d.compactionMgr.CompactIfNeeded(1)
}

// Close stops background workers, flushes any pending immutable
// memtables directly, and closes the WAL. Idempotent.
func (d *Database) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	d.compactionMgr.Stop()

	if err := d.flushTick(); err != nil {
		d.logger.WithError(err).Warn("lsmdb: final flush on close failed")
	}

	if err := d.w.Close(); err != nil {
		return errors.Wrap(err, "lsmdb: close wal")
	}
	d.logger.WithField("dir", d.opts.Dir).Info("lsmdb: closed")
	return nil
}
