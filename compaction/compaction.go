// Package compaction owns the live set of SSTables for a database and
// merges them, on a background interval or on demand, once their
// count crosses a threshold.
package compaction

import (
	"bytes"
	"container/heap"
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nullstorage/lsmdb/sstable"
)

// DefaultThreshold is the live-table count at which a compaction is
// triggered.
const DefaultThreshold = 4

// DefaultInterval is the background compaction loop's wake interval.
const DefaultInterval = 10 * time.Second

// Manager owns the ordered (oldest-first) list of live SSTables for
// one database directory.
type Manager struct {
	mu     sync.Mutex
	dir    string
	fpRate float64
	logger *logrus.Logger

	tables    []*sstable.Table
	refCount  map[*sstable.Table]int
	unlinking map[*sstable.Table]bool

	group  *errgroup.Group
	cancel context.CancelFunc
	clock  func() int64
}

// NewManager returns a manager with no live tables yet.
func NewManager(dir string, falsePositiveRate float64, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		dir:       dir,
		fpRate:    falsePositiveRate,
		logger:    logger,
		refCount:  make(map[*sstable.Table]int),
		unlinking: make(map[*sstable.Table]bool),
		clock:     nowMillis,
	}
}

// Add registers t as the newest live table, preserving insertion
// order.
func (m *Manager) Add(t *sstable.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = append(m.tables, t)
}

// Snapshot is a point-in-time, oldest-first view of the live table
// list. It outlives subsequent list mutations: a table unlinked by a
// later compaction while this snapshot is outstanding stays readable
// until Release is called.
type Snapshot struct {
	mgr    *Manager
	tables []*sstable.Table
}

// Tables returns the snapshotted table list, oldest first.
func (s *Snapshot) Tables() []*sstable.Table { return s.tables }

// Release must be called once the caller is done reading through the
// snapshot. It allows any table that compaction superseded in the
// meantime, and that no other snapshot still references, to actually
// be unlinked from disk.
func (s *Snapshot) Release() {
	s.mgr.release(s.tables)
}

// Snapshot takes a reference-counted view of the current live table
// list.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := make([]*sstable.Table, len(m.tables))
	copy(tables, m.tables)
	for _, t := range tables {
		m.refCount[t]++
	}
	return &Snapshot{mgr: m, tables: tables}
}

func (m *Manager) release(tables []*sstable.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tables {
		m.refCount[t]--
		if m.refCount[t] <= 0 {
			delete(m.refCount, t)
			if m.unlinking[t] {
				delete(m.unlinking, t)
				m.unlink(t)
			}
		}
	}
}

// unlink removes a table's backing file. Must be called with mu held.
func (m *Manager) unlink(t *sstable.Table) {
	if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).WithField("path", t.Path).Warn("compaction: failed to unlink superseded sstable")
	}
}

// CompactIfNeeded merges the entire live set into one new SSTable once
// the live count reaches threshold. A no-op below threshold.
func (m *Manager) CompactIfNeeded(threshold int) error {
	m.mu.Lock()
	if len(m.tables) < threshold {
		m.mu.Unlock()
		return nil
	}
	inputs := make([]*sstable.Table, len(m.tables))
	copy(inputs, m.tables)
	for _, t := range inputs {
		m.refCount[t]++ // compaction itself holds a reference while merging
	}
	m.mu.Unlock()

	merged, err := mergeTables(inputs, m.fpRate)
	if err != nil {
		m.release(inputs)
		return errors.Wrap(err, "compaction: merge")
	}

	var out *sstable.Table
	if merged != nil {
		path, err := sstable.UniquePath(m.dir, m.clock)
		if err != nil {
			m.release(inputs)
			return errors.Wrap(err, "compaction: allocate output path")
		}
		if err := sstable.Build(path, merged, m.fpRate); err != nil {
			m.release(inputs)
			return errors.Wrap(err, "compaction: build output")
		}
		out, err = sstable.Open(path)
		if err != nil {
			m.release(inputs)
			return errors.Wrap(err, "compaction: open output")
		}
	}

	m.mu.Lock()
	m.tables = replaceWith(m.tables, inputs, out)
	for _, t := range inputs {
		m.unlinking[t] = true
	}
	m.mu.Unlock()

	if out != nil {
		m.logger.WithFields(logrus.Fields{
			"inputs": len(inputs),
			"path":   out.Path,
		}).Info("compaction: merged sstables")
	} else {
		m.logger.WithField("inputs", len(inputs)).Info("compaction: merge produced no survivors, inputs dropped")
	}

	// Release compaction's own reference; any table with no other
	// outstanding snapshot reference is unlinked now.
	m.release(inputs)
	return nil
}

// replaceWith removes every table in inputs from tables, and splices
// out (if non-nil) in at the position of the first removed input, to
// keep oldest-first ordering plausible relative to survivors added
// concurrently with the merge.
func replaceWith(tables, inputs []*sstable.Table, out *sstable.Table) []*sstable.Table {
	inputSet := make(map[*sstable.Table]bool, len(inputs))
	for _, t := range inputs {
		inputSet[t] = true
	}
	result := make([]*sstable.Table, 0, len(tables)-len(inputs)+1)
	inserted := false
	for _, t := range tables {
		if inputSet[t] {
			if !inserted && out != nil {
				result = append(result, out)
				inserted = true
			}
			continue
		}
		result = append(result, t)
	}
	if out != nil && !inserted {
		result = append(result, out)
	}
	return result
}

// mergeTables k-way merges inputs (oldest first) by key, keeping the
// record with the greatest timestamp per key (ties broken toward the
// newer table), and dropping keys whose winning record is a
// tombstone. Returns nil if every key coalesced to a tombstone.
func mergeTables(inputs []*sstable.Table, fpRate float64) ([]sstable.Entry, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	cursors := make([]*mergeCursor, 0, len(inputs))
	defer func() {
		for _, c := range cursors {
			_ = c.cur.Close()
		}
	}()
	for rank, t := range inputs {
		cur, err := t.NewCursor()
		if err != nil {
			return nil, err
		}
		mc := &mergeCursor{cur: cur, rank: rank}
		cursors = append(cursors, mc)
		if err := mc.advance(); err != nil {
			return nil, err
		}
	}

	h := &mergeHeap{}
	for _, mc := range cursors {
		if mc.has {
			heap.Push(h, mc)
		}
	}

	var (
		out        []sstable.Entry
		curKey     []byte
		best       sstable.Entry
		bestRank   int
		haveCurKey bool
	)
	flush := func() {
		if haveCurKey && !best.Deleted {
			out = append(out, best)
		}
		haveCurKey = false
	}

	for h.Len() > 0 {
		mc := heap.Pop(h).(*mergeCursor)
		e := mc.entry
		if !haveCurKey || !bytes.Equal(e.Key, curKey) {
			flush()
			curKey = cloneKey(e.Key)
			best = e
			bestRank = mc.rank
			haveCurKey = true
		} else if e.Timestamp > best.Timestamp || (e.Timestamp == best.Timestamp && mc.rank > bestRank) {
			best = e
			bestRank = mc.rank
		}

		if err := mc.advance(); err != nil {
			return nil, err
		}
		if mc.has {
			heap.Push(h, mc)
		}
	}
	flush()

	return out, nil
}

type mergeCursor struct {
	cur   *sstable.Cursor
	rank  int // input index; higher rank = newer table, for tie-breaking
	entry sstable.Entry
	has   bool
}

func (mc *mergeCursor) advance() error {
	e, ok, err := mc.cur.Next()
	if err != nil {
		return err
	}
	mc.entry = e
	mc.has = ok
	return nil
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].entry.Key, h[j].entry.Key) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func cloneKey(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Start launches the background compaction loop: it wakes every
// interval, calls CompactIfNeeded(threshold), and exits once ctx is
// done or Stop is called.
func (m *Manager) Start(ctx context.Context, interval time.Duration, threshold int) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := m.CompactIfNeeded(threshold); err != nil {
					m.logger.WithError(err).Warn("compaction: background pass failed, retrying next tick")
				}
			}
		}
	})
}

// Stop signals the background loop to exit and waits for it.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		_ = m.group.Wait()
	}
}

// Close stops the background loop if running. Idempotent.
func (m *Manager) Close() error {
	m.Stop()
	return nil
}

// nowMillis is the default clock a Manager uses to name its output
// SSTables.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
