// Package sstable implements the immutable, sorted on-disk table
// format: data records, a dense in-memory key index, a bloom filter,
// and the min/max key bounds, all described by a self-locating
// trailer.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nullstorage/lsmdb/bloom"
	"github.com/nullstorage/lsmdb/value"
)

const (
	magic   = "STDB"
	version = uint32(1)

	prefixSize = 4 + 4 + 8 // magic + version + trailer offset
)

// ErrCorrupt marks a file whose magic, version, or trailer geometry
// does not check out. Unlike a WAL's torn tail, this is always fatal:
// the engine refuses to open a database with a corrupt SSTable.
var ErrCorrupt = errors.New("sstable: corrupt")

// Entry is one record as built into or read out of an SSTable.
type Entry struct {
	Key       []byte
	Value     value.Value
	Deleted   bool
	Timestamp int64
}

type indexEntry struct {
	key    []byte
	offset uint64
	size   uint32
}

// Table is a handle onto an immutable on-disk sorted file. Its index,
// bloom filter, and min/max bounds are loaded once at Open and kept
// in memory; data records are read back on demand by reopening the
// file, so a Table carries no persistent OS handle between calls.
type Table struct {
	Path string
	ID   int64 // unix-ms embedded in the filename

	index  []indexEntry
	minKey []byte
	maxKey []byte
	bf     *bloom.Filter
}

// FormatFilename returns the canonical name for an SSTable created at
// unixMs.
func FormatFilename(unixMs int64) string {
	return fmt.Sprintf("sstable_%d.sst", unixMs)
}

// ParseID extracts the embedded creation timestamp from an SSTable
// filename, for age-ordering at database open.
func ParseID(name string) (int64, bool) {
	if !strings.HasPrefix(name, "sstable_") || !strings.HasSuffix(name, ".sst") {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(name, "sstable_"), ".sst")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// UniquePath returns a fresh sstable_<unix_ms>.sst path under dir that
// does not currently exist, retrying with later timestamps on
// collision per the spec's filename-uniqueness requirement.
func UniquePath(dir string, nowMillis func() int64) (string, error) {
	for {
		ms := nowMillis()
		path := filepath.Join(dir, FormatFilename(ms))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", errors.Wrap(err, "sstable: stat candidate path")
		}
		// Collision: force a distinct millisecond on the next attempt.
		time.Sleep(time.Millisecond)
	}
}

// Build writes a new SSTable to path from entries. entries need not
// be pre-sorted: Build re-sorts by key regardless of input order. The
// file is written to a uniquely-named temp path and atomically
// renamed into place, and is fsynced before the rename so a reader
// never observes a torn file at the final name.
func Build(path string, entries []Entry, falsePositiveRate float64) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	tmpPath := path + ".tmp-" + uuid.NewString()
	if err := build(tmpPath, sorted, falsePositiveRate); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "sstable: rename into place")
	}
	return nil
}

func build(tmpPath string, sorted []Entry, falsePositiveRate float64) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "sstable: create")
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 64*1024)

	// Prefix with a placeholder trailer offset, patched once known.
	if _, err := w.WriteString(magic); err != nil {
		return errors.Wrap(err, "sstable: write magic")
	}
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], version)
	if _, err := w.Write(verBuf[:]); err != nil {
		return errors.Wrap(err, "sstable: write version")
	}
	var placeholderBuf [8]byte
	if _, err := w.Write(placeholderBuf[:]); err != nil {
		return errors.Wrap(err, "sstable: write trailer placeholder")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "sstable: flush prefix")
	}

	bf := bloom.NewForSize(len(sorted), falsePositiveRate)
	index := make([]indexEntry, 0, len(sorted))

	offset := uint64(prefixSize)
	for _, e := range sorted {
		n, err := writeEntry(w, e)
		if err != nil {
			return errors.Wrap(err, "sstable: write entry")
		}
		index = append(index, indexEntry{key: cloneBytes(e.Key), offset: offset, size: uint32(n)})
		bf.Add(e.Key)
		offset += uint64(n)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "sstable: flush data section")
	}

	trailerOffset := offset
	if err := writeTrailer(w, index, bf, sorted); err != nil {
		return errors.Wrap(err, "sstable: write trailer")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "sstable: flush trailer")
	}

	var trailerOffsetBuf [8]byte
	binary.LittleEndian.PutUint64(trailerOffsetBuf[:], trailerOffset)
	if _, err := f.WriteAt(trailerOffsetBuf[:], 8); err != nil {
		return errors.Wrap(err, "sstable: patch trailer offset")
	}
	return f.Sync()
}

func writeTrailer(w *bufio.Writer, index []indexEntry, bf *bloom.Filter, sorted []Entry) error {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(index)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	for _, e := range index {
		if err := writeIndexEntry(w, e); err != nil {
			return err
		}
	}

	if _, err := w.Write(bf.Serialize()); err != nil {
		return err
	}

	var minKey, maxKey []byte
	if len(sorted) > 0 {
		minKey = sorted[0].Key
		maxKey = sorted[len(sorted)-1].Key
	}
	if err := writeLenPrefixed(w, minKey); err != nil {
		return err
	}
	return writeLenPrefixed(w, maxKey)
}

func writeLenPrefixed(w *bufio.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeIndexEntry(w *bufio.Writer, e indexEntry) error {
	if err := writeLenPrefixed(w, e.key); err != nil {
		return err
	}
	var offSizeBuf [8 + 4]byte
	binary.LittleEndian.PutUint64(offSizeBuf[0:8], e.offset)
	binary.LittleEndian.PutUint32(offSizeBuf[8:12], e.size)
	_, err := w.Write(offSizeBuf[:])
	return err
}

// writeEntry writes one data record and returns its encoded length:
// [timestamp:i64 LE][deleted:1][key_len:u32][key][has_value:1][value?]
func writeEntry(w *bufio.Writer, e Entry) (int, error) {
	n := 0
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(e.Timestamp))
	if _, err := w.Write(tsBuf[:]); err != nil {
		return 0, err
	}
	n += 8

	deletedByte := byte(0)
	if e.Deleted {
		deletedByte = 1
	}
	if err := w.WriteByte(deletedByte); err != nil {
		return 0, err
	}
	n++

	var klenBuf [4]byte
	binary.LittleEndian.PutUint32(klenBuf[:], uint32(len(e.Key)))
	if _, err := w.Write(klenBuf[:]); err != nil {
		return 0, err
	}
	n += 4
	if _, err := w.Write(e.Key); err != nil {
		return 0, err
	}
	n += len(e.Key)

	hasValue := !e.Deleted
	hasValueByte := byte(0)
	if hasValue {
		hasValueByte = 1
	}
	if err := w.WriteByte(hasValueByte); err != nil {
		return 0, err
	}
	n++
	if hasValue {
		enc := e.Value.Encode()
		if _, err := w.Write(enc); err != nil {
			return 0, err
		}
		n += len(enc)
	}
	return n, nil
}

// Open loads an existing SSTable's trailer (index, bloom filter,
// min/max bounds) into memory. Data records are read back on demand.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: open")
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "sstable: stat")
	}
	if st.Size() < prefixSize {
		return nil, ErrCorrupt
	}

	prefix := make([]byte, prefixSize)
	if _, err := f.ReadAt(prefix, 0); err != nil {
		return nil, errors.Wrap(err, "sstable: read prefix")
	}
	if string(prefix[0:4]) != magic {
		return nil, ErrCorrupt
	}
	if binary.LittleEndian.Uint32(prefix[4:8]) != version {
		return nil, ErrCorrupt
	}
	trailerOffset := binary.LittleEndian.Uint64(prefix[8:16])
	if trailerOffset >= uint64(st.Size()) {
		return nil, ErrCorrupt
	}

	if _, err := f.Seek(int64(trailerOffset), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "sstable: seek trailer")
	}
	r := bufio.NewReaderSize(f, 64*1024)

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, ErrCorrupt
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	index := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, ErrCorrupt
		}
		var offSizeBuf [8 + 4]byte
		if _, err := io.ReadFull(r, offSizeBuf[:]); err != nil {
			return nil, ErrCorrupt
		}
		index = append(index, indexEntry{
			key:    key,
			offset: binary.LittleEndian.Uint64(offSizeBuf[0:8]),
			size:   binary.LittleEndian.Uint32(offSizeBuf[8:12]),
		})
	}

	var bloomHeader [8]byte
	if _, err := io.ReadFull(r, bloomHeader[:]); err != nil {
		return nil, ErrCorrupt
	}
	bitCount := binary.LittleEndian.Uint32(bloomHeader[0:4])
	byteLen := int((bitCount + 7) / 8)
	bloomBits := make([]byte, byteLen)
	if byteLen > 0 {
		if _, err := io.ReadFull(r, bloomBits); err != nil {
			return nil, ErrCorrupt
		}
	}
	bf, err := bloom.Deserialize(append(bloomHeader[:], bloomBits...))
	if err != nil {
		return nil, ErrCorrupt
	}

	minKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, ErrCorrupt
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, ErrCorrupt
	}

	id, _ := ParseID(filepath.Base(path))

	return &Table{
		Path:   path,
		ID:     id,
		index:  index,
		minKey: minKey,
		maxKey: maxKey,
		bf:     bf,
	}, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MightContain reports whether key might be present per the bloom
// filter; false is a definitive absence proof.
func (t *Table) MightContain(key []byte) bool {
	if t.bf == nil {
		return true
	}
	return t.bf.MightContain(key)
}

// MinKey and MaxKey return the table's inclusive key bounds.
func (t *Table) MinKey() []byte { return t.minKey }
func (t *Table) MaxKey() []byte { return t.maxKey }

// Get performs a point read: bounds check, bloom check, index binary
// search, then a single seek-and-decode of the matching record.
func (t *Table) Get(key []byte) (Entry, bool, error) {
	if len(t.index) == 0 {
		return Entry{}, false, nil
	}
	if bytes.Compare(key, t.minKey) < 0 || bytes.Compare(key, t.maxKey) > 0 {
		return Entry{}, false, nil
	}
	if !t.MightContain(key) {
		return Entry{}, false, nil
	}

	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) >= 0
	})
	if i >= len(t.index) || !bytes.Equal(t.index[i].key, key) {
		return Entry{}, false, nil
	}
	ie := t.index[i]

	f, err := os.Open(t.Path)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "sstable: open for read")
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, ie.size)
	if _, err := f.ReadAt(buf, int64(ie.offset)); err != nil {
		return Entry{}, false, errors.Wrap(err, "sstable: read entry")
	}
	entry, err := decodeEntry(bytes.NewReader(buf))
	if err != nil {
		return Entry{}, false, ErrCorrupt
	}
	if entry.Deleted {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Scan iterates the in-memory index in ascending key order, emitting
// every entry (tombstones included) whose key falls within the
// inclusive bounds [start, end]. A nil start/end means unbounded on
// that side.
func (t *Table) Scan(start, end []byte, visit func(Entry) error) error {
	if len(t.index) == 0 {
		return nil
	}

	var f *os.File
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	for _, ie := range t.index {
		if start != nil && bytes.Compare(ie.key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(ie.key, end) > 0 {
			break
		}
		if f == nil {
			var err error
			f, err = os.Open(t.Path)
			if err != nil {
				return errors.Wrap(err, "sstable: open for scan")
			}
		}
		buf := make([]byte, ie.size)
		if _, err := f.ReadAt(buf, int64(ie.offset)); err != nil {
			return errors.Wrap(err, "sstable: read scan entry")
		}
		entry, err := decodeEntry(bytes.NewReader(buf))
		if err != nil {
			return ErrCorrupt
		}
		if err := visit(entry); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op: Table holds no persistent file handle between
// calls, so there is nothing to release, and any later Get/Scan
// reopens the file on demand.
func (t *Table) Close() error { return nil }

// Cursor is a pull-style, ascending-order iterator over a table's
// entries, used by the compaction merge to avoid buffering an entire
// table in memory.
type Cursor struct {
	t   *Table
	f   *os.File
	pos int
}

// NewCursor opens a cursor positioned before the first entry.
func (t *Table) NewCursor() (*Cursor, error) {
	var f *os.File
	if len(t.index) > 0 {
		var err error
		f, err = os.Open(t.Path)
		if err != nil {
			return nil, errors.Wrap(err, "sstable: open cursor")
		}
	}
	return &Cursor{t: t, f: f}, nil
}

// Next advances the cursor and returns the next entry in ascending
// key order, or ok=false once exhausted.
func (c *Cursor) Next() (Entry, bool, error) {
	if c.pos >= len(c.t.index) {
		return Entry{}, false, nil
	}
	ie := c.t.index[c.pos]
	c.pos++

	buf := make([]byte, ie.size)
	if _, err := c.f.ReadAt(buf, int64(ie.offset)); err != nil {
		return Entry{}, false, errors.Wrap(err, "sstable: cursor read")
	}
	entry, err := decodeEntry(bytes.NewReader(buf))
	if err != nil {
		return Entry{}, false, ErrCorrupt
	}
	return entry, true, nil
}

// Close releases the cursor's file handle.
func (c *Cursor) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

func decodeEntry(r io.Reader) (Entry, error) {
	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return Entry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(tsBuf[:]))

	var deletedByte [1]byte
	if _, err := io.ReadFull(r, deletedByte[:]); err != nil {
		return Entry{}, err
	}
	deleted := deletedByte[0] == 1

	key, err := readLenPrefixed(r)
	if err != nil {
		return Entry{}, err
	}

	var hasValueByte [1]byte
	if _, err := io.ReadFull(r, hasValueByte[:]); err != nil {
		return Entry{}, err
	}

	var v value.Value
	if hasValueByte[0] == 1 {
		v, err = value.DecodeFrom(r)
		if err != nil {
			return Entry{}, err
		}
	}

	return Entry{Key: key, Value: v, Deleted: deleted, Timestamp: ts}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
