// Package wal implements the write-ahead log: an append-only redo log
// of put/delete records, replayed into the active memtable on open.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/nullstorage/lsmdb/value"
)

// Op identifies the kind of record appended to the log.
type Op uint8

const (
	OpPut    Op = 0
	OpDelete Op = 1
)

// ErrCorrupt marks a record whose declared length or shape could not
// be decoded. On replay this is never returned to the caller: a
// corrupt or partial tail is treated as end-of-log.
var ErrCorrupt = errors.New("wal: corrupt record")

// ErrClosed is returned by operations on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// Record is one decoded WAL entry.
type Record struct {
	Op        Op
	Timestamp int64
	Key       []byte
	Value     value.Value
	HasValue  bool
}

// WAL is the append-only log file backing a database directory.
// Append, Truncate, and Close serialize on the same mutex. Replay is a
// package-level function that reads the file through its own handle
// and does not take this mutex; the database calls it in Open before
// the WAL is opened.
type WAL struct {
	mu          sync.Mutex
	f           *os.File
	w           *bufio.Writer
	path        string
	syncOnWrite bool
	closed      bool
}

// Open opens (creating if absent) the log file at path.
func Open(path string, syncOnWrite bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open")
	}
	return &WAL{
		f:           f,
		w:           bufio.NewWriterSize(f, 64*1024),
		path:        path,
		syncOnWrite: syncOnWrite,
	}, nil
}

// Append serializes one record, flushes user-space buffers, and
// (when syncOnWrite is set) fsyncs before returning. A write that
// returns nil is durable per the engine's acknowledged-write
// invariant.
func (w *WAL) Append(op Op, timestamp int64, key []byte, v value.Value, hasValue bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	var hdr [1 + 8 + 4]byte
	hdr[0] = byte(op)
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(timestamp))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(key)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "wal: append header")
	}
	if _, err := w.w.Write(key); err != nil {
		return errors.Wrap(err, "wal: append key")
	}

	hasValueByte := byte(0)
	if hasValue {
		hasValueByte = 1
	}
	if err := w.w.WriteByte(hasValueByte); err != nil {
		return errors.Wrap(err, "wal: append has_value")
	}
	if hasValue {
		if err := v.EncodeTo(w.w); err != nil {
			return errors.Wrap(err, "wal: append value")
		}
	}

	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush")
	}
	if w.syncOnWrite {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(err, "wal: fsync")
		}
	}
	return nil
}

// Truncate resets the log file to zero length. Safe to call only
// once every live record has been accounted for by the caller (the
// database calls this right after rotating the active memtable).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.f.Truncate(0); err != nil {
		return errors.Wrap(err, "wal: truncate")
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal: seek after truncate")
	}
	w.w.Reset(w.f)
	return nil
}

// Close flushes and closes the underlying file. Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return errors.Wrap(err, "wal: final flush")
	}
	return errors.Wrap(w.f.Close(), "wal: close")
}

// Replay reads records sequentially from the start of the log at
// path, invoking fn for each. A truncated or partial tail (a torn
// write left behind by a crash) silently terminates replay instead of
// erroring. It returns the maximum timestamp observed, for seeding the
// database's logical clock after recovery.
func Replay(path string, fn func(Record) error) (maxTimestamp int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "wal: open for replay")
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		rec, ok, rerr := readRecord(r)
		if rerr != nil {
			return maxTimestamp, errors.Wrap(rerr, "wal: replay")
		}
		if !ok {
			return maxTimestamp, nil
		}
		if rec.Timestamp > maxTimestamp {
			maxTimestamp = rec.Timestamp
		}
		if err := fn(rec); err != nil {
			return maxTimestamp, err
		}
	}
}

// readRecord decodes one record from r. ok=false with err=nil means a
// clean or torn end-of-log was reached and replay should stop without
// error.
func readRecord(r *bufio.Reader) (Record, bool, error) {
	var hdr [1 + 8 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	op := Op(hdr[0])
	if op != OpPut && op != OpDelete {
		return Record{}, false, nil
	}
	ts := int64(binary.LittleEndian.Uint64(hdr[1:9]))
	keyLen := binary.LittleEndian.Uint32(hdr[9:13])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	hasValueByte, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	hasValue := hasValueByte == 1

	var v value.Value
	if hasValue {
		v, err = value.DecodeFrom(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, false, nil
			}
			return Record{}, false, err
		}
	}

	return Record{Op: op, Timestamp: ts, Key: key, Value: v, HasValue: hasValue}, true, nil
}
