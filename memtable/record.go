package memtable

import "github.com/nullstorage/lsmdb/value"

// Record is one versioned entry: either a put carrying Value, or a
// tombstone (Deleted=true, no Value). Timestamp is the last-writer-wins
// version clock.
type Record struct {
	Key       []byte
	Value     value.Value
	Deleted   bool
	Timestamp int64
}

// recordOverhead approximates the fixed per-record bookkeeping cost
// (map bucket, struct header) added to key+value bytes when computing
// a memtable's ByteSize.
const recordOverhead = 32
