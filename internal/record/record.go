package record

import "bytes"

// Record is the unit stored in memtables and SSTables: one versioned update
// for a key. Sequence is assigned per column family at write time and is the
// sole tie-breaker when the same key appears in multiple places.
type Record struct {
	Key       []byte
	Sequence  uint64
	Value     []byte
	Tombstone bool
}

// NewPut builds a live record for key with the given sequence number.
func NewPut(key, value []byte, seq uint64) Record {
	return Record{Key: key, Sequence: seq, Value: value}
}

// NewTombstone builds a deletion marker for key. A tombstone out-ranks any
// older live record for the same key.
func NewTombstone(key []byte, seq uint64) Record {
	return Record{Key: key, Sequence: seq, Tombstone: true}
}

// Less orders records by (key, sequence) ascending, the on-disk table order.
func (r Record) Less(other Record) bool {
	if c := bytes.Compare(r.Key, other.Key); c != 0 {
		return c < 0
	}
	return r.Sequence < other.Sequence
}
