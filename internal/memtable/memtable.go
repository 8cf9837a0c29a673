// Package memtable holds the not-yet-flushed portion of a column family's
// writes: an ordered map from key to the latest record for that key.
package memtable

import (
	"bytes"

	"github.com/google/btree"
	"github.com/substratedb/substrate/internal/record"
)

// entryOverhead approximates the fixed per-entry bookkeeping cost counted
// towards the flush threshold, on top of key and value bytes.
const entryOverhead = 32

const btreeDegree = 16

// MemTable is an ordered in-memory map of records. Older records for the same
// key are evicted in place, not retained; the per-key winner is whichever
// record was applied last.
type MemTable struct {
	tree  *btree.BTreeG[record.Record]
	bytes uint64
}

func New() *MemTable {
	return &MemTable{
		tree: btree.NewG(btreeDegree, func(a, b record.Record) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}
}

// Apply inserts rec, replacing any existing record for the same key and
// keeping the approximate byte count current.
func (m *MemTable) Apply(rec record.Record) {
	if old, replaced := m.tree.ReplaceOrInsert(rec); replaced {
		m.bytes -= entrySize(old)
	}
	m.bytes += entrySize(rec)
}

// Get returns the record for key. A hit is authoritative whether it is a live
// value or a tombstone.
func (m *MemTable) Get(key []byte) (record.Record, bool) {
	return m.tree.Get(record.Record{Key: key})
}

// Records returns every entry in ascending key order.
func (m *MemTable) Records() []record.Record {
	recs := make([]record.Record, 0, m.tree.Len())
	m.tree.Ascend(func(rec record.Record) bool {
		recs = append(recs, rec)
		return true
	})
	return recs
}

// Len reports the number of distinct keys held.
func (m *MemTable) Len() int {
	return m.tree.Len()
}

// ApproxBytes reports the approximate memory footprint used for
// flush-threshold decisions.
func (m *MemTable) ApproxBytes() uint64 {
	return m.bytes
}

// Reset drops every entry. Called after a successful flush.
func (m *MemTable) Reset() {
	m.tree.Clear(false)
	m.bytes = 0
}

func entrySize(rec record.Record) uint64 {
	return uint64(len(rec.Key)) + uint64(len(rec.Value)) + entryOverhead
}
