// Package substrate is an embedded, write-ahead-logged, column-family
// key-value store. Writes land in a per-column-family memtable after a
// durable WAL append and are flushed to immutable, sorted SSTables once the
// memtable crosses its byte limit; an explicit full-merge compaction folds a
// column family's tables back into one. A manifest at the store root is the
// durable catalog of every table file.
//
// The store is an embedded library: higher-level subsystems consume it
// exclusively through the KeyValue interface and never reach into the
// manifest, WAL, or table files directly.
package substrate

// KeyValue is the storage contract exposed to the rest of the node. Store is
// the on-disk implementation; tests may substitute their own.
type KeyValue interface {
	// EnsureCF idempotently creates or opens a column family.
	EnsureCF(name string) error
	// ListCFs returns the names of the live column families, sorted.
	ListCFs() []string
	// Get returns the value for key, or nil if the key is absent or deleted.
	Get(cf string, key []byte) ([]byte, error)
	// Put writes key=value and returns the previous value for the key.
	// The previous value is read before the mutation and can be stale under
	// concurrent writers to the same key.
	Put(cf string, key, value []byte) ([]byte, error)
	// Delete removes key and returns the previous value for the key, with
	// the same staleness caveat as Put.
	Delete(cf string, key []byte) ([]byte, error)
	// PrefixIterator returns an eager snapshot of the live pairs whose key
	// starts with prefix, in key order.
	PrefixIterator(cf string, prefix []byte) ([]Pair, error)
	// WriteBatch applies the batch's operations in order through the normal
	// single-key path. It is not atomic: an error partway through leaves a
	// prefix of the batch applied.
	WriteBatch(cf string, batch *Batch) error
	// Flush persists every column family's memtable to an SSTable.
	Flush() error
	// Compact fully merges every column family's SSTables.
	Compact() error
	// SetByteLimit replaces the global memtable byte limit used for
	// flush-threshold decisions.
	SetByteLimit(limit uint64)
	// Metrics reports approximate sizing for the whole store.
	Metrics() (Metrics, error)
	// Close flushes, releases file handles, and unlocks the store.
	Close() error
}

// Pair is one key-value result of a prefix iteration.
type Pair struct {
	Key   []byte
	Value []byte
}

// Metrics is a point-in-time sizing snapshot. All values are approximate.
type Metrics struct {
	// MemtableBytes is the summed approximate footprint of all memtables.
	MemtableBytes uint64
	// SSTableBytes is the total size of all table files on disk.
	SSTableBytes uint64
	// WALBytes is the total size of all write-ahead logs on disk.
	WALBytes uint64
	// SizeOnDisk is SSTableBytes plus WALBytes.
	SizeOnDisk uint64
	// ColumnFamilies is the number of live column families.
	ColumnFamilies int
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch is an ordered sequence of put/delete operations for WriteBatch.
type Batch struct {
	ops []batchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put appends a write of key=value to the batch.
func (b *Batch) Put(key, value []byte) *Batch {
	b.ops = append(b.ops, batchOp{key: key, value: value})
	return b
}

// Delete appends a deletion of key to the batch.
func (b *Batch) Delete(key []byte) *Batch {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
	return b
}

// Len returns the number of operations queued.
func (b *Batch) Len() int {
	return len(b.ops)
}
