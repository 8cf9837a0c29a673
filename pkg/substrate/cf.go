package substrate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/substratedb/substrate/internal/manifest"
	"github.com/substratedb/substrate/internal/memtable"
	"github.com/substratedb/substrate/internal/record"
	"github.com/substratedb/substrate/internal/sstable"
	"github.com/substratedb/substrate/internal/wal"
)

// columnFamily owns the mutable state of one independently-sequenced
// keyspace: its memtable, its WAL, and its manifest entry. All operations on
// the same column family are linearized by mu; operations on different
// column families run in parallel.
type columnFamily struct {
	name  string
	dir   string
	store *Store

	mu  sync.Mutex
	wal *wal.WAL
	mem *memtable.MemTable
	man *manifest.CFManifest
	seq uint64
}

// Put assigns the next sequence number, durably appends to the WAL, applies
// the write to the memtable, and flushes synchronously if the memtable
// crossed the byte limit.
func (cf *columnFamily) Put(key, value []byte) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.seq++
	return cf.write(&record.WALRecord{Key: key, Sequence: cf.seq, Kind: record.KindPut, Value: value})
}

// Delete writes a tombstone through the same path as Put.
func (cf *columnFamily) Delete(key []byte) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	cf.seq++
	return cf.write(&record.WALRecord{Key: key, Sequence: cf.seq, Kind: record.KindDelete})
}

func (cf *columnFamily) write(rec *record.WALRecord) error {
	if err := cf.wal.Append(rec); err != nil {
		return err
	}
	cf.mem.Apply(rec.Record())

	if limit := cf.store.byteLimit.Load(); limit > 0 && cf.mem.ApproxBytes() > limit {
		return cf.flushLocked()
	}

	return nil
}

// Get checks the memtable first; a memtable hit, live or tombstone, is final.
// Otherwise tables are scanned newest-to-oldest, entries in reverse, so the
// highest sequence for the key wins.
func (cf *columnFamily) Get(key []byte) ([]byte, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if rec, ok := cf.mem.Get(key); ok {
		if rec.Tombstone {
			return nil, nil
		}
		return rec.Value, nil
	}

	for i := len(cf.man.SSTables) - 1; i >= 0; i-- {
		recs, err := cf.store.cache.Load(cf.tablePath(cf.man.SSTables[i].File))
		if err != nil {
			return nil, err
		}

		for j := len(recs) - 1; j >= 0; j-- {
			if bytes.Equal(recs[j].Key, key) {
				if recs[j].Tombstone {
					return nil, nil
				}
				return recs[j].Value, nil
			}
		}
	}

	return nil, nil
}

// PrefixScan merges every table (oldest to newest) with the memtable into a
// per-key winner map, then filters to the prefix, excluding tombstones. The
// scan walks all live entries in the column family; table key bounds are not
// used for pruning.
func (cf *columnFamily) PrefixScan(prefix []byte) ([]Pair, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	winners := map[string]record.Record{}
	apply := func(rec record.Record) {
		if cur, ok := winners[string(rec.Key)]; !ok || rec.Sequence >= cur.Sequence {
			winners[string(rec.Key)] = rec
		}
	}

	for _, meta := range cf.man.SSTables {
		recs, err := cf.store.cache.Load(cf.tablePath(meta.File))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			apply(rec)
		}
	}
	for _, rec := range cf.mem.Records() {
		apply(rec)
	}

	var pairs []Pair
	for _, rec := range winners {
		if rec.Tombstone || !bytes.HasPrefix(rec.Key, prefix) {
			continue
		}
		pairs = append(pairs, Pair{Key: rec.Key, Value: rec.Value})
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0 })

	return pairs, nil
}

// Flush persists the memtable as a new SSTable. A no-op if the memtable is
// empty.
func (cf *columnFamily) Flush() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.flushLocked()
}

func (cf *columnFamily) flushLocked() error {
	if cf.mem.Len() == 0 {
		return nil
	}

	recs := cf.mem.Records()

	var path string
	err := cf.store.publishManifest(func() error {
		id := cf.man.NextFileID
		cf.man.NextFileID++
		path = cf.tablePath(sstable.FileName(id))

		meta, err := sstable.Write(path, recs)
		if err != nil {
			return err
		}

		cf.man.SSTables = append(cf.man.SSTables, meta)
		cf.man.Sequence = cf.seq
		return nil
	})
	if err != nil {
		return err
	}

	cf.mem.Reset()
	if err := cf.wal.Truncate(); err != nil {
		return err
	}
	// the new file should not be cached yet; invalidate anyway
	cf.store.cache.Remove(path)

	cf.store.flushes.Inc()
	log.WithFields(log.Fields{
		"cf":      cf.name,
		"table":   filepath.Base(path),
		"records": len(recs),
	}).Info("flushed memtable")

	return nil
}

// Compact merges every SSTable into a single replacement table, keeping the
// highest-sequence record per key (tombstones included), then deletes the
// input files and invalidates their cache entries. A no-op unless the column
// family has at least two tables.
func (cf *columnFamily) Compact() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if len(cf.man.SSTables) < 2 {
		return nil
	}

	inputs := make([]string, 0, len(cf.man.SSTables))
	tables := make([][]record.Record, 0, len(cf.man.SSTables))
	for _, meta := range cf.man.SSTables {
		path := cf.tablePath(meta.File)
		recs, err := cf.store.cache.Load(path)
		if err != nil {
			return err
		}
		inputs = append(inputs, path)
		tables = append(tables, recs)
	}

	merged := sstable.Merge(tables)

	err := cf.store.publishManifest(func() error {
		id := cf.man.NextFileID
		cf.man.NextFileID++

		meta, err := sstable.Write(cf.tablePath(sstable.FileName(id)), merged)
		if err != nil {
			return err
		}

		cf.man.SSTables = []manifest.SSTMeta{meta}
		cf.man.Sequence = cf.seq
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range inputs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed removing compacted sstable %s: %w", path, err)
		}
		cf.store.cache.Remove(path)
	}

	cf.store.compactions.Inc()
	log.WithFields(log.Fields{
		"cf":      cf.name,
		"merged":  len(inputs),
		"records": len(merged),
	}).Info("compacted column family")

	return nil
}

// sizes reports the memtable footprint, WAL length, and summed table file
// sizes for the metrics snapshot.
func (cf *columnFamily) sizes() (memBytes, walBytes, sstBytes uint64, err error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	memBytes = cf.mem.ApproxBytes()
	walBytes = cf.wal.Size()

	for _, meta := range cf.man.SSTables {
		info, err := os.Stat(cf.tablePath(meta.File))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("failed statting sstable %s: %w", meta.File, err)
		}
		sstBytes += uint64(info.Size())
	}

	return memBytes, walBytes, sstBytes, nil
}

func (cf *columnFamily) Close() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.wal.Close()
}

func (cf *columnFamily) tablePath(file string) string {
	return filepath.Join(cf.dir, file)
}
