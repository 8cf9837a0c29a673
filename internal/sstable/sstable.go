// Package sstable reads, writes, and merges the immutable on-disk tables
// produced by flush and compaction. A table is a gob-encoded vector of
// records sorted by (key, sequence) ascending; once written it is never
// mutated, only superseded or deleted.
package sstable

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/substratedb/substrate/internal/manifest"
	"github.com/substratedb/substrate/internal/record"
	"github.com/substratedb/substrate/internal/util"
)

// FileName returns the table file name for a manifest file id.
func FileName(id uint64) string {
	return fmt.Sprintf("sst-%020d.bin", id)
}

// Write persists recs as a new table at path and returns its manifest
// metadata. Records are sorted by (key, sequence) before writing; the input
// slice is not modified.
func Write(path string, recs []record.Record) (manifest.SSTMeta, error) {
	sorted := make([]record.Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	file, err := util.CreateFile(path)
	if err != nil {
		return manifest.SSTMeta{}, fmt.Errorf("failed creating sstable: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(sorted); err != nil {
		return manifest.SSTMeta{}, fmt.Errorf("failed encoding sstable %s: %w", path, err)
	}

	if err := file.Sync(); err != nil {
		return manifest.SSTMeta{}, fmt.Errorf("failed syncing sstable %s: %w", path, err)
	}

	meta := manifest.SSTMeta{File: filepath.Base(path)}
	fillMeta(&meta, sorted)

	return meta, nil
}

// Load reads a whole table into memory. A missing file is treated as an
// empty table, not an error: after a compaction the old table files are
// legitimately gone while stale references may still name them.
func Load(path string) ([]record.Record, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed opening sstable %s: %w", path, err)
	}
	defer file.Close()

	var recs []record.Record
	if err := gob.NewDecoder(file).Decode(&recs); err != nil {
		return nil, fmt.Errorf("failed decoding sstable %s: %w", path, err)
	}

	return recs, nil
}

// Merge performs a full, non-incremental merge of the given tables: for every
// key the record with the highest sequence number wins, across all inputs.
// Tombstones participate like any other record and are never dropped. The
// result is sorted by key.
func Merge(tables [][]record.Record) []record.Record {
	winners := make(map[string]record.Record)
	for _, table := range tables {
		for _, rec := range table {
			if cur, ok := winners[string(rec.Key)]; !ok || rec.Sequence > cur.Sequence {
				winners[string(rec.Key)] = rec
			}
		}
	}

	merged := make([]record.Record, 0, len(winners))
	for _, rec := range winners {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })

	return merged
}

// Backfill fills in missing min/max key metadata from the table's records.
// Returns true if the metadata was updated. Tables recorded before key-range
// tracking existed have empty bounds in the manifest.
func Backfill(meta *manifest.SSTMeta, recs []record.Record) bool {
	if len(recs) == 0 || (len(meta.MinKey) > 0 && len(meta.MaxKey) > 0) {
		return false
	}

	fillMeta(meta, recs)
	return true
}

// fillMeta derives max sequence and key bounds from records already sorted by
// (key, sequence).
func fillMeta(meta *manifest.SSTMeta, sorted []record.Record) {
	if len(sorted) == 0 {
		return
	}

	meta.MinKey = sorted[0].Key
	meta.MaxKey = sorted[len(sorted)-1].Key

	var maxSeq uint64
	for _, rec := range sorted {
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
	}
	if maxSeq > meta.MaxSequence {
		meta.MaxSequence = maxSeq
	}
}
