package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substratedb/substrate/internal/manifest"
	"github.com/substratedb/substrate/internal/record"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "sst-00000000000000000000.bin", FileName(0))
	assert.Equal(t, "sst-00000000000000000042.bin", FileName(42))
}

func TestWriteLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))

	recs := []record.Record{
		record.NewPut([]byte("zebra"), []byte("z"), 3),
		record.NewPut([]byte("apple"), []byte("a"), 1),
		record.NewTombstone([]byte("mango"), 5),
	}

	meta, err := Write(path, recs)
	require.NoError(t, err)
	assert.Equal(t, FileName(1), meta.File)
	assert.Equal(t, []byte("apple"), meta.MinKey)
	assert.Equal(t, []byte("zebra"), meta.MaxKey)
	assert.Equal(t, uint64(5), meta.MaxSequence)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	// sorted by key at write time
	assert.Equal(t, []byte("apple"), loaded[0].Key)
	assert.Equal(t, []byte("mango"), loaded[1].Key)
	assert.True(t, loaded[1].Tombstone)
	assert.Equal(t, []byte("zebra"), loaded[2].Key)
}

func TestWrite_RefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))

	_, err := Write(path, []record.Record{record.NewPut([]byte("k"), []byte("v"), 1)})
	require.NoError(t, err)

	_, err = Write(path, []record.Record{record.NewPut([]byte("k"), []byte("v"), 2)})
	assert.Error(t, err)
}

func TestLoad_MissingFileIsEmptyTable(t *testing.T) {
	recs, err := Load(filepath.Join(t.TempDir(), FileName(9)))
	assert.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMerge_HighestSequenceWins(t *testing.T) {
	older := []record.Record{
		record.NewPut([]byte("a"), []byte("a1"), 1),
		record.NewPut([]byte("b"), []byte("b1"), 2),
	}
	newer := []record.Record{
		record.NewPut([]byte("a"), []byte("a2"), 4),
		record.NewPut([]byte("c"), []byte("c1"), 3),
	}

	merged := Merge([][]record.Record{older, newer})
	require.Len(t, merged, 3)
	assert.Equal(t, []byte("a2"), merged[0].Value)
	assert.Equal(t, []byte("b1"), merged[1].Value)
	assert.Equal(t, []byte("c1"), merged[2].Value)
}

func TestMerge_KeepsTombstones(t *testing.T) {
	merged := Merge([][]record.Record{
		{record.NewPut([]byte("k"), []byte("v"), 1)},
		{record.NewTombstone([]byte("k"), 2)},
	})

	require.Len(t, merged, 1)
	assert.True(t, merged[0].Tombstone)
	assert.Equal(t, uint64(2), merged[0].Sequence)
}

func TestBackfill(t *testing.T) {
	recs := []record.Record{
		record.NewPut([]byte("a"), []byte("1"), 1),
		record.NewPut([]byte("z"), []byte("2"), 7),
	}

	meta := manifest.SSTMeta{File: FileName(1), MaxSequence: 7}
	assert.True(t, Backfill(&meta, recs))
	assert.Equal(t, []byte("a"), meta.MinKey)
	assert.Equal(t, []byte("z"), meta.MaxKey)

	// already filled: no change reported
	assert.False(t, Backfill(&meta, recs))

	// empty table: nothing to derive
	empty := manifest.SSTMeta{File: FileName(2)}
	assert.False(t, Backfill(&empty, nil))
}
