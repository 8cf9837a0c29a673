package substrate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substratedb/substrate/internal/manifest"
)

func openTestStore(t *testing.T, dir string, opts *Options) *Store {
	t.Helper()

	s, err := Open(dir, opts)
	require.NoError(t, err)

	return s
}

func TestStore_OpenEmptyAndReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	assert.Empty(t, s.ListCFs())
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, nil)
	defer s.Close()
	assert.Empty(t, s.ListCFs())
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	prev, err := s.Put("cf", []byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	val, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	// previous value is returned on overwrite
	prev, err = s.Put("cf", []byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)

	prev, err = s.Delete("cf", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), prev)

	val, err = s.Get("cf", []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, val)

	// deleting an absent key reports no previous value
	prev, err = s.Delete("cf", []byte("never"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestStore_DurabilityAcrossFlushAndReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	_, err := s.Put("cf", []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, nil)
	defer s.Close()

	assert.Equal(t, []string{"cf"}, s.ListCFs())

	val, err := s.Get("cf", []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	val, err = s.Get("cf", []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestStore_LatestWriteWinsAfterReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	_, err := s.Put("cf", []byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, nil)
	defer s.Close()

	val, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestStore_WALReplayRebuildsMemtable(t *testing.T) {
	dir := t.TempDir()

	// first handle is dropped without Close so nothing is flushed: recovery
	// must come from the WAL alone
	s := openTestStore(t, dir, nil)
	_, err := s.Put("cf", []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = s.Delete("cf", []byte("k1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	reopened := openTestStore(t, dir, nil)

	val, err := reopened.Get("cf", []byte("k1"))
	require.NoError(t, err)
	assert.Nil(t, val)

	val, err = reopened.Get("cf", []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestStore_EnsureCFIdempotentAndIsolated(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	require.NoError(t, s.EnsureCF("alpha"))
	require.NoError(t, s.EnsureCF("alpha"))
	require.NoError(t, s.EnsureCF("beta"))
	assert.Equal(t, []string{"alpha", "beta"}, s.ListCFs())

	// the same key lives independently in each column family
	_, err := s.Put("alpha", []byte("k"), []byte("from-alpha"))
	require.NoError(t, err)
	_, err = s.Put("beta", []byte("k"), []byte("from-beta"))
	require.NoError(t, err)
	_, err = s.Delete("alpha", []byte("k"))
	require.NoError(t, err)

	val, err := s.Get("beta", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-beta"), val)
}

func TestStore_AutoFlushOnByteLimit(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, &Options{MemtableByteLimit: 1, TableCacheSize: 8})
	defer s.Close()

	_, err := s.Put("cf", []byte("k"), []byte("v"))
	require.NoError(t, err)

	// the write crossed the limit and flushed synchronously
	files, err := filepath.Glob(filepath.Join(dir, "cf", "sst-*.bin"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	m, err := s.Metrics()
	require.NoError(t, err)
	assert.Zero(t, m.MemtableBytes)
	assert.Zero(t, m.WALBytes)

	val, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestStore_SetByteLimit(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, nil)
	defer s.Close()

	_, err := s.Put("cf", []byte("k1"), []byte("v1"))
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "cf", "sst-*.bin"))
	require.NoError(t, err)
	assert.Empty(t, files)

	s.SetByteLimit(1)
	_, err = s.Put("cf", []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	files, err = filepath.Glob(filepath.Join(dir, "cf", "sst-*.bin"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestStore_PrefixIterator(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	_, err := s.Put("cf", []byte("a/1"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("a/2"), []byte("2"))
	require.NoError(t, err)

	// split the keyspace across an SSTable and the memtable
	require.NoError(t, s.Flush())
	_, err = s.Put("cf", []byte("b/1"), []byte("3"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("a/2"), []byte("2!"))
	require.NoError(t, err)

	pairs, err := s.PrefixIterator("cf", []byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Key: []byte("a/1"), Value: []byte("1")},
		{Key: []byte("a/2"), Value: []byte("2!")},
	}, pairs)

	all, err := s.PrefixIterator("cf", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_PrefixIteratorExcludesTombstones(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	_, err := s.Put("cf", []byte("a/1"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("a/2"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	_, err = s.Delete("cf", []byte("a/1"))
	require.NoError(t, err)

	pairs, err := s.PrefixIterator("cf", []byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Key: []byte("a/2"), Value: []byte("2")}}, pairs)
}

func TestStore_Metrics(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	_, err := s.Put("cf", []byte("k1"), []byte("v1"))
	require.NoError(t, err)

	m, err := s.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 1, m.ColumnFamilies)
	assert.Greater(t, m.MemtableBytes, uint64(0))
	assert.Greater(t, m.WALBytes, uint64(0))
	assert.Zero(t, m.SSTableBytes)

	require.NoError(t, s.Flush())

	m, err = s.Metrics()
	require.NoError(t, err)
	assert.Zero(t, m.MemtableBytes)
	assert.Zero(t, m.WALBytes)
	assert.Greater(t, m.SSTableBytes, uint64(0))
	assert.Equal(t, m.SSTableBytes, m.SizeOnDisk)
}

func TestStore_WritePrometheus(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	_, err := s.Put("cf", []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = s.Get("cf", []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	buf := bytes.Buffer{}
	s.WritePrometheus(&buf)

	out := buf.String()
	assert.Contains(t, out, "substrate_puts_total 1")
	assert.Contains(t, out, "substrate_gets_total 1")
	assert.Contains(t, out, "substrate_flushes_total 1")
	assert.Contains(t, out, "substrate_column_families 1")
}

func TestStore_LockRejectsForeignOwner(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte(fmt.Sprint(os.Getpid()+1)), 0644))

	_, err := Open(dir, nil)
	assert.Error(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, lockFileName)))
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Close released the lock
	_, err = os.Stat(filepath.Join(dir, lockFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_BackfillsMissingKeyBounds(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	_, err := s.Put("cf", []byte("apple"), []byte("1"))
	require.NoError(t, err)
	_, err = s.Put("cf", []byte("zebra"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	// wipe the recorded key bounds, as manifests from before bounds tracking
	// would have them
	man, err := manifest.Load(manifest.Path(dir))
	require.NoError(t, err)
	man.CF("cf").SSTables[0].MinKey = nil
	man.CF("cf").SSTables[0].MaxKey = nil
	require.NoError(t, manifest.Store(man, manifest.Path(dir)))

	s = openTestStore(t, dir, nil)
	defer s.Close()

	man, err = manifest.Load(manifest.Path(dir))
	require.NoError(t, err)
	meta := man.CF("cf").SSTables[0]
	assert.Equal(t, []byte("apple"), meta.MinKey)
	assert.Equal(t, []byte("zebra"), meta.MaxKey)
}
