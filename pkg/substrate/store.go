package substrate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	log "github.com/sirupsen/logrus"

	"github.com/substratedb/substrate/internal/manifest"
	"github.com/substratedb/substrate/internal/memtable"
	"github.com/substratedb/substrate/internal/record"
	"github.com/substratedb/substrate/internal/sstable"
	"github.com/substratedb/substrate/internal/tablecache"
	"github.com/substratedb/substrate/internal/wal"
)

const lockFileName = "__LOCK__"

// Store is the on-disk KeyValue implementation. It owns the manifest, the
// map of live column-family handles, the shared table cache, and the global
// memtable byte limit. Each Store instance is fully self-contained; opening
// two stores on different paths shares no state.
type Store struct {
	path string

	// manifestMu serializes every catalog mutation and persist across all
	// column families.
	manifestMu sync.Mutex
	manifest   *manifest.Manifest

	cfMu sync.RWMutex
	cfs  map[string]*columnFamily

	cache     *tablecache.Cache
	byteLimit atomic.Uint64

	set         *metrics.Set
	puts        *metrics.Counter
	gets        *metrics.Counter
	deletes     *metrics.Counter
	flushes     *metrics.Counter
	compactions *metrics.Counter
}

var _ KeyValue = (*Store)(nil)

// Open creates the root directory if needed, loads the manifest, and eagerly
// opens every column family it names. A missing manifest is an empty store,
// not an error.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("could not create store directory %s: %w", path, err)
	}

	if err := lock(path); err != nil {
		return nil, fmt.Errorf("could not lock store: %w", err)
	}

	cache, err := tablecache.New(opts.TableCacheSize)
	if err != nil {
		unlock(path)
		return nil, err
	}

	man, err := manifest.Load(manifest.Path(path))
	if err != nil {
		unlock(path)
		return nil, err
	}

	s := &Store{
		path:     path,
		manifest: man,
		cfs:      map[string]*columnFamily{},
		cache:    cache,
	}
	s.byteLimit.Store(opts.MemtableByteLimit)
	s.initMetrics()

	for _, name := range man.Names() {
		cf, err := s.openCF(name)
		if err != nil {
			s.closeCFs()
			unlock(path)
			return nil, fmt.Errorf("failed opening column family %s: %w", name, err)
		}
		s.cfs[name] = cf
	}

	log.WithFields(log.Fields{"path": path, "cfs": len(s.cfs)}).Info("opened store")

	return s, nil
}

func (s *Store) initMetrics() {
	s.set = metrics.NewSet()
	s.puts = s.set.NewCounter("substrate_puts_total")
	s.gets = s.set.NewCounter("substrate_gets_total")
	s.deletes = s.set.NewCounter("substrate_deletes_total")
	s.flushes = s.set.NewCounter("substrate_flushes_total")
	s.compactions = s.set.NewCounter("substrate_compactions_total")
	s.set.NewGauge("substrate_column_families", func() float64 {
		s.cfMu.RLock()
		defer s.cfMu.RUnlock()
		return float64(len(s.cfs))
	})
}

// EnsureCF idempotently creates or opens a column family.
func (s *Store) EnsureCF(name string) error {
	_, err := s.cf(name)
	return err
}

// ListCFs returns the names of the live column families, sorted.
func (s *Store) ListCFs() []string {
	s.cfMu.RLock()
	defer s.cfMu.RUnlock()

	names := make([]string, 0, len(s.cfs))
	for name := range s.cfs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the value for key in the named column family, or nil if the
// key is absent or deleted.
func (s *Store) Get(cfName string, key []byte) ([]byte, error) {
	cf, err := s.cf(cfName)
	if err != nil {
		return nil, err
	}

	s.gets.Inc()
	return cf.Get(key)
}

// Put writes key=value and returns the previous value. The previous value is
// read with a separate lookup before the mutation, so it can be stale when
// other writers race on the same key.
func (s *Store) Put(cfName string, key, value []byte) ([]byte, error) {
	cf, err := s.cf(cfName)
	if err != nil {
		return nil, err
	}

	prev, err := cf.Get(key)
	if err != nil {
		return nil, err
	}

	if err := cf.Put(key, value); err != nil {
		return nil, err
	}

	s.puts.Inc()
	return prev, nil
}

// Delete removes key and returns the previous value, with the same staleness
// caveat as Put.
func (s *Store) Delete(cfName string, key []byte) ([]byte, error) {
	cf, err := s.cf(cfName)
	if err != nil {
		return nil, err
	}

	prev, err := cf.Get(key)
	if err != nil {
		return nil, err
	}

	if err := cf.Delete(key); err != nil {
		return nil, err
	}

	s.deletes.Inc()
	return prev, nil
}

// PrefixIterator returns an eager snapshot of the live pairs whose key starts
// with prefix, sorted by key. The result is not a live cursor.
func (s *Store) PrefixIterator(cfName string, prefix []byte) ([]Pair, error) {
	cf, err := s.cf(cfName)
	if err != nil {
		return nil, err
	}

	return cf.PrefixScan(prefix)
}

// WriteBatch applies the batch's operations one at a time, in order, through
// the normal single-key path. It is not atomic: a failure partway through
// leaves the preceding operations applied.
func (s *Store) WriteBatch(cfName string, batch *Batch) error {
	for i, op := range batch.ops {
		var err error
		if op.delete {
			_, err = s.Delete(cfName, op.key)
		} else {
			_, err = s.Put(cfName, op.key, op.value)
		}
		if err != nil {
			return fmt.Errorf("batch failed at operation %d of %d: %w", i+1, len(batch.ops), err)
		}
	}

	return nil
}

// Flush persists every column family's memtable.
func (s *Store) Flush() error {
	for _, cf := range s.liveCFs() {
		if err := cf.Flush(); err != nil {
			return fmt.Errorf("failed flushing column family %s: %w", cf.name, err)
		}
	}
	return nil
}

// Compact fully merges every column family's SSTables. Column families with
// fewer than two tables are left untouched.
func (s *Store) Compact() error {
	for _, cf := range s.liveCFs() {
		if err := cf.Compact(); err != nil {
			return fmt.Errorf("failed compacting column family %s: %w", cf.name, err)
		}
	}
	return nil
}

// SetByteLimit replaces the global memtable byte limit. Takes effect on the
// next write to each column family.
func (s *Store) SetByteLimit(limit uint64) {
	s.byteLimit.Store(limit)
}

// Metrics reports approximate sizing across all column families.
func (s *Store) Metrics() (Metrics, error) {
	m := Metrics{}

	cfs := s.liveCFs()
	m.ColumnFamilies = len(cfs)

	for _, cf := range cfs {
		mem, walBytes, sstBytes, err := cf.sizes()
		if err != nil {
			return Metrics{}, err
		}
		m.MemtableBytes += mem
		m.WALBytes += walBytes
		m.SSTableBytes += sstBytes
	}

	m.SizeOnDisk = m.SSTableBytes + m.WALBytes
	return m, nil
}

// WritePrometheus exposes the store's operation counters in Prometheus text
// format.
func (s *Store) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// Close flushes every column family, releases WAL handles, and unlocks the
// store directory.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}

	s.cfMu.Lock()
	defer s.cfMu.Unlock()

	for name, cf := range s.cfs {
		if err := cf.Close(); err != nil {
			return fmt.Errorf("failed closing column family %s: %w", name, err)
		}
	}
	s.cfs = map[string]*columnFamily{}

	log.WithField("path", s.path).Info("closed store")

	return unlock(s.path)
}

// cf returns the handle for name, opening the column family on first access.
// Reads take the shared path; creation double-checks under the write lock so
// racing callers cannot create the handle twice.
func (s *Store) cf(name string) (*columnFamily, error) {
	s.cfMu.RLock()
	cf, ok := s.cfs[name]
	s.cfMu.RUnlock()
	if ok {
		return cf, nil
	}

	s.cfMu.Lock()
	defer s.cfMu.Unlock()
	if cf, ok := s.cfs[name]; ok {
		return cf, nil
	}

	cf, err := s.openCF(name)
	if err != nil {
		return nil, fmt.Errorf("failed opening column family %s: %w", name, err)
	}
	s.cfs[name] = cf

	return cf, nil
}

// openCF builds a live handle: creates the directory, replays the WAL into a
// fresh memtable, resumes the sequence counter from the maximum seen across
// replayed records and table metadata, and backfills historical table metas
// missing key bounds.
func (s *Store) openCF(name string) (*columnFamily, error) {
	dir := filepath.Join(s.path, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create column family directory %s: %w", dir, err)
	}

	s.manifestMu.Lock()
	man := s.manifest.CF(name)
	s.manifestMu.Unlock()

	w, err := wal.Open(filepath.Join(dir, wal.FileName))
	if err != nil {
		return nil, err
	}

	mem := memtable.New()
	var maxSeq uint64
	err = w.Replay(func(rec *record.WALRecord) error {
		mem.Apply(rec.Record())
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	// load any tables recorded without key bounds so the bounds can be
	// backfilled in one manifest publish below
	needBounds := map[int][]record.Record{}
	for i := range man.SSTables {
		meta := &man.SSTables[i]
		if meta.MaxSequence > maxSeq {
			maxSeq = meta.MaxSequence
		}
		if len(meta.MinKey) > 0 && len(meta.MaxKey) > 0 {
			continue
		}

		recs, err := s.cache.Load(filepath.Join(dir, meta.File))
		if err != nil {
			w.Close()
			return nil, err
		}
		if len(recs) > 0 {
			needBounds[i] = recs
		}
	}

	if len(needBounds) > 0 {
		err := s.publishManifest(func() error {
			for i, recs := range needBounds {
				sstable.Backfill(&man.SSTables[i], recs)
			}
			return nil
		})
		if err != nil {
			w.Close()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"cf":       name,
		"replayed": mem.Len(),
		"sstables": len(man.SSTables),
		"sequence": maxSeq,
	}).Debug("opened column family")

	return &columnFamily{
		name:  name,
		dir:   dir,
		store: s,
		wal:   w,
		mem:   mem,
		man:   man,
		seq:   maxSeq,
	}, nil
}

// publishManifest runs fn under the manifest lock and, if it succeeds,
// persists the whole catalog. Catalog mutations happen only inside fn so a
// concurrent persist from another column family never observes a half-applied
// entry.
func (s *Store) publishManifest(fn func() error) error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if err := fn(); err != nil {
		return err
	}

	return manifest.Store(s.manifest, manifest.Path(s.path))
}

func (s *Store) liveCFs() []*columnFamily {
	s.cfMu.RLock()
	defer s.cfMu.RUnlock()

	cfs := make([]*columnFamily, 0, len(s.cfs))
	for _, cf := range s.cfs {
		cfs = append(cfs, cf)
	}
	sort.Slice(cfs, func(i, j int) bool { return cfs[i].name < cfs[j].name })
	return cfs
}

func (s *Store) closeCFs() {
	for _, cf := range s.cfs {
		cf.Close()
	}
}

// lock claims the store directory for this process by writing the pid to a
// lock file. Re-locking from the same pid succeeds.
func lock(dir string) error {
	pid := os.Getpid()
	path := filepath.Join(dir, lockFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			return fmt.Errorf("store already locked by another process")
		} else if err != nil {
			return fmt.Errorf("failed creating lock file: %w", err)
		}
		defer file.Close()

		if _, err := file.WriteString(strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("failed writing owner pid to lock file: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failed checking store lock: %w", err)
	}

	owner, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("failed reading lock file owner: %w", err)
	}
	if owner != pid {
		return fmt.Errorf("store already locked by another process (%d)", owner)
	}

	return nil
}

func unlock(dir string) error {
	return os.Remove(filepath.Join(dir, lockFileName))
}
