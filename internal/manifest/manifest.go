// Package manifest maintains the durable catalog of column families: which
// SSTables each one owns, its next file id, and its last persisted sequence
// counter. The manifest is the single source of truth for what table files
// exist and is always written after a successful flush or compaction, never
// before.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileName is the manifest's name inside the engine root directory.
const FileName = "manifest.json"

// SSTMeta describes one immutable table file belonging to a column family.
// MinKey and MaxKey are backfilled lazily on open for tables recorded before
// key-range tracking existed.
type SSTMeta struct {
	File        string `json:"file"`
	MaxSequence uint64 `json:"max_sequence"`
	MinKey      []byte `json:"min_key,omitempty"`
	MaxKey      []byte `json:"max_key,omitempty"`
}

// CFManifest is the catalog entry for a single column family. SSTables is in
// append order: the table written most recently is last. NextFileID is
// monotonic and never reused.
type CFManifest struct {
	NextFileID uint64    `json:"next_file_id"`
	SSTables   []SSTMeta `json:"sstables"`
	Sequence   uint64    `json:"sequence"`
}

// Manifest maps column family names to their catalog entries.
type Manifest struct {
	CFs map[string]*CFManifest `json:"cfs"`
}

func New() *Manifest {
	return &Manifest{CFs: map[string]*CFManifest{}}
}

// CF returns the entry for name, creating an empty one if absent.
func (m *Manifest) CF(name string) *CFManifest {
	cf, ok := m.CFs[name]
	if !ok {
		cf = &CFManifest{}
		m.CFs[name] = cf
	}
	return cf
}

// Names returns the column family names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.CFs))
	for name := range m.CFs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the manifest at path. A missing file is not an error: it means
// an empty store.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed reading manifest %s: %w", path, err)
	}

	man := New()
	if err := json.Unmarshal(data, man); err != nil {
		return nil, fmt.Errorf("failed decoding manifest %s: %w", path, err)
	}
	if man.CFs == nil {
		man.CFs = map[string]*CFManifest{}
	}

	return man, nil
}

// Store serializes the manifest to a temp file next to path and atomically
// renames it over the target. A crash between write and rename leaves the
// previous manifest intact; the rename is the sole publish point.
func Store(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed encoding manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed writing manifest temp file %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed publishing manifest %s: %w", path, err)
	}

	return nil
}

// Path returns the manifest location for an engine rooted at dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}
