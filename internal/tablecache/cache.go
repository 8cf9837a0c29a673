// Package tablecache keeps a bounded, recency-ordered cache of deserialized
// SSTables keyed by file path. Tables are immutable once written, so cached
// record slices are shared between readers without copying; capacity is an
// entry count, not a byte size.
package tablecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/substratedb/substrate/internal/record"
	"github.com/substratedb/substrate/internal/sstable"
)

// Cache is an LRU of loaded tables. A hit promotes the entry to
// most-recently-used; inserting past capacity evicts the least-recently-used
// entry.
type Cache struct {
	tables *lru.Cache[string, []record.Record]
}

func New(capacity int) (*Cache, error) {
	tables, err := lru.New[string, []record.Record](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed creating table cache: %w", err)
	}
	return &Cache{tables: tables}, nil
}

// Load returns the table at path, reading it from disk on a miss. The
// returned slice is shared and must not be mutated. A missing file loads as
// an empty table (see sstable.Load); empty tables are not cached, so there
// are no negative-cache entries.
func (c *Cache) Load(path string) ([]record.Record, error) {
	if recs, ok := c.tables.Get(path); ok {
		return recs, nil
	}

	recs, err := sstable.Load(path)
	if err != nil {
		return nil, err
	}

	if len(recs) > 0 {
		c.tables.Add(path, recs)
	}

	return recs, nil
}

// Remove invalidates the entry for path. Used by flush and compaction so that
// deleted table files cannot serve stale reads.
func (c *Cache) Remove(path string) {
	c.tables.Remove(path)
}

// Len reports the number of cached tables.
func (c *Cache) Len() int {
	return c.tables.Len()
}
