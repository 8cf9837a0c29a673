package substrate

// Options tunes a Store at open time.
type Options struct {
	// MemtableByteLimit is the approximate per-column-family memtable size
	// that triggers a synchronous flush. Adjustable later via SetByteLimit.
	MemtableByteLimit uint64
	// TableCacheSize is the maximum number of deserialized SSTables kept in
	// the shared cache, counted in entries rather than bytes.
	TableCacheSize int
}

// DefaultOptions returns the defaults used when Open receives nil options.
func DefaultOptions() *Options {
	return &Options{
		MemtableByteLimit: 4 << 20,
		TableCacheSize:    32,
	}
}
