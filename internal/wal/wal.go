// Package wal implements the per-column-family write-ahead log. Every update
// (including deletes) is appended and fsynced here before it touches the
// memtable, so that a crashed process can rebuild its in-memory state by
// replaying the log on the next open.
package wal

import (
	"bytes"
	"fmt"
	"os"

	"github.com/substratedb/substrate/internal/record"
)

// FileName is the log's name inside a column family directory.
const FileName = "wal.log"

// WAL is an append-only, newline-delimited record log backed by a single file.
type WAL struct {
	path  string
	file  *os.File
	codec record.LineCodec
	size  uint64
}

// Open opens the log at path, creating it if absent.
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed opening WAL %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed statting WAL %s: %w", path, err)
	}

	return &WAL{path: path, file: file, size: uint64(info.Size())}, nil
}

// Append durably writes one record to the log. The record is synced to disk
// before Append returns; only then may it be applied to the memtable.
func (w *WAL) Append(rec *record.WALRecord) error {
	data, err := w.codec.Encode(rec)
	if err != nil {
		return err
	}

	if n, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed writing WAL record: %w", err)
	} else if n != len(data) {
		return fmt.Errorf("short WAL write: wrote %d bytes, expected %d", n, len(data))
	}
	w.size += uint64(len(data))

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed syncing WAL: %w", err)
	}

	return nil
}

// Replay reads the log from the beginning and invokes fn for every record in
// file order. Blank lines are skipped. A malformed line fails the whole
// replay; there is no truncated-tail tolerance.
func (w *WAL) Replay(fn func(*record.WALRecord) error) error {
	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed reading WAL %s for replay: %w", w.path, err)
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := w.codec.Decode(line)
		if err != nil {
			return fmt.Errorf("failed replaying WAL %s: %w", w.path, err)
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// Truncate empties the log. Called only immediately after the memtable it
// backs has been flushed to an SSTable.
func (w *WAL) Truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed truncating WAL %s: %w", w.path, err)
	}
	w.size = 0
	return nil
}

// Size reports the current log length in bytes.
func (w *WAL) Size() uint64 {
	return w.size
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}
