package record

import (
	"encoding/json"
	"fmt"
)

// Kinds of write-ahead log records.
const (
	KindPut    = "put"
	KindDelete = "delete"
)

// WALRecord is one line of a column family's write-ahead log.
type WALRecord struct {
	Key      []byte `json:"key"`
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Value    []byte `json:"value,omitempty"`
}

// Record converts the log entry into its memtable representation.
func (w *WALRecord) Record() Record {
	if w.Kind == KindDelete {
		return NewTombstone(w.Key, w.Sequence)
	}
	return NewPut(w.Key, w.Value, w.Sequence)
}

// LineCodec encodes and decodes newline-delimited WAL records.
type LineCodec struct{}

// Encode serializes a WAL record to a single log line, newline included.
func (c LineCodec) Encode(rec *WALRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed encoding WAL record: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one log line. The caller is expected to have stripped the
// trailing newline and skipped blank lines.
func (c LineCodec) Decode(line []byte) (*WALRecord, error) {
	var rec WALRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("failed decoding WAL record: %w", err)
	}

	switch rec.Kind {
	case KindPut, KindDelete:
	default:
		return nil, fmt.Errorf("unknown WAL record kind %q", rec.Kind)
	}

	return &rec, nil
}
