// Package deltalog is the bounded in-memory log an online compaction
// mirrors writes into while its background copy runs, so they can be
// replayed against the new index once the copy finishes (§4.D.5).
package deltalog

import (
	"sync"

	"github.com/xDarkicex/proximum/internal/perrors"
)

// Operation is the kind of write an Entry records.
type Operation uint8

const (
	OpInsert Operation = iota
	OpDelete
	OpSetMetadata
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSetMetadata:
		return "set_metadata"
	default:
		return "unknown"
	}
}

// Entry mirrors one write that happened against the source index while an
// online compaction's background copy was in flight.
type Entry struct {
	Seq        int
	Operation  Operation
	ExternalID []byte // pss.EncodeExternalID(...) form
	Vector     []float32
	Metadata   map[string]any
}

// Log is a bounded, append-only, in-memory sequence of Entry values.
// Unlike the teacher's WAL this never touches disk: it only needs to
// survive for the lifetime of one online compaction, and the new index's
// own `sync` is what makes the replayed result durable.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	maxSize  int
	nextSeq  int
}

// New creates an empty log capped at maxSize entries (spec default
// max_delta_size = 100000).
func New(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &Log{maxSize: maxSize}
}

// Append records one mirrored write. Returns a DeltaOverflow error once
// the log has reached its cap; the caller is expected to finish the
// background copy soon rather than treat this as fatal.
func (l *Log) Append(op Operation, externalID []byte, vector []float32, metadata map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.maxSize {
		return perrors.New(perrors.DeltaOverflow, "online_compaction",
			"delta log is full; finish the background copy sooner or raise max_delta_size")
	}

	l.entries = append(l.entries, Entry{
		Seq:        l.nextSeq,
		Operation:  op,
		ExternalID: externalID,
		Vector:     vector,
		Metadata:   metadata,
	})
	l.nextSeq++
	return nil
}

// Drain returns every recorded entry in log order and clears the log.
func (l *Log) Drain() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// Len reports how many entries are currently buffered.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
