package core

// In-memory write-ahead log (SPEC_FULL.md supplement). original_source/ was
// empty for this retrieval, so the concrete WAL is a minimal adapter
// satisfying the WriteAheadLog collaborator interface in the same
// append-then-replay shape as the teacher's ledger file, built to be
// swapped for a real file-backed implementation without touching callers.

import (
	"context"
	"sync"
)

// MemoryWAL is a process-local WriteAheadLog. Safe for concurrent use.
type MemoryWAL struct {
	mu      sync.Mutex
	records [][]byte
}

func NewMemoryWAL() *MemoryWAL { return &MemoryWAL{} }

func (w *MemoryWAL) Append(ctx context.Context, record []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(record))
	copy(cp, record)
	w.records = append(w.records, cp)
	return nil
}

func (w *MemoryWAL) Replay(ctx context.Context, fn func(record []byte) error) error {
	w.mu.Lock()
	records := make([][]byte, len(w.records))
	copy(records, w.records)
	w.mu.Unlock()

	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of appended records, for tests and diagnostics.
func (w *MemoryWAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}
