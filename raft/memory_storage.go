package raft

import (
	"context"
	"sync"

	"github.com/quorumlock/quorumlock/types"
)

// MemoryStorage keeps consensus state in process memory. It satisfies
// Storage for tests and development; it provides no durability.
type MemoryStorage struct {
	mu      sync.RWMutex
	state   types.PersistentState
	entries []types.LogEntry

	// Fail hooks let tests inject persistence failures.
	FailSaveState bool
	FailAppend    bool
}

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) SaveState(_ context.Context, state types.PersistentState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.FailSaveState {
		return ErrCorruptedState
	}
	ms.state = state
	return nil
}

func (ms *MemoryStorage) LoadState(_ context.Context) (types.PersistentState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.state, nil
}

func (ms *MemoryStorage) AppendEntries(_ context.Context, entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.FailAppend {
		return ErrCorruptedState
	}
	ms.entries = append(ms.entries, entries...)
	return nil
}

func (ms *MemoryStorage) GetEntries(_ context.Context, lo, hi types.Index) ([]types.LogEntry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(ms.entries) == 0 || lo >= hi {
		return nil, nil
	}
	first := ms.entries[0].Index
	last := ms.entries[len(ms.entries)-1].Index
	if lo < first {
		lo = first
	}
	if hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil, nil
	}
	out := make([]types.LogEntry, hi-lo)
	copy(out, ms.entries[lo-first:hi-first])
	return out, nil
}

func (ms *MemoryStorage) TruncateSuffix(_ context.Context, from types.Index) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.entries) == 0 {
		return nil
	}
	first := ms.entries[0].Index
	if from <= first {
		ms.entries = nil
		return nil
	}
	last := ms.entries[len(ms.entries)-1].Index
	if from > last {
		return nil
	}
	ms.entries = ms.entries[:from-first]
	return nil
}

func (ms *MemoryStorage) LastIndex(_ context.Context) (types.Index, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(ms.entries) == 0 {
		return 0, nil
	}
	return ms.entries[len(ms.entries)-1].Index, nil
}

func (ms *MemoryStorage) Close() error { return nil }
