package raft

import (
	"context"
	"fmt"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/types"
)

// raftLog caches the full log in memory and mirrors every mutation to
// Storage before the in-memory view changes. It is not safe for
// concurrent use; the owning node serializes access under its mutex.
type raftLog struct {
	storage Storage
	logger  logger.Logger

	// entries holds the log from index 1 upward: entries[0].Index == 1.
	entries []types.LogEntry
}

func newRaftLog(storage Storage, log logger.Logger) *raftLog {
	return &raftLog{
		storage: storage,
		logger:  log.WithComponent("log"),
	}
}

// load reads the persisted log into memory during startup.
func (l *raftLog) load(ctx context.Context) error {
	last, err := l.storage.LastIndex(ctx)
	if err != nil {
		return fmt.Errorf("read last index: %w", err)
	}
	if last == 0 {
		l.entries = nil
		return nil
	}
	entries, err := l.storage.GetEntries(ctx, 1, last+1)
	if err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	if types.Index(len(entries)) != last {
		return fmt.Errorf("%w: expected %d entries, loaded %d", ErrCorruptedState, last, len(entries))
	}
	l.entries = entries
	l.logger.Infow("Loaded log from storage", "last_index", last)
	return nil
}

func (l *raftLog) lastIndex() types.Index {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *raftLog) lastTerm() types.Term {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// term returns the term of the entry at index i. Index 0 is the empty
// log prefix with term 0.
func (l *raftLog) term(i types.Index) (types.Term, error) {
	if i == 0 {
		return 0, nil
	}
	if i > l.lastIndex() {
		return 0, ErrNotFound
	}
	return l.entries[i-1].Term, nil
}

// entry returns the entry at index i.
func (l *raftLog) entry(i types.Index) (types.LogEntry, error) {
	if i == 0 || i > l.lastIndex() {
		return types.LogEntry{}, ErrNotFound
	}
	return l.entries[i-1], nil
}

// slice returns entries with index in [lo, hi), clamped to the log.
func (l *raftLog) slice(lo, hi types.Index) []types.LogEntry {
	if lo < 1 {
		lo = 1
	}
	last := l.lastIndex()
	if hi > last+1 {
		hi = last + 1
	}
	if lo >= hi {
		return nil
	}
	out := make([]types.LogEntry, hi-lo)
	copy(out, l.entries[lo-1:hi-1])
	return out
}

// append persists and caches new entries continuing the log.
func (l *raftLog) append(ctx context.Context, entries ...types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Index != l.lastIndex()+1 {
		return fmt.Errorf("append at %d does not continue log ending at %d",
			entries[0].Index, l.lastIndex())
	}
	if err := l.storage.AppendEntries(ctx, entries); err != nil {
		return fmt.Errorf("persist entries: %w", err)
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// truncateSuffix removes entries with index >= from, storage first.
func (l *raftLog) truncateSuffix(ctx context.Context, from types.Index) error {
	if from > l.lastIndex() {
		return nil
	}
	if err := l.storage.TruncateSuffix(ctx, from); err != nil {
		return fmt.Errorf("truncate storage: %w", err)
	}
	if from <= 1 {
		l.entries = nil
	} else {
		l.entries = l.entries[:from-1]
	}
	l.logger.Infow("Truncated log suffix", "from", from)
	return nil
}

// isUpToDate implements the voting log comparison: the candidate's log
// wins by (lastLogTerm, lastLogIndex) lexicographic comparison.
func (l *raftLog) isUpToDate(candLastIndex types.Index, candLastTerm types.Term) bool {
	localTerm := l.lastTerm()
	if candLastTerm != localTerm {
		return candLastTerm > localTerm
	}
	return candLastIndex >= l.lastIndex()
}
