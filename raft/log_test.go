package raft

import (
	"context"
	"testing"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

func newTestLog(t *testing.T) (*raftLog, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	return newRaftLog(storage, &logger.NoOpLogger{}), storage
}

func ent(term types.Term, index types.Index) types.LogEntry {
	return types.LogEntry{Term: term, Index: index, Command: []byte("cmd")}
}

func TestLogStartsEmpty(t *testing.T) {
	log, _ := newTestLog(t)

	testutil.AssertEqual(t, types.Index(0), log.lastIndex())
	testutil.AssertEqual(t, types.Term(0), log.lastTerm())

	term, err := log.term(0)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(0), term)

	_, err = log.term(1)
	testutil.AssertErrorIs(t, err, ErrNotFound)
}

func TestLogAppendAndLookup(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	testutil.AssertNoError(t, log.append(ctx, ent(1, 1), ent(1, 2), ent(2, 3)))
	testutil.AssertEqual(t, types.Index(3), log.lastIndex())
	testutil.AssertEqual(t, types.Term(2), log.lastTerm())

	term, err := log.term(2)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(1), term)

	e, err := log.entry(3)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(2), e.Term)
}

func TestLogAppendRejectsGap(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	testutil.AssertNoError(t, log.append(ctx, ent(1, 1)))
	testutil.AssertError(t, log.append(ctx, ent(1, 3)), "append must continue the log")
	testutil.AssertEqual(t, types.Index(1), log.lastIndex())
}

func TestLogAppendPersistsBeforeCaching(t *testing.T) {
	log, storage := newTestLog(t)
	ctx := context.Background()

	storage.FailAppend = true
	testutil.AssertError(t, log.append(ctx, ent(1, 1)))
	testutil.AssertEqual(t, types.Index(0), log.lastIndex(), "failed append must not change the cache")

	storage.FailAppend = false
	testutil.AssertNoError(t, log.append(ctx, ent(1, 1)))
	last, err := storage.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(1), last)
}

func TestLogSliceClamps(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	testutil.AssertNoError(t, log.append(ctx, ent(1, 1), ent(1, 2), ent(1, 3)))

	testutil.AssertLen(t, log.slice(1, 4), 3)
	testutil.AssertLen(t, log.slice(2, 3), 1)
	testutil.AssertLen(t, log.slice(0, 100), 3)
	testutil.AssertLen(t, log.slice(3, 3), 0)
	testutil.AssertLen(t, log.slice(4, 10), 0)

	got := log.slice(2, 4)
	testutil.AssertEqual(t, types.Index(2), got[0].Index)
	testutil.AssertEqual(t, types.Index(3), got[1].Index)
}

func TestLogTruncateSuffix(t *testing.T) {
	log, storage := newTestLog(t)
	ctx := context.Background()
	testutil.AssertNoError(t, log.append(ctx, ent(1, 1), ent(1, 2), ent(2, 3)))

	testutil.AssertNoError(t, log.truncateSuffix(ctx, 2))
	testutil.AssertEqual(t, types.Index(1), log.lastIndex())

	last, err := storage.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(1), last, "truncate must reach storage")

	// Truncating past the end is a no-op.
	testutil.AssertNoError(t, log.truncateSuffix(ctx, 10))
	testutil.AssertEqual(t, types.Index(1), log.lastIndex())

	// Truncating at or below 1 empties the log.
	testutil.AssertNoError(t, log.truncateSuffix(ctx, 1))
	testutil.AssertEqual(t, types.Index(0), log.lastIndex())
}

func TestLogLoadRestoresFromStorage(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	first := newRaftLog(storage, &logger.NoOpLogger{})
	testutil.AssertNoError(t, first.append(ctx, ent(1, 1), ent(2, 2)))

	second := newRaftLog(storage, &logger.NoOpLogger{})
	testutil.AssertNoError(t, second.load(ctx))
	testutil.AssertEqual(t, types.Index(2), second.lastIndex())
	testutil.AssertEqual(t, types.Term(2), second.lastTerm())
}

func TestLogIsUpToDate(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	testutil.AssertNoError(t, log.append(ctx, ent(1, 1), ent(2, 2)))

	// Higher last term wins regardless of length.
	testutil.AssertTrue(t, log.isUpToDate(1, 3))
	// Equal last term compares length.
	testutil.AssertTrue(t, log.isUpToDate(2, 2))
	testutil.AssertTrue(t, log.isUpToDate(5, 2))
	testutil.AssertFalse(t, log.isUpToDate(1, 2))
	// Lower last term loses regardless of length.
	testutil.AssertFalse(t, log.isUpToDate(100, 1))
}
