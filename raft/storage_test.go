package raft

import (
	"context"
	"testing"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

// storageUnderTest exercises the Storage contract shared by both
// implementations.
func storageUnderTest(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	// Empty storage reads as zero values.
	state, err := s.LoadState(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.PersistentState{}, state)

	last, err := s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(0), last)

	// State round-trips, last write wins.
	testutil.AssertNoError(t, s.SaveState(ctx, types.PersistentState{CurrentTerm: 3, VotedFor: "n2"}))
	testutil.AssertNoError(t, s.SaveState(ctx, types.PersistentState{CurrentTerm: 4, VotedFor: "n1"}))
	state, err = s.LoadState(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(4), state.CurrentTerm)
	testutil.AssertEqual(t, types.NodeID("n1"), state.VotedFor)

	// Entries append and read back in order.
	testutil.AssertNoError(t, s.AppendEntries(ctx, []types.LogEntry{ent(1, 1), ent(1, 2), ent(2, 3)}))
	last, err = s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(3), last)

	entries, err := s.GetEntries(ctx, 1, 4)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, entries, 3)
	testutil.AssertEqual(t, types.Index(2), entries[1].Index)

	entries, err = s.GetEntries(ctx, 2, 3)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, entries, 1)
	testutil.AssertEqual(t, types.Term(1), entries[0].Term)

	entries, err = s.GetEntries(ctx, 5, 9)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, entries, 0)

	// Suffix truncation removes index >= from.
	testutil.AssertNoError(t, s.TruncateSuffix(ctx, 2))
	last, err = s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(1), last)

	testutil.AssertNoError(t, s.TruncateSuffix(ctx, 1))
	last, err = s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(0), last)
}

func TestMemoryStorageContract(t *testing.T) {
	storageUnderTest(t, NewMemoryStorage())
}

func TestBoltStorageContract(t *testing.T) {
	s, err := NewBoltStorage(t.TempDir())
	testutil.AssertNoError(t, err)
	defer s.Close()
	storageUnderTest(t, s)
}

func TestBoltStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBoltStorage(dir)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s.SaveState(ctx, types.PersistentState{CurrentTerm: 7, VotedFor: "n3"}))
	testutil.AssertNoError(t, s.AppendEntries(ctx, []types.LogEntry{ent(7, 1), ent(7, 2)}))
	testutil.AssertNoError(t, s.Close())

	s, err = NewBoltStorage(dir)
	testutil.AssertNoError(t, err)
	defer s.Close()

	state, err := s.LoadState(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(7), state.CurrentTerm)
	testutil.AssertEqual(t, types.NodeID("n3"), state.VotedFor)

	last, err := s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(2), last)

	entries, err := s.GetEntries(ctx, 1, 3)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, entries, 2)
}

func TestMemoryStorageFailureHooks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	s.FailSaveState = true
	testutil.AssertErrorIs(t, s.SaveState(ctx, types.PersistentState{CurrentTerm: 1}), ErrCorruptedState)
	state, err := s.LoadState(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Term(0), state.CurrentTerm)

	s.FailAppend = true
	testutil.AssertErrorIs(t, s.AppendEntries(ctx, []types.LogEntry{ent(1, 1)}), ErrCorruptedState)
	last, err := s.LastIndex(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, types.Index(0), last)
}
