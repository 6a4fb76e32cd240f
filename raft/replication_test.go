package raft

import (
	"context"
	"testing"
	"time"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	_, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{Term: 4, LeaderID: "n2"})
	testutil.AssertNoError(t, err)

	reply, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{Term: 2, LeaderID: "n3"})
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, reply.Success)
	testutil.AssertEqual(t, types.Term(4), reply.Term)
	testutil.AssertEqual(t, types.NodeID("n2"), n.GetLeaderID(), "a stale leader must not displace the current one")
}

func TestAppendEntriesHeartbeatRecognizesLeader(t *testing.T) {
	n, _ := startLoneNode(t, "n1")

	reply, err := n.AppendEntries(context.Background(), &types.AppendEntriesArgs{Term: 1, LeaderID: "n2"})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, reply.Success)
	testutil.AssertEqual(t, types.Index(0), reply.MatchIndex)
	testutil.AssertEqual(t, types.NodeID("n2"), n.GetLeaderID())

	term, isLeader := n.GetState()
	testutil.AssertEqual(t, types.Term(1), term)
	testutil.AssertFalse(t, isLeader)
}

func TestAppendEntriesAppendsAndCommits(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	reply, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "n2",
		Entries:      []types.LogEntry{ent(1, 1), ent(1, 2)},
		LeaderCommit: 5,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, reply.Success)
	testutil.AssertEqual(t, types.Index(2), reply.MatchIndex)

	// commitIndex clamps to the last replicated entry, never past it.
	status := n.Status()
	testutil.AssertEqual(t, types.Index(2), status.CommitIndex)
	testutil.AssertEqual(t, types.Index(2), status.LastLogIndex)
	testutil.WaitFor(t, 2*time.Second, func() bool { return n.Status().LastApplied == 2 }, "committed entries applied")
}

func TestAppendEntriesConflictBeyondEnd(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	_, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term: 1, LeaderID: "n2", Entries: []types.LogEntry{ent(1, 1)},
	})
	testutil.AssertNoError(t, err)

	reply, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term:         1,
		LeaderID:     "n2",
		PrevLogIndex: 4,
		PrevLogTerm:  1,
		Entries:      []types.LogEntry{ent(1, 5)},
	})
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, reply.Success)
	testutil.AssertEqual(t, types.Index(2), reply.ConflictIndex, "hint points just past the local log")
}

func TestAppendEntriesConflictReportsTermStart(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	// Local log: term 1 at 1, term 2 at 2 and 3.
	_, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term: 2, LeaderID: "n2", Entries: []types.LogEntry{ent(1, 1), ent(2, 2), ent(2, 3)},
	})
	testutil.AssertNoError(t, err)

	// A term-3 leader probing at index 3 disagrees on the term there.
	reply, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term:         3,
		LeaderID:     "n3",
		PrevLogIndex: 3,
		PrevLogTerm:  3,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, reply.Success)
	testutil.AssertEqual(t, types.Index(2), reply.ConflictIndex, "hint skips to the first index of the conflicting term")
	testutil.AssertEqual(t, types.Term(2), reply.ConflictTerm)
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	_, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term: 1, LeaderID: "n2", Entries: []types.LogEntry{ent(1, 1), ent(1, 2), ent(1, 3)},
	})
	testutil.AssertNoError(t, err)

	// A newer leader rewrites indexes 2 and up with term-2 entries.
	reply, err := n.AppendEntries(ctx, &types.AppendEntriesArgs{
		Term:         2,
		LeaderID:     "n3",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []types.LogEntry{ent(2, 2)},
	})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, reply.Success)

	status := n.Status()
	testutil.AssertEqual(t, types.Index(2), status.LastLogIndex)
	testutil.AssertEqual(t, types.Term(2), status.LastLogTerm)
}

func TestAppendEntriesDuplicateDeliveryIsIdempotent(t *testing.T) {
	n, _ := startLoneNode(t, "n1")
	ctx := context.Background()

	args := &types.AppendEntriesArgs{
		Term:     1,
		LeaderID: "n2",
		Entries:  []types.LogEntry{ent(1, 1), ent(1, 2)},
	}
	for i := 0; i < 2; i++ {
		reply, err := n.AppendEntries(ctx, args)
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, reply.Success)
		testutil.AssertEqual(t, types.Index(2), reply.MatchIndex)
	}
	testutil.AssertEqual(t, types.Index(2), n.Status().LastLogIndex)
}
