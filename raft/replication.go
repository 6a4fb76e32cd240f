package raft

import (
	"context"

	"github.com/quorumlock/quorumlock/types"
)

// broadcastAppendEntries sends one replication round (or heartbeat) to
// every peer. Arguments are built under the lock; sends happen outside.
func (n *node) broadcastAppendEntries(ctx context.Context) {
	n.mu.RLock()
	if n.role != types.RoleLeader {
		n.mu.RUnlock()
		return
	}
	peers := n.cfg.peerIDs()
	requests := make(map[types.NodeID]*types.AppendEntriesArgs, len(peers))
	for _, peer := range peers {
		requests[peer] = n.buildAppendArgsLocked(peer)
	}
	n.mu.RUnlock()

	for peer, args := range requests {
		if args == nil {
			continue
		}
		go n.replicateToPeer(peer, args)
	}
}

// buildAppendArgsLocked assembles the AppendEntries request for one
// peer from its nextIndex. Must hold n.mu (read).
func (n *node) buildAppendArgsLocked(peer types.NodeID) *types.AppendEntriesArgs {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, err := n.log.term(prevIndex)
	if err != nil {
		n.logger.Errorw("Missing term for prev index", "peer", peer, "prev_index", prevIndex)
		return nil
	}

	hi := n.log.lastIndex() + 1
	if max := next + types.Index(n.cfg.MaxEntriesPerAppend); hi > max {
		hi = max
	}

	return &types.AppendEntriesArgs{
		Term:         n.currentTerm,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      n.log.slice(next, hi),
		LeaderCommit: n.commitIndex,
	}
}

// replicateToPeer delivers one AppendEntries request and processes the
// reply. Lost messages are simply retried on the next heartbeat round.
func (n *node) replicateToPeer(peer types.NodeID, args *types.AppendEntriesArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	reply, err := n.network.SendAppendEntries(ctx, peer, args)
	n.metrics.ObservePeerRPC(peer, "AppendEntries", err == nil)
	if err != nil {
		n.logger.Debugw("AppendEntries failed", "peer", peer, "term", args.Term, "error", err)
		return
	}
	n.handleAppendReply(peer, args, reply)
}

// handleAppendReply updates replication progress for one peer.
func (n *node) handleAppendReply(peer types.NodeID, args *types.AppendEntriesArgs, reply *types.AppendEntriesReply) {
	if n.isShutdown.Load() {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(context.Background(), reply.Term, unknownNodeID)
		return
	}

	// Replies from an earlier leadership are meaningless now.
	if n.role != types.RoleLeader || n.currentTerm != args.Term {
		return
	}

	if reply.Success {
		match := args.PrevLogIndex + types.Index(len(args.Entries))
		if reply.MatchIndex > match {
			match = reply.MatchIndex
		}
		if match > n.matchIndex[peer] {
			n.matchIndex[peer] = match
		}
		if n.matchIndex[peer]+1 > n.nextIndex[peer] {
			n.nextIndex[peer] = n.matchIndex[peer] + 1
		}
		n.maybeAdvanceCommitLocked()
		return
	}

	// Log mismatch: back the peer's nextIndex up and let the next round
	// retry. The conflict hint skips over whole terms.
	next := n.nextIndex[peer]
	if reply.ConflictIndex > 0 && reply.ConflictIndex < next {
		next = reply.ConflictIndex
	} else if next > 1 {
		next--
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[peer] = next
	n.logger.Debugw("AppendEntries rejected, backing up",
		"peer", peer, "next_index", next, "conflict_index", reply.ConflictIndex)
}

// maybeAdvanceCommitLocked advances commitIndex to the highest index
// replicated on a quorum, with the restriction that only entries of the
// leader's current term are counted toward commitment. Must hold n.mu.
func (n *node) maybeAdvanceCommitLocked() {
	if n.role != types.RoleLeader {
		return
	}

	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		term, err := n.log.term(idx)
		if err != nil || term != n.currentTerm {
			// Entries from earlier terms are committed implicitly once a
			// current-term entry above them commits, never by counting.
			break
		}

		votes := 1 // local log always contains idx here
		for _, match := range n.matchIndex {
			if match >= idx {
				votes++
			}
		}
		if votes >= n.cfg.QuorumSize() {
			n.commitIndex = idx
			n.metrics.ObserveCommitIndex(idx)
			n.logger.Debugw("Commit index advanced", "commit_index", idx, "term", n.currentTerm)
			n.notifyApply()
			return
		}
	}
}

// AppendEntries processes a replication request or heartbeat from the
// leader. The consistency check enforces the Log Matching Property:
// acceptance implies the follower's log matches the leader's up through
// the new entries.
func (n *node) AppendEntries(ctx context.Context, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error) {
	if n.isShutdown.Load() {
		n.mu.RLock()
		term := n.currentTerm
		n.mu.RUnlock()
		return &types.AppendEntriesReply{Term: term, Success: false}, ErrShuttingDown
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		n.logger.Debugw("AppendEntries rejected: stale term",
			"leader", args.LeaderID, "leader_term", args.Term, "term", n.currentTerm)
		return &types.AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
	}

	// A valid append from the current or a newer term is a heartbeat;
	// recognize the sender as leader and reset the election timer.
	n.becomeFollowerLocked(ctx, args.Term, args.LeaderID)

	last := n.log.lastIndex()
	if args.PrevLogIndex > last {
		return &types.AppendEntriesReply{
			Term:          n.currentTerm,
			Success:       false,
			ConflictIndex: last + 1,
		}, nil
	}

	prevTerm, err := n.log.term(args.PrevLogIndex)
	if err != nil {
		return &types.AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: 1}, nil
	}
	if prevTerm != args.PrevLogTerm {
		// Report the first index of the conflicting term so the leader
		// can skip past it in one round.
		conflictIndex := args.PrevLogIndex
		for conflictIndex > 1 {
			t, terr := n.log.term(conflictIndex - 1)
			if terr != nil || t != prevTerm {
				break
			}
			conflictIndex--
		}
		return &types.AppendEntriesReply{
			Term:          n.currentTerm,
			Success:       false,
			ConflictIndex: conflictIndex,
			ConflictTerm:  prevTerm,
		}, nil
	}

	// Find the first entry that conflicts with or extends the local log.
	// Entries already present with matching terms are skipped, which
	// makes duplicate delivery harmless.
	newEntries := args.Entries
	insertAt := args.PrevLogIndex + 1
	for len(newEntries) > 0 {
		existingTerm, terr := n.log.term(insertAt)
		if terr != nil {
			break // past the end of the local log
		}
		if existingTerm != newEntries[0].Term {
			if err := n.log.truncateSuffix(ctx, insertAt); err != nil {
				n.logger.Errorw("Failed to truncate conflicting suffix", "from", insertAt, "error", err)
				return &types.AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
			}
			break
		}
		newEntries = newEntries[1:]
		insertAt++
	}

	if len(newEntries) > 0 {
		if err := n.log.append(ctx, newEntries...); err != nil {
			n.logger.Errorw("Failed to append entries", "from", insertAt, "error", err)
			return &types.AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
		}
	}

	lastNew := args.PrevLogIndex + types.Index(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		commit := args.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.metrics.ObserveCommitIndex(commit)
			n.notifyApply()
		}
	}

	return &types.AppendEntriesReply{
		Term:       n.currentTerm,
		Success:    true,
		MatchIndex: lastNew,
	}, nil
}
