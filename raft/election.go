package raft

import (
	"context"

	"github.com/quorumlock/quorumlock/types"
)

// startElection transitions to candidate, votes for itself, and
// solicits votes from every peer. Called from Tick when the randomized
// election timeout expires without a heartbeat.
func (n *node) startElection(ctx context.Context) {
	n.mu.Lock()

	if !n.role.CanTransitionTo(types.RoleCandidate) {
		n.mu.Unlock()
		return
	}

	prevTerm := n.currentTerm
	prevVote := n.votedFor
	oldRole := n.role

	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.role = types.RoleCandidate
	n.setLeaderLocked(unknownNodeID)
	n.resetElectionTimerLocked()
	n.votesGranted = map[types.NodeID]bool{n.cfg.ID: true}

	if err := n.persistStateLocked(ctx); err != nil {
		// The self-vote did not reach stable storage; the campaign must
		// not proceed.
		n.logger.Errorw("Failed to persist candidate state, aborting election",
			"term", n.currentTerm, "error", err)
		n.currentTerm = prevTerm
		n.votedFor = prevVote
		n.role = oldRole
		n.mu.Unlock()
		return
	}

	term := n.currentTerm
	args := &types.RequestVoteArgs{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}

	n.logger.Infow("Starting election", "term", term)
	n.metrics.ObserveRoleChange(oldRole, types.RoleCandidate, term)
	n.metrics.ObserveElectionStart(term)

	// A single-node cluster wins instantly.
	if len(n.votesGranted) >= n.cfg.QuorumSize() {
		n.becomeLeaderLocked(ctx)
		n.mu.Unlock()
		n.broadcastAppendEntries(ctx)
		return
	}
	n.mu.Unlock()

	for _, peer := range n.cfg.peerIDs() {
		go n.solicitVote(peer, args)
	}
}

// solicitVote sends one RequestVote RPC and feeds the reply back.
func (n *node) solicitVote(peer types.NodeID, args *types.RequestVoteArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	reply, err := n.network.SendRequestVote(ctx, peer, args)
	n.metrics.ObservePeerRPC(peer, "RequestVote", err == nil)
	if err != nil {
		// Elections are self-correcting; a lost request simply means the
		// campaign times out and restarts.
		n.logger.Debugw("RequestVote failed", "peer", peer, "term", args.Term, "error", err)
		return
	}
	n.handleVoteReply(peer, args.Term, reply)
}

// handleVoteReply tallies a vote for the campaign started in term.
func (n *node) handleVoteReply(peer types.NodeID, term types.Term, reply *types.RequestVoteReply) {
	if n.isShutdown.Load() {
		return
	}

	ctx := context.Background()

	n.mu.Lock()

	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(ctx, reply.Term, unknownNodeID)
		n.mu.Unlock()
		return
	}

	// The reply belongs to an older campaign or the race is over.
	if n.role != types.RoleCandidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}

	if !reply.VoteGranted {
		n.mu.Unlock()
		return
	}

	n.votesGranted[peer] = true
	votes := len(n.votesGranted)
	won := votes >= n.cfg.QuorumSize()
	if won {
		n.becomeLeaderLocked(ctx)
	}
	n.mu.Unlock()

	n.logger.Debugw("Vote received", "peer", peer, "term", term, "votes", votes)
	if won {
		n.broadcastAppendEntries(ctx)
	}
}

// becomeLeaderLocked finalizes an election win. Must hold n.mu.
//
// The new leader appends a no-op entry of its own term so the commit
// rule (majority AND current-term entry) can make progress immediately,
// which also flushes any uncommitted entries from earlier terms.
func (n *node) becomeLeaderLocked(ctx context.Context) {
	if !n.role.CanTransitionTo(types.RoleLeader) {
		return
	}

	oldRole := n.role
	n.role = types.RoleLeader
	n.setLeaderLocked(n.cfg.ID)
	n.heartbeatElapsed = 0

	last := n.log.lastIndex()
	n.nextIndex = make(map[types.NodeID]types.Index, len(n.cfg.Peers)-1)
	n.matchIndex = make(map[types.NodeID]types.Index, len(n.cfg.Peers)-1)
	for _, peer := range n.cfg.peerIDs() {
		n.nextIndex[peer] = last + 1
		n.matchIndex[peer] = 0
	}

	noop := types.Command{Type: types.CommandNoOp}.MustEncode()
	entry := types.LogEntry{Term: n.currentTerm, Index: last + 1, Command: noop}
	if err := n.log.append(ctx, entry); err != nil {
		n.logger.Errorw("Failed to append leader no-op", "index", entry.Index, "error", err)
	}
	n.maybeAdvanceCommitLocked()

	n.logger.Infow("Won election", "term", n.currentTerm, "last_log_index", n.log.lastIndex())
	n.metrics.ObserveRoleChange(oldRole, types.RoleLeader, n.currentTerm)
}

// RequestVote processes an incoming vote solicitation.
//
// At most one vote is granted per term, and only to candidates whose
// log is at least as up to date by (lastLogTerm, lastLogIndex). The
// vote is persisted before the reply is sent.
func (n *node) RequestVote(ctx context.Context, args *types.RequestVoteArgs) (*types.RequestVoteReply, error) {
	if n.isShutdown.Load() {
		n.mu.RLock()
		term := n.currentTerm
		n.mu.RUnlock()
		return &types.RequestVoteReply{Term: term, VoteGranted: false}, ErrShuttingDown
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		n.logger.Debugw("Vote denied: stale term",
			"candidate", args.CandidateID, "candidate_term", args.Term, "term", n.currentTerm)
		return &types.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(ctx, args.Term, unknownNodeID)
	}

	canVote := n.votedFor == unknownNodeID || n.votedFor == args.CandidateID
	upToDate := n.log.isUpToDate(args.LastLogIndex, args.LastLogTerm)

	if !canVote || !upToDate {
		n.logger.Debugw("Vote denied",
			"candidate", args.CandidateID,
			"term", n.currentTerm,
			"already_voted_for", n.votedFor,
			"log_up_to_date", upToDate)
		return &types.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
	}

	prevVote := n.votedFor
	n.votedFor = args.CandidateID
	if err := n.persistStateLocked(ctx); err != nil {
		// Without a durable vote record the grant could be double-spent
		// after a crash; deny instead.
		n.votedFor = prevVote
		n.logger.Errorw("Failed to persist vote, denying",
			"candidate", args.CandidateID, "term", n.currentTerm, "error", err)
		return &types.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
	}

	n.resetElectionTimerLocked()
	n.logger.Infow("Vote granted", "candidate", args.CandidateID, "term", n.currentTerm)
	n.metrics.ObserveVoteGranted(n.currentTerm)
	return &types.RequestVoteReply{Term: n.currentTerm, VoteGranted: true}, nil
}
