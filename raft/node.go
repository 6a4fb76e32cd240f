package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/types"
)

const unknownNodeID = types.NodeID("")

// Dependencies bundles the collaborators a node needs.
type Dependencies struct {
	Storage Storage
	Applier Applier
	Logger  logger.Logger
	Metrics Metrics
	Clock   Clock
	Rand    Rand
}

// Validate checks that required collaborators are present. Logger and
// Metrics may be nil and default to no-ops.
func (d *Dependencies) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: dependencies must not be nil", ErrMissingDependencies)
	}
	if d.Storage == nil {
		return fmt.Errorf("%w: Storage", ErrMissingDependencies)
	}
	if d.Applier == nil {
		return fmt.Errorf("%w: Applier", ErrMissingDependencies)
	}
	return nil
}

// node implements the Raft interface.
//
// All consensus state is guarded by a single mutex; RPC sends happen
// outside the lock and feed replies back through handler methods.
// Application of committed entries runs on one dedicated goroutine so
// the state machine never sees concurrent applies.
type node struct {
	cfg     Config
	logger  logger.Logger
	metrics Metrics
	clock   Clock
	rand    Rand

	applier Applier
	log     *raftLog
	storage Storage

	networkSet atomic.Bool
	network    PeerNetwork

	mu sync.RWMutex

	currentTerm types.Term
	votedFor    types.NodeID
	role        types.NodeRole
	leaderID    types.NodeID

	commitIndex types.Index
	lastApplied types.Index

	// Tick counters. electionTimeout is re-randomized on every reset.
	electionElapsed  int
	heartbeatElapsed int
	electionTimeout  int

	// Candidate bookkeeping for the current campaign.
	votesGranted map[types.NodeID]bool

	// Leader bookkeeping, reinitialized on every election win.
	nextIndex  map[types.NodeID]types.Index
	matchIndex map[types.NodeID]types.Index

	isShutdown atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once

	applyNotifyCh  chan struct{}
	applyDoneCh    chan struct{}
	applyCh        chan types.ApplyMsg
	leaderChangeCh chan types.NodeID
}

// NewNode constructs a consensus node. The peer network must be injected
// with SetPeerNetwork before Start, since the network needs the node as
// its RPC handler.
func NewNode(cfg Config, deps Dependencies) (Raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = &logger.NoOpLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NoOpMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = NewStandardClock()
	}
	if deps.Rand == nil {
		deps.Rand = NewStandardRand()
	}

	log := deps.Logger.WithNodeID(cfg.ID).WithComponent("raft")
	n := &node{
		cfg:            cfg,
		logger:         log,
		metrics:        deps.Metrics,
		clock:          deps.Clock,
		rand:           deps.Rand,
		applier:        deps.Applier,
		storage:        deps.Storage,
		log:            newRaftLog(deps.Storage, log),
		role:           types.RoleFollower,
		stopCh:         make(chan struct{}),
		applyNotifyCh:  make(chan struct{}, 1),
		applyDoneCh:    make(chan struct{}),
		applyCh:        make(chan types.ApplyMsg, cfg.ApplyChannelSize),
		leaderChangeCh: make(chan types.NodeID, cfg.LeaderChangeChannelSize),
	}
	return n, nil
}

// SetPeerNetwork injects the transport. Must be called exactly once
// before Start.
func (n *node) SetPeerNetwork(network PeerNetwork) {
	if !n.networkSet.CompareAndSwap(false, true) {
		n.logger.Warnw("SetPeerNetwork called more than once; ignoring")
		return
	}
	n.network = network
}

// Start loads persisted state and launches the apply loop.
func (n *node) Start() error {
	if n.network == nil {
		return fmt.Errorf("%w: peer network must be set before Start", ErrMissingDependencies)
	}
	if n.isShutdown.Load() {
		return ErrShuttingDown
	}

	ctx := context.Background()

	state, err := n.storage.LoadState(ctx)
	if err != nil {
		// A node with unreadable term/vote state must not vote until its
		// storage is reinitialized from a healthy peer.
		n.logger.Errorw("Failed to load persistent state", "error", err)
		return fmt.Errorf("load persistent state: %w", err)
	}

	n.mu.Lock()
	n.currentTerm = state.CurrentTerm
	n.votedFor = state.VotedFor
	n.role = types.RoleFollower
	n.leaderID = unknownNodeID
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	if err := n.log.load(ctx); err != nil {
		n.logger.Errorw("Failed to load log", "error", err)
		return fmt.Errorf("load log: %w", err)
	}

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start peer network: %w", err)
	}

	go n.runApplyLoop()

	n.logger.Infow("Node started",
		"term", state.CurrentTerm,
		"voted_for", state.VotedFor,
		"last_log_index", n.log.lastIndex(),
		"peers", len(n.cfg.Peers))
	return nil
}

// Stop shuts the node down and waits for the apply loop to drain.
func (n *node) Stop(ctx context.Context) error {
	if !n.isShutdown.CompareAndSwap(false, true) {
		return n.waitForApplyLoop(ctx)
	}

	n.logger.Infow("Stopping node")
	n.stopOnce.Do(func() { close(n.stopCh) })

	err := n.waitForApplyLoop(ctx)

	if nerr := n.network.Stop(); nerr != nil && !errors.Is(nerr, context.Canceled) {
		n.logger.Warnw("Error stopping peer network", "error", nerr)
	}

	close(n.applyCh)
	n.logger.Infow("Node stopped")
	return err
}

func (n *node) waitForApplyLoop(ctx context.Context) error {
	select {
	case <-n.applyDoneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick advances the logical clock by one tick. Followers and candidates
// count toward their election timeout; the leader counts toward its
// next heartbeat round.
func (n *node) Tick(ctx context.Context) {
	if n.isShutdown.Load() {
		return
	}

	n.mu.Lock()
	role := n.role
	switch role {
	case types.RoleLeader:
		n.heartbeatElapsed++
		if n.heartbeatElapsed >= n.cfg.HeartbeatTicks {
			n.heartbeatElapsed = 0
			n.mu.Unlock()
			n.broadcastAppendEntries(ctx)
			return
		}
	case types.RoleFollower, types.RoleCandidate:
		n.electionElapsed++
		if n.electionElapsed >= n.electionTimeout {
			n.mu.Unlock()
			n.startElection(ctx)
			return
		}
	}
	n.mu.Unlock()
}

// Propose appends a command to the leader's log and begins replication.
func (n *node) Propose(ctx context.Context, command []byte) (types.Index, types.Term, error) {
	if n.isShutdown.Load() {
		return 0, 0, ErrShuttingDown
	}
	if len(command) == 0 {
		return 0, 0, errors.New("raft: command must not be empty")
	}

	n.mu.Lock()
	if n.role != types.RoleLeader {
		term := n.currentTerm
		n.mu.Unlock()
		n.metrics.ObserveProposal(false)
		return 0, term, ErrNotLeader
	}

	entry := types.LogEntry{
		Term:    n.currentTerm,
		Index:   n.log.lastIndex() + 1,
		Command: command,
	}
	if err := n.log.append(ctx, entry); err != nil {
		n.mu.Unlock()
		n.logger.Errorw("Failed to persist proposed entry", "index", entry.Index, "error", err)
		n.metrics.ObserveProposal(false)
		return 0, 0, err
	}
	term := n.currentTerm
	n.maybeAdvanceCommitLocked()
	n.mu.Unlock()

	n.metrics.ObserveProposal(true)
	n.logger.Debugw("Proposed command", "index", entry.Index, "term", term, "bytes", len(command))

	n.broadcastAppendEntries(ctx)
	return entry.Index, term, nil
}

// Status returns a read-only snapshot of the node's state.
func (n *node) Status() types.RaftStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return types.RaftStatus{
		ID:           n.cfg.ID,
		Term:         n.currentTerm,
		Role:         n.role,
		LeaderID:     n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
}

// GetState returns the current term and whether this node leads.
func (n *node) GetState() (types.Term, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.role == types.RoleLeader
}

// GetLeaderID returns the most recently observed leader, or empty.
func (n *node) GetLeaderID() types.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *node) ApplyChannel() <-chan types.ApplyMsg { return n.applyCh }

func (n *node) LeaderChangeChannel() <-chan types.NodeID { return n.leaderChangeCh }

// persistStateLocked saves term and vote. Must hold n.mu. Failures are
// returned so callers can refuse the action that required persistence.
func (n *node) persistStateLocked(ctx context.Context) error {
	state := types.PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor}
	if err := n.storage.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state (term %d): %w", state.CurrentTerm, err)
	}
	return nil
}

// becomeFollowerLocked transitions to follower in the given term and
// records the leader hint. Must hold n.mu. Persists when the term moved.
func (n *node) becomeFollowerLocked(ctx context.Context, term types.Term, leader types.NodeID) {
	termChanged := term > n.currentTerm
	if termChanged {
		n.currentTerm = term
		n.votedFor = unknownNodeID
	}

	oldRole := n.role
	n.role = types.RoleFollower
	n.setLeaderLocked(leader)
	n.resetElectionTimerLocked()

	if termChanged {
		if err := n.persistStateLocked(ctx); err != nil {
			n.logger.Errorw("Failed to persist state on step down", "term", term, "error", err)
		}
	}
	if oldRole != types.RoleFollower {
		n.logger.Infow("Stepped down to follower",
			"term", n.currentTerm, "previous_role", oldRole.String(), "leader", leader)
		n.metrics.ObserveRoleChange(oldRole, types.RoleFollower, n.currentTerm)
	}
}

// setLeaderLocked updates the known leader and notifies listeners on
// change. Must hold n.mu.
func (n *node) setLeaderLocked(leader types.NodeID) {
	if n.leaderID == leader {
		return
	}
	n.leaderID = leader
	n.metrics.ObserveLeaderChange(leader, n.currentTerm)
	select {
	case n.leaderChangeCh <- leader:
	default:
		n.logger.Warnw("Leader change channel full, notification dropped", "leader", leader)
	}
}

// resetElectionTimerLocked zeroes the elapsed counter and draws a fresh
// randomized timeout. Must hold n.mu.
func (n *node) resetElectionTimerLocked() {
	n.electionElapsed = 0
	spread := n.cfg.ElectionTicksMax - n.cfg.ElectionTicksMin
	n.electionTimeout = n.cfg.ElectionTicksMin + n.rand.IntN(spread)
}

// notifyApply nudges the apply loop without blocking.
func (n *node) notifyApply() {
	select {
	case n.applyNotifyCh <- struct{}{}:
	default:
	}
}

// runApplyLoop applies committed entries in order on one goroutine.
func (n *node) runApplyLoop() {
	defer close(n.applyDoneCh)

	ticker := n.clock.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.applyNotifyCh:
			n.applyCommitted()
		case <-ticker.Chan():
			// Catches notifications dropped while a batch was in flight.
			n.applyCommitted()
		case <-n.stopCh:
			return
		}
	}
}

// applyCommitted applies entries in (lastApplied, commitIndex].
func (n *node) applyCommitted() {
	n.mu.RLock()
	commit := n.commitIndex
	applied := n.lastApplied
	var batch []types.LogEntry
	if applied < commit {
		batch = n.log.slice(applied+1, commit+1)
	}
	n.mu.RUnlock()

	for _, entry := range batch {
		if n.isShutdown.Load() {
			return
		}

		result, err := n.applier.Apply(context.Background(), entry.Index, entry.Command)
		if err != nil {
			// Apply errors are command-level outcomes (for example an
			// unknown client); they are reported, not retried, because
			// every replica makes the same decision.
			n.logger.Debugw("Apply returned error", "index", entry.Index, "error", err)
		}

		n.mu.Lock()
		n.lastApplied = entry.Index
		n.mu.Unlock()
		n.metrics.ObserveAppliedIndex(entry.Index)

		msg := types.ApplyMsg{
			Index:   entry.Index,
			Term:    entry.Term,
			Command: entry.Command,
			Result:  result,
			Err:     err,
		}
		select {
		case n.applyCh <- msg:
		case <-n.stopCh:
			return
		}
	}
}
