package raft

import (
	"context"

	"github.com/quorumlock/quorumlock/types"
)

// Raft is the application-facing interface of one consensus node.
//
// The embedding application drives logical time by calling Tick() at a
// fixed interval; elections and heartbeats are counted in ticks.
// Committed entries are applied through the Applier strictly in index
// order, then delivered on ApplyChannel.
type Raft interface {
	// RequestVote and AppendEntries process incoming peer RPCs. They are
	// idempotent given equal arguments, so duplicate delivery is safe.
	rpcHandler

	// SetPeerNetwork injects the transport. The network needs the node
	// as its RPC handler, so it is wired after construction and must be
	// set exactly once before Start.
	SetPeerNetwork(network PeerNetwork)

	// Start loads persisted state and launches background processing.
	// Must succeed before any other method is used.
	Start() error

	// Stop shuts the node down, blocking until the apply loop drains or
	// the context expires.
	Stop(ctx context.Context) error

	// Tick advances the node's logical clock by one tick, driving
	// election timeouts on followers and heartbeats on the leader.
	Tick(ctx context.Context)

	// Propose submits a command for replication. Returns the assigned
	// log index and term on acceptance. Returns ErrNotLeader on
	// non-leaders; commitment is signaled later via ApplyChannel.
	Propose(ctx context.Context, command []byte) (types.Index, types.Term, error)

	// Status returns a read-only snapshot of the node's state.
	Status() types.RaftStatus

	// GetState returns the current term and whether this node believes
	// it is the leader.
	GetState() (types.Term, bool)

	// GetLeaderID returns the most recently observed leader, or empty.
	GetLeaderID() types.NodeID

	// ApplyChannel delivers committed, applied entries in order. It must
	// be drained continuously and closes after Stop completes.
	ApplyChannel() <-chan types.ApplyMsg

	// LeaderChangeChannel delivers the new leader's ID whenever the
	// node observes a leadership change; empty means leader unknown.
	LeaderChangeChannel() <-chan types.NodeID
}

type rpcHandler interface {
	RequestVote(ctx context.Context, args *types.RequestVoteArgs) (*types.RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error)
}

// Applier applies committed commands to the replicated state machine.
// Apply is invoked sequentially, in strict index order, and must be
// deterministic: identical command sequences produce identical state on
// every replica.
type Applier interface {
	Apply(ctx context.Context, index types.Index, command []byte) ([]byte, error)
}

// Storage persists consensus state. Implementations must guarantee that
// successful returns mean the data survives a crash; SaveState and
// AppendEntries are on the critical path of vote and append
// acknowledgements.
type Storage interface {
	// SaveState durably records the current term and vote.
	SaveState(ctx context.Context, state types.PersistentState) error

	// LoadState reads the persisted term and vote. A missing state is
	// returned as the zero value; unreadable data is ErrCorruptedState.
	LoadState(ctx context.Context) (types.PersistentState, error)

	// AppendEntries durably appends log entries in order.
	AppendEntries(ctx context.Context, entries []types.LogEntry) error

	// GetEntries returns entries with index in [lo, hi).
	GetEntries(ctx context.Context, lo, hi types.Index) ([]types.LogEntry, error)

	// TruncateSuffix removes all entries with index >= from.
	TruncateSuffix(ctx context.Context, from types.Index) error

	// LastIndex returns the highest stored index, or 0 when empty.
	LastIndex(ctx context.Context) (types.Index, error)

	// Close releases underlying resources.
	Close() error
}

// PeerNetwork is the transport between cluster members. Message loss is
// tolerated; callers retry on the next tick. Implementations must be
// safe for concurrent use.
type PeerNetwork interface {
	// Start begins listening for peer RPCs.
	Start() error

	// Stop closes connections and the listener.
	Stop() error

	// SendRequestVote delivers a RequestVote RPC to the target peer.
	SendRequestVote(ctx context.Context, target types.NodeID, args *types.RequestVoteArgs) (*types.RequestVoteReply, error)

	// SendAppendEntries delivers an AppendEntries RPC (replication or
	// heartbeat) to the target peer.
	SendAppendEntries(ctx context.Context, target types.NodeID, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error)

	// LocalAddr returns the bound listen address, or "" before Start.
	LocalAddr() string
}
