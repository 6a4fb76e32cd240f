package types

// NodeID uniquely identifies a cluster node.
// It must be globally unique and remain stable across restarts.
type NodeID string

// ClientID identifies a client session across the cluster.
type ClientID string

// ResourceID names a lockable resource.
type ResourceID string

// Term is a Raft election term. It increases monotonically and is used
// to order leadership and detect stale messages.
type Term uint64

// Index is a position in the replicated log. Indices start at 1.
type Index uint64

// NodeRole is the role a node currently plays in the consensus protocol.
type NodeRole int

const (
	// RoleFollower is the initial role. Followers only respond to RPCs;
	// an election timeout without a heartbeat promotes them to candidate.
	RoleFollower NodeRole = iota

	// RoleCandidate is held while campaigning. A majority of votes in the
	// same term promotes the candidate to leader; a valid heartbeat or a
	// higher term demotes it back to follower.
	RoleCandidate

	// RoleLeader replicates log entries and sends periodic heartbeats.
	// Discovering a higher term demotes the leader to follower.
	RoleLeader
)

// LockMode is the access mode requested for a resource.
type LockMode int

const (
	// ModeShared allows any number of concurrent shared holders.
	ModeShared LockMode = iota

	// ModeExclusive allows exactly one holder and excludes shared holders.
	ModeExclusive
)

// LogEntry is a single replicated log record. Entries are immutable once
// appended; (Index, Term) uniquely identifies an entry across the cluster.
type LogEntry struct {
	Term    Term   `json:"term"`
	Index   Index  `json:"index"`
	Command []byte `json:"command"`
}

// PersistentState is the consensus state that must reach stable storage
// before any vote or append is acknowledged.
type PersistentState struct {
	CurrentTerm Term   `json:"current_term"`
	VotedFor    NodeID `json:"voted_for"`
}

// SnapshotMetadata describes the log prefix covered by a state machine
// snapshot. Compaction itself is not performed, but the boundary must be
// representable for restore paths.
type SnapshotMetadata struct {
	LastIncludedIndex Index `json:"last_included_index"`
	LastIncludedTerm  Term  `json:"last_included_term"`
}

// ApplyMsg is delivered for every committed entry after it has been
// applied to the lock state machine, in strict index order.
type ApplyMsg struct {
	Index   Index
	Term    Term
	Command []byte

	// Result carries the state machine's serialized outcome for the
	// command, if any. Err is the apply-level error for invalid commands.
	Result []byte
	Err    error
}

// RequestVoteArgs are the arguments of the RequestVote RPC.
type RequestVoteArgs struct {
	Term         Term   `json:"term"`
	CandidateID  NodeID `json:"candidate_id"`
	LastLogIndex Index  `json:"last_log_index"`
	LastLogTerm  Term   `json:"last_log_term"`
}

// RequestVoteReply is the result of the RequestVote RPC.
type RequestVoteReply struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"vote_granted"`
}

// AppendEntriesArgs are the arguments of the AppendEntries RPC.
// An empty Entries slice is a heartbeat.
type AppendEntriesArgs struct {
	Term         Term       `json:"term"`
	LeaderID     NodeID     `json:"leader_id"`
	PrevLogIndex Index      `json:"prev_log_index"`
	PrevLogTerm  Term       `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit Index      `json:"leader_commit"`
}

// AppendEntriesReply is the result of the AppendEntries RPC.
// ConflictIndex hints the leader where to back up after a mismatch.
type AppendEntriesReply struct {
	Term          Term  `json:"term"`
	Success       bool  `json:"success"`
	ConflictIndex Index `json:"conflict_index,omitempty"`
	ConflictTerm  Term  `json:"conflict_term,omitempty"`
	MatchIndex    Index `json:"match_index,omitempty"`
}

// RaftStatus is a read-only snapshot of a node's consensus state,
// exposed for monitoring.
type RaftStatus struct {
	ID           NodeID   `json:"id"`
	Term         Term     `json:"term"`
	Role         NodeRole `json:"role"`
	LeaderID     NodeID   `json:"leader_id"`
	CommitIndex  Index    `json:"commit_index"`
	LastApplied  Index    `json:"last_applied"`
	LastLogIndex Index    `json:"last_log_index"`
	LastLogTerm  Term     `json:"last_log_term"`
}

// LockHolder describes one current holder of a resource.
type LockHolder struct {
	ClientID ClientID `json:"client_id"`
	Mode     LockMode `json:"mode"`
	Token    string   `json:"token"`
}

// LockWaiter describes one queued request for a resource.
type LockWaiter struct {
	ClientID ClientID `json:"client_id"`
	Mode     LockMode `json:"mode"`
	// EnqueueIndex is the log index of the command that queued the
	// waiter. It doubles as the deterministic "age" used by the
	// deadlock victim policy.
	EnqueueIndex Index `json:"enqueue_index"`
}

// LockInfo is a read-only view of one resource's lock state.
type LockInfo struct {
	Resource ResourceID   `json:"resource"`
	Mode     LockMode     `json:"mode"`
	Holders  []LockHolder `json:"holders,omitempty"`
	Waiters  []LockWaiter `json:"waiters,omitempty"`
}
