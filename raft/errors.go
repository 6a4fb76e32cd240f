package raft

import "errors"

var (
	// ErrNotLeader is returned when an operation that only the leader may
	// perform is invoked on a follower or candidate.
	ErrNotLeader = errors.New("raft: node is not the leader")

	// ErrUnavailable is returned when no leader is known or the node
	// cannot reach a quorum, such as from a partitioned minority.
	ErrUnavailable = errors.New("raft: node is unavailable")

	// ErrTimeout is returned when an operation does not complete within
	// its deadline.
	ErrTimeout = errors.New("raft: operation timed out")

	// ErrShuttingDown is returned once shutdown has begun.
	ErrShuttingDown = errors.New("raft: node is shutting down")

	// ErrStaleTerm is returned when an RPC reveals the local term is
	// behind and the node has stepped down.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrNotFound is returned when a requested log entry does not exist.
	ErrNotFound = errors.New("raft: log entry not found")

	// ErrCorruptedState is returned when persisted term, vote, or log
	// data fails to load or decode. A node with corrupted state must not
	// participate in voting until reinitialized.
	ErrCorruptedState = errors.New("raft: persistent state corrupted")

	// ErrPeerNotFound indicates the target node is not part of the
	// configured cluster membership.
	ErrPeerNotFound = errors.New("raft: peer not found")

	// ErrConfigValidation is returned for an invalid node configuration.
	ErrConfigValidation = errors.New("raft: config validation error")

	// ErrMissingDependencies is returned when a required collaborator is
	// absent at construction.
	ErrMissingDependencies = errors.New("raft: missing required dependencies")
)
