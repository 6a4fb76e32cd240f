package lock

import (
	"github.com/quorumlock/quorumlock/types"
)

// EventType identifies a state transition produced by applying a
// committed command.
type EventType int

const (
	// EventGranted fires when a client becomes a holder, either
	// immediately on acquire or when promoted from the wait queue.
	EventGranted EventType = iota + 1

	// EventQueued fires when an acquire cannot be granted and the
	// client is appended to the wait queue.
	EventQueued

	// EventReleased fires when a holder gives up a lock.
	EventReleased

	// EventAborted fires when a queued waiter is removed without being
	// granted, either by an explicit cancel or a deadlock abort.
	EventAborted

	// EventExpired fires once per session expiry, after all of the
	// session's holds and waits have been cleaned up.
	EventExpired
)

func (e EventType) String() string {
	switch e {
	case EventGranted:
		return "Granted"
	case EventQueued:
		return "Queued"
	case EventReleased:
		return "Released"
	case EventAborted:
		return "Aborted"
	case EventExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Event describes one observable state transition. Events are emitted
// synchronously from Apply, in deterministic order, so every replica
// observes the same sequence.
type Event struct {
	Type     EventType
	Resource types.ResourceID
	ClientID types.ClientID
	Mode     types.LockMode
	Token    string
	Index    types.Index

	// QueuePosition is set on EventQueued: 0 means next in line.
	QueuePosition int

	// Reason is set on EventAborted and carries the AbortWaiter
	// command's reason, e.g. AbortReasonDeadlock.
	Reason string
}

// Abort reasons carried in AbortWaiter commands.
const (
	AbortReasonDeadlock = "deadlock"
	AbortReasonCancel   = "cancel"
	AbortReasonTimeout  = "timeout"
	AbortReasonExpired  = "expired"
)

// CommandResult is the outcome of applying a single command. It is
// JSON-encoded into the ApplyMsg result so the proposing server can
// answer the originating RPC.
type CommandResult struct {
	Granted       bool   `json:"granted,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
	Token         string `json:"token,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
	Released      bool   `json:"released,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	Expired       bool   `json:"expired,omitempty"`
}

// WaitEdge is one edge of the wait-for graph: the owning client waits
// for Blocker to leave Resource. EnqueueIndex is the log index at which
// the waiting client joined the queue.
type WaitEdge struct {
	Blocker      types.ClientID
	Resource     types.ResourceID
	EnqueueIndex types.Index
}
