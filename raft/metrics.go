package raft

import "github.com/quorumlock/quorumlock/types"

// Metrics records operational events from the consensus core.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveRoleChange records a role transition.
	ObserveRoleChange(oldRole, newRole types.NodeRole, term types.Term)

	// ObserveLeaderChange records a newly observed leader.
	ObserveLeaderChange(leader types.NodeID, term types.Term)

	// ObserveElectionStart records the beginning of a campaign.
	ObserveElectionStart(term types.Term)

	// ObserveVoteGranted records a vote granted by this node.
	ObserveVoteGranted(term types.Term)

	// ObserveCommitIndex records commit index advancement.
	ObserveCommitIndex(index types.Index)

	// ObserveAppliedIndex records apply progress.
	ObserveAppliedIndex(index types.Index)

	// ObserveProposal records a proposal and whether it was accepted.
	ObserveProposal(accepted bool)

	// ObservePeerRPC records the outcome of one outbound peer RPC.
	ObservePeerRPC(peer types.NodeID, method string, success bool)
}

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

func (NoOpMetrics) ObserveRoleChange(oldRole, newRole types.NodeRole, term types.Term) {}
func (NoOpMetrics) ObserveLeaderChange(leader types.NodeID, term types.Term)           {}
func (NoOpMetrics) ObserveElectionStart(term types.Term)                               {}
func (NoOpMetrics) ObserveVoteGranted(term types.Term)                                 {}
func (NoOpMetrics) ObserveCommitIndex(index types.Index)                               {}
func (NoOpMetrics) ObserveAppliedIndex(index types.Index)                              {}
func (NoOpMetrics) ObserveProposal(accepted bool)                                      {}
func (NoOpMetrics) ObservePeerRPC(peer types.NodeID, method string, success bool)      {}
