package types

import "slices"

// String makes role values readable in logs and status output.
func (r NodeRole) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the role is one of the defined consensus roles.
func (r NodeRole) IsValid() bool {
	return r == RoleFollower || r == RoleCandidate || r == RoleLeader
}

// roleTransitions maps each role to the roles it may legally move to.
var roleTransitions = map[NodeRole][]NodeRole{
	RoleFollower:  {RoleFollower, RoleCandidate},
	RoleCandidate: {RoleFollower, RoleCandidate, RoleLeader},
	RoleLeader:    {RoleLeader, RoleFollower},
}

// CanTransitionTo reports whether moving from the current role to target
// is a legal protocol transition.
func (r NodeRole) CanTransitionTo(target NodeRole) bool {
	valid, ok := roleTransitions[r]
	if !ok {
		return false
	}
	return slices.Contains(valid, target)
}

// String makes lock modes readable in logs and status output.
func (m LockMode) String() string {
	switch m {
	case ModeShared:
		return "Shared"
	case ModeExclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the mode is one of the defined lock modes.
func (m LockMode) IsValid() bool {
	return m == ModeShared || m == ModeExclusive
}

// CompatibleWith reports whether two granted modes may coexist on the
// same resource. Only shared/shared pairs are compatible.
func (m LockMode) CompatibleWith(other LockMode) bool {
	return m == ModeShared && other == ModeShared
}
