package server

import (
	"errors"

	"github.com/quorumlock/quorumlock/lock"
	"github.com/quorumlock/quorumlock/raft"
	"github.com/quorumlock/quorumlock/rpc"
)

// metaFromError translates apply and consensus errors into response
// metadata. leaderHint is attached only to NOT_LEADER responses.
func metaFromError(err error, leaderHint string) rpc.ResponseMeta {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return rpc.ResponseMeta{
			ErrorCode:  rpc.ErrCodeNotLeader,
			Message:    "not the leader",
			LeaderHint: leaderHint,
		}
	case errors.Is(err, raft.ErrTimeout):
		return rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeTimeout,
			Message:   "request timed out",
		}
	case errors.Is(err, lock.ErrNotHeld):
		return rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeNotHeld,
			Message:   "lock is not held by this client",
		}
	case errors.Is(err, lock.ErrNotWaiting):
		return rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeNotWaiting,
			Message:   "client has no pending request for this resource",
		}
	case errors.Is(err, lock.ErrModeChange):
		return rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "lock is already held in a different mode",
		}
	default:
		return rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeUnavailable,
			Message:   err.Error(),
		}
	}
}
