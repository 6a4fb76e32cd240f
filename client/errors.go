package client

import (
	"errors"
	"fmt"

	"github.com/quorumlock/quorumlock/rpc"
)

var (
	// ErrConflict is returned by TryAcquire when the lock is busy.
	ErrConflict = errors.New("client: lock is busy")

	// ErrTimeout is returned when the cluster gave up waiting for the
	// lock on our behalf.
	ErrTimeout = errors.New("client: request timed out")

	// ErrDeadlockAborted is returned when this client's pending request
	// was chosen as the victim of a deadlock cycle.
	ErrDeadlockAborted = errors.New("client: aborted to break a deadlock")

	// ErrWaitCancelled is returned when the pending request was
	// cancelled, either by this client from another goroutine or by
	// session expiry.
	ErrWaitCancelled = errors.New("client: pending request was cancelled")

	// ErrNotHeld is returned when releasing a lock this client does not
	// hold.
	ErrNotHeld = errors.New("client: lock not held")

	// ErrNotWaiting is returned when cancelling a wait that does not
	// exist.
	ErrNotWaiting = errors.New("client: no pending request")

	// ErrRateLimited is returned when the server sheds the request.
	ErrRateLimited = errors.New("client: rate limited")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("client: invalid argument")

	// ErrNoLeader is returned when no reachable node would accept the
	// request within the retry budget.
	ErrNoLeader = errors.New("client: no leader available")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)

// errNotLeader marks a redirect; it never escapes the retry loop.
var errNotLeader = errors.New("client: not the leader")

// errorFromMeta converts response metadata into a client sentinel. A
// nil return means the call succeeded.
func errorFromMeta(meta rpc.ResponseMeta) error {
	switch meta.ErrorCode {
	case "":
		return nil
	case rpc.ErrCodeNotLeader:
		return errNotLeader
	case rpc.ErrCodeTimeout:
		return ErrTimeout
	case rpc.ErrCodeDeadlockAborted:
		return ErrDeadlockAborted
	case rpc.ErrCodeWaitCancelled:
		return ErrWaitCancelled
	case rpc.ErrCodeNotHeld:
		return ErrNotHeld
	case rpc.ErrCodeNotWaiting:
		return ErrNotWaiting
	case rpc.ErrCodeRateLimited:
		return ErrRateLimited
	case rpc.ErrCodeInvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, meta.Message)
	default:
		return fmt.Errorf("client: %s: %s", meta.ErrorCode, meta.Message)
	}
}
