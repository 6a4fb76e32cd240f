package lock

import "errors"

var (
	// ErrNotHeld is returned when a release names a lock the client does
	// not hold, or presents a token that does not match the grant.
	ErrNotHeld = errors.New("lock: not held by client")

	// ErrNotWaiting is returned when a cancel or abort names a waiter
	// that is not queued.
	ErrNotWaiting = errors.New("lock: client is not waiting")

	// ErrModeChange is returned when a holder re-acquires a resource in
	// a different mode. Upgrades and downgrades are not supported.
	ErrModeChange = errors.New("lock: held in a different mode")

	// ErrUnknownCommand is returned when a committed entry carries a
	// command type the state machine does not recognize.
	ErrUnknownCommand = errors.New("lock: unknown command type")

	// ErrSnapshotCorrupted is returned when snapshot data cannot be
	// decoded.
	ErrSnapshotCorrupted = errors.New("lock: snapshot corrupted")
)
