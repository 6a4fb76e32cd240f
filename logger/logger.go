package logger

import "github.com/quorumlock/quorumlock/types"

// Logger is the structured key-value logging interface used throughout
// the module. Implementations must be safe for concurrent use.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Fatalw(msg string, keysAndValues ...any)

	// With returns a logger that adds the given key-value pairs to every
	// message it emits.
	With(keysAndValues ...any) Logger

	// WithNodeID returns a logger tagged with the local node's identity.
	WithNodeID(id types.NodeID) Logger

	// WithComponent returns a logger tagged with a subsystem name, such
	// as "raft" or "lock".
	WithComponent(name string) Logger
}
