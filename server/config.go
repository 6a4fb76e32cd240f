package server

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/quorumlock/quorumlock/raft"
	"github.com/quorumlock/quorumlock/types"
)

// Config holds the client-facing server settings.
type Config struct {
	// NodeID must match the consensus node's ID.
	NodeID types.NodeID

	// ListenAddr is the address the lock service listens on. It is
	// distinct from the consensus transport address.
	ListenAddr string

	// ClientAddrs maps node IDs to their client-facing addresses and
	// is used to build leader hints for redirects.
	ClientAddrs map[types.NodeID]string

	// ProposalTimeout bounds how long a request waits for its command
	// to commit and apply.
	ProposalTimeout time.Duration

	// DefaultAcquireWait bounds a blocking acquire whose context
	// carries no deadline of its own.
	DefaultAcquireWait time.Duration

	// DefaultLeaseMillis is the session lease granted to clients that
	// do not ask for a specific one.
	DefaultLeaseMillis int64

	// LeaseCheckInterval is how often the leader scans for expired
	// sessions.
	LeaseCheckInterval time.Duration

	// RateLimit and RateBurst bound the accepted request rate. A zero
	// RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultConfig returns production defaults for a node.
func DefaultConfig(id types.NodeID, listenAddr string) Config {
	return Config{
		NodeID:             id,
		ListenAddr:         listenAddr,
		ClientAddrs:        map[types.NodeID]string{id: listenAddr},
		ProposalTimeout:    2 * time.Second,
		DefaultAcquireWait: 30 * time.Second,
		DefaultLeaseMillis: 30_000,
		LeaseCheckInterval: 500 * time.Millisecond,
		RateLimit:          1000,
		RateBurst:          2000,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node ID is required", raft.ErrConfigValidation)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", raft.ErrConfigValidation)
	}
	if c.ProposalTimeout <= 0 {
		return fmt.Errorf("%w: proposal timeout must be positive", raft.ErrConfigValidation)
	}
	if c.DefaultAcquireWait <= 0 {
		return fmt.Errorf("%w: default acquire wait must be positive", raft.ErrConfigValidation)
	}
	if c.DefaultLeaseMillis <= 0 {
		return fmt.Errorf("%w: default lease must be positive", raft.ErrConfigValidation)
	}
	if c.LeaseCheckInterval <= 0 {
		return fmt.Errorf("%w: lease check interval must be positive", raft.ErrConfigValidation)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", raft.ErrConfigValidation)
	}
	return nil
}
