package raft

import (
	"fmt"
	"time"

	"github.com/quorumlock/quorumlock/types"
)

const (
	// DefaultTickInterval is the recommended wall-clock interval between
	// calls to Tick().
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultElectionTicksMin is the lower bound of the randomized
	// election timeout, counted in ticks.
	DefaultElectionTicksMin = 10

	// DefaultElectionTicksMax is the exclusive upper bound of the
	// randomized election timeout, counted in ticks.
	DefaultElectionTicksMax = 20

	// DefaultHeartbeatTicks is the leader's heartbeat period in ticks.
	// Must be well below the election timeout.
	DefaultHeartbeatTicks = 2

	// DefaultRPCTimeout bounds a single peer RPC attempt.
	DefaultRPCTimeout = 500 * time.Millisecond

	// DefaultMaxEntriesPerAppend caps the batch size of one
	// AppendEntries request.
	DefaultMaxEntriesPerAppend = 64

	// DefaultApplyChannelSize buffers committed entries awaiting
	// consumers.
	DefaultApplyChannelSize = 256

	// DefaultLeaderChangeChannelSize buffers leadership notifications.
	DefaultLeaderChangeChannelSize = 16
)

// Config holds the static configuration of one consensus node.
type Config struct {
	// ID is the local node's identity. Must appear in Peers.
	ID types.NodeID

	// Peers maps every cluster member, including the local node, to its
	// listen address. Membership is fixed for the lifetime of the node.
	Peers map[types.NodeID]string

	// ElectionTicksMin/Max bound the randomized election timeout in
	// ticks. A fresh timeout is drawn from [Min, Max) after every reset,
	// which keeps repeated split votes unlikely.
	ElectionTicksMin int
	ElectionTicksMax int

	// HeartbeatTicks is how many ticks pass between leader heartbeats.
	HeartbeatTicks int

	// MaxEntriesPerAppend caps entries sent in one replication request.
	MaxEntriesPerAppend int

	// RPCTimeout bounds each outbound peer RPC.
	RPCTimeout time.Duration

	// ApplyChannelSize and LeaderChangeChannelSize size the notification
	// channels exposed by the node.
	ApplyChannelSize        int
	LeaderChangeChannelSize int
}

// DefaultConfig returns a Config with sane defaults for id and peers.
func DefaultConfig(id types.NodeID, peers map[types.NodeID]string) Config {
	return Config{
		ID:                      id,
		Peers:                   peers,
		ElectionTicksMin:        DefaultElectionTicksMin,
		ElectionTicksMax:        DefaultElectionTicksMax,
		HeartbeatTicks:          DefaultHeartbeatTicks,
		MaxEntriesPerAppend:     DefaultMaxEntriesPerAppend,
		RPCTimeout:              DefaultRPCTimeout,
		ApplyChannelSize:        DefaultApplyChannelSize,
		LeaderChangeChannelSize: DefaultLeaderChangeChannelSize,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: node ID must not be empty", ErrConfigValidation)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: peer map must not be empty", ErrConfigValidation)
	}
	if _, ok := c.Peers[c.ID]; !ok {
		return fmt.Errorf("%w: peer map must contain the local node %q", ErrConfigValidation, c.ID)
	}
	if c.ElectionTicksMin <= 0 || c.ElectionTicksMax <= c.ElectionTicksMin {
		return fmt.Errorf("%w: election tick bounds must satisfy 0 < min < max", ErrConfigValidation)
	}
	if c.HeartbeatTicks <= 0 || c.HeartbeatTicks >= c.ElectionTicksMin {
		return fmt.Errorf("%w: heartbeat ticks must be positive and below the election timeout", ErrConfigValidation)
	}
	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("%w: max entries per append must be positive", ErrConfigValidation)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("%w: RPC timeout must be positive", ErrConfigValidation)
	}
	return nil
}

// QuorumSize returns the strict majority for the configured cluster.
func (c Config) QuorumSize() int {
	return len(c.Peers)/2 + 1
}

// peerIDs returns all cluster members except the local node.
func (c Config) peerIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Peers)-1)
	for id := range c.Peers {
		if id != c.ID {
			ids = append(ids, id)
		}
	}
	return ids
}
