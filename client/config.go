package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/types"
)

// Config holds client settings. Zero values are filled in with the
// defaults below.
type Config struct {
	// Endpoints lists the client-facing addresses of the cluster. The
	// client discovers the leader by following redirects from any of
	// them.
	Endpoints []string

	// ClientID identifies this session. Generated when empty.
	ClientID types.ClientID

	// RequestTimeout bounds a single non-blocking RPC attempt.
	RequestTimeout time.Duration

	// MaxRetries bounds how many redirects and transport failures one
	// operation will ride out before giving up.
	MaxRetries int

	// InitialBackoff and MaxBackoff shape the exponential backoff
	// between retries. Each delay gets up to 50% random jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// LeaseMillis is the session lease requested from the cluster.
	LeaseMillis int64

	// KeepAliveInterval is how often the session is renewed. Defaults
	// to a third of the lease so two beats can be lost safely.
	KeepAliveInterval time.Duration

	Logger logger.Logger
}

const (
	defaultRequestTimeout = 5 * time.Second
	defaultMaxRetries     = 5
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	defaultLeaseMillis    = 30_000
)

func (c *Config) withDefaults() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("client: at least one endpoint is required")
	}
	if c.ClientID == "" {
		c.ClientID = types.ClientID(uuid.NewString())
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.LeaseMillis <= 0 {
		c.LeaseMillis = defaultLeaseMillis
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = time.Duration(c.LeaseMillis) * time.Millisecond / 3
	}
	if c.Logger == nil {
		c.Logger = logger.NewNoOpLogger()
	}
	return nil
}
