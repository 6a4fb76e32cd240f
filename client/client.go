package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/rpc"
	"github.com/quorumlock/quorumlock/types"
)

// Client is a session-scoped handle on the lock cluster. It discovers
// the leader by following redirects, retries transient failures with
// jittered backoff, and renews its lease in the background until
// closed. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger logger.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	target string
	cursor int
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Lock is a granted lock. Release it with Unlock.
type Lock struct {
	Resource types.ResourceID
	Mode     types.LockMode
	Token    string

	c *Client
}

// Unlock releases the lock.
func (l *Lock) Unlock(ctx context.Context) error {
	return l.c.Release(ctx, l.Resource, l.Token)
}

// NewClient builds a client and starts its keep-alive loop. Endpoints
// are not dialed until first use.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("client").With("clientID", cfg.ClientID),
		conns:  make(map[string]*grpc.ClientConn),
		target: cfg.Endpoints[0],
		stopCh: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.keepAliveLoop()
	return c, nil
}

// ClientID returns the session identity used by this client.
func (c *Client) ClientID() types.ClientID { return c.cfg.ClientID }

// Close stops lease renewal and tears down connections. Locks held by
// this session stay held until released or until the lease lapses.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// Acquire blocks until the lock is granted, the context expires, or
// the cluster aborts the wait. The context deadline is the wait
// deadline; without one the server applies its own bound.
func (c *Client) Acquire(ctx context.Context, resource types.ResourceID, mode types.LockMode) (*Lock, error) {
	var granted *rpc.AcquireResponse
	err := c.invoke(ctx, true, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
		resp, err := stub.Acquire(ctx, &rpc.AcquireRequest{
			ClientID:    c.cfg.ClientID,
			Resource:    resource,
			Mode:        mode,
			Wait:        true,
			LeaseMillis: c.cfg.LeaseMillis,
		})
		if err != nil {
			return rpc.ResponseMeta{}, err
		}
		granted = resp
		return resp.Meta, nil
	})
	if err != nil {
		return nil, err
	}
	if !granted.Granted {
		return nil, ErrTimeout
	}
	return &Lock{Resource: resource, Mode: mode, Token: granted.Token, c: c}, nil
}

// TryAcquire attempts the lock without waiting. On conflict the queued
// request is withdrawn immediately and ErrConflict is returned.
func (c *Client) TryAcquire(ctx context.Context, resource types.ResourceID, mode types.LockMode) (*Lock, error) {
	var resp *rpc.AcquireResponse
	err := c.invoke(ctx, false, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
		r, err := stub.Acquire(ctx, &rpc.AcquireRequest{
			ClientID:    c.cfg.ClientID,
			Resource:    resource,
			Mode:        mode,
			LeaseMillis: c.cfg.LeaseMillis,
		})
		if err != nil {
			return rpc.ResponseMeta{}, err
		}
		resp = r
		return r.Meta, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Granted {
		return &Lock{Resource: resource, Mode: mode, Token: resp.Token, c: c}, nil
	}
	if err := c.CancelWait(ctx, resource); err != nil && !errors.Is(err, ErrNotWaiting) {
		c.logger.Warnw("failed to withdraw queued try-acquire",
			"resource", resource, "error", err)
	}
	return nil, ErrConflict
}

// Release gives up a held lock. Token must be the grant token.
func (c *Client) Release(ctx context.Context, resource types.ResourceID, token string) error {
	return c.invoke(ctx, false, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
		resp, err := stub.Release(ctx, &rpc.ReleaseRequest{
			ClientID: c.cfg.ClientID,
			Resource: resource,
			Token:    token,
		})
		if err != nil {
			return rpc.ResponseMeta{}, err
		}
		return resp.Meta, nil
	})
}

// CancelWait withdraws this session's pending request for a resource.
func (c *Client) CancelWait(ctx context.Context, resource types.ResourceID) error {
	return c.invoke(ctx, false, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
		resp, err := stub.CancelWait(ctx, &rpc.CancelWaitRequest{
			ClientID: c.cfg.ClientID,
			Resource: resource,
		})
		if err != nil {
			return rpc.ResponseMeta{}, err
		}
		return resp.Meta, nil
	})
}

// Status queries cluster state from whichever node currently answers,
// optionally including one resource's lock table entry.
func (c *Client) Status(ctx context.Context, resource types.ResourceID) (*rpc.StatusResponse, error) {
	var status *rpc.StatusResponse
	err := c.invoke(ctx, false, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
		resp, err := stub.Status(ctx, &rpc.StatusRequest{Resource: resource})
		if err != nil {
			return rpc.ResponseMeta{}, err
		}
		status = resp
		return resp.Meta, nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// invoke runs one logical operation against the cluster, following
// leader hints and retrying transport failures with jittered
// exponential backoff. blocking passes the caller's context through
// unchanged; otherwise each attempt gets the request timeout.
func (c *Client) invoke(ctx context.Context, blocking bool, call func(context.Context, *rpc.LockClient) (rpc.ResponseMeta, error)) error {
	backoff := c.cfg.InitialBackoff
	lastErr := error(ErrNoLeader)

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jitter(backoff)); err != nil {
				return err
			}
			if backoff *= 2; backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}

		addr, err := c.currentTarget()
		if err != nil {
			return err
		}
		stub, err := c.stubFor(addr)
		if err != nil {
			lastErr = err
			c.advanceTarget("")
			continue
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if !blocking {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		}
		meta, err := call(attemptCtx, stub)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debugw("endpoint failed, trying next",
				"addr", addr, "error", err)
			lastErr = err
			c.advanceTarget("")
			continue
		}

		opErr := errorFromMeta(meta)
		if errors.Is(opErr, errNotLeader) {
			c.logger.Debugw("redirected", "addr", addr, "hint", meta.LeaderHint)
			lastErr = ErrNoLeader
			c.advanceTarget(meta.LeaderHint)
			continue
		}
		return opErr
	}
	return lastErr
}

func (c *Client) currentTarget() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.target, nil
}

// advanceTarget switches to the hinted leader, or round-robins through
// the configured endpoints when no hint is available.
func (c *Client) advanceTarget(hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hint != "" {
		c.target = hint
		return
	}
	c.cursor = (c.cursor + 1) % len(c.cfg.Endpoints)
	c.target = c.cfg.Endpoints[c.cursor]
}

func (c *Client) stubFor(addr string) (*rpc.LockClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if conn, ok := c.conns[addr]; ok {
		return rpc.NewLockClient(conn), nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	c.conns[addr] = conn
	return rpc.NewLockClient(conn), nil
}

// keepAliveLoop renews the session lease until Close. Failures are
// tolerated: the lease is sized so that several beats can be lost
// before the cluster expires the session.
func (c *Client) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			err := c.invoke(ctx, false, func(ctx context.Context, stub *rpc.LockClient) (rpc.ResponseMeta, error) {
				resp, err := stub.KeepAlive(ctx, &rpc.KeepAliveRequest{
					ClientID:    c.cfg.ClientID,
					LeaseMillis: c.cfg.LeaseMillis,
				})
				if err != nil {
					return rpc.ResponseMeta{}, err
				}
				return resp.Meta, nil
			})
			cancel()
			if err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Debugw("keep-alive failed", "error", err)
			}
		}
	}
}

// jitter spreads a delay over [d/2, d) so synchronized clients do not
// retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
