package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/quorumlock/quorumlock/rpc"
	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

// scriptedNode is a minimal lock service used to exercise the client's
// redirect and retry behavior without a full cluster.
type scriptedNode struct {
	mu         sync.Mutex
	leader     bool
	hint       string
	queued     bool
	notHeld    bool
	keepAlives int
	cancels    int
}

func (n *scriptedNode) redirect() (rpc.ResponseMeta, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leader {
		return rpc.ResponseMeta{}, false
	}
	return rpc.ResponseMeta{
		ErrorCode:  rpc.ErrCodeNotLeader,
		LeaderHint: n.hint,
	}, true
}

func (n *scriptedNode) Acquire(ctx context.Context, req *rpc.AcquireRequest) (*rpc.AcquireResponse, error) {
	if meta, ok := n.redirect(); ok {
		return &rpc.AcquireResponse{Meta: meta}, nil
	}
	n.mu.Lock()
	queued := n.queued
	n.mu.Unlock()
	if queued {
		return &rpc.AcquireResponse{Queued: true}, nil
	}
	return &rpc.AcquireResponse{
		Granted: true,
		Token:   fmt.Sprintf("tok-%s", req.Resource),
	}, nil
}

func (n *scriptedNode) Release(ctx context.Context, req *rpc.ReleaseRequest) (*rpc.ReleaseResponse, error) {
	if meta, ok := n.redirect(); ok {
		return &rpc.ReleaseResponse{Meta: meta}, nil
	}
	n.mu.Lock()
	notHeld := n.notHeld
	n.mu.Unlock()
	if notHeld {
		return &rpc.ReleaseResponse{Meta: rpc.ResponseMeta{ErrorCode: rpc.ErrCodeNotHeld}}, nil
	}
	return &rpc.ReleaseResponse{Released: true}, nil
}

func (n *scriptedNode) CancelWait(ctx context.Context, req *rpc.CancelWaitRequest) (*rpc.CancelWaitResponse, error) {
	if meta, ok := n.redirect(); ok {
		return &rpc.CancelWaitResponse{Meta: meta}, nil
	}
	n.mu.Lock()
	n.cancels++
	n.mu.Unlock()
	return &rpc.CancelWaitResponse{Cancelled: true}, nil
}

func (n *scriptedNode) KeepAlive(ctx context.Context, req *rpc.KeepAliveRequest) (*rpc.KeepAliveResponse, error) {
	if meta, ok := n.redirect(); ok {
		return &rpc.KeepAliveResponse{Meta: meta}, nil
	}
	n.mu.Lock()
	n.keepAlives++
	n.mu.Unlock()
	return &rpc.KeepAliveResponse{
		ExpiresUnixMs: time.Now().Add(time.Duration(req.LeaseMillis) * time.Millisecond).UnixMilli(),
	}, nil
}

func (n *scriptedNode) Status(ctx context.Context, req *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	n.mu.Lock()
	role := types.RoleFollower
	if n.leader {
		role = types.RoleLeader
	}
	n.mu.Unlock()
	return &rpc.StatusResponse{Raft: types.RaftStatus{Role: role}}, nil
}

func startNode(t *testing.T, node *scriptedNode) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	rpc.RegisterLockServer(srv, node)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func testConfig(endpoints ...string) Config {
	return Config{
		Endpoints:         endpoints,
		RequestTimeout:    time.Second,
		MaxRetries:        4,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		LeaseMillis:       30_000,
		KeepAliveInterval: time.Hour,
	}
}

func TestClientFollowsLeaderHint(t *testing.T) {
	leader := &scriptedNode{leader: true}
	leaderAddr := startNode(t, leader)
	follower := &scriptedNode{hint: leaderAddr}
	followerAddr := startNode(t, follower)

	c, err := NewClient(testConfig(followerAddr))
	require.NoError(t, err)
	defer c.Close()

	l, err := c.TryAcquire(context.Background(), "res-a", types.ModeExclusive)
	require.NoError(t, err)
	require.Equal(t, "tok-res-a", l.Token)
	require.NoError(t, l.Unlock(context.Background()))
}

func TestClientRoundRobinsWithoutHint(t *testing.T) {
	follower := &scriptedNode{}
	followerAddr := startNode(t, follower)
	leader := &scriptedNode{leader: true}
	leaderAddr := startNode(t, leader)

	c, err := NewClient(testConfig(followerAddr, leaderAddr))
	require.NoError(t, err)
	defer c.Close()

	l, err := c.TryAcquire(context.Background(), "res-a", types.ModeShared)
	require.NoError(t, err)
	require.NotEmpty(t, l.Token)
}

func TestClientGivesUpWithoutLeader(t *testing.T) {
	follower := &scriptedNode{}
	addr := startNode(t, follower)

	cfg := testConfig(addr)
	cfg.MaxRetries = 2
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.TryAcquire(context.Background(), "res-a", types.ModeExclusive)
	require.ErrorIs(t, err, ErrNoLeader)
}

func TestClientSkipsDeadEndpoint(t *testing.T) {
	leader := &scriptedNode{leader: true}
	leaderAddr := startNode(t, leader)

	// The first endpoint refuses connections.
	c, err := NewClient(testConfig("127.0.0.1:1", leaderAddr))
	require.NoError(t, err)
	defer c.Close()

	l, err := c.TryAcquire(context.Background(), "res-a", types.ModeExclusive)
	require.NoError(t, err)
	require.NotEmpty(t, l.Token)
}

func TestTryAcquireConflictWithdraws(t *testing.T) {
	leader := &scriptedNode{leader: true, queued: true}
	addr := startNode(t, leader)

	c, err := NewClient(testConfig(addr))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.TryAcquire(context.Background(), "res-a", types.ModeExclusive)
	require.ErrorIs(t, err, ErrConflict)

	leader.mu.Lock()
	cancels := leader.cancels
	leader.mu.Unlock()
	require.Equal(t, 1, cancels, "queued try-acquire must cancel its waiter")
}

func TestReleaseErrorMapping(t *testing.T) {
	leader := &scriptedNode{leader: true, notHeld: true}
	addr := startNode(t, leader)

	c, err := NewClient(testConfig(addr))
	require.NoError(t, err)
	defer c.Close()

	err = c.Release(context.Background(), "res-a", "bogus")
	require.ErrorIs(t, err, ErrNotHeld)
}

func TestKeepAliveLoopRenewsSession(t *testing.T) {
	leader := &scriptedNode{leader: true}
	addr := startNode(t, leader)

	cfg := testConfig(addr)
	cfg.KeepAliveInterval = 20 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		leader.mu.Lock()
		defer leader.mu.Unlock()
		return leader.keepAlives >= 2
	}, "keep-alive loop should renew repeatedly")
}

func TestClientClosed(t *testing.T) {
	leader := &scriptedNode{leader: true}
	addr := startNode(t, leader)

	c, err := NewClient(testConfig(addr))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.TryAcquire(context.Background(), "res-a", types.ModeExclusive)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Endpoints: []string{"127.0.0.1:7000"}}
	require.NoError(t, cfg.withDefaults())
	require.NotEmpty(t, cfg.ClientID, "client ID is generated")
	require.Equal(t, defaultLeaseMillis, int(cfg.LeaseMillis))
	require.Equal(t, 10*time.Second, cfg.KeepAliveInterval, "a third of the lease")

	var empty Config
	require.Error(t, empty.withDefaults())
}

func TestErrorFromMeta(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"", nil},
		{rpc.ErrCodeTimeout, ErrTimeout},
		{rpc.ErrCodeDeadlockAborted, ErrDeadlockAborted},
		{rpc.ErrCodeWaitCancelled, ErrWaitCancelled},
		{rpc.ErrCodeNotHeld, ErrNotHeld},
		{rpc.ErrCodeNotWaiting, ErrNotWaiting},
		{rpc.ErrCodeRateLimited, ErrRateLimited},
	}
	for _, tc := range cases {
		err := errorFromMeta(rpc.ResponseMeta{ErrorCode: tc.code})
		if tc.want == nil {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, tc.want, tc.code)
	}

	err := errorFromMeta(rpc.ResponseMeta{ErrorCode: rpc.ErrCodeInvalidArgument, Message: "bad mode"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.True(t, errors.Is(errorFromMeta(rpc.ResponseMeta{ErrorCode: rpc.ErrCodeNotLeader}), errNotLeader))
}
