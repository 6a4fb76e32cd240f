package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

// memBus routes peer RPCs between in-process nodes, with per-node
// partitioning for failure tests.
type memBus struct {
	mu          sync.Mutex
	handlers    map[types.NodeID]Raft
	partitioned map[types.NodeID]bool
}

func newMemBus() *memBus {
	return &memBus{
		handlers:    make(map[types.NodeID]Raft),
		partitioned: make(map[types.NodeID]bool),
	}
}

func (b *memBus) register(id types.NodeID, n Raft) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = n
}

func (b *memBus) partition(id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitioned[id] = true
}

func (b *memBus) heal(id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitioned, id)
}

func (b *memBus) route(from, to types.NodeID) (Raft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partitioned[from] || b.partitioned[to] {
		return nil, fmt.Errorf("%w: %s is unreachable", ErrPeerNotFound, to)
	}
	h, ok := b.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, to)
	}
	return h, nil
}

// memPeer is one node's view of the bus, satisfying PeerNetwork.
type memPeer struct {
	bus  *memBus
	self types.NodeID
}

func (p *memPeer) Start() error { return nil }
func (p *memPeer) Stop() error  { return nil }

func (p *memPeer) SendRequestVote(ctx context.Context, target types.NodeID, args *types.RequestVoteArgs) (*types.RequestVoteReply, error) {
	h, err := p.bus.route(p.self, target)
	if err != nil {
		return nil, err
	}
	return h.RequestVote(ctx, args)
}

func (p *memPeer) SendAppendEntries(ctx context.Context, target types.NodeID, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error) {
	h, err := p.bus.route(p.self, target)
	if err != nil {
		return nil, err
	}
	return h.AppendEntries(ctx, args)
}

func (p *memPeer) LocalAddr() string { return "mem://" + string(p.self) }

// echoApplier records applied indexes and echoes the command back as
// the result.
type echoApplier struct {
	mu      sync.Mutex
	applied []types.Index
}

func (a *echoApplier) Apply(ctx context.Context, index types.Index, command []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, index)
	return command, nil
}

func (a *echoApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func (a *echoApplier) indexes() []types.Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Index, len(a.applied))
	copy(out, a.applied)
	return out
}

type cluster struct {
	t        *testing.T
	bus      *memBus
	ids      []types.NodeID
	nodes    map[types.NodeID]Raft
	appliers map[types.NodeID]*echoApplier
}

func testClusterConfig(id types.NodeID, peers map[types.NodeID]string) Config {
	cfg := DefaultConfig(id, peers)
	cfg.ElectionTicksMin = 4
	cfg.ElectionTicksMax = 8
	cfg.HeartbeatTicks = 1
	return cfg
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()
	c := &cluster{
		t:        t,
		bus:      newMemBus(),
		nodes:    make(map[types.NodeID]Raft),
		appliers: make(map[types.NodeID]*echoApplier),
	}

	peers := make(map[types.NodeID]string)
	for i := 0; i < size; i++ {
		id := types.NodeID(fmt.Sprintf("n%d", i+1))
		c.ids = append(c.ids, id)
		peers[id] = "mem://" + string(id)
	}

	for _, id := range c.ids {
		applier := &echoApplier{}
		n, err := NewNode(testClusterConfig(id, peers), Dependencies{
			Storage: NewMemoryStorage(),
			Applier: applier,
		})
		testutil.AssertNoError(t, err, "NewNode(%s)", id)
		n.SetPeerNetwork(&memPeer{bus: c.bus, self: id})
		c.bus.register(id, n)
		c.nodes[id] = n
		c.appliers[id] = applier
	}

	for _, id := range c.ids {
		testutil.AssertNoError(t, c.nodes[id].Start(), "Start(%s)", id)
	}
	t.Cleanup(func() {
		for _, id := range c.ids {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.nodes[id].Stop(ctx)
			cancel()
		}
	})
	return c
}

// drain keeps the apply channels from backing up; every cluster test
// runs it for all nodes.
func (c *cluster) drain() {
	for _, id := range c.ids {
		ch := c.nodes[id].ApplyChannel()
		go func() {
			for range ch {
			}
		}()
	}
}

// elect ticks one node past its election timeout, then keeps ticking
// it for heartbeats until every reachable node agrees it leads.
func (c *cluster) elect(id types.NodeID) {
	c.t.Helper()
	ctx := context.Background()
	n := c.nodes[id]
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n.Tick(ctx)
		if _, isLeader := n.GetState(); isLeader {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.t.Fatalf("node %s did not win an election", id)
}

// heartbeat ticks the leader once, which at HeartbeatTicks=1 triggers
// a broadcast round.
func (c *cluster) heartbeat(id types.NodeID) {
	c.nodes[id].Tick(context.Background())
}
