package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/rpc"
	"github.com/quorumlock/quorumlock/types"
)

// grpcNetwork implements PeerNetwork over gRPC. Connections to peers
// are dialed lazily and reused; gRPC reconnects transparently after
// transient failures, so a lost message costs one round, not a
// connection teardown dance.
type grpcNetwork struct {
	id         types.NodeID
	listenAddr string
	peers      map[types.NodeID]string
	handler    rpc.RaftHandler

	logger logger.Logger

	isShutdown atomic.Bool

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	conns    map[types.NodeID]*grpc.ClientConn
	clients  map[types.NodeID]*rpc.RaftClient
}

// NewGRPCNetwork builds the peer transport for one node. The handler is
// typically the consensus node itself.
func NewGRPCNetwork(id types.NodeID, peers map[types.NodeID]string, handler rpc.RaftHandler, log logger.Logger) (PeerNetwork, error) {
	addr, ok := peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: local node %q missing from peer map", ErrConfigValidation, id)
	}
	return &grpcNetwork{
		id:         id,
		listenAddr: addr,
		peers:      peers,
		handler:    handler,
		logger:     log.WithNodeID(id).WithComponent("network"),
		conns:      make(map[types.NodeID]*grpc.ClientConn),
		clients:    make(map[types.NodeID]*rpc.RaftClient),
	}, nil
}

// Start begins serving peer RPCs on the configured address.
func (g *grpcNetwork) Start() error {
	if g.isShutdown.Load() {
		return ErrShuttingDown
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return nil
	}

	lis, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", g.listenAddr, err)
	}

	server := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{PermitWithoutStream: true}),
	)
	rpc.RegisterRaftServer(server, g.handler)

	g.server = server
	g.listener = lis

	go func() {
		if err := server.Serve(lis); err != nil &&
			!errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
			if !g.isShutdown.Load() {
				g.logger.Errorw("Peer RPC server failed", "error", err)
			}
		}
	}()

	g.logger.Infow("Peer network started", "address", lis.Addr().String())
	return nil
}

// Stop closes the server and all peer connections.
func (g *grpcNetwork) Stop() error {
	if !g.isShutdown.CompareAndSwap(false, true) {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		g.server.Stop()
		g.server = nil
	}
	for peer, conn := range g.conns {
		if err := conn.Close(); err != nil {
			g.logger.Debugw("Error closing peer connection", "peer", peer, "error", err)
		}
	}
	g.conns = make(map[types.NodeID]*grpc.ClientConn)
	g.clients = make(map[types.NodeID]*rpc.RaftClient)

	g.logger.Infow("Peer network stopped")
	return nil
}

// SendRequestVote delivers a RequestVote RPC to the target peer.
func (g *grpcNetwork) SendRequestVote(ctx context.Context, target types.NodeID, args *types.RequestVoteArgs) (*types.RequestVoteReply, error) {
	client, err := g.clientFor(target)
	if err != nil {
		return nil, err
	}
	return client.RequestVote(ctx, args)
}

// SendAppendEntries delivers an AppendEntries RPC to the target peer.
func (g *grpcNetwork) SendAppendEntries(ctx context.Context, target types.NodeID, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error) {
	client, err := g.clientFor(target)
	if err != nil {
		return nil, err
	}
	return client.AppendEntries(ctx, args)
}

// LocalAddr returns the bound listen address.
func (g *grpcNetwork) LocalAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// clientFor returns the cached stub for a peer, dialing on first use.
func (g *grpcNetwork) clientFor(target types.NodeID) (*rpc.RaftClient, error) {
	if g.isShutdown.Load() {
		return nil, ErrShuttingDown
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[target]; ok {
		return client, nil
	}

	addr, ok := g.peers[target]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPeerNotFound, target)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial peer %q at %s: %w", target, addr, err)
	}

	client := rpc.NewRaftClient(conn)
	g.conns[target] = conn
	g.clients[target] = client
	return client, nil
}
