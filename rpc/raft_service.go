package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/quorumlock/quorumlock/types"
)

// Method names for the peer-to-peer consensus service.
const (
	RaftServiceName         = "quorumlock.Raft"
	raftRequestVoteMethod   = "/quorumlock.Raft/RequestVote"
	raftAppendEntriesMethod = "/quorumlock.Raft/AppendEntries"
)

// RaftHandler is implemented by the consensus core to process incoming
// peer RPCs.
type RaftHandler interface {
	RequestVote(ctx context.Context, args *types.RequestVoteArgs) (*types.RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *types.AppendEntriesArgs) (*types.AppendEntriesReply, error)
}

// RegisterRaftServer registers the consensus service on a gRPC server.
func RegisterRaftServer(s grpc.ServiceRegistrar, h RaftHandler) {
	s.RegisterService(&raftServiceDesc, h)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: RaftServiceName,
	HandlerType: (*RaftHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: raftRequestVoteHandler},
		{MethodName: "AppendEntries", Handler: raftAppendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumlock/rpc/raft_service.go",
}

func raftRequestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftHandler).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: raftRequestVoteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftHandler).RequestVote(ctx, req.(*types.RequestVoteArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func raftAppendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftHandler).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: raftAppendEntriesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftHandler).AppendEntries(ctx, req.(*types.AppendEntriesArgs))
	}
	return interceptor(ctx, in, info, handler)
}

// RaftClient is the client stub for the consensus service.
type RaftClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftClient wraps a connection with the consensus service stub.
func NewRaftClient(cc grpc.ClientConnInterface) *RaftClient {
	return &RaftClient{cc: cc}
}

// RequestVote invokes the RequestVote RPC on the remote peer.
func (c *RaftClient) RequestVote(ctx context.Context, args *types.RequestVoteArgs, opts ...grpc.CallOption) (*types.RequestVoteReply, error) {
	out := new(types.RequestVoteReply)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, raftRequestVoteMethod, args, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendEntries invokes the AppendEntries RPC on the remote peer.
func (c *RaftClient) AppendEntries(ctx context.Context, args *types.AppendEntriesArgs, opts ...grpc.CallOption) (*types.AppendEntriesReply, error) {
	out := new(types.AppendEntriesReply)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, raftAppendEntriesMethod, args, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
