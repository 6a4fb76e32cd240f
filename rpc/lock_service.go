package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/quorumlock/quorumlock/types"
)

// Method names for the client-facing lock service.
const (
	LockServiceName      = "quorumlock.LockService"
	lockAcquireMethod    = "/quorumlock.LockService/Acquire"
	lockReleaseMethod    = "/quorumlock.LockService/Release"
	lockCancelWaitMethod = "/quorumlock.LockService/CancelWait"
	lockKeepAliveMethod  = "/quorumlock.LockService/KeepAlive"
	lockStatusMethod     = "/quorumlock.LockService/Status"
)

// Error codes carried in response metadata. Transport-level failures are
// surfaced through gRPC status codes instead.
const (
	ErrCodeNotLeader       = "NOT_LEADER"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeDeadlockAborted = "DEADLOCK_ABORTED"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeNotHeld         = "NOT_HELD"
	ErrCodeNotWaiting      = "NOT_WAITING"
	ErrCodeWaitCancelled   = "WAIT_CANCELLED"
	ErrCodeRateLimited     = "RATE_LIMITED"
)

// ResponseMeta is embedded in every lock service response. A non-empty
// ErrorCode marks the request as failed; LeaderHint points clients at
// the node to retry against when the code is NOT_LEADER.
type ResponseMeta struct {
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
	LeaderHint string `json:"leader_hint,omitempty"`
}

// OK reports whether the response carries no application-level error.
func (m ResponseMeta) OK() bool { return m.ErrorCode == "" }

// AcquireRequest asks for a shared or exclusive lock on a resource.
// When Wait is false and the lock conflicts, the request is queued and
// the response reports the queue position immediately. When Wait is
// true, the call blocks until grant, abort, or the context's deadline.
type AcquireRequest struct {
	ClientID    types.ClientID   `json:"client_id"`
	Resource    types.ResourceID `json:"resource"`
	Mode        types.LockMode   `json:"mode"`
	Wait        bool             `json:"wait,omitempty"`
	LeaseMillis int64            `json:"lease_millis,omitempty"`
}

// AcquireResponse reports the outcome of an acquire. A queued request is
// a normal outcome, not an error.
type AcquireResponse struct {
	Meta          ResponseMeta `json:"meta"`
	Granted       bool         `json:"granted"`
	Queued        bool         `json:"queued,omitempty"`
	Token         string       `json:"token,omitempty"`
	QueuePosition int          `json:"queue_position,omitempty"`
}

// ReleaseRequest releases a held lock identified by its grant token.
type ReleaseRequest struct {
	ClientID types.ClientID   `json:"client_id"`
	Resource types.ResourceID `json:"resource"`
	Token    string           `json:"token"`
}

// ReleaseResponse reports the outcome of a release.
type ReleaseResponse struct {
	Meta     ResponseMeta `json:"meta"`
	Released bool         `json:"released"`
}

// CancelWaitRequest abandons a pending acquire for the client.
type CancelWaitRequest struct {
	ClientID types.ClientID   `json:"client_id"`
	Resource types.ResourceID `json:"resource"`
}

// CancelWaitResponse reports the outcome of a cancellation.
type CancelWaitResponse struct {
	Meta      ResponseMeta `json:"meta"`
	Cancelled bool         `json:"cancelled"`
}

// KeepAliveRequest renews a client's session lease. Renewal is a
// best-effort heartbeat handled on the leader outside consensus.
type KeepAliveRequest struct {
	ClientID    types.ClientID `json:"client_id"`
	LeaseMillis int64          `json:"lease_millis,omitempty"`
}

// KeepAliveResponse reports the renewed lease deadline in unix millis.
type KeepAliveResponse struct {
	Meta          ResponseMeta `json:"meta"`
	ExpiresUnixMs int64        `json:"expires_unix_ms,omitempty"`
}

// StatusRequest queries node and optional per-resource state.
type StatusRequest struct {
	Resource types.ResourceID `json:"resource,omitempty"`
}

// StatusResponse carries the monitoring view of the node and, when a
// resource was named, its lock table entry.
type StatusResponse struct {
	Meta ResponseMeta     `json:"meta"`
	Raft types.RaftStatus `json:"raft"`
	Lock *types.LockInfo  `json:"lock,omitempty"`
}

// LockHandler is implemented by the client-facing server.
type LockHandler interface {
	Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error)
	Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error)
	CancelWait(ctx context.Context, req *CancelWaitRequest) (*CancelWaitResponse, error)
	KeepAlive(ctx context.Context, req *KeepAliveRequest) (*KeepAliveResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

// RegisterLockServer registers the lock service on a gRPC server.
func RegisterLockServer(s grpc.ServiceRegistrar, h LockHandler) {
	s.RegisterService(&lockServiceDesc, h)
}

var lockServiceDesc = grpc.ServiceDesc{
	ServiceName: LockServiceName,
	HandlerType: (*LockHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: lockAcquireHandler},
		{MethodName: "Release", Handler: lockReleaseHandler},
		{MethodName: "CancelWait", Handler: lockCancelWaitHandler},
		{MethodName: "KeepAlive", Handler: lockKeepAliveHandler},
		{MethodName: "Status", Handler: lockStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quorumlock/rpc/lock_service.go",
}

func lockAcquireHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AcquireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockHandler).Acquire(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockAcquireMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockHandler).Acquire(ctx, req.(*AcquireRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lockReleaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockHandler).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockReleaseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockHandler).Release(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lockCancelWaitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelWaitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockHandler).CancelWait(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockCancelWaitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockHandler).CancelWait(ctx, req.(*CancelWaitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lockKeepAliveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(KeepAliveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockHandler).KeepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockKeepAliveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockHandler).KeepAlive(ctx, req.(*KeepAliveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lockStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockHandler).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockHandler).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// LockClient is the client stub for the lock service.
type LockClient struct {
	cc grpc.ClientConnInterface
}

// NewLockClient wraps a connection with the lock service stub.
func NewLockClient(cc grpc.ClientConnInterface) *LockClient {
	return &LockClient{cc: cc}
}

func (c *LockClient) Acquire(ctx context.Context, req *AcquireRequest, opts ...grpc.CallOption) (*AcquireResponse, error) {
	out := new(AcquireResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, lockAcquireMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LockClient) Release(ctx context.Context, req *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, lockReleaseMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LockClient) CancelWait(ctx context.Context, req *CancelWaitRequest, opts ...grpc.CallOption) (*CancelWaitResponse, error) {
	out := new(CancelWaitResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, lockCancelWaitMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LockClient) KeepAlive(ctx context.Context, req *KeepAliveRequest, opts ...grpc.CallOption) (*KeepAliveResponse, error) {
	out := new(KeepAliveResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, lockKeepAliveMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LockClient) Status(ctx context.Context, req *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, lockStatusMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
