package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/quorumlock/quorumlock/lock"
	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/raft"
	"github.com/quorumlock/quorumlock/rpc"
	"github.com/quorumlock/quorumlock/types"
)

// Dependencies carries everything a Server needs. Raft must not be
// started yet: the server wires the lock event notifier before any
// entry can apply.
type Dependencies struct {
	Raft    raft.Raft
	Manager *lock.Manager
	Logger  logger.Logger
	Metrics Metrics
	Clock   raft.Clock
}

// Validate checks that all required dependencies are present.
func (d Dependencies) Validate() error {
	if d.Raft == nil {
		return fmt.Errorf("%w: Raft is required", raft.ErrMissingDependencies)
	}
	if d.Manager == nil {
		return fmt.Errorf("%w: Manager is required", raft.ErrMissingDependencies)
	}
	return nil
}

type proposalWaiter struct {
	term types.Term
	ch   chan types.ApplyMsg
}

// Server exposes the lock service over gRPC. It is the only consumer
// of the consensus apply channel: it settles pending proposals, feeds
// waiting acquires, and drives the deadlock detector.
type Server struct {
	cfg      Config
	raft     raft.Raft
	manager  *lock.Manager
	detector *lock.Detector
	leases   *lock.LeaseTracker
	waits    *waitTracker
	limiter  *rate.Limiter
	logger   logger.Logger
	metrics  Metrics
	clock    raft.Clock

	propMu    sync.Mutex
	proposals map[types.Index]proposalWaiter

	grpcServer *grpc.Server
	listener   net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a server and registers itself as the lock event
// notifier on the state machine.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}
	clock := deps.Clock
	if clock == nil {
		clock = raft.NewStandardClock()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s := &Server{
		cfg:       cfg,
		raft:      deps.Raft,
		manager:   deps.Manager,
		leases:    lock.NewLeaseTracker(),
		waits:     newWaitTracker(),
		limiter:   limiter,
		logger:    log.WithComponent("server").WithNodeID(cfg.NodeID),
		metrics:   metrics,
		clock:     clock,
		proposals: make(map[types.Index]proposalWaiter),
		stopCh:    make(chan struct{}),
	}
	s.detector = lock.NewDetector(deps.Manager, deps.Raft, log, nil)
	deps.Manager.SetNotifier(s.onLockEvent)
	return s, nil
}

// Start begins serving and launches the apply, leadership and lease
// loops. The consensus node must be started separately, after this.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{PermitWithoutStream: true}),
	)
	rpc.RegisterLockServer(s.grpcServer, s)

	s.wg.Add(4)
	go s.serveLoop()
	go s.applyLoop()
	go s.leaderLoop()
	go s.leaseLoop()

	s.logger.Infow("lock server started", "addr", lis.Addr().String())
	return nil
}

// Stop shuts the server down, waiting up to the context deadline for
// in-flight RPCs before forcing the issue.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	s.wg.Wait()
	s.logger.Infow("lock server stopped")
	return nil
}

// Addr returns the bound listen address, useful when the configured
// address carries port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) serveLoop() {
	defer s.wg.Done()
	if err := s.grpcServer.Serve(s.listener); err != nil &&
		!errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
		s.logger.Errorw("serve failed", "error", err)
	}
}

// applyLoop consumes committed entries: it settles the proposal that
// created each entry and lets the detector react to new wait edges.
func (s *Server) applyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-s.raft.ApplyChannel():
			if !ok {
				return
			}
			s.settleProposal(msg)
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProposalTimeout)
			s.detector.Check(ctx)
			cancel()
		}
	}
}

func (s *Server) settleProposal(msg types.ApplyMsg) {
	s.propMu.Lock()
	w, ok := s.proposals[msg.Index]
	if ok {
		delete(s.proposals, msg.Index)
	}
	s.propMu.Unlock()

	if ok {
		select {
		case w.ch <- msg:
		default:
		}
	}
}

// leaderLoop reacts to leadership changes: a node that wins seeds its
// lease tracker from the replicated sessions, a node that loses drops
// it so stale deadlines never expire sessions it no longer owns.
func (s *Server) leaderLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case leaderID, ok := <-s.raft.LeaderChangeChannel():
			if !ok {
				return
			}
			if leaderID == s.cfg.NodeID {
				s.seedLeases()
			} else {
				s.leases.Reset()
				s.failPendingProposals()
			}
		}
	}
}

// seedLeases grants every known session a full lease measured from the
// moment of leadership change. Clients that are alive will renew well
// before it runs out; clients that died during the change still expire.
func (s *Server) seedLeases() {
	now := s.clock.Now()
	sessions := s.manager.Sessions()
	for client, leaseMillis := range sessions {
		s.leases.Track(client, now, time.Duration(leaseMillis)*time.Millisecond)
	}
	s.metrics.ObserveSessionsSeeded(len(sessions))
	s.logger.Infow("leadership gained, lease tracking seeded", "sessions", len(sessions))
}

// failPendingProposals unblocks requests whose entries can no longer
// commit under this node's leadership.
func (s *Server) failPendingProposals() {
	s.propMu.Lock()
	pending := s.proposals
	s.proposals = make(map[types.Index]proposalWaiter)
	s.propMu.Unlock()

	for _, w := range pending {
		select {
		case w.ch <- types.ApplyMsg{Err: raft.ErrNotLeader}:
		default:
		}
	}
	if len(pending) > 0 {
		s.logger.Warnw("leadership lost, pending proposals failed", "count", len(pending))
	}
}

// leaseLoop expires sessions on the leader. Expiry is proposed through
// consensus so every replica releases the dead client's locks at the
// same log position.
func (s *Server) leaseLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.LeaseCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			if _, isLeader := s.raft.GetState(); !isLeader {
				continue
			}
			for _, client := range s.leases.Expired(s.clock.Now()) {
				cmd := types.Command{
					Type:     types.CommandExpireSession,
					ClientID: client,
				}
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProposalTimeout)
				if _, _, err := s.raft.Propose(ctx, cmd.MustEncode()); err != nil {
					s.logger.Warnw("failed to propose session expiry",
						"clientID", client, "error", err)
				}
				cancel()
			}
		}
	}
}

// onLockEvent receives state machine events synchronously from the
// apply path. Only terminal waiter outcomes are routed; everything
// else is already answered through proposal settlement.
func (s *Server) onLockEvent(ev lock.Event) {
	switch ev.Type {
	case lock.EventGranted, lock.EventAborted:
		s.waits.Resolve(ev)
	}
}

// proposeAndWait replicates a command and blocks until it applies on
// this node. The registered waiter carries the proposal term: if a
// different leader's entry lands at the same index, the result belongs
// to someone else and the request is failed instead of misanswered.
func (s *Server) proposeAndWait(ctx context.Context, cmd types.Command) (lock.CommandResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProposalTimeout)
		defer cancel()
	}

	s.propMu.Lock()
	index, term, err := s.raft.Propose(ctx, cmd.MustEncode())
	if err != nil {
		s.propMu.Unlock()
		return lock.CommandResult{}, err
	}
	w := proposalWaiter{term: term, ch: make(chan types.ApplyMsg, 1)}
	s.proposals[index] = w
	s.propMu.Unlock()

	defer func() {
		s.propMu.Lock()
		if cur, ok := s.proposals[index]; ok && cur.ch == w.ch {
			delete(s.proposals, index)
		}
		s.propMu.Unlock()
	}()

	select {
	case msg := <-w.ch:
		if msg.Err == nil && msg.Term != 0 && msg.Term != term {
			return lock.CommandResult{}, raft.ErrNotLeader
		}
		if msg.Err != nil {
			return lock.CommandResult{}, msg.Err
		}
		var result lock.CommandResult
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				return lock.CommandResult{}, fmt.Errorf("decode apply result: %w", err)
			}
		}
		return result, nil
	case <-ctx.Done():
		return lock.CommandResult{}, raft.ErrTimeout
	case <-s.stopCh:
		return lock.CommandResult{}, raft.ErrShuttingDown
	}
}

func (s *Server) requireLeader() (rpc.ResponseMeta, bool) {
	if _, isLeader := s.raft.GetState(); isLeader {
		return rpc.ResponseMeta{}, true
	}
	s.metrics.ObserveRedirect()
	return rpc.ResponseMeta{
		ErrorCode:  rpc.ErrCodeNotLeader,
		Message:    "not the leader",
		LeaderHint: s.leaderHint(),
	}, false
}

// leaderHint resolves the last observed leader to its client-facing
// address. Empty when no leader is known.
func (s *Server) leaderHint() string {
	id := s.raft.GetLeaderID()
	if id == "" || id == s.cfg.NodeID {
		return ""
	}
	return s.cfg.ClientAddrs[id]
}

func (s *Server) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Server) observe(method string, meta rpc.ResponseMeta, start time.Time) {
	s.metrics.ObserveRequest(method, meta.ErrorCode, s.clock.Since(start))
}

// trackLease starts or renews lease tracking for a session. Tracking
// is leader-local; the replicated session record is created by the
// command that carried the client's first request.
func (s *Server) trackLease(client types.ClientID, leaseMillis int64) {
	if leaseMillis <= 0 {
		leaseMillis = s.cfg.DefaultLeaseMillis
	}
	s.leases.Track(client, s.clock.Now(), time.Duration(leaseMillis)*time.Millisecond)
}

// Acquire implements rpc.LockHandler.
func (s *Server) Acquire(ctx context.Context, req *rpc.AcquireRequest) (*rpc.AcquireResponse, error) {
	start := s.clock.Now()
	resp := &rpc.AcquireResponse{}
	defer func() { s.observe("Acquire", resp.Meta, start) }()

	if req.ClientID == "" || req.Resource == "" {
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "client_id and resource are required",
		}
		return resp, nil
	}
	if !req.Mode.IsValid() {
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "unknown lock mode",
		}
		return resp, nil
	}
	if !s.allow() {
		resp.Meta = rpc.ResponseMeta{ErrorCode: rpc.ErrCodeRateLimited, Message: "request rate exceeded"}
		return resp, nil
	}
	meta, isLeader := s.requireLeader()
	if !isLeader {
		resp.Meta = meta
		return resp, nil
	}

	// Listen before proposing: the grant could otherwise land between
	// the acquire applying and this call starting to wait.
	waitCh, cancelWait := s.waits.Register(req.ClientID, req.Resource)
	defer cancelWait()

	result, err := s.proposeAndWait(ctx, types.Command{
		Type:        types.CommandAcquire,
		ClientID:    req.ClientID,
		Resource:    req.Resource,
		Mode:        req.Mode,
		LeaseMillis: req.LeaseMillis,
	})
	if err != nil {
		resp.Meta = metaFromError(err, s.leaderHint())
		return resp, nil
	}
	s.trackLease(req.ClientID, req.LeaseMillis)

	if result.Granted {
		resp.Granted = true
		resp.Token = result.Token
		return resp, nil
	}
	if !req.Wait {
		resp.Queued = true
		resp.QueuePosition = result.QueuePosition
		return resp, nil
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.DefaultAcquireWait)
		defer cancel()
	}

	select {
	case ev := <-waitCh:
		if ev.Type == lock.EventGranted {
			resp.Granted = true
			resp.Token = ev.Token
			return resp, nil
		}
		switch ev.Reason {
		case lock.AbortReasonDeadlock:
			resp.Meta = rpc.ResponseMeta{
				ErrorCode: rpc.ErrCodeDeadlockAborted,
				Message:   "request aborted to break a deadlock",
			}
		default:
			resp.Meta = rpc.ResponseMeta{
				ErrorCode: rpc.ErrCodeWaitCancelled,
				Message:   "pending request was cancelled",
			}
		}
		return resp, nil
	case <-waitCtx.Done():
		s.withdrawWaiter(req.ClientID, req.Resource)
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeTimeout,
			Message:   "gave up waiting for the lock",
		}
		return resp, nil
	case <-s.stopCh:
		resp.Meta = rpc.ResponseMeta{ErrorCode: rpc.ErrCodeUnavailable, Message: "server shutting down"}
		return resp, nil
	}
}

// withdrawWaiter removes a timed-out waiter from the queue, best
// effort. If the grant wins the race the client still owns the lock
// and will learn so on its next acquire.
func (s *Server) withdrawWaiter(client types.ClientID, resource types.ResourceID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProposalTimeout)
	defer cancel()
	_, err := s.proposeAndWait(ctx, types.Command{
		Type:     types.CommandAbortWaiter,
		ClientID: client,
		Resource: resource,
		Reason:   lock.AbortReasonTimeout,
	})
	if err != nil && !errors.Is(err, lock.ErrNotWaiting) {
		s.logger.Warnw("failed to withdraw timed out waiter",
			"clientID", client, "resource", resource, "error", err)
	}
}

// Release implements rpc.LockHandler.
func (s *Server) Release(ctx context.Context, req *rpc.ReleaseRequest) (*rpc.ReleaseResponse, error) {
	start := s.clock.Now()
	resp := &rpc.ReleaseResponse{}
	defer func() { s.observe("Release", resp.Meta, start) }()

	if req.ClientID == "" || req.Resource == "" {
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "client_id and resource are required",
		}
		return resp, nil
	}
	if !s.allow() {
		resp.Meta = rpc.ResponseMeta{ErrorCode: rpc.ErrCodeRateLimited, Message: "request rate exceeded"}
		return resp, nil
	}
	meta, isLeader := s.requireLeader()
	if !isLeader {
		resp.Meta = meta
		return resp, nil
	}

	result, err := s.proposeAndWait(ctx, types.Command{
		Type:     types.CommandRelease,
		ClientID: req.ClientID,
		Resource: req.Resource,
		Token:    req.Token,
	})
	if err != nil {
		resp.Meta = metaFromError(err, s.leaderHint())
		return resp, nil
	}
	resp.Released = result.Released
	return resp, nil
}

// CancelWait implements rpc.LockHandler.
func (s *Server) CancelWait(ctx context.Context, req *rpc.CancelWaitRequest) (*rpc.CancelWaitResponse, error) {
	start := s.clock.Now()
	resp := &rpc.CancelWaitResponse{}
	defer func() { s.observe("CancelWait", resp.Meta, start) }()

	if req.ClientID == "" || req.Resource == "" {
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "client_id and resource are required",
		}
		return resp, nil
	}
	meta, isLeader := s.requireLeader()
	if !isLeader {
		resp.Meta = meta
		return resp, nil
	}

	result, err := s.proposeAndWait(ctx, types.Command{
		Type:     types.CommandAbortWaiter,
		ClientID: req.ClientID,
		Resource: req.Resource,
		Reason:   lock.AbortReasonCancel,
	})
	if err != nil {
		resp.Meta = metaFromError(err, s.leaderHint())
		return resp, nil
	}
	resp.Cancelled = result.Cancelled
	return resp, nil
}

// KeepAlive implements rpc.LockHandler. Renewal is deliberately cheap:
// it touches only the leader's lease tracker. Sessions unknown to the
// state machine are registered through consensus first, which lets a
// client survive a leader change without losing its lease.
func (s *Server) KeepAlive(ctx context.Context, req *rpc.KeepAliveRequest) (*rpc.KeepAliveResponse, error) {
	start := s.clock.Now()
	resp := &rpc.KeepAliveResponse{}
	defer func() { s.observe("KeepAlive", resp.Meta, start) }()

	if req.ClientID == "" {
		resp.Meta = rpc.ResponseMeta{
			ErrorCode: rpc.ErrCodeInvalidArgument,
			Message:   "client_id is required",
		}
		return resp, nil
	}
	meta, isLeader := s.requireLeader()
	if !isLeader {
		resp.Meta = meta
		return resp, nil
	}

	leaseMillis := req.LeaseMillis
	if leaseMillis <= 0 {
		leaseMillis = s.cfg.DefaultLeaseMillis
	}
	if !s.manager.HasSession(req.ClientID) {
		_, err := s.proposeAndWait(ctx, types.Command{
			Type:        types.CommandRegisterSession,
			ClientID:    req.ClientID,
			LeaseMillis: leaseMillis,
		})
		if err != nil {
			resp.Meta = metaFromError(err, s.leaderHint())
			return resp, nil
		}
	}
	s.trackLease(req.ClientID, leaseMillis)
	if deadline, ok := s.leases.Deadline(req.ClientID); ok {
		resp.ExpiresUnixMs = deadline.UnixMilli()
	}
	return resp, nil
}

// Status implements rpc.LockHandler. It answers on any node; readers
// that need linearizable state should ask the leader.
func (s *Server) Status(ctx context.Context, req *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	start := s.clock.Now()
	resp := &rpc.StatusResponse{Raft: s.raft.Status()}
	defer func() { s.observe("Status", resp.Meta, start) }()

	if req.Resource != "" {
		if info, ok := s.manager.GetLockInfo(req.Resource); ok {
			resp.Lock = &info
		}
	}
	return resp, nil
}
