package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/types"
)

// DefaultLeaseMillis is used for sessions that acquire without ever
// registering a lease explicitly.
const DefaultLeaseMillis = 30_000

// resourceLock is the state of one lockable resource. Mode is the mode
// of the current holders; it is meaningless while Holders is empty.
type resourceLock struct {
	Mode    types.LockMode            `json:"mode"`
	Holders map[types.ClientID]string `json:"holders"`
	Queue   []types.LockWaiter        `json:"queue,omitempty"`
}

func newResourceLock() *resourceLock {
	return &resourceLock{Holders: make(map[types.ClientID]string)}
}

func (l *resourceLock) empty() bool {
	return len(l.Holders) == 0 && len(l.Queue) == 0
}

// grantable reports whether an incoming request can be granted
// immediately. Queued requests always take precedence: a non-empty
// queue forces new requests to line up behind it, which keeps the
// queue FIFO and prevents a stream of shared requests from starving a
// queued exclusive.
func (l *resourceLock) grantable(mode types.LockMode) bool {
	if len(l.Queue) > 0 {
		return false
	}
	if len(l.Holders) == 0 {
		return true
	}
	return mode.CompatibleWith(l.Mode)
}

func (l *resourceLock) queuePosition(client types.ClientID) int {
	for i, w := range l.Queue {
		if w.ClientID == client {
			return i
		}
	}
	return -1
}

func (l *resourceLock) removeWaiter(client types.ClientID) (types.LockWaiter, bool) {
	for i, w := range l.Queue {
		if w.ClientID == client {
			l.Queue = append(l.Queue[:i:i], l.Queue[i+1:]...)
			return w, true
		}
	}
	return types.LockWaiter{}, false
}

// sessionState is the replicated portion of a client session. Lease
// deadlines live on the leader only; replicas learn about expiry
// through a committed ExpireSession command.
type sessionState struct {
	LeaseMillis int64 `json:"lease_millis"`
}

// Manager is the replicated lock state machine. All mutations flow
// through Apply in commit order; queries take a read lock and may run
// concurrently with applies.
type Manager struct {
	mu          sync.RWMutex
	locks       map[types.ResourceID]*resourceLock
	sessions    map[types.ClientID]sessionState
	lastApplied types.Index

	notify  func(Event)
	logger  logger.Logger
	metrics Metrics
}

// NewManager builds an empty state machine. The notifier may be nil;
// SetNotifier wires it later, before the first Apply.
func NewManager(log logger.Logger, metrics Metrics) *Manager {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}
	return &Manager{
		locks:    make(map[types.ResourceID]*resourceLock),
		sessions: make(map[types.ClientID]sessionState),
		logger:   log.WithComponent("lock"),
		metrics:  metrics,
	}
}

// SetNotifier registers the event sink. Events are delivered
// synchronously from Apply, so the sink must not block.
func (m *Manager) SetNotifier(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *Manager) emitLocked(ev Event) {
	if m.notify != nil {
		m.notify(ev)
	}
}

// Apply executes one committed command. It is called by the consensus
// apply loop strictly in index order on every replica, so everything
// here must be deterministic: no wall clocks, no randomness, no map
// iteration that affects outcomes.
func (m *Manager) Apply(ctx context.Context, index types.Index, command []byte) ([]byte, error) {
	cmd, err := types.DecodeCommand(command)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if index <= m.lastApplied {
		m.logger.Warnw("skipping already applied index",
			"index", index, "lastApplied", m.lastApplied)
		return nil, nil
	}
	m.lastApplied = index

	var (
		result CommandResult
		cmdErr error
	)
	switch cmd.Type {
	case types.CommandNoOp:
		// Barrier entry appended by a new leader; no state change.
	case types.CommandAcquire:
		result, cmdErr = m.applyAcquireLocked(index, cmd)
	case types.CommandRelease:
		result, cmdErr = m.applyReleaseLocked(index, cmd)
	case types.CommandAbortWaiter:
		result, cmdErr = m.applyAbortWaiterLocked(index, cmd)
	case types.CommandRegisterSession:
		result = m.applyRegisterSessionLocked(cmd)
	case types.CommandExpireSession:
		result = m.applyExpireSessionLocked(index, cmd)
	default:
		cmdErr = fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Type)
	}

	m.observeTableLocked()

	if cmdErr != nil {
		return nil, cmdErr
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode apply result: %w", err)
	}
	return data, nil
}

// LastApplied returns the index of the last applied command.
func (m *Manager) LastApplied() types.Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApplied
}

func (m *Manager) applyAcquireLocked(index types.Index, cmd types.Command) (CommandResult, error) {
	m.ensureSessionLocked(cmd.ClientID, cmd.LeaseMillis)

	lk, ok := m.locks[cmd.Resource]
	if !ok {
		lk = newResourceLock()
		m.locks[cmd.Resource] = lk
	}

	// Re-delivered acquires are answered from existing state so client
	// retries are idempotent.
	if token, held := lk.Holders[cmd.ClientID]; held {
		if lk.Mode != cmd.Mode {
			return CommandResult{}, ErrModeChange
		}
		return CommandResult{Granted: true, Token: token}, nil
	}
	if pos := lk.queuePosition(cmd.ClientID); pos >= 0 {
		return CommandResult{Queued: true, QueuePosition: pos}, nil
	}

	if lk.grantable(cmd.Mode) {
		token := grantToken(cmd.Resource, cmd.ClientID, index)
		lk.Mode = cmd.Mode
		lk.Holders[cmd.ClientID] = token
		m.emitLocked(Event{
			Type:     EventGranted,
			Resource: cmd.Resource,
			ClientID: cmd.ClientID,
			Mode:     cmd.Mode,
			Token:    token,
			Index:    index,
		})
		m.metrics.ObserveAcquire(true, false)
		return CommandResult{Granted: true, Token: token}, nil
	}

	waiter := types.LockWaiter{
		ClientID:     cmd.ClientID,
		Mode:         cmd.Mode,
		EnqueueIndex: index,
	}
	lk.Queue = append(lk.Queue, waiter)
	pos := len(lk.Queue) - 1
	m.emitLocked(Event{
		Type:          EventQueued,
		Resource:      cmd.Resource,
		ClientID:      cmd.ClientID,
		Mode:          cmd.Mode,
		Index:         index,
		QueuePosition: pos,
	})
	m.metrics.ObserveAcquire(false, true)
	return CommandResult{Queued: true, QueuePosition: pos}, nil
}

func (m *Manager) applyReleaseLocked(index types.Index, cmd types.Command) (CommandResult, error) {
	lk, ok := m.locks[cmd.Resource]
	if !ok {
		return CommandResult{}, ErrNotHeld
	}
	token, held := lk.Holders[cmd.ClientID]
	if !held {
		return CommandResult{}, ErrNotHeld
	}
	if cmd.Token != "" && cmd.Token != token {
		return CommandResult{}, ErrNotHeld
	}

	delete(lk.Holders, cmd.ClientID)
	m.emitLocked(Event{
		Type:     EventReleased,
		Resource: cmd.Resource,
		ClientID: cmd.ClientID,
		Mode:     lk.Mode,
		Token:    token,
		Index:    index,
	})

	promoted := m.cascadeLocked(index, cmd.Resource, lk)
	if lk.empty() {
		delete(m.locks, cmd.Resource)
	}
	m.metrics.ObserveRelease(promoted)
	return CommandResult{Released: true}, nil
}

func (m *Manager) applyAbortWaiterLocked(index types.Index, cmd types.Command) (CommandResult, error) {
	lk, ok := m.locks[cmd.Resource]
	if !ok {
		return CommandResult{}, ErrNotWaiting
	}
	waiter, removed := lk.removeWaiter(cmd.ClientID)
	if !removed {
		return CommandResult{}, ErrNotWaiting
	}

	m.emitLocked(Event{
		Type:     EventAborted,
		Resource: cmd.Resource,
		ClientID: cmd.ClientID,
		Mode:     waiter.Mode,
		Index:    index,
		Reason:   cmd.Reason,
	})

	// Removing a waiter can unblock the waiters behind it, e.g. shared
	// requests queued behind an aborted exclusive.
	m.cascadeLocked(index, cmd.Resource, lk)
	if lk.empty() {
		delete(m.locks, cmd.Resource)
	}
	m.metrics.ObserveAbort()
	return CommandResult{Cancelled: true}, nil
}

func (m *Manager) applyRegisterSessionLocked(cmd types.Command) CommandResult {
	lease := cmd.LeaseMillis
	if lease <= 0 {
		lease = DefaultLeaseMillis
	}
	m.sessions[cmd.ClientID] = sessionState{LeaseMillis: lease}
	return CommandResult{}
}

func (m *Manager) applyExpireSessionLocked(index types.Index, cmd types.Command) CommandResult {
	if _, ok := m.sessions[cmd.ClientID]; !ok {
		return CommandResult{}
	}

	// Resources are processed in sorted order so every replica emits
	// the same event sequence.
	var resources []types.ResourceID
	for res, lk := range m.locks {
		if _, held := lk.Holders[cmd.ClientID]; held {
			resources = append(resources, res)
			continue
		}
		if lk.queuePosition(cmd.ClientID) >= 0 {
			resources = append(resources, res)
		}
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	for _, res := range resources {
		lk := m.locks[res]
		if token, held := lk.Holders[cmd.ClientID]; held {
			delete(lk.Holders, cmd.ClientID)
			m.emitLocked(Event{
				Type:     EventReleased,
				Resource: res,
				ClientID: cmd.ClientID,
				Mode:     lk.Mode,
				Token:    token,
				Index:    index,
			})
		}
		if waiter, removed := lk.removeWaiter(cmd.ClientID); removed {
			m.emitLocked(Event{
				Type:     EventAborted,
				Resource: res,
				ClientID: cmd.ClientID,
				Mode:     waiter.Mode,
				Index:    index,
				Reason:   AbortReasonExpired,
			})
		}
		m.cascadeLocked(index, res, lk)
		if lk.empty() {
			delete(m.locks, res)
		}
	}

	delete(m.sessions, cmd.ClientID)
	m.emitLocked(Event{
		Type:     EventExpired,
		ClientID: cmd.ClientID,
		Index:    index,
	})
	m.metrics.ObserveSessionExpired()
	m.logger.Infow("session expired", "clientID", cmd.ClientID,
		"releasedResources", len(resources))
	return CommandResult{Expired: true}
}

// cascadeLocked promotes waiters after a holder or waiter leaves. It
// grants either one exclusive waiter or the longest prefix of shared
// waiters that is compatible with the remaining holders.
func (m *Manager) cascadeLocked(index types.Index, res types.ResourceID, lk *resourceLock) int {
	promoted := 0
	for len(lk.Queue) > 0 {
		head := lk.Queue[0]
		if len(lk.Holders) > 0 && !head.Mode.CompatibleWith(lk.Mode) {
			break
		}
		lk.Queue = lk.Queue[1:]
		token := grantToken(res, head.ClientID, index)
		lk.Mode = head.Mode
		lk.Holders[head.ClientID] = token
		m.emitLocked(Event{
			Type:     EventGranted,
			Resource: res,
			ClientID: head.ClientID,
			Mode:     head.Mode,
			Token:    token,
			Index:    index,
		})
		promoted++
	}
	return promoted
}

func (m *Manager) ensureSessionLocked(client types.ClientID, leaseMillis int64) {
	if _, ok := m.sessions[client]; ok {
		return
	}
	if leaseMillis <= 0 {
		leaseMillis = DefaultLeaseMillis
	}
	m.sessions[client] = sessionState{LeaseMillis: leaseMillis}
}

func (m *Manager) observeTableLocked() {
	waiters := 0
	for _, lk := range m.locks {
		waiters += len(lk.Queue)
	}
	m.metrics.ObserveLockTableSize(len(m.locks), waiters)
}

// grantToken derives the token for a grant. Tokens must be identical
// on every replica, so they are a function of the grant coordinates
// rather than a random draw.
func grantToken(res types.ResourceID, client types.ClientID, index types.Index) string {
	name := fmt.Sprintf("quorumlock/%s/%s/%d", res, client, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// GetLockInfo returns a copy of one resource's lock state. The second
// return is false when the resource has no holders and no waiters.
func (m *Manager) GetLockInfo(res types.ResourceID) (types.LockInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lk, ok := m.locks[res]
	if !ok {
		return types.LockInfo{Resource: res}, false
	}
	info := types.LockInfo{Resource: res, Mode: lk.Mode}
	for client, token := range lk.Holders {
		info.Holders = append(info.Holders, types.LockHolder{
			ClientID: client,
			Mode:     lk.Mode,
			Token:    token,
		})
	}
	sort.Slice(info.Holders, func(i, j int) bool {
		return info.Holders[i].ClientID < info.Holders[j].ClientID
	})
	info.Waiters = append(info.Waiters, lk.Queue...)
	return info, true
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns the live sessions and their lease durations. A new
// leader seeds its lease tracker from this.
func (m *Manager) Sessions() map[types.ClientID]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.ClientID]int64, len(m.sessions))
	for client, s := range m.sessions {
		out[client] = s.LeaseMillis
	}
	return out
}

// HasSession reports whether a session is registered for the client.
func (m *Manager) HasSession(client types.ClientID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[client]
	return ok
}

// WaitForGraph builds the current wait-for graph. An edge A -> B means
// A's queued request conflicts with B, where B either holds the
// resource or sits ahead of A in its queue.
func (m *Manager) WaitForGraph() map[types.ClientID][]WaitEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	graph := make(map[types.ClientID][]WaitEdge)
	for res, lk := range m.locks {
		for i, w := range lk.Queue {
			for holder := range lk.Holders {
				if holder == w.ClientID || w.Mode.CompatibleWith(lk.Mode) {
					continue
				}
				graph[w.ClientID] = append(graph[w.ClientID], WaitEdge{
					Blocker:      holder,
					Resource:     res,
					EnqueueIndex: w.EnqueueIndex,
				})
			}
			for j := 0; j < i; j++ {
				ahead := lk.Queue[j]
				if w.Mode.CompatibleWith(ahead.Mode) {
					continue
				}
				graph[w.ClientID] = append(graph[w.ClientID], WaitEdge{
					Blocker:      ahead.ClientID,
					Resource:     res,
					EnqueueIndex: w.EnqueueIndex,
				})
			}
		}
	}
	return graph
}

// snapshotPayload is the serialized form of the whole state machine.
type snapshotPayload struct {
	LastApplied types.Index                        `json:"last_applied"`
	Locks       map[types.ResourceID]*resourceLock `json:"locks"`
	Sessions    map[types.ClientID]sessionState    `json:"sessions"`
}

// Snapshot serializes the full state machine together with the index
// it covers.
func (m *Manager) Snapshot() (types.Index, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := json.Marshal(snapshotPayload{
		LastApplied: m.lastApplied,
		Locks:       m.locks,
		Sessions:    m.sessions,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return m.lastApplied, data, nil
}

// Restore replaces the state machine with a previously captured
// snapshot.
func (m *Manager) Restore(data []byte) error {
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastApplied = payload.LastApplied
	m.locks = payload.Locks
	if m.locks == nil {
		m.locks = make(map[types.ResourceID]*resourceLock)
	}
	for _, lk := range m.locks {
		if lk.Holders == nil {
			lk.Holders = make(map[types.ClientID]string)
		}
	}
	m.sessions = payload.Sessions
	if m.sessions == nil {
		m.sessions = make(map[types.ClientID]sessionState)
	}
	m.logger.Infow("state machine restored",
		"lastApplied", m.lastApplied, "resources", len(m.locks),
		"sessions", len(m.sessions))
	return nil
}
