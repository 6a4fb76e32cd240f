// Package metrics provides Prometheus-backed implementations of the
// per-subsystem metrics interfaces. Each constructor registers its
// collectors on the given registerer; pass a fresh registry per node
// so tests never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumlock/quorumlock/types"
)

// NewRegistry creates an empty Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RaftMetrics implements raft.Metrics.
type RaftMetrics struct {
	roleChanges   *prometheus.CounterVec
	leaderChanges prometheus.Counter
	elections     prometheus.Counter
	votesGranted  prometheus.Counter
	commitIndex   prometheus.Gauge
	appliedIndex  prometheus.Gauge
	proposals     *prometheus.CounterVec
	peerRPCs      *prometheus.CounterVec
}

// NewRaftMetrics builds and registers the consensus collectors.
func NewRaftMetrics(reg prometheus.Registerer, nodeID types.NodeID) *RaftMetrics {
	labels := prometheus.Labels{"node_id": string(nodeID)}
	m := &RaftMetrics{
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quorumlock_raft_role_changes_total",
			Help:        "Role transitions, labeled by the role entered",
			ConstLabels: labels,
		}, []string{"role"}),
		leaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_raft_leader_changes_total",
			Help:        "Observed leadership changes",
			ConstLabels: labels,
		}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_raft_elections_started_total",
			Help:        "Campaigns started by this node",
			ConstLabels: labels,
		}),
		votesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_raft_votes_granted_total",
			Help:        "Votes granted by this node",
			ConstLabels: labels,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quorumlock_raft_commit_index",
			Help:        "Highest committed log index",
			ConstLabels: labels,
		}),
		appliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quorumlock_raft_applied_index",
			Help:        "Highest applied log index",
			ConstLabels: labels,
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quorumlock_raft_proposals_total",
			Help:        "Proposals submitted, labeled by acceptance",
			ConstLabels: labels,
		}, []string{"accepted"}),
		peerRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quorumlock_raft_peer_rpcs_total",
			Help:        "Outbound peer RPCs by peer, method and outcome",
			ConstLabels: labels,
		}, []string{"peer", "method", "success"}),
	}
	reg.MustRegister(m.roleChanges, m.leaderChanges, m.elections,
		m.votesGranted, m.commitIndex, m.appliedIndex, m.proposals, m.peerRPCs)
	return m
}

func (m *RaftMetrics) ObserveRoleChange(oldRole, newRole types.NodeRole, term types.Term) {
	m.roleChanges.WithLabelValues(newRole.String()).Inc()
}

func (m *RaftMetrics) ObserveLeaderChange(leader types.NodeID, term types.Term) {
	m.leaderChanges.Inc()
}

func (m *RaftMetrics) ObserveElectionStart(term types.Term) { m.elections.Inc() }
func (m *RaftMetrics) ObserveVoteGranted(term types.Term)   { m.votesGranted.Inc() }

func (m *RaftMetrics) ObserveCommitIndex(index types.Index) {
	m.commitIndex.Set(float64(index))
}

func (m *RaftMetrics) ObserveAppliedIndex(index types.Index) {
	m.appliedIndex.Set(float64(index))
}

func (m *RaftMetrics) ObserveProposal(accepted bool) {
	m.proposals.WithLabelValues(boolLabel(accepted)).Inc()
}

func (m *RaftMetrics) ObservePeerRPC(peer types.NodeID, method string, success bool) {
	m.peerRPCs.WithLabelValues(string(peer), method, boolLabel(success)).Inc()
}

// LockMetrics implements lock.Metrics.
type LockMetrics struct {
	acquires        *prometheus.CounterVec
	releases        prometheus.Counter
	promotions      prometheus.Counter
	aborts          prometheus.Counter
	sessionExpiries prometheus.Counter
	deadlocks       prometheus.Counter
	resources       prometheus.Gauge
	waiters         prometheus.Gauge
}

// NewLockMetrics builds and registers the state machine collectors.
func NewLockMetrics(reg prometheus.Registerer, nodeID types.NodeID) *LockMetrics {
	labels := prometheus.Labels{"node_id": string(nodeID)}
	m := &LockMetrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quorumlock_lock_acquires_total",
			Help:        "Acquire commands applied, labeled by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_lock_releases_total",
			Help:        "Release commands applied",
			ConstLabels: labels,
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_lock_promotions_total",
			Help:        "Waiters granted by release cascades",
			ConstLabels: labels,
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_lock_waiter_aborts_total",
			Help:        "Waiters removed without a grant",
			ConstLabels: labels,
		}),
		sessionExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_lock_session_expiries_total",
			Help:        "Sessions expired by lease timeout",
			ConstLabels: labels,
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_lock_deadlocks_total",
			Help:        "Deadlock cycles broken by victim abort",
			ConstLabels: labels,
		}),
		resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quorumlock_lock_resources",
			Help:        "Resources with at least one holder or waiter",
			ConstLabels: labels,
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quorumlock_lock_waiters",
			Help:        "Queued waiters across all resources",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.acquires, m.releases, m.promotions, m.aborts,
		m.sessionExpiries, m.deadlocks, m.resources, m.waiters)
	return m
}

func (m *LockMetrics) ObserveAcquire(granted, queued bool) {
	outcome := "conflict"
	switch {
	case granted:
		outcome = "granted"
	case queued:
		outcome = "queued"
	}
	m.acquires.WithLabelValues(outcome).Inc()
}

func (m *LockMetrics) ObserveRelease(promoted int) {
	m.releases.Inc()
	m.promotions.Add(float64(promoted))
}

func (m *LockMetrics) ObserveAbort()          { m.aborts.Inc() }
func (m *LockMetrics) ObserveSessionExpired() { m.sessionExpiries.Inc() }
func (m *LockMetrics) ObserveDeadlock()       { m.deadlocks.Inc() }

func (m *LockMetrics) ObserveLockTableSize(resources, waiters int) {
	m.resources.Set(float64(resources))
	m.waiters.Set(float64(waiters))
}

// ServerMetrics implements server.Metrics.
type ServerMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	redirects prometheus.Counter
	seeded    prometheus.Gauge
}

// NewServerMetrics builds and registers the request-level collectors.
func NewServerMetrics(reg prometheus.Registerer, nodeID types.NodeID) *ServerMetrics {
	labels := prometheus.Labels{"node_id": string(nodeID)}
	m := &ServerMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quorumlock_server_requests_total",
			Help:        "Lock service RPCs by method and outcome code",
			ConstLabels: labels,
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "quorumlock_server_request_seconds",
			Help:        "Lock service RPC latency",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: labels,
		}, []string{"method"}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quorumlock_server_redirects_total",
			Help:        "Requests turned away with a leader hint",
			ConstLabels: labels,
		}),
		seeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "quorumlock_server_sessions_seeded",
			Help:        "Sessions seeded into the lease tracker at the last leadership gain",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.requests, m.latency, m.redirects, m.seeded)
	return m
}

func (m *ServerMetrics) ObserveRequest(method, errorCode string, duration time.Duration) {
	code := errorCode
	if code == "" {
		code = "ok"
	}
	m.requests.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *ServerMetrics) ObserveRedirect() { m.redirects.Inc() }

func (m *ServerMetrics) ObserveSessionsSeeded(count int) {
	m.seeded.Set(float64(count))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
