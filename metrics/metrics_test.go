package metrics

import (
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quorumlock/quorumlock/lock"
	"github.com/quorumlock/quorumlock/raft"
	"github.com/quorumlock/quorumlock/server"
	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

// Compile-time interface checks.
var (
	_ raft.Metrics   = (*RaftMetrics)(nil)
	_ lock.Metrics   = (*LockMetrics)(nil)
	_ server.Metrics = (*ServerMetrics)(nil)
)

func TestRaftMetricsCounts(t *testing.T) {
	reg := NewRegistry()
	m := NewRaftMetrics(reg, "n1")

	m.ObserveRoleChange(types.RoleFollower, types.RoleCandidate, 2)
	m.ObserveRoleChange(types.RoleCandidate, types.RoleLeader, 2)
	m.ObserveElectionStart(2)
	m.ObserveCommitIndex(7)
	m.ObserveProposal(true)
	m.ObserveProposal(false)
	m.ObservePeerRPC("n2", "AppendEntries", true)

	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.roleChanges.WithLabelValues("Leader")), "leader transitions")
	testutil.AssertEqual(t, 7.0, promtest.ToFloat64(m.commitIndex), "commit index gauge")
	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.proposals.WithLabelValues("false")), "rejected proposals")
}

func TestLockMetricsOutcomes(t *testing.T) {
	reg := NewRegistry()
	m := NewLockMetrics(reg, "n1")

	m.ObserveAcquire(true, false)
	m.ObserveAcquire(false, true)
	m.ObserveRelease(2)
	m.ObserveLockTableSize(3, 5)

	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.acquires.WithLabelValues("granted")), "granted acquires")
	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.acquires.WithLabelValues("queued")), "queued acquires")
	testutil.AssertEqual(t, 2.0, promtest.ToFloat64(m.promotions), "cascade promotions")
	testutil.AssertEqual(t, 5.0, promtest.ToFloat64(m.waiters), "waiter gauge")
}

func TestServerMetricsCodes(t *testing.T) {
	reg := NewRegistry()
	m := NewServerMetrics(reg, "n1")

	m.ObserveRequest("Acquire", "", 5*time.Millisecond)
	m.ObserveRequest("Acquire", "NOT_LEADER", time.Millisecond)
	m.ObserveRedirect()

	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.requests.WithLabelValues("Acquire", "ok")), "successful requests")
	testutil.AssertEqual(t, 1.0,
		promtest.ToFloat64(m.requests.WithLabelValues("Acquire", "NOT_LEADER")), "redirected requests")
	testutil.AssertEqual(t, 1.0, promtest.ToFloat64(m.redirects), "redirect counter")
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	NewRaftMetrics(a, "n1")
	NewRaftMetrics(b, "n1")
	NewLockMetrics(a, "n1")
	NewServerMetrics(a, "n1")
}
