package lock

import (
	"testing"
	"time"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

func TestLeaseTrackerExpiresInDeadlineOrder(t *testing.T) {
	tr := NewLeaseTracker()
	base := time.Now()

	tr.Track("c1", base, 30*time.Millisecond)
	tr.Track("c2", base, 10*time.Millisecond)
	tr.Track("c3", base, 20*time.Millisecond)
	testutil.AssertEqual(t, 3, tr.Len(), "tracked sessions")

	expired := tr.Expired(base.Add(25 * time.Millisecond))
	testutil.AssertLen(t, expired, 2, "two deadlines passed")
	testutil.AssertEqual(t, types.ClientID("c2"), expired[0], "earliest first")
	testutil.AssertEqual(t, types.ClientID("c3"), expired[1], "then the next")
	testutil.AssertEqual(t, 1, tr.Len(), "one session left")
}

func TestLeaseTrackerRenewPushesDeadline(t *testing.T) {
	tr := NewLeaseTracker()
	base := time.Now()

	tr.Track("c1", base, 10*time.Millisecond)
	tr.Track("c1", base.Add(5*time.Millisecond), 10*time.Millisecond)
	testutil.AssertEqual(t, 1, tr.Len(), "renewal does not duplicate")

	testutil.AssertLen(t, tr.Expired(base.Add(12*time.Millisecond)), 0,
		"renewed session survives the original deadline")
	testutil.AssertLen(t, tr.Expired(base.Add(20*time.Millisecond)), 1,
		"renewed session expires at the new deadline")
}

func TestLeaseTrackerForget(t *testing.T) {
	tr := NewLeaseTracker()
	base := time.Now()

	tr.Track("c1", base, 10*time.Millisecond)
	tr.Track("c2", base, 10*time.Millisecond)
	tr.Forget("c1")
	tr.Forget("unknown")

	expired := tr.Expired(base.Add(time.Second))
	testutil.AssertLen(t, expired, 1, "forgotten session never expires")
	testutil.AssertEqual(t, types.ClientID("c2"), expired[0], "remaining session")
}

func TestLeaseTrackerReset(t *testing.T) {
	tr := NewLeaseTracker()
	base := time.Now()

	tr.Track("c1", base, time.Millisecond)
	tr.Track("c2", base, time.Millisecond)
	tr.Reset()

	testutil.AssertEqual(t, 0, tr.Len(), "reset clears everything")
	testutil.AssertLen(t, tr.Expired(base.Add(time.Second)), 0, "nothing to expire")

	_, ok := tr.Deadline("c1")
	testutil.AssertFalse(t, ok, "deadline gone after reset")
}
