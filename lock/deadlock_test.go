package lock

import (
	"context"
	"sync"
	"testing"

	"github.com/quorumlock/quorumlock/testutil"
	"github.com/quorumlock/quorumlock/types"
)

type fakeProposer struct {
	mu        sync.Mutex
	leader    bool
	nextIndex types.Index
	proposals []types.Command
}

func (p *fakeProposer) Propose(ctx context.Context, command []byte) (types.Index, types.Term, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd, err := types.DecodeCommand(command)
	if err != nil {
		return 0, 0, err
	}
	p.proposals = append(p.proposals, cmd)
	p.nextIndex++
	return p.nextIndex, 1, nil
}

func (p *fakeProposer) GetState() (types.Term, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 1, p.leader
}

func (p *fakeProposer) taken() []types.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Command, len(p.proposals))
	copy(out, p.proposals)
	return out
}

func TestDetectorFindsTwoPartyCycle(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeExclusive))
	mustApply(t, m, 2, acquire("B", "r2", types.ModeExclusive))
	mustApply(t, m, 3, acquire("A", "r2", types.ModeExclusive))
	mustApply(t, m, 4, acquire("B", "r1", types.ModeExclusive))

	p := &fakeProposer{leader: true, nextIndex: 4}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 1, d.Check(context.Background()), "one victim per cycle")

	proposals := p.taken()
	testutil.AssertLen(t, proposals, 1, "one abort proposed")
	abort := proposals[0]
	testutil.AssertEqual(t, types.CommandAbortWaiter, abort.Type, "abort command")
	// B queued last (index 4), so B is the youngest waiter.
	testutil.AssertEqual(t, types.ClientID("B"), abort.ClientID, "youngest waiter aborted")
	testutil.AssertEqual(t, types.ResourceID("r1"), abort.Resource, "B was waiting on r1")

	// Applying the abort removes the cycle.
	mustApply(t, m, 5, abort)
	testutil.AssertEqual(t, 0, d.Check(context.Background()), "cycle resolved")
}

func TestDetectorFindsThreePartyCycle(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeExclusive))
	mustApply(t, m, 2, acquire("B", "r2", types.ModeExclusive))
	mustApply(t, m, 3, acquire("C", "r3", types.ModeExclusive))
	mustApply(t, m, 4, acquire("A", "r2", types.ModeExclusive))
	mustApply(t, m, 5, acquire("B", "r3", types.ModeExclusive))
	mustApply(t, m, 6, acquire("C", "r1", types.ModeExclusive))

	p := &fakeProposer{leader: true, nextIndex: 6}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 1, d.Check(context.Background()), "one victim")
	proposals := p.taken()
	testutil.AssertEqual(t, types.ClientID("C"), proposals[0].ClientID,
		"C enqueued last and is the victim")
	testutil.AssertEqual(t, types.ResourceID("r1"), proposals[0].Resource, "victim resource")
}

func TestDetectorIgnoresPlainQueues(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeExclusive))
	mustApply(t, m, 2, acquire("B", "r1", types.ModeExclusive))
	mustApply(t, m, 3, acquire("C", "r1", types.ModeShared))

	p := &fakeProposer{leader: true, nextIndex: 3}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 0, d.Check(context.Background()), "a queue is not a deadlock")
	testutil.AssertLen(t, p.taken(), 0, "nothing proposed")
}

func TestDetectorSharedHoldersNoCycle(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeShared))
	mustApply(t, m, 2, acquire("B", "r1", types.ModeShared))
	mustApply(t, m, 3, acquire("C", "r1", types.ModeExclusive))
	mustApply(t, m, 4, acquire("A", "r2", types.ModeExclusive))

	p := &fakeProposer{leader: true, nextIndex: 4}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 0, d.Check(context.Background()), "waiting without a cycle")
}

func TestDetectorSharedExclusiveCycle(t *testing.T) {
	m := NewManager(nil, nil)
	// A holds r1 shared, B holds r2 exclusive. B wants r1 exclusive,
	// A wants r2 shared.
	mustApply(t, m, 1, acquire("A", "r1", types.ModeShared))
	mustApply(t, m, 2, acquire("B", "r2", types.ModeExclusive))
	mustApply(t, m, 3, acquire("B", "r1", types.ModeExclusive))
	mustApply(t, m, 4, acquire("A", "r2", types.ModeShared))

	p := &fakeProposer{leader: true, nextIndex: 4}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 1, d.Check(context.Background()), "mixed-mode cycle detected")
	testutil.AssertEqual(t, types.ClientID("A"), p.taken()[0].ClientID,
		"A enqueued last and is the victim")
}

func TestDetectorDoesNotDuplicateInflightAborts(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeExclusive))
	mustApply(t, m, 2, acquire("B", "r2", types.ModeExclusive))
	mustApply(t, m, 3, acquire("A", "r2", types.ModeExclusive))
	mustApply(t, m, 4, acquire("B", "r1", types.ModeExclusive))

	p := &fakeProposer{leader: true, nextIndex: 4}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 1, d.Check(context.Background()), "first round proposes")
	// The abort has not been applied yet; re-checking must not propose
	// the same victim again.
	testutil.AssertEqual(t, 0, d.Check(context.Background()), "second round is quiet")
	testutil.AssertLen(t, p.taken(), 1, "exactly one proposal")
}

func TestDetectorIdleOnFollower(t *testing.T) {
	m := NewManager(nil, nil)
	mustApply(t, m, 1, acquire("A", "r1", types.ModeExclusive))
	mustApply(t, m, 2, acquire("B", "r2", types.ModeExclusive))
	mustApply(t, m, 3, acquire("A", "r2", types.ModeExclusive))
	mustApply(t, m, 4, acquire("B", "r1", types.ModeExclusive))

	p := &fakeProposer{leader: false, nextIndex: 4}
	d := NewDetector(m, p, nil, nil)

	testutil.AssertEqual(t, 0, d.Check(context.Background()), "followers never propose aborts")
	testutil.AssertLen(t, p.taken(), 0, "no proposals")
}
