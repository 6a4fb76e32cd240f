package lock

import (
	"context"
	"sort"

	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/types"
)

// Proposer is the slice of the consensus node the detector needs:
// submitting abort commands and checking leadership. Victim aborts go
// through the log like any other mutation, so every replica removes
// the waiter at the same index.
type Proposer interface {
	Propose(ctx context.Context, command []byte) (types.Index, types.Term, error)
	GetState() (types.Term, bool)
}

// Detector finds cycles in the wait-for graph and proposes an
// AbortWaiter command for one victim per cycle. It runs on the leader
// only; followers keep an idle detector.
type Detector struct {
	manager  *Manager
	proposer Proposer
	logger   logger.Logger
	metrics  Metrics

	// inflight tracks victims whose abort has been proposed but not
	// yet observed in the graph, so a slow commit does not trigger a
	// duplicate proposal.
	inflight map[victimKey]struct{}
}

type victimKey struct {
	client   types.ClientID
	resource types.ResourceID
}

// NewDetector builds a detector over the given state machine.
func NewDetector(manager *Manager, proposer Proposer, log logger.Logger, metrics Metrics) *Detector {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}
	return &Detector{
		manager:  manager,
		proposer: proposer,
		logger:   log.WithComponent("deadlock"),
		metrics:  metrics,
		inflight: make(map[victimKey]struct{}),
	}
}

// Check rebuilds the wait-for graph and proposes aborts for every
// cycle found. It returns the number of victims proposed this round.
// Callers invoke it after each applied command that can add an edge;
// it is cheap when nothing waits.
func (d *Detector) Check(ctx context.Context) int {
	if _, isLeader := d.proposer.GetState(); !isLeader {
		if len(d.inflight) > 0 {
			d.inflight = make(map[victimKey]struct{})
		}
		return 0
	}

	graph := d.manager.WaitForGraph()
	if len(graph) == 0 {
		if len(d.inflight) > 0 {
			d.inflight = make(map[victimKey]struct{})
		}
		return 0
	}
	d.pruneInflight(graph)

	victims := findVictims(graph)
	proposed := 0
	for _, v := range victims {
		key := victimKey{client: v.client, resource: v.resource}
		if _, pending := d.inflight[key]; pending {
			continue
		}
		cmd := types.Command{
			Type:     types.CommandAbortWaiter,
			ClientID: v.client,
			Resource: v.resource,
			Reason:   AbortReasonDeadlock,
		}
		if _, _, err := d.proposer.Propose(ctx, cmd.MustEncode()); err != nil {
			d.logger.Warnw("failed to propose deadlock abort",
				"clientID", v.client, "resource", v.resource, "error", err)
			continue
		}
		d.inflight[key] = struct{}{}
		d.metrics.ObserveDeadlock()
		d.logger.Infow("deadlock victim aborted",
			"clientID", v.client, "resource", v.resource,
			"enqueueIndex", v.enqueueIndex, "cycleSize", v.cycleSize)
		proposed++
	}
	return proposed
}

// pruneInflight forgets proposals whose victim is no longer waiting on
// the recorded resource, which means the abort (or a grant) has been
// applied.
func (d *Detector) pruneInflight(graph map[types.ClientID][]WaitEdge) {
	for key := range d.inflight {
		waiting := false
		for _, e := range graph[key.client] {
			if e.Resource == key.resource {
				waiting = true
				break
			}
		}
		if !waiting {
			delete(d.inflight, key)
		}
	}
}

type victim struct {
	client       types.ClientID
	resource     types.ResourceID
	enqueueIndex types.Index
	cycleSize    int
}

// findVictims runs a depth-first search over the wait-for graph and
// selects one victim per discovered cycle: the waiter with the highest
// enqueue index, i.e. the one that has waited the least. Ties break on
// the larger client ID. Nodes are visited in sorted order so results
// are stable for a given graph.
func findVictims(graph map[types.ClientID][]WaitEdge) []victim {
	clients := make([]types.ClientID, 0, len(graph))
	for c := range graph {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	const (
		white = iota
		gray
		black
	)
	color := make(map[types.ClientID]int, len(graph))

	var victims []victim
	var path []types.ClientID

	var visit func(c types.ClientID)
	visit = func(c types.ClientID) {
		color[c] = gray
		path = append(path, c)
		for _, e := range graph[c] {
			switch color[e.Blocker] {
			case white:
				if _, hasEdges := graph[e.Blocker]; hasEdges {
					visit(e.Blocker)
				} else {
					// A blocker with no outgoing edges cannot be part
					// of a cycle.
					color[e.Blocker] = black
				}
			case gray:
				if v, ok := pickVictim(graph, path, e.Blocker); ok {
					victims = append(victims, v)
				}
			}
		}
		path = path[:len(path)-1]
		color[c] = black
	}

	for _, c := range clients {
		if color[c] == white {
			visit(c)
		}
	}
	return victims
}

// pickVictim extracts the cycle closed by a back edge to start and
// returns its youngest waiter together with the resource that waiter
// is blocked on inside the cycle.
func pickVictim(graph map[types.ClientID][]WaitEdge, path []types.ClientID, start types.ClientID) (victim, bool) {
	from := -1
	for i, c := range path {
		if c == start {
			from = i
			break
		}
	}
	if from < 0 {
		return victim{}, false
	}
	cycle := path[from:]

	best := victim{cycleSize: len(cycle)}
	for _, c := range cycle {
		for _, e := range graph[c] {
			if !inCycle(cycle, e.Blocker) {
				continue
			}
			younger := e.EnqueueIndex > best.enqueueIndex ||
				(e.EnqueueIndex == best.enqueueIndex && c > best.client)
			if best.client == "" || younger {
				best = victim{
					client:       c,
					resource:     e.Resource,
					enqueueIndex: e.EnqueueIndex,
					cycleSize:    len(cycle),
				}
			}
		}
	}
	return best, best.client != ""
}

func inCycle(cycle []types.ClientID, c types.ClientID) bool {
	for _, member := range cycle {
		if member == c {
			return true
		}
	}
	return false
}
