package lock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/quorumlock/quorumlock/types"
)

// leaseEntry is one tracked session deadline. index is the heap slot,
// maintained by the heap.Interface methods.
type leaseEntry struct {
	client   types.ClientID
	deadline time.Time
	index    int
}

type leaseHeap []*leaseEntry

func (h leaseHeap) Len() int            { return len(h) }
func (h leaseHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h leaseHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *leaseHeap) Push(x any) {
	e := x.(*leaseEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *leaseHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// LeaseTracker tracks session deadlines on the leader. Deadlines are
// wall-clock state and deliberately not replicated: only the committed
// ExpireSession command is authoritative. A new leader starts with an
// empty tracker and re-learns deadlines from keep-alives, which gives
// every session a full lease of grace across leader changes.
type LeaseTracker struct {
	mu      sync.Mutex
	entries map[types.ClientID]*leaseEntry
	heap    leaseHeap
}

func NewLeaseTracker() *LeaseTracker {
	return &LeaseTracker{entries: make(map[types.ClientID]*leaseEntry)}
}

// Track registers or renews a session: the deadline becomes now+ttl.
func (t *LeaseTracker) Track(client types.ClientID, now time.Time, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := now.Add(ttl)
	if e, ok := t.entries[client]; ok {
		e.deadline = deadline
		heap.Fix(&t.heap, e.index)
		return
	}
	e := &leaseEntry{client: client, deadline: deadline}
	t.entries[client] = e
	heap.Push(&t.heap, e)
}

// Forget drops a session without expiring it.
func (t *LeaseTracker) Forget(client types.ClientID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[client]
	if !ok {
		return
	}
	delete(t.entries, client)
	heap.Remove(&t.heap, e.index)
}

// Expired removes and returns every session whose deadline is at or
// before now.
func (t *LeaseTracker) Expired(now time.Time) []types.ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []types.ClientID
	for t.heap.Len() > 0 && !t.heap[0].deadline.After(now) {
		e := heap.Pop(&t.heap).(*leaseEntry)
		delete(t.entries, e.client)
		expired = append(expired, e.client)
	}
	return expired
}

// Deadline returns the tracked deadline for a session.
func (t *LeaseTracker) Deadline(client types.ClientID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[client]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of tracked sessions.
func (t *LeaseTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

// Reset drops all tracked sessions. Called when the node loses
// leadership so a stale tracker never expires sessions it no longer
// owns.
func (t *LeaseTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[types.ClientID]*leaseEntry)
	t.heap = nil
}
