package server

import (
	"sync"

	"github.com/quorumlock/quorumlock/lock"
	"github.com/quorumlock/quorumlock/types"
)

type waitKey struct {
	client   types.ClientID
	resource types.ResourceID
}

// waitTracker connects blocked Acquire calls to the lock events that
// settle them. A call registers before proposing so the grant cannot
// slip between its command applying and the call starting to listen.
type waitTracker struct {
	mu      sync.Mutex
	waiters map[waitKey]chan lock.Event
}

func newWaitTracker() *waitTracker {
	return &waitTracker{waiters: make(map[waitKey]chan lock.Event)}
}

// Register returns a channel that receives the first terminal event
// for (client, resource) and a function to unregister. At most one
// waiter per key; a duplicate registration replaces the previous one.
func (w *waitTracker) Register(client types.ClientID, resource types.ResourceID) (<-chan lock.Event, func()) {
	key := waitKey{client: client, resource: resource}
	ch := make(chan lock.Event, 1)

	w.mu.Lock()
	w.waiters[key] = ch
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		if w.waiters[key] == ch {
			delete(w.waiters, key)
		}
		w.mu.Unlock()
	}
	return ch, cancel
}

// Resolve delivers a terminal event to the registered waiter, if any.
// Called synchronously from the apply path, so it never blocks: the
// channel is buffered and registered at most once per key.
func (w *waitTracker) Resolve(ev lock.Event) {
	key := waitKey{client: ev.ClientID, resource: ev.Resource}

	w.mu.Lock()
	ch, ok := w.waiters[key]
	if ok {
		delete(w.waiters, key)
	}
	w.mu.Unlock()

	if ok {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len returns the number of registered waiters.
func (w *waitTracker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
