package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlock/quorumlock/lock"
)

func TestWaitTrackerDeliversEvent(t *testing.T) {
	w := newWaitTracker()
	ch, cancel := w.Register("c1", "r1")
	defer cancel()

	w.Resolve(lock.Event{Type: lock.EventGranted, ClientID: "c1", Resource: "r1", Token: "tok"})

	ev := <-ch
	require.Equal(t, lock.EventGranted, ev.Type)
	require.Equal(t, "tok", ev.Token)
	require.Equal(t, 0, w.Len(), "a resolved waiter is unregistered")
}

func TestWaitTrackerResolveWithoutWaiter(t *testing.T) {
	w := newWaitTracker()
	// Events for clients nobody is waiting on are dropped silently.
	w.Resolve(lock.Event{Type: lock.EventGranted, ClientID: "c9", Resource: "r9"})
	require.Equal(t, 0, w.Len())
}

func TestWaitTrackerCancelUnregisters(t *testing.T) {
	w := newWaitTracker()
	ch, cancel := w.Register("c1", "r1")
	cancel()

	w.Resolve(lock.Event{Type: lock.EventGranted, ClientID: "c1", Resource: "r1"})
	select {
	case ev := <-ch:
		t.Fatalf("cancelled waiter received %v", ev.Type)
	default:
	}
}

func TestWaitTrackerDuplicateRegistrationReplaces(t *testing.T) {
	w := newWaitTracker()
	old, oldCancel := w.Register("c1", "r1")
	replacement, cancel := w.Register("c1", "r1")
	defer cancel()

	// Cancelling the superseded registration must not evict the new one.
	oldCancel()
	require.Equal(t, 1, w.Len())

	w.Resolve(lock.Event{Type: lock.EventAborted, ClientID: "c1", Resource: "r1"})
	select {
	case ev := <-replacement:
		require.Equal(t, lock.EventAborted, ev.Type)
	default:
		t.Fatal("replacement waiter did not receive the event")
	}
	select {
	case <-old:
		t.Fatal("superseded waiter received the event")
	default:
	}
}

func TestWaitTrackerKeysAreScopedToResource(t *testing.T) {
	w := newWaitTracker()
	ch1, cancel1 := w.Register("c1", "r1")
	ch2, cancel2 := w.Register("c1", "r2")
	defer cancel1()
	defer cancel2()

	w.Resolve(lock.Event{Type: lock.EventGranted, ClientID: "c1", Resource: "r2"})
	select {
	case <-ch1:
		t.Fatal("event for r2 reached the r1 waiter")
	default:
	}
	ev := <-ch2
	require.Equal(t, lock.EventGranted, ev.Type)
}
