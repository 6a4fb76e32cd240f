package raft

import "time"

// Clock abstracts time operations so tests can control scheduling.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After waits for the duration and delivers the current time once.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker firing with period d. d must be > 0.
	NewTicker(d time.Duration) Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps time.Ticker behind an interface for mocking.
type Ticker interface {
	// Chan returns the channel ticks are delivered on.
	Chan() <-chan time.Time

	// Stop turns the ticker off. The channel is not closed.
	Stop()
}

type standardClock struct{}

// NewStandardClock returns a Clock backed by the time package.
func NewStandardClock() Clock { return &standardClock{} }

func (standardClock) Now() time.Time                         { return time.Now() }
func (standardClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (standardClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (standardClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (standardClock) NewTicker(d time.Duration) Ticker {
	return &standardTicker{t: time.NewTicker(d)}
}

type standardTicker struct {
	t *time.Ticker
}

func (st *standardTicker) Chan() <-chan time.Time { return st.t.C }
func (st *standardTicker) Stop()                  { st.t.Stop() }
