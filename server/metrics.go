package server

import "time"

// Metrics records request-level server activity.
type Metrics interface {
	// ObserveRequest records one RPC with its outcome code ("" for
	// success) and duration.
	ObserveRequest(method, errorCode string, duration time.Duration)

	// ObserveRedirect records a request turned away with a leader hint.
	ObserveRedirect()

	// ObserveSessionsSeeded records lease tracker seeding after this
	// node won leadership.
	ObserveSessionsSeeded(count int)
}

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

func NewNoOpMetrics() Metrics { return &NoOpMetrics{} }

func (NoOpMetrics) ObserveRequest(method, errorCode string, duration time.Duration) {}
func (NoOpMetrics) ObserveRedirect()                                                {}
func (NoOpMetrics) ObserveSessionsSeeded(count int)                                 {}
