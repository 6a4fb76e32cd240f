package lock

// Metrics records lock state machine activity. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// ObserveAcquire records an acquire outcome: granted immediately,
	// queued, or rejected.
	ObserveAcquire(granted, queued bool)

	// ObserveRelease records a release and how many waiters were
	// promoted by the resulting cascade.
	ObserveRelease(promoted int)

	// ObserveAbort records a waiter being removed without a grant.
	ObserveAbort()

	// ObserveSessionExpired records a session expiry.
	ObserveSessionExpired()

	// ObserveLockTableSize records the number of resources with at
	// least one holder or waiter after an apply.
	ObserveLockTableSize(resources, waiters int)

	// ObserveDeadlock records a detected cycle and the chosen victim.
	ObserveDeadlock()
}

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

func NewNoOpMetrics() Metrics { return &NoOpMetrics{} }

func (NoOpMetrics) ObserveAcquire(granted, queued bool)        {}
func (NoOpMetrics) ObserveRelease(promoted int)                {}
func (NoOpMetrics) ObserveAbort()                              {}
func (NoOpMetrics) ObserveSessionExpired()                     {}
func (NoOpMetrics) ObserveLockTableSize(resources, waiters int) {}
func (NoOpMetrics) ObserveDeadlock()                           {}
