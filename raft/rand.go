package raft

import "math/rand"

// Rand abstracts randomness so election jitter is controllable in tests.
type Rand interface {
	// IntN returns a non-negative pseudo-random int in [0, n).
	// It panics if n <= 0.
	IntN(n int) int

	// Float64 returns a pseudo-random float64 in [0.0, 1.0).
	Float64() float64
}

type standardRand struct{}

// NewStandardRand returns a Rand backed by math/rand.
func NewStandardRand() Rand { return &standardRand{} }

func (standardRand) IntN(n int) int   { return rand.Intn(n) }
func (standardRand) Float64() float64 { return rand.Float64() }
