// Package chain provides the block-height clock that gates executor
// valuations.
package chain

import "sync/atomic"

// Clock reports the current block height.
type Clock interface {
	BlockNumber() uint64
}

// ManualClock is a Clock advanced explicitly, used by tests and the local
// simulator.
type ManualClock struct {
	height atomic.Uint64
}

// NewManualClock starts at the given height.
func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.height.Store(start)
	return c
}

// BlockNumber implements Clock.
func (c *ManualClock) BlockNumber() uint64 { return c.height.Load() }

// Advance mines n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 { return c.height.Add(n) }

// Set moves the clock to an absolute height.
func (c *ManualClock) Set(height uint64) { c.height.Store(height) }
