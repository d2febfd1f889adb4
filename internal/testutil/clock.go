// Package testutil holds deterministic helpers shared by package tests.
package testutil

import (
	"strconv"
	"sync"
)

// DeterministicClock is a resettable monotonic counter for tests.
//
// Thread-safety: all methods are safe for concurrent use.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock whose first Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset rewinds the clock so the next call to Next returns 1 again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// IDSource issues correlation IDs "<millis>-<seq>" with a frozen timestamp,
// so golden output and assertions do not depend on wall time.
type IDSource struct {
	millis int64
	clock  *DeterministicClock
}

// NewIDSource creates an IDSource stamping every ID with millis.
func NewIDSource(millis int64) *IDSource {
	return &IDSource{millis: millis, clock: NewDeterministicClock()}
}

// NextID returns the next ID, starting at "<millis>-1".
func (s *IDSource) NextID() string {
	return strconv.FormatInt(s.millis, 10) + "-" + strconv.FormatInt(s.clock.Next(), 10)
}

// Reset restarts the sequence.
func (s *IDSource) Reset() {
	s.clock.Reset()
}
