package ifrpc

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator issues correlation IDs for outbound command requests.
type IDGenerator interface {
	NextID() string
}

// Clock issues correlation IDs of the form "<epoch-millis>-<counter>".
//
// The counter is strictly increasing per Clock, so IDs stay unique even when
// the wall clock does not advance between calls or steps backwards.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
	now func() time.Time
}

// NewClock creates a Clock reading the system time. The first counter value
// is 0.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockWith creates a Clock reading time from now.
func NewClockWith(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// NextID returns the next correlation ID.
func (c *Clock) NextID() string {
	n := c.seq.Add(1) - 1
	return strconv.FormatInt(c.now().UnixMilli(), 10) + "-" + strconv.FormatInt(n, 10)
}

// Issued returns how many IDs have been issued.
func (c *Clock) Issued() int64 {
	return c.seq.Load()
}
