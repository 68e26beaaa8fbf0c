package node

import (
	"time"

	"go.uber.org/atomic"
)

// Clock is the node's hybrid logical clock: strictly increasing samples that
// track wall time and never run behind any timestamp witnessed on an inbound
// message. The value is a single packed word advanced by CAS.
type Clock struct {
	v atomic.Uint64

	// nowMillis is injectable for deterministic tests.
	nowMillis func() int64
}

const hlcLogicalBits = 16

func NewClock() *Clock {
	return &Clock{nowMillis: func() int64 { return time.Now().UnixMilli() }}
}

// NewManualClock takes time from the supplied function.
func NewManualClock(nowMillis func() int64) *Clock {
	return &Clock{nowMillis: nowMillis}
}

// UniqueNow returns a sample strictly greater than every previous sample and
// at least the current wall clock.
func (c *Clock) UniqueNow() uint64 {
	for {
		cur := c.v.Load()
		next := uint64(c.nowMillis()) << hlcLogicalBits
		if next <= cur {
			next = cur + 1
		}
		if c.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Advance folds a remote timestamp in: the next local sample will be greater
// than it.
func (c *Clock) Advance(remote uint64) {
	for {
		cur := c.v.Load()
		if remote <= cur {
			return
		}
		if c.v.CompareAndSwap(cur, remote) {
			return
		}
	}
}

// NowMillis is wall time, for timer deadlines.
func (c *Clock) NowMillis() int64 { return c.nowMillis() }
