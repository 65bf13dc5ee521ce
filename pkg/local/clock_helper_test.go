package local_test

import (
	"context"
	"time"

	"github.com/outpost-build/remotestore/pkg/clock"
)

// manualClock is a Clock whose Now() is advanced explicitly by tests,
// used to exercise lease expiry without sleeping real time.
type manualClock struct {
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *manualClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

func (c *manualClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	t := time.NewTimer(d)
	return t, t.C
}

func (c *manualClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

var _ clock.Clock = &manualClock{}
