package clockfake

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
)

var _ clock.Clock = (*FakeClock)(nil)

// FakeClock only moves when Advance, Set or Sleep is called. Timers and tickers
// that fall due during a move fire in deadline order.
type FakeClock struct {
	now     time.Time
	events  []*fakeEvent
	sleeps  []time.Duration
	lock    sync.Mutex
	advance sync.Mutex
}

type fakeEvent struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	fn       func()
	ch       chan time.Time
	stopped  bool
	clock    *FakeClock
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	e := &fakeEvent{deadline: c.now.Add(d), fn: f, clock: c}
	c.events = append(c.events, e)
	return e
}

func (c *FakeClock) NewTicker(d time.Duration) clock.Ticker {
	c.lock.Lock()
	defer c.lock.Unlock()
	e := &fakeEvent{deadline: c.now.Add(d), period: d, ch: make(chan time.Time, 1), clock: c}
	c.events = append(c.events, e)
	return fakeTicker{e}
}

// Sleep advances the clock by d instead of blocking.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	c.sleeps = append(c.sleeps, d)
	c.lock.Unlock()
	if d > 0 {
		c.Advance(d)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// Set moves the clock forward to t. Moving backwards is ignored.
func (c *FakeClock) Set(t time.Time) {
	d := t.Sub(c.Now())
	if d > 0 {
		c.Advance(d)
	}
}

// Jump moves the clock forward by d the way a suspended process sees it: nothing
// fires on the way, then every overdue timer and ticker fires once at the new time.
func (c *FakeClock) Jump(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	for _, e := range c.events {
		if !e.stopped && !e.deadline.After(c.now) {
			e.deadline = c.now
		}
	}
	c.lock.Unlock()
	c.Advance(0)
}

func (c *FakeClock) Advance(d time.Duration) {
	c.advance.Lock()
	defer c.advance.Unlock()

	c.lock.Lock()
	target := c.now.Add(d)
	c.lock.Unlock()

	for {
		c.lock.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.lock.Unlock()
			return
		}
		c.now = next.deadline
		fire := next.fn
		if next.period > 0 {
			select {
			case next.ch <- next.deadline:
			default:
			}
			next.deadline = next.deadline.Add(next.period)
		} else {
			next.stopped = true
			c.removeLocked(next)
		}
		c.lock.Unlock()

		if fire != nil {
			fire()
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeEvent {
	var next *fakeEvent
	for _, e := range c.events {
		if e.stopped || e.deadline.After(target) {
			continue
		}
		if next == nil || e.deadline.Before(next.deadline) {
			next = e
		}
	}
	return next
}

func (c *FakeClock) removeLocked(target *fakeEvent) {
	for i, e := range c.events {
		if e == target {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return
		}
	}
}

// Stop implements clock.Timer.
func (e *fakeEvent) Stop() bool {
	e.clock.lock.Lock()
	defer e.clock.lock.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	e.clock.removeLocked(e)
	return true
}

type fakeTicker struct {
	e *fakeEvent
}

func (t fakeTicker) C() <-chan time.Time {
	return t.e.ch
}

func (t fakeTicker) Stop() {
	t.e.Stop()
}
