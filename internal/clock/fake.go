package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order; they must not call
// Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*waiter
}

type waiter struct {
	at       time.Time
	order    uint64
	fn       func()
	ch       chan time.Time
	interval time.Duration
	done     bool
}

func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	w := c.add(d, func(w *waiter) { w.fn = f })
	return &Timer{stop: func() bool { return c.cancel(w) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	w := c.add(d, func(w *waiter) {
		w.ch = ch
		w.interval = d
	})
	return &Ticker{C: ch, stop: func() { c.cancel(w) }}
}

// Pending returns the number of timers and tickers that have not fired
// or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and fires everything that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDue(target)
		if w == nil {
			c.now = target
			c.compact()
			c.mu.Unlock()
			return
		}
		c.now = w.at
		fn, ch, at := w.fn, w.ch, w.at
		if w.interval > 0 {
			c.seq++
			w.at = w.at.Add(w.interval)
			w.order = c.seq
		} else {
			w.done = true
		}
		c.mu.Unlock()

		if fn != nil {
			fn()
		}
		if ch != nil {
			select {
			case ch <- at:
			default:
			}
		}
	}
}

func (c *FakeClock) add(d time.Duration, init func(*waiter)) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	w := &waiter{at: c.now.Add(d), order: c.seq}
	init(w)
	c.waiters = append(c.waiters, w)
	return w
}

func (c *FakeClock) cancel(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	return true
}

func (c *FakeClock) nextDue(target time.Time) *waiter {
	var due []*waiter
	for _, w := range c.waiters {
		if !w.done && !w.at.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].order < due[j].order
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (c *FakeClock) compact() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
}
