// Package memcachetest provides test doubles for the Transport and Clock
// interfaces memcache.TextConn and memcache.BinaryConn are driven over, so
// the idle-timeout and parsing properties can be pinned down exactly
// without sleeping real wall-clock time or dialing a real server.
package memcachetest

import (
	"sort"
	"sync"
	"time"

	"github.com/pior/memcache/internal/queue"
)

// Clock is a deterministic, manually-advanceable implementation of
// memcache.Clock. Time only moves when Advance is called; AfterFunc
// callbacks fire synchronously, in deadline order, from within Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    uint64
}

// NewClock returns a Clock starting at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the clock's current, simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the clock's simulated time reaches
// Now()+d, the next time Advance passes that instant.
func (c *Clock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f, active: true, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves simulated time forward by d, firing every timer whose
// deadline falls at or before the new time, in deadline order. A timer
// re-armed by a callback during this Advance call is itself eligible to
// fire within the same call if its new deadline still falls at or before
// the target.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		due := c.dueLocked(target)
		if due == nil {
			break
		}
		c.now = due.deadline
		due.active = false
		c.removeLocked(due)
		c.mu.Unlock()
		due.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// dueLocked returns the earliest active timer with deadline <= target, or
// nil. Must be called with c.mu held.
func (c *Clock) dueLocked(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.active && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].deadline.Equal(due[j].deadline) {
			return due[i].deadline.Before(due[j].deadline)
		}
		return due[i].seq < due[j].seq
	})
	return due[0]
}

func (c *Clock) removeLocked(target *fakeTimer) {
	for i, t := range c.timers {
		if t == target {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Timer matches memcache.Timer; exported here so callers constructing
// fakes manually don't need to import the internal queue package.
type Timer = queue.Timer

type fakeTimer struct {
	clock    *Clock
	deadline time.Time
	f        func()
	active   bool
	seq      uint64
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	t.clock.removeLocked(t)
	return was
}
