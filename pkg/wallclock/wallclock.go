// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package wallclock is the single time source for schedule math, the
// program scheduler, and retry timers. Production code uses System();
// tests drive a Fake forward manually, including backwards/forwards
// jumps to exercise the scheduler's drift guard.
package wallclock

import (
	"sync"
	"time"
)

// Timer is a cancelable one-shot timer.
type Timer interface {
	Stop() bool
}

// Clock abstracts time.Now and timer creation.
type Clock interface {
	Now() time.Time
	// NowMS is Now in Unix milliseconds, the unit all schedule math uses.
	NowMS() int64
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NowMS() int64 { return time.Now().UnixMilli() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// System returns the real wall clock.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	id    int
	due   time.Time
	f     func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; ok {
		delete(t.clock.timers, t.id)
		return true
	}
	return false
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: make(map[int]*fakeTimer)}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) NowMS() int64 { return c.Now().UnixMilli() }

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, due: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing due timers in due order.
// Callbacks run without the clock lock held, so they may schedule new
// timers or read Now.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if !t.due.After(target) && (next == nil || t.due.Before(next.due)) {
				next = t
			}
		}
		if next == nil {
			break
		}
		delete(c.timers, next.id)
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// Set jumps the clock to tm without firing timers. Used to simulate
// suspend/resume and host clock changes.
func (c *Fake) Set(tm time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = tm
}

// PendingTimers reports how many timers are armed.
func (c *Fake) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
