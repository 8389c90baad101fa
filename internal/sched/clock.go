package sched

import (
	"sync"
	"time"
)

// Clock supplies a monotonically increasing time in seconds. The engine
// snapshots it once per scheduling turn, so all decisions inside one turn
// share a single reference instant.
type Clock interface {
	Now() float64
}

type monotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a Clock backed by the process monotonic clock,
// starting at zero.
func NewMonotonicClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// FuncClock adapts a plain function to a Clock, e.g. an audio render
// position.
type FuncClock func() float64

func (f FuncClock) Now() float64 { return f() }

// Timer arms at most one pending poll. Schedule replaces any pending arm, so
// a fresh call always cancels the stale one first.
type Timer interface {
	Schedule(d time.Duration, fn func())
	Stop()
}

type afterFuncTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewTimer returns a Timer over time.AfterFunc.
func NewTimer() Timer {
	return &afterFuncTimer{}
}

func (a *afterFuncTimer) Schedule(d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
	}
	if d < 0 {
		d = 0
	}
	a.t = time.AfterFunc(d, fn)
}

func (a *afterFuncTimer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}
