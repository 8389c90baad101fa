package sched

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultLookahead is the horizon within which pending notes are handed
	// to the renderer ahead of their start time.
	DefaultLookahead = 3.0
	// cleanup deadlines are padded by this margin when re-arming so that
	// neighbouring releases collapse into one poll.
	defaultCleanupMargin = 0.05
)

type Config struct {
	Clock     Clock
	Timer     Timer
	Renderer  Renderer // nil puts the engine in degraded no-op mode
	Lookahead float64
}

type callback struct {
	time float64
	fn   func()
}

type subscription struct {
	token int
	fn    Handler
}

// Engine moves note records through the four live collections: the pending
// queue (future notes, lazily sorted), the dispatched set (handed to the
// renderer, start time not yet reached), the sounding map (at most one record
// per semitone) and the cleanup list (waiting for quiescence before their
// rendering resources are released). A self-rearming timer drives poll; the
// mutex makes poll the sole mutator of all four sets.
type Engine struct {
	mu        sync.Mutex
	clock     Clock
	timer     Timer
	renderer  Renderer
	lookahead float64
	margin    float64

	queue      []*Note
	queueDirty bool
	queueMin   float64 // +Inf when the queue is empty
	queueTail  float64 // start time of the most recently appended entry

	dispatched []*Note
	sounding   map[int]*Note
	cleanup    []*Note
	callbacks  []callback

	handlers  [eventKinds][]subscription
	nextToken int

	batchDepth int
	batchNow   float64
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	if cfg.Timer == nil {
		cfg.Timer = NewTimer()
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	return &Engine{
		clock:     cfg.Clock,
		timer:     cfg.Timer,
		renderer:  cfg.Renderer,
		lookahead: cfg.Lookahead,
		margin:    defaultCleanupMargin,
		queueMin:  math.Inf(1),
		sounding:  make(map[int]*Note),
	}
}

// Now returns the engine clock, pinned to the batch snapshot while a batch is
// open.
func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowLocked()
}

func (e *Engine) nowLocked() float64 {
	if e.batchDepth > 0 {
		return e.batchNow
	}
	return e.clock.Now()
}

// BeginBatch pins the clock so that a run of scheduling calls shares one
// consistent reference instant. EndBatch releases the pin. Batches nest.
func (e *Engine) BeginBatch() {
	e.mu.Lock()
	if e.batchDepth == 0 {
		e.batchNow = e.clock.Now()
	}
	e.batchDepth++
	e.mu.Unlock()
}

func (e *Engine) EndBatch() {
	e.mu.Lock()
	if e.batchDepth > 0 {
		e.batchDepth--
	}
	e.mu.Unlock()
}

// On subscribes a handler to a lifecycle event and returns a token for Off.
// Handlers run in registration order.
func (e *Engine) On(kind EventKind, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextToken++
	e.handlers[kind] = append(e.handlers[kind], subscription{token: e.nextToken, fn: fn})
	return e.nextToken
}

// Off removes the subscription identified by the token returned from On.
func (e *Engine) Off(kind EventKind, token int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.handlers[kind]
	for i, s := range subs {
		if s.token == token {
			e.handlers[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// ScheduleTone constructs a note record starting delay seconds from now. A
// record due within the lookahead horizon is dispatched to the renderer
// immediately; otherwise it is enqueued. Without a renderer this is a no-op
// that still returns an inert record.
func (e *Engine) ScheduleTone(freq float64, semitone int, velocity, duration, delay float64, timbre *Timbre) *Note {
	e.mu.Lock()
	now := e.nowLocked()
	n := newNote(freq, semitone, velocity, now+delay, duration, timbre)
	if e.renderer == nil {
		e.mu.Unlock()
		return n
	}
	if n.Time <= now+e.lookahead {
		e.dispatchLocked(n)
	} else {
		e.enqueueLocked(n)
	}
	e.rearmLocked(now)
	e.mu.Unlock()
	return n
}

// ScheduleCallback registers a one-shot callback delay seconds from now. It
// is guaranteed to fire: a reset fires it immediately instead of dropping it.
func (e *Engine) ScheduleCallback(delay float64, fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	now := e.nowLocked()
	cb := callback{time: now + delay, fn: fn}
	// Keep callbacks sorted by time; the slice is short and mostly appended
	// in increasing order, so insertion beats re-sorting every poll.
	i := len(e.callbacks)
	e.callbacks = append(e.callbacks, cb)
	for i > 0 && e.callbacks[i-1].time > cb.time {
		e.callbacks[i] = e.callbacks[i-1]
		i--
	}
	e.callbacks[i] = cb
	e.rearmLocked(now)
	e.mu.Unlock()
}

// queueTail is the maximum start time in the queue, not the last appended
// time: draining from the front never lowers the maximum, so the dirty check
// stays valid across sort-and-drain passes.
func (e *Engine) enqueueLocked(n *Note) {
	if len(e.queue) > 0 && n.Time <= e.queueTail {
		e.queueDirty = true
	}
	e.queue = append(e.queue, n)
	if n.Time > e.queueTail || len(e.queue) == 1 {
		e.queueTail = n.Time
	}
	if n.Time < e.queueMin {
		e.queueMin = n.Time
	}
	n.state = stateQueued
}

func (e *Engine) dispatchLocked(n *Note) {
	e.renderer.Start(n)
	n.cleanupTime = n.End() + e.renderer.Tail(n.Timbre)
	n.state = stateDispatched
	e.dispatched = append(e.dispatched, n)
}

// sortQueueLocked orders the pending queue by start time, breaking ties by
// duration ascending then frequency ascending. The tie-break is a deliberate
// policy: when simultaneous notes collide, the shorter and lower note is
// dispatched first so the longer/higher one wins collision resolution.
func (e *Engine) sortQueueLocked() {
	sort.Slice(e.queue, func(i, j int) bool {
		a, b := e.queue[i], e.queue[j]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.Duration != b.Duration {
			return a.Duration < b.Duration
		}
		return a.Freq < b.Freq
	})
	e.queueDirty = false
}

// Truncate shortens a record's effective duration so it ends at stopAt,
// re-issuing envelope decay through the renderer. Truncating past the natural
// end is a no-op; truncating to a time at or before the start fully silences
// the record. Truncation never lengthens a note.
func (e *Engine) Truncate(n *Note, stopAt float64) {
	e.mu.Lock()
	now := e.nowLocked()
	var fire []*Note
	if e.truncateLocked(n, stopAt) && n.state == stateSounding && n.End() <= now {
		delete(e.sounding, n.Semitone)
		e.toCleanupLocked(n, now)
		fire = append(fire, n)
	}
	e.rearmLocked(now)
	handlers := e.snapshotHandlersLocked(NoteOff)
	e.mu.Unlock()
	for _, m := range fire {
		emit(handlers, m)
	}
}

func (e *Engine) truncateLocked(n *Note, stopAt float64) bool {
	if n.state == stateCleanup || n.state == stateDone {
		return false
	}
	if stopAt >= n.End() {
		return false
	}
	if stopAt < n.Time {
		stopAt = n.Time
	}
	n.Duration = stopAt - n.Time
	if e.renderer != nil && n.state != stateQueued && n.state != stateNew {
		e.renderer.Truncate(n, stopAt)
		n.cleanupTime = stopAt + e.renderer.Tail(n.Timbre)
	}
	return true
}

func (e *Engine) toCleanupLocked(n *Note, now float64) {
	if math.IsInf(n.cleanupTime, 1) {
		// Never dispatched: nothing to release later.
		n.state = stateDone
		return
	}
	if n.cleanupTime < now {
		n.cleanupTime = now
	}
	n.state = stateCleanup
	e.cleanup = append(e.cleanup, n)
}

// Silence is the hard reset. Pending and dispatched records are discarded
// without notifications (they never started); sounding records fire their
// NoteOff synchronously; pending one-shot callbacks fire immediately. The
// renderer is reset so the caller can rebuild the output path.
func (e *Engine) Silence() {
	e.mu.Lock()
	now := e.nowLocked()
	e.timer.Stop()

	for _, n := range e.queue {
		n.state = stateDone
	}
	e.queue = nil
	e.queueDirty = false
	e.queueMin = math.Inf(1)

	for _, n := range e.dispatched {
		if e.renderer != nil {
			e.renderer.Release(n)
		}
		n.state = stateDone
	}
	e.dispatched = nil

	stopped := make([]*Note, 0, len(e.sounding))
	for _, n := range e.sounding {
		stopped = append(stopped, n)
	}
	// Map iteration order is random; stop in start-time order for
	// deterministic notification order.
	sort.Slice(stopped, func(i, j int) bool {
		if stopped[i].Time != stopped[j].Time {
			return stopped[i].Time < stopped[j].Time
		}
		return stopped[i].Semitone < stopped[j].Semitone
	})
	for _, n := range stopped {
		e.truncateLocked(n, now)
		if e.renderer != nil {
			e.renderer.Release(n)
		}
		n.state = stateDone
	}
	e.sounding = make(map[int]*Note)

	for _, n := range e.cleanup {
		if e.renderer != nil {
			e.renderer.Release(n)
		}
		n.state = stateDone
	}
	e.cleanup = nil

	cbs := e.callbacks
	e.callbacks = nil

	if e.renderer != nil {
		e.renderer.Reset()
	}
	handlers := e.snapshotHandlersLocked(NoteOff)
	e.mu.Unlock()

	for _, n := range stopped {
		emit(handlers, n)
	}
	for _, cb := range cbs {
		cb.fn()
	}
}

// Poll runs one scheduling turn. It is normally invoked by the self-rearming
// timer but is safe to call directly (tests drive it with a manual clock).
func (e *Engine) Poll() { e.poll() }

func (e *Engine) poll() {
	e.mu.Lock()
	now := e.clock.Now()

	// 1. Hand every pending record due within the horizon to the renderer.
	if e.queueMin <= now+e.lookahead {
		if e.queueDirty {
			e.sortQueueLocked()
		}
		for len(e.queue) > 0 && e.queue[0].Time <= now+e.lookahead {
			e.dispatchLocked(e.queue[0])
			e.queue = e.queue[1:]
		}
		if len(e.queue) > 0 {
			e.queueMin = e.queue[0].Time
		} else {
			e.queueMin = math.Inf(1)
			e.queue = nil
		}
	}

	// 2. Release rendering resources whose quiescence delay has elapsed.
	kept := e.cleanup[:0]
	for _, n := range e.cleanup {
		if n.cleanupTime <= now {
			if e.renderer != nil {
				e.renderer.Release(n)
			}
			n.state = stateDone
		} else {
			kept = append(kept, n)
		}
	}
	e.cleanup = kept

	// Within one turn: NoteOff sweep precedes callbacks precedes NoteOn
	// sweep. The emissions run after unlock in exactly this order.
	var actions []func()
	offHandlers := e.snapshotHandlersLocked(NoteOff)
	onHandlers := e.snapshotHandlersLocked(NoteOn)

	// 3. Stop sounding records whose end time has elapsed.
	ended := make([]*Note, 0, 4)
	for _, n := range e.sounding {
		if n.End() <= now {
			ended = append(ended, n)
		}
	}
	sort.Slice(ended, func(i, j int) bool {
		if ended[i].End() != ended[j].End() {
			return ended[i].End() < ended[j].End()
		}
		return ended[i].Semitone < ended[j].Semitone
	})
	for _, n := range ended {
		delete(e.sounding, n.Semitone)
		e.toCleanupLocked(n, now)
		m := n
		actions = append(actions, func() { emit(offHandlers, m) })
	}

	// 4. Fire due one-shot callbacks (kept sorted by time).
	for len(e.callbacks) > 0 && e.callbacks[0].time <= now {
		fn := e.callbacks[0].fn
		e.callbacks = e.callbacks[1:]
		actions = append(actions, fn)
	}
	if len(e.callbacks) == 0 {
		e.callbacks = nil
	}

	// 5. Start dispatched records whose time has come, resolving pitch
	// collisions so at most one record per semitone keeps sounding.
	remaining := e.dispatched[:0]
	due := make([]*Note, 0, 4)
	for _, n := range e.dispatched {
		if n.Time <= now {
			due = append(due, n)
		} else {
			remaining = append(remaining, n)
		}
	}
	e.dispatched = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].Time != due[j].Time {
			return due[i].Time < due[j].Time
		}
		if due[i].Duration != due[j].Duration {
			return due[i].Duration < due[j].Duration
		}
		return due[i].Freq < due[j].Freq
	})
	for _, n := range due {
		if old, clash := e.sounding[n.Semitone]; clash {
			if collisionWinner(old, n) == n {
				e.truncateLocked(old, n.Time)
				delete(e.sounding, old.Semitone)
				e.toCleanupLocked(old, now)
				m := old
				actions = append(actions, func() { emit(offHandlers, m) })
			} else {
				// The new record loses: suppressed entirely, neither
				// NoteOn nor NoteOff fires for it.
				e.truncateLocked(n, n.Time)
				e.toCleanupLocked(n, now)
				continue
			}
		}
		if n.inaudible() {
			e.toCleanupLocked(n, now)
			continue
		}
		n.state = stateSounding
		e.sounding[n.Semitone] = n
		m := n
		actions = append(actions, func() { emit(onHandlers, m) })
	}

	// 6. Re-arm for the next event of interest.
	e.rearmLocked(now)
	e.mu.Unlock()

	for _, fn := range actions {
		fn()
	}
}

// collisionWinner picks the record that keeps sounding when two records share
// a pitch: later start wins; on a tie the longer duration wins.
func collisionWinner(old, incoming *Note) *Note {
	if incoming.Time > old.Time {
		return incoming
	}
	if incoming.Time < old.Time {
		return old
	}
	if incoming.Duration >= old.Duration {
		return incoming
	}
	return old
}

func (e *Engine) rearmLocked(now float64) {
	next := math.Inf(1)
	for _, n := range e.dispatched {
		if n.Time < next {
			next = n.Time
		}
	}
	for _, n := range e.sounding {
		if n.End() < next {
			next = n.End()
		}
	}
	if len(e.callbacks) > 0 && e.callbacks[0].time < next {
		next = e.callbacks[0].time
	}
	for _, n := range e.cleanup {
		if t := n.cleanupTime + e.margin; t < next {
			next = t
		}
	}
	if t := e.queueMin - e.lookahead; t < next {
		next = t
	}
	if math.IsInf(next, 1) {
		e.timer.Stop()
		return
	}
	d := next - now
	if d < 0 {
		d = 0
	}
	e.timer.Schedule(time.Duration(d*float64(time.Second))+time.Millisecond, e.poll)
}

func (e *Engine) snapshotHandlersLocked(kind EventKind) []Handler {
	subs := e.handlers[kind]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.fn
	}
	return out
}

func emit(handlers []Handler, n *Note) {
	for _, fn := range handlers {
		fn(n)
	}
}
