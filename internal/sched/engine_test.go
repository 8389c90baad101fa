package sched

import (
	"math"
	"testing"
	"time"
)

type manualClock struct{ t float64 }

func (c *manualClock) Now() float64 { return c.t }

type manualTimer struct {
	armed bool
	d     time.Duration
}

func (m *manualTimer) Schedule(d time.Duration, fn func()) {
	m.armed = true
	m.d = d
}

func (m *manualTimer) Stop() { m.armed = false }

type truncation struct {
	note   *Note
	stopAt float64
}

type fakeRenderer struct {
	started    []*Note
	truncated  []truncation
	released   []*Note
	resets     int
	tail       float64
	nextHandle uint64
}

func (r *fakeRenderer) Start(n *Note) {
	r.nextHandle++
	n.Handle = r.nextHandle
	r.started = append(r.started, n)
}

func (r *fakeRenderer) Truncate(n *Note, stopAt float64) {
	r.truncated = append(r.truncated, truncation{note: n, stopAt: stopAt})
}

func (r *fakeRenderer) Release(n *Note) {
	r.released = append(r.released, n)
	n.Handle = 0
}

func (r *fakeRenderer) Reset() { r.resets++ }

func (r *fakeRenderer) Tail(*Timbre) float64 { return r.tail }

type eventLog struct {
	ons  []*Note
	offs []*Note
}

func (l *eventLog) attach(e *Engine) {
	e.On(NoteOn, func(n *Note) { l.ons = append(l.ons, n) })
	e.On(NoteOff, func(n *Note) { l.offs = append(l.offs, n) })
}

func newTestEngine() (*Engine, *manualClock, *manualTimer, *fakeRenderer) {
	clock := &manualClock{}
	timer := &manualTimer{}
	renderer := &fakeRenderer{}
	e := New(Config{Clock: clock, Timer: timer, Renderer: renderer})
	return e, clock, timer, renderer
}

func TestScheduleDispatchesWithinLookahead(t *testing.T) {
	e, clock, _, renderer := newTestEngine()
	e.ScheduleTone(440, 69, 1, 1, 0.5, nil)
	if len(renderer.started) != 1 {
		t.Fatalf("expected immediate dispatch, got %d starts", len(renderer.started))
	}
	e.ScheduleTone(440, 71, 1, 1, 10, nil)
	if len(renderer.started) != 1 {
		t.Fatalf("note 10s out should stay queued, got %d starts", len(renderer.started))
	}
	clock.t = 7.5
	e.Poll()
	if len(renderer.started) != 2 {
		t.Fatalf("expected queued note dispatched within lookahead, got %d starts", len(renderer.started))
	}
}

func TestNoteLifecycleEvents(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	n := e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.Poll()
	if len(log.ons) != 1 || log.ons[0] != n {
		t.Fatalf("expected one NoteOn for the scheduled note, got %d", len(log.ons))
	}
	if len(log.offs) != 0 {
		t.Fatalf("premature NoteOff")
	}
	clock.t = 1.0
	e.Poll()
	if len(log.offs) != 1 || log.offs[0] != n {
		t.Fatalf("expected one NoteOff at the note's end, got %d", len(log.offs))
	}
}

func TestOffRemovesSubscription(t *testing.T) {
	e, _, _, _ := newTestEngine()
	count := 0
	token := e.On(NoteOn, func(*Note) { count++ })
	e.Off(NoteOn, token)
	e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.Poll()
	if count != 0 {
		t.Fatalf("handler fired after Off")
	}
}

func TestCollisionLaterStartWins(t *testing.T) {
	e, clock, _, renderer := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	first := e.ScheduleTone(440, 69, 1, 2, 0, nil)
	second := e.ScheduleTone(440, 69, 1, 2, 1, nil)
	e.Poll()
	if len(log.ons) != 1 || log.ons[0] != first {
		t.Fatalf("expected only the first note on at t=0")
	}

	clock.t = 1.0
	e.Poll()
	if len(log.offs) != 1 || log.offs[0] != first {
		t.Fatalf("expected the first note cut off when the second starts")
	}
	if len(log.ons) != 2 || log.ons[1] != second {
		t.Fatalf("expected the second note on at t=1")
	}
	if first.Duration != 1 {
		t.Fatalf("loser should be truncated to the winner's start, duration=%g", first.Duration)
	}
	found := false
	for _, tr := range renderer.truncated {
		if tr.note == first && tr.stopAt == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("renderer never asked to truncate the loser at t=1")
	}
}

func TestCollisionSimultaneousLongerWinsAndLoserIsSilent(t *testing.T) {
	e, _, _, _ := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	e.ScheduleTone(440, 69, 1, 2, 0, nil)
	e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.Poll()

	if len(log.ons) == 0 {
		t.Fatalf("expected a winner to sound")
	}
	last := log.ons[len(log.ons)-1]
	if last.Duration != 2 {
		t.Fatalf("expected the longer note to keep sounding, got duration %g", last.Duration)
	}
	if e.sounding[69] != last {
		t.Fatalf("sounding map should hold the winner")
	}
}

func TestTruncatePastEndIsNoOp(t *testing.T) {
	e, _, _, renderer := newTestEngine()
	n := e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.Poll()
	e.Truncate(n, 5)
	if n.Duration != 1 {
		t.Fatalf("truncation lengthened the note: %g", n.Duration)
	}
	if len(renderer.truncated) != 0 {
		t.Fatalf("renderer truncated on a no-op")
	}
}

func TestTruncateBeforeStartSilencesEntirely(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	n := e.ScheduleTone(440, 69, 1, 1, 1, nil)
	e.Truncate(n, 0.5)
	if n.Duration != 0 {
		t.Fatalf("expected zero duration after truncating before the start, got %g", n.Duration)
	}
	clock.t = 1.0
	e.Poll()
	if len(log.ons) != 0 {
		t.Fatalf("fully truncated note must never sound")
	}
}

func TestInaudibleToneCutsSoundingPitch(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	e.ScheduleTone(440, 69, 1, 10, 0, nil)
	e.Poll()
	e.ScheduleTone(440, 69, 0, 0, 1, nil)
	clock.t = 1.0
	e.Poll()

	if len(log.offs) != 1 {
		t.Fatalf("expected the sounding note cut off, got %d offs", len(log.offs))
	}
	if len(log.ons) != 1 {
		t.Fatalf("the silent cutter must not fire NoteOn")
	}
	if len(e.sounding) != 0 {
		t.Fatalf("nothing should keep sounding")
	}
}

func TestCleanupReleasesAfterQuiescence(t *testing.T) {
	e, clock, _, renderer := newTestEngine()
	renderer.tail = 0.5
	n := e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.Poll()
	clock.t = 1.0
	e.Poll()
	if len(renderer.released) != 0 {
		t.Fatalf("released before the quiescence delay elapsed")
	}
	clock.t = 1.6
	e.Poll()
	if len(renderer.released) != 1 || renderer.released[0] != n {
		t.Fatalf("expected the note's resources released, got %d", len(renderer.released))
	}
	if n.Handle != 0 {
		t.Fatalf("handle should be cleared on release")
	}
}

func TestSilenceStopsEverything(t *testing.T) {
	e, clock, timer, renderer := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	sounding := e.ScheduleTone(440, 69, 1, 10, 0, nil)
	e.ScheduleTone(494, 71, 1, 1, 30, nil) // queued, never starts
	fired := false
	e.ScheduleCallback(60, func() { fired = true })
	e.Poll()
	clock.t = 2.0

	e.Silence()

	if len(log.offs) != 1 || log.offs[0] != sounding {
		t.Fatalf("expected NoteOff only for the sounding note, got %d", len(log.offs))
	}
	if !fired {
		t.Fatalf("pending callback must fire on Silence")
	}
	if renderer.resets != 1 {
		t.Fatalf("renderer not reset")
	}
	if timer.armed {
		t.Fatalf("timer still armed after Silence")
	}

	clock.t = 100
	e.Poll()
	if len(log.ons) != 1 || len(log.offs) != 1 {
		t.Fatalf("events fired after Silence")
	}
}

func TestBatchPinsClock(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	clock.t = 5
	e.BeginBatch()
	clock.t = 9
	if got := e.Now(); got != 5 {
		t.Fatalf("expected batch-pinned clock 5, got %g", got)
	}
	a := e.ScheduleTone(440, 69, 1, 1, 1, nil)
	b := e.ScheduleTone(494, 71, 1, 1, 1, nil)
	if a.Time != b.Time {
		t.Fatalf("same-delay notes in one batch must share a start: %g vs %g", a.Time, b.Time)
	}
	e.EndBatch()
	if got := e.Now(); got != 9 {
		t.Fatalf("expected live clock after EndBatch, got %g", got)
	}
}

func TestDegradedModeWithoutRenderer(t *testing.T) {
	clock := &manualClock{}
	e := New(Config{Clock: clock, Timer: &manualTimer{}})
	log := &eventLog{}
	log.attach(e)

	n := e.ScheduleTone(440, 69, 1, 1, 0, nil)
	if n == nil {
		t.Fatalf("degraded ScheduleTone must still return a handle")
	}
	e.Truncate(n, 0.5)
	clock.t = 10
	e.Poll()
	e.Silence()
	if len(log.ons) != 0 || len(log.offs) != 0 {
		t.Fatalf("degraded engine fired events")
	}
}

func TestCallbackFiresAtItsTime(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	fired := 0
	e.ScheduleCallback(2, func() { fired++ })
	e.Poll()
	if fired != 0 {
		t.Fatalf("callback fired early")
	}
	clock.t = 2.0
	e.Poll()
	if fired != 1 {
		t.Fatalf("callback did not fire at its time")
	}
	clock.t = 3.0
	e.Poll()
	if fired != 1 {
		t.Fatalf("one-shot callback fired twice")
	}
}

func TestRearmTargetsQueueHorizon(t *testing.T) {
	e, _, timer, _ := newTestEngine()
	e.ScheduleTone(440, 69, 1, 1, 10, nil)
	if !timer.armed {
		t.Fatalf("timer not armed for a queued note")
	}
	// The note is due at t=10 with a 3s lookahead; the next poll belongs at
	// t=7 (plus the millisecond nudge).
	want := 7*time.Second + time.Millisecond
	if timer.d != want {
		t.Fatalf("expected re-arm at %v, got %v", want, timer.d)
	}
}

func TestQueueSortPolicy(t *testing.T) {
	e, clock, _, renderer := newTestEngine()
	// All due at the same instant, appended out of order.
	e.ScheduleTone(494, 71, 1, 2, 10, nil)
	e.ScheduleTone(440, 69, 1, 1, 10, nil)
	e.ScheduleTone(262, 60, 1, 1, 10, nil)
	clock.t = 8
	e.Poll()
	if len(renderer.started) != 3 {
		t.Fatalf("expected all three dispatched, got %d", len(renderer.started))
	}
	// Shorter duration first, then lower frequency.
	if renderer.started[0].Semitone != 60 || renderer.started[1].Semitone != 69 || renderer.started[2].Semitone != 71 {
		t.Fatalf("dispatch order wrong: %d %d %d",
			renderer.started[0].Semitone, renderer.started[1].Semitone, renderer.started[2].Semitone)
	}
}

func TestQueueStaysOrderedAfterPartialDrain(t *testing.T) {
	e, clock, _, renderer := newTestEngine()
	e.ScheduleTone(440, 69, 1, 1, 20, nil)
	e.ScheduleTone(494, 71, 1, 1, 10, nil) // out of order, forces a sort
	clock.t = 7.5
	e.Poll()
	if len(renderer.started) != 1 || renderer.started[0].Semitone != 71 {
		t.Fatalf("expected only the t=10 note dispatched at t=7.5")
	}
	// Due at t=15: between the drained head and the remaining t=20 note.
	e.ScheduleTone(523, 72, 1, 1, 7.5, nil)
	clock.t = 12
	e.Poll()
	dispatched := false
	for _, n := range renderer.started {
		if n.Semitone == 72 {
			dispatched = true
		}
	}
	if !dispatched {
		t.Fatalf("note due at t=15 not dispatched at t=12 with a 3s lookahead")
	}
}

func TestSilentPositiveDurationToneFiresNoEvents(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	log := &eventLog{}
	log.attach(e)

	e.ScheduleTone(440, 69, 1, 10, 0, nil)
	e.Poll()
	e.ScheduleTone(440, 69, 0, 2, 1, nil) // silent, still cuts the pitch
	clock.t = 1.0
	e.Poll()
	if len(log.offs) != 1 || len(log.ons) != 1 {
		t.Fatalf("silent cutter changed the event stream: %d ons, %d offs", len(log.ons), len(log.offs))
	}
	if len(e.sounding) != 0 {
		t.Fatalf("a silent record must never be tracked as sounding")
	}
	clock.t = 5.0 // past the silent record's nominal end
	e.Poll()
	if len(log.offs) != 1 {
		t.Fatalf("silent record fired NoteOff at its end")
	}
}

func TestEmissionOrderWithinOnePoll(t *testing.T) {
	e, clock, _, _ := newTestEngine()
	var order []string
	e.On(NoteOn, func(*Note) { order = append(order, "on") })
	e.On(NoteOff, func(*Note) { order = append(order, "off") })

	e.ScheduleTone(440, 69, 1, 1, 0, nil)
	e.ScheduleTone(494, 71, 1, 1, 1, nil)
	e.ScheduleCallback(1, func() { order = append(order, "cb") })
	e.Poll()
	order = nil

	clock.t = 1.0
	e.Poll()
	want := []string{"off", "cb", "on"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestNoteEndArithmetic(t *testing.T) {
	n := newNote(440, 69, 1, 1.5, 2.25, nil)
	if got := n.End(); math.Abs(got-3.75) > 1e-12 {
		t.Fatalf("End() = %g", got)
	}
}
