package musical

import (
	"math"
	"testing"
	"time"

	"github.com/alislin/musical/internal/sched"
)

type stillClock struct{}

func (stillClock) Now() float64 { return 0 }

type idleTimer struct{}

func (idleTimer) Schedule(time.Duration, func()) {}
func (idleTimer) Stop()                          {}

type recordingRenderer struct {
	started []*sched.Note
	next    uint64
}

func (r *recordingRenderer) Start(n *sched.Note) {
	r.next++
	n.Handle = r.next
	r.started = append(r.started, n)
}
func (r *recordingRenderer) Truncate(*sched.Note, float64) {}
func (r *recordingRenderer) Release(n *sched.Note)         { n.Handle = 0 }
func (r *recordingRenderer) Reset()                        {}
func (r *recordingRenderer) Tail(*sched.Timbre) float64    { return 0 }

func scheduleABC(t *testing.T, text string, opts ...PlayOption) (*recordingRenderer, float64) {
	t.Helper()
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	songs := parseTunes(text)
	if len(songs) == 0 {
		t.Fatalf("no tunes parsed from %q", text)
	}
	r := &recordingRenderer{}
	// A generous lookahead keeps every note of a short test tune dispatched
	// at schedule time, so the renderer log is complete without polling.
	e := sched.New(sched.Config{Clock: stillClock{}, Timer: idleTimer{}, Renderer: r, Lookahead: 3600})
	total := scheduleSongs(e, songs, DefaultTimbre(), cfg)
	return r, total
}

func almostEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScaleTiming(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nM:4/4\nL:1/4\nQ:120\nK:C\nCDEF|\n")
	if len(r.started) != 4 {
		t.Fatalf("expected 4 notes, got %d", len(r.started))
	}
	for i, n := range r.started {
		if !almostEq(n.Time, float64(i)*0.5) {
			t.Fatalf("note %d starts at %g, want %g", i, n.Time, float64(i)*0.5)
		}
		if !almostEq(n.Duration, 0.5) {
			t.Fatalf("note %d duration %g, want 0.5", i, n.Duration)
		}
	}
	if !almostEq(total, 2) {
		t.Fatalf("total %g, want 2", total)
	}
}

func TestTempoOverride(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\nCD\n", WithTempo(60))
	if !almostEq(r.started[1].Time, 1) {
		t.Fatalf("override ignored: second note at %g", r.started[1].Time)
	}
	if !almostEq(total, 2) {
		t.Fatalf("total %g, want 2", total)
	}
}

func TestDefaultTempoWhenHeaderSilent(t *testing.T) {
	// 120 unit notes per minute, so one unit note lasts half a second.
	r, _ := scheduleABC(t, "X:1\nK:C\nCD\n")
	if !almostEq(r.started[1].Time, 0.5) {
		t.Fatalf("default tempo wrong: second note at %g", r.started[1].Time)
	}
}

func TestStartDelayShiftsEverything(t *testing.T) {
	r, _ := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\nC\n", WithStartDelay(1.5))
	if !almostEq(r.started[0].Time, 1.5) {
		t.Fatalf("start delay ignored: %g", r.started[0].Time)
	}
}

func TestHoldoversAreSilent(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\nA2-A2\n")
	if len(r.started) != 1 {
		t.Fatalf("tied continuation must not retrigger, got %d notes", len(r.started))
	}
	if !almostEq(r.started[0].Duration, 2) {
		t.Fatalf("tie head should span the chain, got %g", r.started[0].Duration)
	}
	if !almostEq(total, 2) {
		t.Fatalf("total %g, want 2", total)
	}
}

func TestChordAttenuation(t *testing.T) {
	r, _ := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\n[CEG]\n")
	if len(r.started) != 3 {
		t.Fatalf("expected 3 chord notes, got %d", len(r.started))
	}
	want := 1 / math.Sqrt(3)
	for _, n := range r.started {
		if !almostEq(n.Velocity, want) {
			t.Fatalf("chord velocity %g, want %g", n.Velocity, want)
		}
		if !almostEq(n.Time, 0) {
			t.Fatalf("chord notes must start together")
		}
	}
}

func TestStaccatoClampsDuration(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\n.C D\n")
	beat := 0.5
	d := DefaultTimbre()
	want := d.Attack + d.Decay
	if c := beat / 16; c < want {
		want = c
	}
	if !almostEq(r.started[0].Duration, want) {
		t.Fatalf("staccato duration %g, want %g", r.started[0].Duration, want)
	}
	// The stem still occupies its full written time.
	if !almostEq(r.started[1].Time, beat) {
		t.Fatalf("staccato must not compress the timeline: next note at %g", r.started[1].Time)
	}
	if !almostEq(total, 1) {
		t.Fatalf("total %g, want 1", total)
	}
}

func TestVoicesRunInParallel(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\n[V:a]CD\n[V:b]EF\n")
	if len(r.started) != 4 {
		t.Fatalf("expected 4 notes across voices, got %d", len(r.started))
	}
	startsAtZero := 0
	for _, n := range r.started {
		if almostEq(n.Time, 0) {
			startsAtZero++
		}
	}
	if startsAtZero != 2 {
		t.Fatalf("both voices should start at 0, got %d notes there", startsAtZero)
	}
	if !almostEq(total, 1) {
		t.Fatalf("parallel voices must not extend the total, got %g", total)
	}
}

func TestTunesPlaySequentially(t *testing.T) {
	r, total := scheduleABC(t, "X:1\nL:1/4\nQ:120\nK:C\nC\nX:2\nL:1/4\nQ:120\nK:C\nD\n")
	if len(r.started) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(r.started))
	}
	if !almostEq(r.started[1].Time, 0.5) {
		t.Fatalf("second tune should start after the first, got %g", r.started[1].Time)
	}
	if !almostEq(total, 1) {
		t.Fatalf("total %g, want 1", total)
	}
}

func TestFirstTuneTempoGovernsAllTunes(t *testing.T) {
	// The second tune has no Q: header; it inherits the first tune's 60,
	// not the 120 default.
	text := "X:1\nL:1/4\nQ:60\nK:C\nC\nX:2\nL:1/4\nK:C\nD\n"
	r, total := scheduleABC(t, text)
	if len(r.started) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(r.started))
	}
	if !almostEq(r.started[1].Time, 1) || !almostEq(r.started[1].Duration, 1) {
		t.Fatalf("second tune ignored the first tune's tempo: start %g, duration %g",
			r.started[1].Time, r.started[1].Duration)
	}
	if !almostEq(total, 2) {
		t.Fatalf("total %g, want 2", total)
	}

	r, _ = scheduleABC(t, text, WithTempo(120))
	if !almostEq(r.started[1].Time, 0.5) {
		t.Fatalf("tempo option should override every tune, got start %g", r.started[1].Time)
	}
}

func TestVoiceTimbreOverridesDefault(t *testing.T) {
	r, _ := scheduleABC(t, "X:1\nI: timbre square;gain:0.2\nL:1/4\nQ:120\nK:C\nC\n")
	if r.started[0].Timbre.Wave != "square" || r.started[0].Timbre.Gain != 0.2 {
		t.Fatalf("voice timbre not applied: %+v", r.started[0].Timbre)
	}
}
