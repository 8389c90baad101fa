package musical

import (
	"math"
	"sync"

	intaudio "github.com/alislin/musical/internal/audio"
	"github.com/alislin/musical/internal/sched"
	"github.com/alislin/musical/internal/synth"
)

// EventKind identifies note lifecycle notifications.
type EventKind int

const (
	NoteOn EventKind = iota
	NoteOff
)

// Note is the read-only view of a tone handed to event handlers. Time and
// Duration are in seconds on the instrument clock.
type Note struct {
	Freq     float64
	Semitone int
	Velocity float64
	Time     float64
	Duration float64
}

// Handler receives note lifecycle notifications.
type Handler func(Note)

type InstrumentOption func(*instrumentConfig)

type instrumentConfig struct {
	timbre    Timbre
	polyphony int
	lookahead float64
}

func defaultInstrumentConfig() instrumentConfig {
	return instrumentConfig{
		timbre:    DefaultTimbre(),
		polyphony: synth.DefaultParams().Polyphony,
	}
}

// WithTimbre sets the instrument's default sound.
func WithTimbre(t Timbre) InstrumentOption {
	return func(cfg *instrumentConfig) { cfg.timbre = t }
}

// WithPolyphony caps the number of simultaneous voices.
func WithPolyphony(n int) InstrumentOption {
	return func(cfg *instrumentConfig) { cfg.polyphony = n }
}

// WithLookahead sets how far ahead of their start time pending notes are
// handed to the synth, in seconds.
func WithLookahead(seconds float64) InstrumentOption {
	return func(cfg *instrumentConfig) { cfg.lookahead = seconds }
}

// Instrument schedules tones and songs onto a synth voiced through the
// platform audio device. If the device cannot be opened the instrument runs
// degraded: every operation is a safe no-op and handles stay inert.
type Instrument struct {
	mu       sync.Mutex
	ctx      *Context
	engine   *sched.Engine
	synth    *synth.Engine
	out      *intaudio.Output
	timbre   Timbre
	baseGain float64
	volume   float64
	done     chan struct{}
	degraded bool
}

// NewInstrument builds an instrument playing through the context's audio
// device. Device failure degrades the instrument instead of failing.
func (c *Context) NewInstrument(opts ...InstrumentOption) *Instrument {
	cfg := defaultInstrumentConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	params := synth.DefaultParams()
	params.Polyphony = cfg.polyphony
	eng := synth.New(c.sampleRate, params)

	inst := &Instrument{
		ctx:      c,
		synth:    eng,
		timbre:   cfg.timbre,
		baseGain: params.MasterGain,
		volume:   1,
	}
	out, err := intaudio.NewOutput(c.sampleRate, eng)
	if err != nil {
		inst.degraded = true
		inst.engine = sched.New(sched.Config{Lookahead: cfg.lookahead})
		return inst
	}
	inst.out = out
	inst.engine = sched.New(sched.Config{
		Clock:     sched.FuncClock(eng.Position),
		Renderer:  eng,
		Lookahead: cfg.lookahead,
	})
	return inst
}

// Now returns the instrument clock in seconds. All scheduling delays are
// relative to it.
func (inst *Instrument) Now() float64 { return inst.engine.Now() }

// Tone is the handle returned from ScheduleTone.
type Tone struct {
	engine *sched.Engine
	rec    *sched.Note
}

// Stop truncates the tone at the current time; a tone that has not started
// yet is silenced entirely. Stopping a finished tone does nothing.
func (t *Tone) Stop() {
	t.engine.Truncate(t.rec, t.engine.Now())
}

// StopAt truncates the tone at an absolute time on the instrument clock.
func (t *Tone) StopAt(when float64) {
	t.engine.Truncate(t.rec, when)
}

// ScheduleTone plays one tone. midi is the (possibly fractional) MIDI note
// number with middle C = 60; velocity is the 0-1 loudness; duration and
// delay are in seconds; a nil timbre uses the instrument default. A velocity
// or duration of zero schedules a silent tone that only cuts off whatever is
// sounding at the same pitch when it starts.
func (inst *Instrument) ScheduleTone(midi float64, velocity, duration, delay float64, timbre *Timbre) *Tone {
	inst.mu.Lock()
	t := inst.timbre
	inst.mu.Unlock()
	if timbre != nil {
		t = *timbre
	}
	rec := inst.engine.ScheduleTone(freqOfMIDI(midi), int(math.Round(midi)), velocity, duration, delay, t.internal())
	return &Tone{engine: inst.engine, rec: rec}
}

// ScheduleCallback runs fn once, delay seconds from now. The callback is
// guaranteed to fire; Silence fires still-pending callbacks immediately.
func (inst *Instrument) ScheduleCallback(delay float64, fn func()) {
	inst.engine.ScheduleCallback(delay, fn)
}

// On subscribes to note lifecycle events and returns a token for Off.
func (inst *Instrument) On(kind EventKind, fn Handler) int {
	return inst.engine.On(internalKind(kind), func(n *sched.Note) {
		fn(Note{
			Freq:     n.Freq,
			Semitone: n.Semitone,
			Velocity: n.Velocity,
			Time:     n.Time,
			Duration: n.Duration,
		})
	})
}

// Off removes a subscription made with On.
func (inst *Instrument) Off(kind EventKind, token int) {
	inst.engine.Off(internalKind(kind), token)
}

// Silence stops everything now: notes that never started are dropped
// without notifications, sounding notes fire NoteOff, pending callbacks
// fire immediately, and the output path is torn down and rebuilt.
func (inst *Instrument) Silence() {
	inst.mu.Lock()
	out := inst.out
	inst.out = nil
	inst.mu.Unlock()

	inst.engine.Silence()

	if out != nil {
		_ = out.Close()
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.degraded {
		return
	}
	fresh, err := intaudio.NewOutput(inst.ctx.sampleRate, inst.synth)
	if err != nil {
		inst.degraded = true
		return
	}
	inst.out = fresh
}

// Wait blocks until the most recently started Play finishes (or is
// silenced). It returns immediately when nothing is playing.
func (inst *Instrument) Wait() {
	inst.mu.Lock()
	done := inst.done
	inst.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SetMasterVolume sets the runtime volume scalar. 1.0 is the default.
func (inst *Instrument) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	inst.mu.Lock()
	inst.volume = volume
	inst.synth.SetMasterGain(inst.baseGain * volume)
	inst.mu.Unlock()
}

func (inst *Instrument) MasterVolume() float64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.volume
}

func internalKind(kind EventKind) sched.EventKind {
	if kind == NoteOff {
		return sched.NoteOff
	}
	return sched.NoteOn
}

func freqOfMIDI(midi float64) float64 {
	return 440 * math.Pow(2, (midi-69)/12)
}
