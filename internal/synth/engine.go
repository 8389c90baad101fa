// Package synth is the sound-rendering service behind the scheduling engine:
// a polyphonic oscillator+ADSR voice bank that realizes note records
// sample-accurately at absolute frame positions and mixes them into
// interleaved stereo float32 frames.
package synth

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/alislin/musical/internal/sched"
)

type Params struct {
	Polyphony  int
	MasterGain float64
}

func DefaultParams() Params {
	return Params{
		Polyphony:  32,
		MasterGain: 0.5,
	}
}

// DefaultTimbre is the envelope used when a note carries no timbre override.
func DefaultTimbre() *sched.Timbre {
	return &sched.Timbre{
		Wave:    "triangle",
		Gain:    0.5,
		Attack:  0.002,
		Decay:   0.25,
		Sustain: 0.03,
		Release: 0.1,
	}
}

// Engine implements sched.Renderer. The scheduler mutates voices from timer
// goroutines while the audio thread renders, so voice state is
// mutex-guarded; the render position is atomic so the scheduler's clock can
// read it without taking the lock.
type Engine struct {
	sampleRate float64
	params     Params

	mu         sync.Mutex
	voices     []voice
	nextHandle uint64

	masterGain uint64 // float64 bits
	frames     int64  // frames rendered so far
}

func New(sampleRate int, params Params) *Engine {
	if params.Polyphony <= 0 {
		params.Polyphony = 32
	}
	return &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Polyphony),
		masterGain: math.Float64bits(params.MasterGain),
	}
}

// Position returns the render clock in seconds: how much audio has been
// generated. Scheduling decisions are made against this clock.
func (e *Engine) Position() float64 {
	return float64(atomic.LoadInt64(&e.frames)) / e.sampleRate
}

func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	atomic.StoreUint64(&e.masterGain, math.Float64bits(gain))
}

// Start realizes a note record as a voice starting at the record's absolute
// time. Inaudible records (zero velocity or duration) create no voice.
func (e *Engine) Start(n *sched.Note) {
	if n.Velocity == 0 || n.Duration == 0 {
		return
	}
	t := n.Timbre
	if t == nil {
		t = DefaultTimbre()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.allocLocked()
	if slot < 0 {
		return
	}
	e.nextHandle++
	v := &e.voices[slot]
	*v = voice{
		active:       true,
		handle:       e.nextHandle,
		freq:         detunedFreq(n.Freq, t.Detune),
		gain:         n.Velocity * t.Gain,
		wave:         waveIndex(t.Wave),
		startFrame:   int64(n.Time * e.sampleRate),
		releaseFrame: int64(n.End() * e.sampleRate),
		env:          shapeFor(t),
	}
	n.Handle = v.handle
}

// allocLocked finds a free voice slot, stealing the voice closest to the end
// of its envelope when the bank is full.
func (e *Engine) allocLocked() int {
	steal, stealStart := -1, int64(math.MaxInt64)
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
		if e.voices[i].startFrame < stealStart {
			steal, stealStart = i, e.voices[i].startFrame
		}
	}
	return steal
}

// Truncate moves a voice's release point so the note ends at stopAt. A stop
// in the past ramps the live level down starting now rather than cutting.
func (e *Engine) Truncate(n *sched.Note, stopAt float64) {
	if n.Handle == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.findLocked(n.Handle)
	if v == nil {
		return
	}
	rf := int64(stopAt * e.sampleRate)
	if rf >= v.releaseFrame {
		return // truncation never lengthens
	}
	if rendered := atomic.LoadInt64(&e.frames); rf < rendered {
		rf = rendered
	}
	if rf < v.startFrame {
		// Stop before the voice ever sounds.
		v.active = false
		return
	}
	v.releaseFrame = rf
}

// Release frees the rendering resources for a note and clears its handle.
func (e *Engine) Release(n *sched.Note) {
	if n.Handle == 0 {
		return
	}
	e.mu.Lock()
	if v := e.findLocked(n.Handle); v != nil {
		v.active = false
	}
	e.mu.Unlock()
	n.Handle = 0
}

// Reset silences every voice.
func (e *Engine) Reset() {
	e.mu.Lock()
	for i := range e.voices {
		e.voices[i].active = false
	}
	e.mu.Unlock()
}

// Tail reports how long a note keeps sounding past its nominal end: the
// envelope release time.
func (e *Engine) Tail(t *sched.Timbre) float64 {
	if t == nil {
		t = DefaultTimbre()
	}
	if t.Release < 0 {
		return 0
	}
	return t.Release
}

func (e *Engine) findLocked(handle uint64) *voice {
	for i := range e.voices {
		if e.voices[i].active && e.voices[i].handle == handle {
			return &e.voices[i]
		}
	}
	return nil
}

// ActiveVoiceCount returns the number of voices still sounding, release
// tails included.
func (e *Engine) ActiveVoiceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for i := range e.voices {
		if e.voices[i].active {
			count++
		}
	}
	return count
}

// Process renders interleaved stereo frames into dst and advances the render
// clock.
func (e *Engine) Process(dst []float32) {
	frames := int64(len(dst) / 2)
	base := atomic.LoadInt64(&e.frames)
	gain := math.Float64frombits(atomic.LoadUint64(&e.masterGain))
	e.mu.Lock()
	for f := int64(0); f < frames; f++ {
		abs := base + f
		var sum float64
		for i := range e.voices {
			v := &e.voices[i]
			if !v.active {
				continue
			}
			s, alive := v.sample(abs, e.sampleRate)
			if !alive {
				v.active = false
				continue
			}
			sum += s
		}
		out := float32(sum * gain)
		dst[f*2] = out
		dst[f*2+1] = out
	}
	e.mu.Unlock()
	atomic.AddInt64(&e.frames, frames)
}
