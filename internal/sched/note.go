package sched

import "math"

// Timbre holds the envelope and oscillator parameters a renderer needs to
// realize a note. Attack, Decay and Release are in seconds; Sustain is the
// 0-1 level held after decay. Detune is in cents.
type Timbre struct {
	Wave      string
	Gain      float64
	Attack    float64
	Decay     float64
	Sustain   float64
	Release   float64
	Cutoff    float64
	Resonance float64
	Detune    float64
}

type noteState int

const (
	stateNew noteState = iota
	stateQueued
	stateDispatched
	stateSounding
	stateCleanup
	stateDone
)

// Note is one requested or in-flight tone. Time is an absolute start on the
// engine clock. A record with zero Velocity or zero Duration is inaudible:
// it is used purely to truncate another note at Time, goes straight to
// cleanup instead of sounding, and fires no lifecycle events. The canonical
// truncator has both at zero; a silent record with a positive duration is
// treated the same way, since tracking it as sounding would occupy its pitch
// and notify listeners of a note that never sounds.
type Note struct {
	Freq     float64
	Semitone int
	Velocity float64
	Time     float64
	Duration float64
	Timbre   *Timbre

	// Handle is the renderer's voice handle, set on dispatch and cleared
	// when rendering resources are released.
	Handle uint64

	state       noteState
	cleanupTime float64
}

func newNote(freq float64, semitone int, velocity, start, duration float64, timbre *Timbre) *Note {
	return &Note{
		Freq:        freq,
		Semitone:    semitone,
		Velocity:    velocity,
		Time:        start,
		Duration:    duration,
		Timbre:      timbre,
		cleanupTime: math.Inf(1),
	}
}

// End returns the note's nominal stop time.
func (n *Note) End() float64 { return n.Time + n.Duration }

// inaudible reports whether the record can never produce sound. Either field
// at zero suffices; see the Note doc.
func (n *Note) inaudible() bool { return n.Velocity == 0 || n.Duration == 0 }

// EventKind identifies note lifecycle notifications.
type EventKind int

const (
	NoteOn EventKind = iota
	NoteOff
	eventKinds
)

// Handler receives the full note record for a lifecycle event.
type Handler func(*Note)

// Renderer is the external sound-rendering service boundary. Start realizes a
// note (recording a handle on it), Truncate re-issues envelope decay so the
// note ends smoothly at stopAt, Release frees rendering resources, and Reset
// tears down every voice when the output path is rebuilt. Tail reports how
// long the envelope keeps sounding past a note's nominal end.
type Renderer interface {
	Start(n *Note)
	Truncate(n *Note, stopAt float64)
	Release(n *Note)
	Reset()
	Tail(t *Timbre) float64
}
