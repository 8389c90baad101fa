package synth

import (
	"math"

	"github.com/alislin/musical/internal/sched"
)

const twoPi = math.Pi * 2

type envShape struct {
	attack  float64
	decay   float64
	sustain float64
	release float64
}

// voice is one scheduled oscillator+envelope. All times are absolute frame
// positions on the engine's render clock; the envelope is a pure function of
// the frame position, so truncation only ever moves releaseFrame and future
// envelope changes cannot conflict with past ones.
type voice struct {
	active       bool
	handle       uint64
	freq         float64
	gain         float64 // velocity * timbre gain
	wave         int
	phase        float64
	startFrame   int64
	releaseFrame int64 // sustain ends, release ramp begins
	env          envShape
}

const (
	waveSine = iota
	waveSquare
	waveSawtooth
	waveTriangle
)

func waveIndex(name string) int {
	switch name {
	case "sine":
		return waveSine
	case "square":
		return waveSquare
	case "sawtooth", "saw":
		return waveSawtooth
	default:
		return waveTriangle
	}
}

// levelBeforeRelease is the envelope level t seconds into the note, ignoring
// the release segment.
func (s envShape) levelBeforeRelease(t float64) float64 {
	if t < 0 {
		return 0
	}
	if s.attack > 0 && t < s.attack {
		return t / s.attack
	}
	t -= s.attack
	if s.decay > 0 && t < s.decay {
		return 1 - (1-s.sustain)*(t/s.decay)
	}
	return s.sustain
}

// levelAt evaluates the full envelope at t seconds past startFrame, with the
// release ramp beginning at relT. Truncating into the attack still ramps from
// the level actually reached, never a discontinuity.
func (s envShape) levelAt(t, relT float64) float64 {
	if t < relT {
		return s.levelBeforeRelease(t)
	}
	from := s.levelBeforeRelease(relT)
	if s.release <= 0 {
		return 0
	}
	out := from * (1 - (t-relT)/s.release)
	if out < 0 {
		return 0
	}
	return out
}

func (v *voice) sample(frame int64, sampleRate float64) (float64, bool) {
	if frame < v.startFrame {
		return 0, true
	}
	t := float64(frame-v.startFrame) / sampleRate
	relT := float64(v.releaseFrame-v.startFrame) / sampleRate
	env := v.env.levelAt(t, relT)
	if t >= relT && env == 0 {
		return 0, false // release ramp finished
	}
	v.phase += v.freq / sampleRate
	if v.phase >= 1 {
		v.phase -= math.Floor(v.phase)
	}
	var osc float64
	switch v.wave {
	case waveSine:
		osc = math.Sin(twoPi * v.phase)
	case waveSquare:
		if v.phase < 0.5 {
			osc = 1
		} else {
			osc = -1
		}
	case waveSawtooth:
		osc = 2*v.phase - 1
	default: // triangle
		if v.phase < 0.5 {
			osc = 4*v.phase - 1
		} else {
			osc = 3 - 4*v.phase
		}
	}
	return osc * env * v.gain, true
}

func shapeFor(t *sched.Timbre) envShape {
	return envShape{
		attack:  t.Attack,
		decay:   t.Decay,
		sustain: t.Sustain,
		release: t.Release,
	}
}

func detunedFreq(freq, cents float64) float64 {
	if cents == 0 {
		return freq
	}
	return freq * math.Pow(2, cents/1200)
}
