package musical

import (
	"errors"
	"math"

	"github.com/alislin/musical/internal/notation"
	"github.com/alislin/musical/internal/sched"
)

type PlayOption func(*playConfig)

type playConfig struct {
	tempo float64
	delay float64
}

// WithTempo overrides every tune's tempo, in unit notes per minute.
func WithTempo(unitsPerMinute float64) PlayOption {
	return func(cfg *playConfig) { cfg.tempo = unitsPerMinute }
}

// WithStartDelay postpones the first note by the given number of seconds.
func WithStartDelay(seconds float64) PlayOption {
	return func(cfg *playConfig) { cfg.delay = seconds }
}

// Play parses ABC notation and schedules it. Multiple tunes (X: headers)
// play back to back. Play returns as soon as everything is scheduled; use
// Wait to block until playback finishes.
func (inst *Instrument) Play(text string, opts ...PlayOption) error {
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	songs := parseTunes(text)
	if len(songs) == 0 {
		return errors.New("no playable tunes in input")
	}

	inst.mu.Lock()
	base := inst.timbre
	done := make(chan struct{})
	inst.done = done
	inst.mu.Unlock()

	e := inst.engine
	e.BeginBatch()
	total := scheduleSongs(e, songs, base, cfg)
	e.ScheduleCallback(total, func() {
		inst.mu.Lock()
		if inst.done == done {
			inst.done = nil
		}
		inst.mu.Unlock()
		close(done)
	})
	e.EndBatch()
	return nil
}

func parseTunes(text string) []*notation.Song {
	var songs []*notation.Song
	for _, tune := range notation.SplitTunes(text) {
		song := notation.Parse(tune)
		if len(song.Order) > 0 {
			songs = append(songs, song)
		}
	}
	return songs
}

// scheduleSongs walks parsed tunes onto the engine, voices in parallel and
// tunes in sequence, and returns the total span in seconds from the engine's
// current time to the last note's end. The first tune's tempo governs the
// whole input unless an option overrides it.
func scheduleSongs(e *sched.Engine, songs []*notation.Song, base Timbre, cfg playConfig) float64 {
	tempo := cfg.tempo
	if tempo == 0 {
		tempo = songs[0].Tempo
	}
	if tempo == 0 {
		tempo = notation.DefaultTempo
	}
	beat := 60 / tempo
	offset := cfg.delay
	for _, song := range songs {
		songEnd := offset
		for _, id := range song.Order {
			end := scheduleVoice(e, song.Voices[id], base, beat, offset)
			if end > songEnd {
				songEnd = end
			}
		}
		offset = songEnd
	}
	return offset
}

func scheduleVoice(e *sched.Engine, v *notation.Voice, base Timbre, beat, offset float64) float64 {
	timbre := base
	if v.Timbre != "" {
		timbre = ParseTimbre(v.Timbre)
	}
	t := timbre.internal()
	at := offset
	for _, stem := range v.Stems {
		span := stem.Duration * beat
		// Staccato shortens the sounding part of the stem to the plink of
		// the envelope's attack and decay, capped at a sixteenth of a beat.
		clip := math.Inf(1)
		if stem.Staccato {
			clip = t.Attack + t.Decay
			if c := beat / 16; c < clip {
				clip = c
			}
		}
		vel := 1.0
		if n := len(stem.Notes); n > 1 {
			vel = 1 / math.Sqrt(float64(n))
		}
		for _, note := range stem.Notes {
			if note.Holdover {
				continue
			}
			d := note.Duration * beat
			if d > clip {
				d = clip
			}
			e.ScheduleTone(note.Freq, note.Semitone, vel, d, at, t)
		}
		at += span
	}
	return at
}
