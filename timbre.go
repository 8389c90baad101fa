package musical

import (
	"strconv"
	"strings"

	"github.com/alislin/musical/internal/sched"
)

// Timbre describes how a tone sounds: oscillator wave, ADSR envelope and
// detune. Attack, Decay and Release are in seconds, Sustain is the 0-1 level
// held after decay, Detune is in cents.
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

// DefaultTimbre is a soft plucked triangle, the sound used when nothing else
// is specified.
func DefaultTimbre() Timbre {
	return Timbre{
		Wave:    "triangle",
		Gain:    0.5,
		Attack:  0.002,
		Decay:   0.25,
		Sustain: 0.03,
		Release: 0.1,
	}
}

// presets are named starting points resolvable from the unkeyed leading
// value of an option string, so "piano" and "piano;gain:0.7" both work.
var presets = map[string]Timbre{
	"piano": {Wave: "triangle", Gain: 0.5, Attack: 0.002, Decay: 0.4, Sustain: 0.005, Release: 0.1},
	"organ": {Wave: "sine", Gain: 0.4, Attack: 0.01, Decay: 0.1, Sustain: 0.8, Release: 0.15},
	"bass":  {Wave: "sawtooth", Gain: 0.4, Attack: 0.005, Decay: 0.3, Sustain: 0.1, Release: 0.1, Detune: 3},
}

// Preset returns the named timbre preset, or the default timbre with the
// name as its wave when no preset matches.
func Preset(name string) Timbre {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := presets[name]; ok {
		return t
	}
	t := DefaultTimbre()
	if name != "" {
		t.Wave = name
	}
	return t
}

// ParseTimbre reads the option-string form: fields separated by ";", each
// "key:value", with single or double quotes allowed around values containing
// ";" or ":". A leading field without a key names a preset or wave.
// Unrecognized fields are ignored.
func ParseTimbre(s string) Timbre {
	t := DefaultTimbre()
	fields := splitOptions(s)
	for i, field := range fields {
		key, val, keyed := cutOption(field)
		if !keyed {
			if i == 0 {
				t = Preset(val)
			}
			continue
		}
		switch strings.ToLower(key) {
		case "wave":
			t.Wave = strings.ToLower(val)
		case "gain":
			t.Gain = parseOptionFloat(val, t.Gain)
		case "attack":
			t.Attack = parseOptionFloat(val, t.Attack)
		case "decay":
			t.Decay = parseOptionFloat(val, t.Decay)
		case "sustain":
			t.Sustain = parseOptionFloat(val, t.Sustain)
		case "release":
			t.Release = parseOptionFloat(val, t.Release)
		case "cutoff":
			t.Cutoff = parseOptionFloat(val, t.Cutoff)
		case "resonance":
			t.Resonance = parseOptionFloat(val, t.Resonance)
		case "detune":
			t.Detune = parseOptionFloat(val, t.Detune)
		}
	}
	return t
}

// String serializes the timbre in the option-string form ParseTimbre reads.
// The round trip ParseTimbre(t.String()) reproduces t.
func (t Timbre) String() string {
	var b strings.Builder
	put := func(key string, v float64) {
		b.WriteString(";")
		b.WriteString(key)
		b.WriteString(":")
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteString("wave:")
	b.WriteString(quoteOption(t.Wave))
	put("gain", t.Gain)
	put("attack", t.Attack)
	put("decay", t.Decay)
	put("sustain", t.Sustain)
	put("release", t.Release)
	if t.Cutoff != 0 {
		put("cutoff", t.Cutoff)
	}
	if t.Resonance != 0 {
		put("resonance", t.Resonance)
	}
	if t.Detune != 0 {
		put("detune", t.Detune)
	}
	return b.String()
}

func (t Timbre) internal() *sched.Timbre {
	return &sched.Timbre{
		Wave:      t.Wave,
		Gain:      t.Gain,
		Attack:    t.Attack,
		Decay:     t.Decay,
		Sustain:   t.Sustain,
		Release:   t.Release,
		Cutoff:    t.Cutoff,
		Resonance: t.Resonance,
		Detune:    t.Detune,
	}
}

// splitOptions splits on ";" outside quotes and trims each field; empty
// fields are dropped.
func splitOptions(s string) []string {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			if f := strings.TrimSpace(s[start:i]); f != "" {
				out = append(out, f)
			}
			start = i + 1
		}
	}
	if f := strings.TrimSpace(s[start:]); f != "" {
		out = append(out, f)
	}
	return out
}

// cutOption splits "key:value" on the first ":" outside quotes and strips
// one matching pair of quotes from the value.
func cutOption(field string) (key, val string, keyed bool) {
	var quote byte
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ':':
			return strings.TrimSpace(field[:i]), unquoteOption(strings.TrimSpace(field[i+1:])), true
		}
	}
	return "", unquoteOption(field), false
}

func unquoteOption(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func quoteOption(s string) string {
	if strings.ContainsAny(s, ";:") {
		return "'" + s + "'"
	}
	return s
}

func parseOptionFloat(s string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return fallback
}
