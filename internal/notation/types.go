package notation

// Note is one pitch within a stem. Duration is in unit notes and normally
// matches the stem's duration; tie resolution may extend it (chain head) or
// zero its audible role (Holdover).
type Note struct {
	Semitone int     // MIDI note number, middle C = 60
	Freq     float64 // Hz
	Duration float64 // unit notes
	Tied     bool    // carries a tie into the next note of this pitch
	Holdover bool    // tied continuation; contributes duration, never sound
}

// Stem is one notation event: a single note, a chord (len(Notes) > 1) or a
// rest (no notes). Duration is in unit notes and is strictly positive.
type Stem struct {
	Notes    []Note
	Duration float64
	Staccato bool
}

// Voice is one identified strand of music: an ordered stem sequence plus the
// header metadata accumulated while the voice was current.
type Voice struct {
	ID     string
	Timbre string // raw option string from an "I: timbre ..." field
	Fields map[string]string
	Stems  []Stem
}

// Song is the result of parsing one tune.
type Song struct {
	Fields map[string]string // all header tags, verbatim, newline-joined on repeat
	Tempo  float64           // unit notes per minute; 0 until a Q field resolves
	Unit   float64           // unit note length as a fraction of a whole note
	Voices map[string]*Voice
	Order  []string // voice ids in order of first appearance
}

// DefaultTempo is the tempo assumed when no Q field is present.
const DefaultTempo = 120
