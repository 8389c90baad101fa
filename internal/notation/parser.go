package notation

import (
	"math"
	"strconv"
	"strings"
)

// pitchOffsets maps a pitch letter to its semitone offset within the octave.
var pitchOffsets = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// tupletBeats gives the default "time of N" for a (p tuplet marker.
var tupletBeats = map[int]float64{2: 3, 3: 2, 4: 3, 6: 2, 8: 3}

type tupletState struct {
	remaining int
	factor    float64
}

type parser struct {
	song *Song
	cur  *Voice

	bodyOpen     bool
	pendingVoice string
	pendingTimbr string
	explicitUnit bool
	meterValue   float64

	key    map[byte]int   // key-signature accidentals per letter
	accent map[string]int // in-measure accidental overrides, cleared at bars

	tuplet   tupletState
	broken   int // pending >/< count, positive = '>'
	staccato bool
	lastStem int // index into cur.Stems of the latest timed stem, -1 when none
}

// Parse tokenizes one tune. It never fails: malformed tokens are skipped and
// the parse continues, consistent with real-world notation files.
func Parse(text string) *Song {
	p := &parser{
		song: &Song{
			Fields: make(map[string]string),
			Unit:   0.125,
			Voices: make(map[string]*Voice),
		},
		key:        map[byte]int{'A': 0, 'B': 0, 'C': 0, 'D': 0, 'E': 0, 'F': 0, 'G': 0},
		accent:     make(map[string]int),
		meterValue: 1.0,
		lastStem:   -1,
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(strings.TrimSuffix(line, "\r")), "\\")
		if line == "" {
			continue
		}
		if tag, value, ok := headerLine(line); ok {
			p.applyField(tag, value)
			continue
		}
		if p.bodyOpen {
			p.scanLine(line)
		}
		// Free text before the K field closes the preamble is ignored.
	}
	for _, id := range p.song.Order {
		resolveTies(p.song.Voices[id])
	}
	return p.song
}

// SplitTunes splits concatenated notation documents on tune-header
// boundaries (an X: line starting a new tune).
func SplitTunes(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	var cur []string
	seenAny := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "X:") && seenAny {
			out = append(out, strings.Join(cur, "\n"))
			cur = cur[:0]
		}
		if trimmed != "" {
			seenAny = true
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	if len(out) == 0 {
		out = []string{text}
	}
	return out
}

func headerLine(line string) (byte, string, bool) {
	if len(line) < 2 || !isLetter(line[0]) || line[1] != ':' {
		return 0, "", false
	}
	return line[0], strings.TrimSpace(line[2:]), true
}

func (p *parser) applyField(tag byte, value string) {
	p.accumulate(tag, value)
	switch upperByte(tag) {
	case 'V':
		id := firstWord(value)
		if id == "" {
			return
		}
		if !p.bodyOpen {
			if p.pendingVoice == "" {
				p.pendingVoice = id
			}
			return
		}
		p.switchVoice(id)
	case 'M':
		p.meterValue = parseMeter(value)
		if !p.explicitUnit {
			p.song.Unit = defaultUnitFor(p.meterValue)
		}
	case 'L':
		if frac, ok := parseFraction(value); ok && frac > 0 {
			p.song.Unit = frac
			p.explicitUnit = true
		}
	case 'Q':
		if p.song.Tempo == 0 {
			p.song.Tempo = resolveTempo(value, p.song.Unit)
		}
	case 'I':
		rest, ok := strings.CutPrefix(strings.TrimSpace(value), "timbre")
		if !ok {
			return
		}
		rest = strings.TrimSpace(rest)
		if p.cur != nil {
			p.cur.Timbre = rest
		} else {
			p.pendingTimbr = rest
		}
	case 'K':
		// The key field closes the preamble and opens the first voice.
		p.key = parseKeySignature(value)
		if !p.bodyOpen {
			p.bodyOpen = true
			p.switchVoice(p.pendingVoice)
			if p.pendingTimbr != "" && p.cur.Timbre == "" {
				p.cur.Timbre = p.pendingTimbr
			}
		}
	}
}

func (p *parser) accumulate(tag byte, value string) {
	key := string(tag)
	joinInto(p.song.Fields, key, value)
	if p.cur != nil {
		joinInto(p.cur.Fields, key, value)
	}
}

func joinInto(m map[string]string, key, value string) {
	if old, ok := m[key]; ok {
		m[key] = old + "\n" + value
		return
	}
	m[key] = value
}

// switchVoice makes the voice with the given id current, creating it on first
// use. An anonymous voice opened before any name was known is renamed in
// place the first time a name appears, never duplicated. Pending ornament
// state (broken rhythm, tuplet, staccato) is scoped to the voice being left.
func (p *parser) switchVoice(id string) {
	p.broken = 0
	p.tuplet = tupletState{}
	p.staccato = false
	p.lastStem = -1
	if p.cur != nil && p.cur.ID == "" && id != "" && len(p.song.Voices) == 1 {
		delete(p.song.Voices, "")
		p.cur.ID = id
		p.song.Voices[id] = p.cur
		p.song.Order[0] = id
		return
	}
	if v, ok := p.song.Voices[id]; ok {
		p.cur = v
		return
	}
	v := &Voice{ID: id, Fields: make(map[string]string)}
	p.song.Voices[id] = v
	p.song.Order = append(p.song.Order, id)
	p.cur = v
}

func (p *parser) scanLine(line string) {
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '%':
			return
		case c == '"':
			i = skipDelimited(line, i, '"')
		case c == '!':
			i = skipDelimited(line, i, '!')
		case c == '{':
			i = skipUntil(line, i+1, '}')
		case c == '[':
			i = p.scanBracket(line, i)
		case c == '|' || (c == ':' && i+1 < len(line) && (line[i+1] == '|' || line[i+1] == ':')):
			i = p.scanBar(line, i)
		case c == '(' && i+1 < len(line) && isDigit(line[i+1]):
			i = p.scanTuplet(line, i)
		case c == '(' || c == ')' || c == '~' || c == '-' || c == ']':
			i++
		case c == '>' || c == '<':
			n := 0
			for i < len(line) && line[i] == c {
				n++
				i++
			}
			if c == '>' {
				p.broken = n
			} else {
				p.broken = -n
			}
		case c == '.':
			p.staccato = true
			i++
		case c == 'z' || c == 'x' || c == 'Z':
			mult, next := parseDuration(line, i+1)
			p.appendStem(Stem{Duration: mult})
			i = next
		default:
			if n, next, ok := p.parseNoteToken(line, i); ok {
				p.appendStem(Stem{Notes: []Note{n}, Duration: n.Duration})
				i = next
			} else {
				i++
			}
		}
	}
}

// scanBracket handles '[': an inline field [V:id], a repeat ending [1, or a
// chord.
func (p *parser) scanBracket(line string, i int) int {
	if i+2 < len(line) && isLetter(line[i+1]) && line[i+2] == ':' {
		end := strings.IndexByte(line[i:], ']')
		if end < 0 {
			return len(line)
		}
		body := line[i+1 : i+end]
		if tag, value, ok := headerLine(body); ok {
			p.applyField(tag, value)
		}
		return i + end + 1
	}
	if i+1 < len(line) && isDigit(line[i+1]) {
		i++
		for i < len(line) && (isDigit(line[i]) || line[i] == ',' || line[i] == '-') {
			i++
		}
		return i
	}
	return p.scanChord(line, i)
}

func (p *parser) scanChord(line string, i int) int {
	i++ // consume '['
	var notes []Note
	for i < len(line) && line[i] != ']' {
		if n, next, ok := p.parseNoteToken(line, i); ok {
			notes = append(notes, n)
			i = next
			continue
		}
		i++
	}
	if i < len(line) {
		i++ // consume ']'
	}
	if len(notes) == 0 {
		return i
	}
	mult, next := parseDuration(line, i)
	i = next
	tieAll := false
	if i < len(line) && line[i] == '-' {
		tieAll = true
		i++
	}
	shortest := math.Inf(1)
	for k := range notes {
		notes[k].Duration *= mult
		if tieAll {
			notes[k].Tied = true
		}
		if notes[k].Duration < shortest {
			shortest = notes[k].Duration
		}
	}
	// A chord's overall duration is governed by its shortest contained note.
	// This deviates from the written notation standard on purpose; real-world
	// content depends on it.
	p.appendStem(Stem{Notes: notes, Duration: shortest})
	return i
}

func (p *parser) scanBar(line string, i int) int {
	for i < len(line) && (line[i] == '|' || line[i] == ':' || line[i] == ']') {
		i++
	}
	for i < len(line) && isDigit(line[i]) {
		i++
	}
	// A measure boundary clears in-measure accidental state.
	p.accent = make(map[string]int)
	return i
}

func (p *parser) scanTuplet(line string, i int) int {
	i++ // consume '('
	pNum, i := scanInt(line, i)
	if pNum <= 0 {
		return i
	}
	beats, okBeats := tupletBeats[pNum]
	if !okBeats {
		beats = 2
	}
	count := pNum
	if i < len(line) && line[i] == ':' {
		q, next := scanInt(line, i+1)
		if q > 0 {
			beats = float64(q)
		}
		i = next
		if i < len(line) && line[i] == ':' {
			r, next := scanInt(line, i+1)
			if r > 0 {
				count = r
			}
			i = next
		}
	}
	p.tuplet = tupletState{remaining: count, factor: beats / float64(pNum)}
	return i
}

func (p *parser) appendStem(st Stem) {
	if p.cur == nil || st.Duration <= 0 {
		return
	}
	if p.tuplet.remaining > 0 {
		scaleStem(&st, p.tuplet.factor)
		p.tuplet.remaining--
	}
	if p.staccato {
		st.Staccato = true
		p.staccato = false
	}
	// Track the previous stem by index: append may reallocate the backing
	// array, which would strand a held pointer.
	p.cur.Stems = append(p.cur.Stems, st)
	idx := len(p.cur.Stems) - 1
	if p.broken != 0 && p.lastStem >= 0 {
		applyBroken(&p.cur.Stems[p.lastStem], &p.cur.Stems[idx], p.broken)
	}
	p.broken = 0
	p.lastStem = idx
}

func scaleStem(st *Stem, factor float64) {
	st.Duration *= factor
	for i := range st.Notes {
		st.Notes[i].Duration *= factor
	}
}

// applyBroken redistributes duration between two adjacent stems for the >/<
// shorthand: n marks move 1-0.5^n of one unit note from one neighbor to the
// other. The shift is skipped if it would leave either stem non-positive.
func applyBroken(prev, next *Stem, signed int) {
	n := signed
	if n < 0 {
		n = -n
	}
	moved := 1 - math.Pow(0.5, float64(n))
	if signed < 0 {
		moved = -moved
	}
	newPrev := prev.Duration + moved
	newNext := next.Duration - moved
	if newPrev <= 0 || newNext <= 0 {
		return
	}
	rescaleStem(prev, newPrev)
	rescaleStem(next, newNext)
}

func rescaleStem(st *Stem, newDur float64) {
	if st.Duration <= 0 {
		return
	}
	ratio := newDur / st.Duration
	st.Duration = newDur
	for i := range st.Notes {
		st.Notes[i].Duration *= ratio
	}
}

// parseNoteToken reads one note: optional accidental marks, a pitch letter,
// octave marks, duration and a trailing tie. An explicit accidental persists
// for the rest of the measure via the accent table; otherwise the accent
// table and then the key signature decide the shift.
func (p *parser) parseNoteToken(s string, i int) (Note, int, bool) {
	shift, adv, explicit := accidentalShift(s[i:])
	j := i + adv
	if j >= len(s) {
		return Note{}, i, false
	}
	letter := s[j]
	upper := upperByte(letter)
	base, ok := pitchOffsets[upper]
	if !ok {
		return Note{}, i, false
	}
	j++
	octBase := 60
	if letter >= 'a' && letter <= 'z' {
		octBase = 72
	}
	for j < len(s) {
		if s[j] == ',' {
			octBase -= 12
			j++
		} else if s[j] == '\'' {
			octBase += 12
			j++
		} else {
			break
		}
	}
	accKey := string(upper) + strconv.Itoa(octBase/12)
	if explicit {
		p.accent[accKey] = shift
	} else if v, seen := p.accent[accKey]; seen {
		shift = v
	} else {
		shift = p.key[upper]
	}
	mult, j := parseDuration(s, j)
	tied := false
	if j < len(s) && s[j] == '-' {
		tied = true
		j++
	}
	semitone := octBase + base + shift
	return Note{
		Semitone: semitone,
		Freq:     FreqOf(semitone),
		Duration: mult,
		Tied:     tied,
	}, j, true
}

// FreqOf converts a MIDI semitone number to Hz (A4 = 69 = 440 Hz).
func FreqOf(semitone int) float64 {
	return 440 * math.Pow(2, float64(semitone-69)/12)
}

// parseDuration reads a note-length multiplier: an integer, a fraction
// (3/2, /4) or bare slashes (each halving). Defaults to 1.
func parseDuration(s string, i int) (float64, int) {
	val := 1.0
	if n, next := scanInt(s, i); next > i {
		val = float64(n)
		i = next
	}
	slashes := 0
	for i < len(s) && s[i] == '/' {
		slashes++
		i++
	}
	if slashes > 0 {
		if d, next := scanInt(s, i); next > i && d > 0 {
			val /= float64(d)
			i = next
		} else {
			val /= math.Pow(2, float64(slashes))
		}
	}
	return val, i
}

func scanInt(s string, i int) (int, int) {
	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if start == i {
		return 0, i
	}
	n, err := strconv.Atoi(s[start:i])
	if err != nil {
		return 0, start
	}
	return n, i
}

// resolveTies extends each tie chain's head by the durations of its
// continuations and marks the continuations as silent holdovers.
func resolveTies(v *Voice) {
	active := make(map[int]*Note)
	for si := range v.Stems {
		st := &v.Stems[si]
		for ni := range st.Notes {
			note := &st.Notes[ni]
			head, chained := active[note.Semitone]
			if chained {
				head.Duration += note.Duration
				note.Holdover = true
				if !note.Tied {
					delete(active, note.Semitone)
				}
				continue
			}
			if note.Tied {
				active[note.Semitone] = note
			}
		}
	}
}

func parseMeter(value string) float64 {
	value = strings.TrimSpace(value)
	switch value {
	case "C":
		return 1.0
	case "C|":
		return 0.5
	}
	if frac, ok := parseFraction(value); ok && frac > 0 {
		return frac
	}
	return 1.0
}

func defaultUnitFor(meter float64) float64 {
	if meter < 0.75 {
		return 1.0 / 16.0
	}
	return 0.125
}

func parseFraction(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	slash := strings.IndexByte(value, '/')
	if slash < 0 {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return float64(n), true
	}
	num, err1 := strconv.Atoi(strings.TrimSpace(value[:slash]))
	den, err2 := strconv.Atoi(strings.TrimSpace(value[slash+1:]))
	if err1 != nil || err2 != nil || den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

// resolveTempo interprets the Q field: "120", "1/4=120" or "120=1/4". The
// result is in unit notes per minute for the current unit note length.
func resolveTempo(value string, unit float64) float64 {
	value = strings.Trim(strings.TrimSpace(value), "\"")
	if unit <= 0 {
		unit = 0.125
	}
	eq := strings.IndexByte(value, '=')
	if eq < 0 {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return 0
		}
		return float64(n)
	}
	left, right := strings.TrimSpace(value[:eq]), strings.TrimSpace(value[eq+1:])
	var beatUnit, bpm float64
	if strings.ContainsRune(left, '/') {
		frac, ok := parseFraction(left)
		n, err := strconv.Atoi(right)
		if !ok || err != nil || n <= 0 {
			return 0
		}
		beatUnit, bpm = frac, float64(n)
	} else {
		frac, ok := parseFraction(right)
		n, err := strconv.Atoi(left)
		if !ok || err != nil || n <= 0 {
			return 0
		}
		beatUnit, bpm = frac, float64(n)
	}
	if beatUnit <= 0 {
		return 0
	}
	return bpm * beatUnit / unit
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// skipDelimited skips a delimited span, i pointing at the opening delimiter.
// An unterminated span runs to the end of the line.
func skipDelimited(s string, i int, delim byte) int {
	j := i + 1
	for j < len(s) && s[j] != delim {
		j++
	}
	if j < len(s) {
		j++
	}
	return j
}

func skipUntil(s string, i int, end byte) int {
	for i < len(s) && s[i] != end {
		i++
	}
	if i < len(s) {
		i++
	}
	return i
}
