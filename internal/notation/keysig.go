package notation

import "strings"

// sharpOrder and flatOrder are the circle-of-fifths orders in which
// accidentals accumulate in a key signature.
var sharpOrder = []byte{'F', 'C', 'G', 'D', 'A', 'E', 'B'}
var flatOrder = []byte{'B', 'E', 'A', 'D', 'G', 'C', 'F'}

// fifthsOf places each letter on the circle of fifths relative to C.
var fifthsOf = map[byte]int{
	'C': 0, 'G': 1, 'D': 2, 'A': 3, 'E': 4, 'B': 5, 'F': -1,
}

// modeShift adjusts the signature by mode, in fifths relative to major.
var modeShift = map[string]int{
	"maj": 0, "ion": 0,
	"min": -3, "aeo": -3, "m": -3,
	"mix": -1,
	"dor": -2,
	"phr": -4,
	"lyd": 1,
	"loc": -5,
}

// parseKeySignature maps a K: field value to per-letter accidentals. It
// covers major, natural minor and the five church modes, with explicit extra
// accidentals (e.g. "D Phr ^f") applied last. Unrecognized input degrades to
// no accidentals.
func parseKeySignature(value string) map[byte]int {
	sig := map[byte]int{'A': 0, 'B': 0, 'C': 0, 'D': 0, 'E': 0, 'F': 0, 'G': 0}
	value = strings.TrimSpace(value)
	if value == "" {
		return sig
	}
	fields := strings.Fields(value)
	tonic := fields[0]
	low := strings.ToLower(tonic)
	if low == "none" {
		return sig
	}

	letter := upperByte(tonic[0])
	if letter < 'A' || letter > 'G' {
		return sig
	}
	fifths, ok := fifthsOf[letter]
	if !ok {
		return sig
	}
	rest := tonic[1:]
	mode := "maj"
	// The mode may be glued to the tonic ("Am", "Gmix") or a separate word.
	for len(rest) > 0 {
		switch rest[0] {
		case '#':
			fifths += 7
			rest = rest[1:]
			continue
		case 'b':
			// "b" is a flat mark only when not starting a mode word.
			if m, n := modeWord(rest); m != "" {
				mode = m
				rest = rest[n:]
				continue
			}
			fifths -= 7
			rest = rest[1:]
			continue
		}
		if m, n := modeWord(rest); m != "" {
			mode = m
			rest = rest[n:]
			continue
		}
		break
	}
	extras := fields[1:]
	if len(extras) > 0 {
		if m, _ := modeWord(extras[0]); m != "" {
			mode = m
			extras = extras[1:]
		}
	}
	fifths += modeShift[mode]

	switch {
	case fifths > 0:
		if fifths > 7 {
			fifths = 7
		}
		for _, l := range sharpOrder[:fifths] {
			sig[l] = 1
		}
	case fifths < 0:
		if fifths < -7 {
			fifths = -7
		}
		for _, l := range flatOrder[:-fifths] {
			sig[l] = -1
		}
	}

	// Explicit extra accidentals override the computed signature.
	for _, tok := range extras {
		shift, i, ok := accidentalShift(tok)
		if !ok || i >= len(tok) {
			continue
		}
		l := upperByte(tok[i])
		if l >= 'A' && l <= 'G' {
			sig[l] = shift
		}
	}
	return sig
}

// modeWord recognizes a leading mode name and returns its canonical 3-letter
// form (or "m" for a bare minor mark) and the consumed length.
func modeWord(s string) (string, int) {
	low := strings.ToLower(s)
	for _, name := range []string{"major", "minor", "mixolydian", "dorian", "phrygian", "lydian", "locrian", "ionian", "aeolian"} {
		if strings.HasPrefix(low, name) {
			return name[:3], len(name)
		}
	}
	for _, name := range []string{"maj", "min", "mix", "dor", "phr", "lyd", "loc", "ion", "aeo"} {
		if strings.HasPrefix(low, name) {
			return name, 3
		}
	}
	if strings.HasPrefix(low, "m") && (len(low) == 1 || !isLetter(low[1])) {
		return "m", 1
	}
	return "", 0
}

// accidentalShift reads leading ^/_/= marks and returns the semitone shift
// plus the index of the first non-mark byte.
func accidentalShift(s string) (int, int, bool) {
	shift, i, seen := 0, 0, false
	for i < len(s) {
		switch s[i] {
		case '^':
			shift++
		case '_':
			shift--
		case '=':
			shift = 0
		default:
			return shift, i, seen
		}
		seen = true
		i++
	}
	return shift, i, seen
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 32
	}
	return b
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
