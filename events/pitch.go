package events

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// noteOffsets are the semitone offsets from C of the natural note letters.
var noteOffsets = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// PitchName returns the sharp-spelled name of a MIDI note number (0-127), with middle C (60) as "C4".
func PitchName(pitch int) string {
	return noteNames[pitch%12] + strconv.Itoa(pitch/12-1)
}

// NoteNameToMIDI converts a note name like "E1", "C4", "F#3", "Bb2" or "C-1" to a MIDI note number.
// It inverts PitchName.
//
// Format: <letter><accidental?><octave> where:
//   - letter: A-G (case insensitive)
//   - accidental: "#" (sharp) or "b" (flat), optional
//   - octave: -1 to 9 (C4 = 60 = middle C)
func NoteNameToMIDI(name string) (int, error) {
	if len(name) < 2 {
		return 0, errors.Errorf("note name too short: %q", name)
	}

	letter := strings.ToUpper(name[:1])[0]
	semitone, ok := noteOffsets[letter]
	if !ok {
		return 0, errors.Errorf("invalid note letter %q in %q", name[:1], name)
	}

	idx := 1
	switch name[idx] {
	case '#':
		semitone++
		idx++
	case 'b':
		semitone--
		idx++
	}
	if idx >= len(name) {
		return 0, errors.Errorf("missing octave in note name %q", name)
	}

	octave, err := strconv.Atoi(name[idx:])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid octave in note name %q", name)
	}

	// C-1 = 0, C0 = 12, C4 = 60.
	midi := (octave+1)*12 + semitone
	if midi < 0 || midi > 127 {
		return 0, errors.Errorf("note %q (MIDI %d) out of range [0, 127]", name, midi)
	}
	return midi, nil
}
