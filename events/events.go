// Package events defines the musical event model shared by the extractor, the vocabulary and the renderer,
// and the canonical string encoding ("token") of each event.
//
// A single note is encoded by its pitch name (e.g. "C#4"). A chord is encoded by its distinct pitch classes,
// sorted and joined with ChordSeparator (e.g. "0.4.7"), so the same chord always yields the same token
// regardless of the order its notes were extracted in.
package events

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/xtgo/set"
	"golang.org/x/text/unicode/norm"
)

// ChordSeparator joins the pitch classes of a chord token.
const ChordSeparator = "."

// Event is one musical moment: a single pitch, or a group of pitches that start together (a chord).
type Event struct {
	// Pitches holds MIDI note numbers (0-127), ascending and without duplicates.
	Pitches []int
}

// Extractor decodes a symbolic music file into its ordered list of events.
//
// Implementations return an *ExtractionError when the file can't be decoded.
type Extractor interface {
	Extract(path string) ([]Event, error)
}

// ExtractionError reports a file that could not be decoded. It is recovered locally by the corpus scanner:
// the file is skipped and reported.
type ExtractionError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract events from %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying decoding error.
func (e *ExtractionError) Unwrap() error { return e.Err }

// Note creates a single-pitch event.
func Note(pitch int) Event {
	return Event{Pitches: []int{pitch}}
}

// Group creates an event from pitches sounding together. Duplicates are removed, and a group that collapses
// to a single pitch is a Note.
func Group(pitches ...int) Event {
	ps := make([]int, len(pitches))
	copy(ps, pitches)
	return Event{Pitches: sortedUniq(ps)}
}

// IsChord returns whether the event has more than one pitch.
func (e Event) IsChord() bool {
	return len(e.Pitches) > 1
}

// Token returns the canonical token of the event.
func (e Event) Token() string {
	if !e.IsChord() {
		if len(e.Pitches) == 0 {
			return ""
		}
		return PitchName(e.Pitches[0])
	}
	return ChordToken(e.Pitches...)
}

// PitchClasses returns the distinct pitch classes (0-11) of the event, ascending.
func (e Event) PitchClasses() []int {
	pcs := make([]int, len(e.Pitches))
	for i, p := range e.Pitches {
		pcs[i] = ((p % 12) + 12) % 12
	}
	return sortedUniq(pcs)
}

// ChordToken returns the canonical chord token for the given MIDI pitches.
//
// Pitches are reduced to pitch classes, so {C4, C5} yields the digit-only token "0".
func ChordToken(pitches ...int) string {
	pcs := Event{Pitches: pitches}.PitchClasses()
	parts := make([]string, len(pcs))
	for i, pc := range pcs {
		parts[i] = strconv.Itoa(pc)
	}
	return strings.Join(parts, ChordSeparator)
}

// IsChordToken reports whether a token is rendered as a chord: it contains the separator or is all digits.
//
// A digit-only token can't be told apart from a one-note chord, and it is always treated as a chord.
func IsChordToken(token string) bool {
	if strings.Contains(token, ChordSeparator) {
		return true
	}
	return isDigits(token)
}

// ParseChordToken returns the pitch classes of a chord token.
func ParseChordToken(token string) ([]int, error) {
	parts := strings.Split(token, ChordSeparator)
	pcs := make([]int, 0, len(parts))
	for _, part := range parts {
		pc, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pitch class %q in chord token %q", part, token)
		}
		if pc < 0 || pc > 11 {
			return nil, errors.Errorf("pitch class %d out of range [0, 11] in chord token %q", pc, token)
		}
		pcs = append(pcs, pc)
	}
	return pcs, nil
}

// NormalizeToken cleans up a token typed by a user: it trims spaces, applies NFKC (so full-width characters
// become ASCII) and maps the Unicode accidentals to "#" and "b". Valid note names are then respelled the way
// Event.Token spells them, so "Db4" and "d♭4" both become "C#4".
//
// Anything else, including chord tokens and garbage, is returned after the character clean up only.
func NormalizeToken(token string) string {
	token = accidentalReplacer.Replace(norm.NFKC.String(strings.TrimSpace(token)))
	if IsChordToken(token) {
		return token
	}
	if pitch, err := NoteNameToMIDI(token); err == nil {
		return PitchName(pitch)
	}
	return token
}

var accidentalReplacer = strings.NewReplacer("♯", "#", "♭", "b")

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedUniq(values []int) []int {
	sort.Ints(values)
	n := set.Uniq(sort.IntSlice(values))
	return values[:n]
}
