// Package render turns a generated token sequence back into a playable Standard MIDI File.
//
// Every token becomes one event at offset step*StepSize beats, lasting NoteLength beats, on a single track and
// instrument. A token containing the chord separator, or made only of digits, is a chord: each pitch class pc
// is played as MIDI note 60+pc (octave 4). Any other token is a pitch name.
package render

import (
	"io"
	"math"
	"os"
	"sort"

	"github.com/gomlx/melodygen/events"
	"github.com/gomlx/melodygen/internal/files"
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
	"k8s.io/klog/v2"
)

// chordBasePitch is the MIDI pitch of pitch class 0 in rendered chords: C4.
const chordBasePitch = 60

// Options control rendering.
type Options struct {
	// StepSize is the distance in beats (quarter notes) between consecutive tokens.
	StepSize float64

	// NoteLength is the duration in beats of every note.
	NoteLength float64

	Velocity uint8

	// Program is the General MIDI instrument, 0 is the acoustic grand piano.
	Program uint8
	Channel uint8

	// Tempo in beats per minute.
	Tempo float64

	TicksPerQuarter uint16
	TrackName       string
}

// DefaultOptions returns the default rendering options: half-beat steps and notes, piano at 120 BPM.
func DefaultOptions() Options {
	return Options{
		StepSize:        0.5,
		NoteLength:      0.5,
		Velocity:        100,
		Program:         0,
		Channel:         0,
		Tempo:           120,
		TicksPerQuarter: 480,
		TrackName:       "melodygen",
	}
}

// Validate returns an error if the options can't be used to render.
func (o Options) Validate() error {
	switch {
	case o.StepSize <= 0 || math.IsNaN(o.StepSize) || math.IsInf(o.StepSize, 0):
		return errors.Errorf("step size must be positive, got %g", o.StepSize)
	case o.NoteLength <= 0 || math.IsNaN(o.NoteLength) || math.IsInf(o.NoteLength, 0):
		return errors.Errorf("note length must be positive, got %g", o.NoteLength)
	case o.Velocity < 1 || o.Velocity > 127:
		return errors.Errorf("velocity must be in [1, 127], got %d", o.Velocity)
	case o.Program > 127:
		return errors.Errorf("program must be in [0, 127], got %d", o.Program)
	case o.Channel > 15:
		return errors.Errorf("channel must be in [0, 15], got %d", o.Channel)
	case o.Tempo <= 0:
		return errors.Errorf("tempo must be positive, got %g", o.Tempo)
	case o.TicksPerQuarter < 1 || o.TicksPerQuarter > math.MaxInt16:
		return errors.Errorf("ticks per quarter must be in [1, %d], got %d", math.MaxInt16, o.TicksPerQuarter)
	}
	return nil
}

// NoteEvent is a rendered token: the pitches that start together at Offset beats and last Duration beats.
type NoteEvent struct {
	Step     int
	Token    string
	Pitches  []int
	Offset   float64
	Duration float64
}

// Pitches returns the MIDI pitches a token is rendered as.
func Pitches(token string) ([]int, error) {
	if events.IsChordToken(token) {
		pcs, err := events.ParseChordToken(token)
		if err != nil {
			return nil, err
		}
		pitches := make([]int, len(pcs))
		for i, pc := range pcs {
			pitches[i] = chordBasePitch + pc
		}
		return pitches, nil
	}
	pitch, err := events.NoteNameToMIDI(token)
	if err != nil {
		return nil, err
	}
	return []int{pitch}, nil
}

// Events converts tokens to their timed note events.
func Events(tokens []string, opts Options) ([]NoteEvent, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	result := make([]NoteEvent, len(tokens))
	for step, token := range tokens {
		pitches, err := Pitches(token)
		if err != nil {
			return nil, errors.WithMessagef(err, "while rendering token #%d %q", step, token)
		}
		result[step] = NoteEvent{
			Step:     step,
			Token:    token,
			Pitches:  pitches,
			Offset:   float64(step) * opts.StepSize,
			Duration: opts.NoteLength,
		}
	}
	return result, nil
}

// timedMessage is a MIDI message at an absolute tick.
type timedMessage struct {
	tick   int64
	noteOn bool
	msg    midi.Message
}

// SMF renders tokens into a single-track Standard MIDI File.
func SMF(tokens []string, opts Options) (*smf.SMF, error) {
	noteEvents, err := Events(tokens, opts)
	if err != nil {
		return nil, err
	}

	ticksPerBeat := float64(opts.TicksPerQuarter)
	toTicks := func(beats float64) int64 { return int64(math.Round(beats * ticksPerBeat)) }
	var timed []timedMessage
	for _, ev := range noteEvents {
		start := toTicks(ev.Offset)
		end := start + max(toTicks(ev.Duration), 1)
		for _, pitch := range ev.Pitches {
			key := uint8(pitch)
			timed = append(timed,
				timedMessage{tick: start, noteOn: true, msg: midi.NoteOn(opts.Channel, key, opts.Velocity)},
				timedMessage{tick: end, msg: midi.NoteOff(opts.Channel, key)})
		}
	}
	// Note-offs go first on the same tick, so a repeated pitch is released before it is struck again.
	sort.SliceStable(timed, func(i, j int) bool {
		if timed[i].tick != timed[j].tick {
			return timed[i].tick < timed[j].tick
		}
		return !timed[i].noteOn && timed[j].noteOn
	})

	var track smf.Track
	if opts.TrackName != "" {
		track.Add(0, smf.MetaTrackSequenceName(opts.TrackName))
	}
	track.Add(0, smf.MetaTempo(opts.Tempo))
	track.Add(0, midi.ProgramChange(opts.Channel, opts.Program))
	var lastTick int64
	for _, tm := range timed {
		track.Add(uint32(tm.tick-lastTick), tm.msg)
		lastTick = tm.tick
	}
	track.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(opts.TicksPerQuarter)
	if err := s.Add(track); err != nil {
		return nil, errors.Wrap(err, "failed to add track")
	}
	return s, nil
}

// Write renders tokens as a Standard MIDI File to w.
func Write(w io.Writer, tokens []string, opts Options) error {
	s, err := SMF(tokens, opts)
	if err != nil {
		return err
	}
	if _, err := s.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write MIDI file")
	}
	return nil
}

// WriteFile renders tokens to a Standard MIDI File at path. The file is only replaced once fully written.
func WriteFile(path string, tokens []string, opts Options) error {
	s, err := SMF(tokens, opts)
	if err != nil {
		return err
	}
	err = files.WriteAtomically(path, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", tmpPath)
		}
		_, err = s.WriteTo(f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write MIDI file %q", tmpPath)
		}
		return nil
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("wrote %d events to %q", len(tokens), path)
	return nil
}
