// Package midifile implements events.Extractor for Standard MIDI Files.
//
// Every note-on across all tracks is collected with its absolute tick. Notes starting on the same tick form
// one event: a chord if they have more than one distinct pitch, a single note otherwise. Percussion
// (MIDI channel 10) is skipped by default, since drum keys are not pitches.
package midifile

import (
	"io"
	"os"
	"sort"

	"github.com/gomlx/melodygen/events"
	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2/smf"
	"k8s.io/klog/v2"
)

// drumChannel is MIDI channel 10, zero-based.
const drumChannel = 9

// Extractor decodes MIDI files into events.
type Extractor struct {
	// IncludeDrums keeps notes on the percussion channel.
	IncludeDrums bool
}

// Compile time assert that Extractor implements events.Extractor.
var _ events.Extractor = &Extractor{}

// New returns an Extractor with the default settings.
func New() *Extractor {
	return &Extractor{}
}

// Extract reads and decodes the MIDI file at path.
// Any failure is returned as an *events.ExtractionError.
func (x *Extractor) Extract(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &events.ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	evs, err := x.Read(f)
	if err != nil {
		return nil, &events.ExtractionError{Path: path, Err: err}
	}
	klog.V(2).Infof("extracted %d events from %q", len(evs), path)
	return evs, nil
}

// Read decodes an SMF stream.
func (x *Extractor) Read(r io.Reader) ([]events.Event, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse SMF")
	}
	return x.FromSMF(s), nil
}

type onset struct {
	tick  uint64
	pitch int
}

// FromSMF converts a parsed SMF into its ordered events.
func (x *Extractor) FromSMF(s *smf.SMF) []events.Event {
	var onsets []onset
	for _, track := range s.Tracks {
		var tick uint64
		for _, ev := range track {
			tick += uint64(ev.Delta)
			var ch, key, vel uint8
			// A note-on with velocity 0 is a note-off.
			if !ev.Message.GetNoteOn(&ch, &key, &vel) || vel == 0 {
				continue
			}
			if ch == drumChannel && !x.IncludeDrums {
				continue
			}
			onsets = append(onsets, onset{tick: tick, pitch: int(key)})
		}
	}

	// Stable, so that tracks keep their order within a tick; Group sorts pitches anyway.
	sort.SliceStable(onsets, func(i, j int) bool { return onsets[i].tick < onsets[j].tick })

	var result []events.Event
	for start := 0; start < len(onsets); {
		end := start + 1
		for end < len(onsets) && onsets[end].tick == onsets[start].tick {
			end++
		}
		pitches := make([]int, 0, end-start)
		for _, o := range onsets[start:end] {
			pitches = append(pitches, o.pitch)
		}
		result = append(result, events.Group(pitches...))
		start = end
	}
	return result
}
