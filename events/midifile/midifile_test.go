package midifile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/melodygen/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// buildSMF encodes the given tracks into an SMF with 480 ticks per quarter note.
func buildSMF(t *testing.T, tracks ...smf.Track) []byte {
	t.Helper()
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(480)
	for _, tr := range tracks {
		require.NoError(t, s.Add(tr))
	}
	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func melodyTrack() smf.Track {
	var tr smf.Track
	// C4, then C major triad in scrambled order, then E4 ended by a zero-velocity note-on.
	tr.Add(0, midi.NoteOn(0, 60, 100))
	tr.Add(480, midi.NoteOff(0, 60))
	tr.Add(0, midi.NoteOn(0, 67, 90))
	tr.Add(0, midi.NoteOn(0, 60, 90))
	tr.Add(0, midi.NoteOn(0, 64, 90))
	tr.Add(480, midi.NoteOff(0, 67))
	tr.Add(0, midi.NoteOff(0, 60))
	tr.Add(0, midi.NoteOff(0, 64))
	tr.Add(0, midi.NoteOn(0, 64, 80))
	tr.Add(240, midi.NoteOn(0, 64, 0))
	tr.Close(0)
	return tr
}

func tokens(evs []events.Event) []string {
	result := make([]string, len(evs))
	for i, ev := range evs {
		result[i] = ev.Token()
	}
	return result
}

func TestRead(t *testing.T) {
	x := New()
	evs, err := x.Read(bytes.NewReader(buildSMF(t, melodyTrack())))
	require.NoError(t, err)
	assert.Equal(t, []string{"C4", "0.4.7", "E4"}, tokens(evs))
	assert.False(t, evs[0].IsChord())
	assert.True(t, evs[1].IsChord())
	assert.Equal(t, []int{60, 64, 67}, evs[1].Pitches)
}

func TestReadMergesTracksByTick(t *testing.T) {
	var bass smf.Track
	bass.Add(0, midi.NoteOn(1, 48, 100))
	bass.Add(960, midi.NoteOff(1, 48))
	bass.Close(0)

	var drums smf.Track
	drums.Add(0, midi.NoteOn(drumChannel, 36, 100))
	drums.Add(480, midi.NoteOn(drumChannel, 38, 100))
	drums.Close(0)

	data := buildSMF(t, melodyTrack(), bass, drums)

	evs, err := New().Read(bytes.NewReader(data))
	require.NoError(t, err)
	// C4 and C3 start together: both pitch class 0, a digit-only chord.
	assert.Equal(t, []string{"0", "0.4.7", "E4"}, tokens(evs))

	withDrums := &Extractor{IncludeDrums: true}
	evs, err = withDrums.Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0.2.4.7", "E4"}, tokens(evs))
}

func TestExtractErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.mid")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not a midi file"), 0o644))

	_, err := New().Extract(bad)
	require.Error(t, err)
	var extractionErr *events.ExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Equal(t, bad, extractionErr.Path)

	_, err = New().Extract(filepath.Join(dir, "missing.mid"))
	require.True(t, errors.As(err, &extractionErr))
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mid")
	require.NoError(t, os.WriteFile(path, buildSMF(t, melodyTrack()), 0o644))

	evs, err := New().Extract(path)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}
