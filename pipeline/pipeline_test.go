package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/melodygen/config"
	"github.com/gomlx/melodygen/events/midifile"
	"github.com/gomlx/melodygen/generate"
	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/render"
	"github.com/gomlx/melodygen/vocab"
	"github.com/gomlx/melodygen/windows"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeat(pattern []string, n int) []string {
	var tokens []string
	for range n {
		tokens = append(tokens, pattern...)
	}
	return tokens
}

// writeCorpus writes each song as a MIDI file in a new corpus directory, plus a broken file and a non-MIDI file.
func writeCorpus(t *testing.T, songs ...[]string) string {
	t.Helper()
	dir := t.TempDir()
	for i, song := range songs {
		path := filepath.Join(dir, "songs", string(rune('a'+i))+".mid")
		require.NoError(t, render.WriteFile(path, song, render.DefaultOptions()))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.mid"), []byte("not midi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("C4 E4 G4"), 0o644))
	return dir
}

func testConfig(t *testing.T, corpusDir string) *config.Config {
	cfg := config.Default()
	cfg.CorpusDir = corpusDir
	cfg.ArtifactDir = filepath.Join(t.TempDir(), "model")
	cfg.OutputPath = filepath.Join(t.TempDir(), "out.mid")
	cfg.SequenceLength = 3
	cfg.HiddenSize = 16
	cfg.Epochs = 300
	cfg.BatchSize = 8
	cfg.LearningRate = 0.5
	cfg.GenerationSteps = 6
	return cfg
}

func TestTrainAndGenerate(t *testing.T) {
	cycle := []string{"C4", "E4", "G4"}
	dir := writeCorpus(t, repeat(cycle, 6), repeat(cycle, 4))
	cfg := testConfig(t, dir)

	var epochs int
	result, err := Train(context.Background(), cfg, func(api.EpochMetrics) { epochs++ })
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, epochs)
	assert.Len(t, result.Metrics, cfg.Epochs)
	require.Len(t, result.Report.Results, 3)
	require.Len(t, result.Report.Failed(), 1)
	assert.Equal(t, filepath.Join(dir, "broken.mid"), result.Report.Failed()[0].Path)

	a := result.Artifact
	assert.Equal(t, []string{"C4", "E4", "G4"}, a.Vocabulary.Tokens())
	assert.Equal(t, 2, a.Metadata.CorpusFiles)
	assert.Equal(t, 30, a.Metadata.CorpusTokens)
	assert.Equal(t, 1.0, a.Metadata.FinalAccuracy)

	cfg.SeedTokens = []string{"C4", " F♭4", "G4"}
	gen, err := Generate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, SeedFromTokens, gen.SeedSource)
	assert.Equal(t, []string{"C4", "E4", "G4"}, gen.SeedTokens)
	assert.Equal(t, repeat(cycle, 2), gen.Tokens)

	evs, err := midifile.New().Extract(cfg.OutputPath)
	require.NoError(t, err)
	require.Len(t, evs, 6)
	assert.Equal(t, "C4", evs[0].Token())

	// Seeding from the stored stream, at a fixed and at a random offset.
	cfg.SeedTokens = nil
	cfg.SeedOffset = 1
	gen, err = Generate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, SeedFromStream, gen.SeedSource)
	assert.Equal(t, []string{"E4", "G4", "C4"}, gen.SeedTokens)
	assert.Equal(t, []string{"E4", "G4", "C4", "E4", "G4", "C4"}, gen.Tokens)

	cfg.SeedOffset = -1
	gen, err = Generate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, gen.Tokens, 6)

	// Seeding from a MIDI file.
	cfg.SeedFile = filepath.Join(dir, "songs", "b.mid")
	gen, err = Generate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, SeedFromFile, gen.SeedSource)
	assert.Equal(t, cycle, gen.SeedTokens)

	// No steps: an empty melody.
	cfg.GenerationSteps = 0
	gen, err = Generate(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, gen.Tokens)
}

func TestGenerateInvalidSeeds(t *testing.T) {
	dir := writeCorpus(t, repeat([]string{"C4", "E4", "G4"}, 4))
	cfg := testConfig(t, dir)
	cfg.Epochs = 2
	_, err := Train(context.Background(), cfg, nil)
	require.NoError(t, err)

	cfg.SeedTokens = []string{"C4", "E4"}
	_, err = Generate(context.Background(), cfg)
	var seedErr *generate.InvalidSeedError
	require.True(t, errors.As(err, &seedErr))
	assert.Equal(t, 3, seedErr.Want)
	assert.Equal(t, 2, seedErr.Got)

	cfg.SeedTokens = []string{"C4", "E4", "A4"}
	_, err = Generate(context.Background(), cfg)
	assert.True(t, errors.Is(err, vocab.ErrUnknownToken))

	cfg.SeedTokens = nil
	cfg.SeedOffset = 100
	_, err = Generate(context.Background(), cfg)
	assert.True(t, errors.As(err, &seedErr))

	short := filepath.Join(t.TempDir(), "short.mid")
	require.NoError(t, render.WriteFile(short, []string{"C4"}, render.DefaultOptions()))
	cfg.SeedFile = short
	_, err = Generate(context.Background(), cfg)
	assert.True(t, errors.As(err, &seedErr))
}

func TestTrainEmptyCorpus(t *testing.T) {
	dir := writeCorpus(t)
	cfg := testConfig(t, dir)
	_, err := Train(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyCorpus))
	_, statErr := os.Stat(cfg.ArtifactDir)
	assert.True(t, os.IsNotExist(statErr), "nothing is saved")
}

func TestTrainInsufficientData(t *testing.T) {
	dir := writeCorpus(t, []string{"C4", "E4", "G4"})
	cfg := testConfig(t, dir)
	_, err := Train(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, windows.ErrInsufficientData))
}

func TestTrainNoCorpusDir(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := Train(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t, filepath.Join(t.TempDir(), "missing"))
	_, err = Train(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestGenerateNoArtifact(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := Generate(context.Background(), cfg)
	assert.Error(t, err)
}
