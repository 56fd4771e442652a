package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/melodygen/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommands(t *testing.T) {
	corpusDir := t.TempDir()
	song := []string{"C4", "E4", "G4", "0.4.7", "C4", "E4", "G4", "0.4.7", "C4", "E4"}
	require.NoError(t, render.WriteFile(filepath.Join(corpusDir, "song.mid"), song, render.DefaultOptions()))
	artifactDir := filepath.Join(t.TempDir(), "model")
	output := filepath.Join(t.TempDir(), "out.mid")

	configPath := filepath.Join(t.TempDir(), "melodygen.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sequence_length: 4\nhidden_size: 8\nepochs: 3\n"), 0o644))
	common := []string{"-config", configPath, "-artifact-dir", artifactDir}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), append([]string{"train", "-corpus-dir", corpusDir}, common...), &out))
	assert.Contains(t, out.String(), "epoch 3/3")
	assert.Contains(t, out.String(), "Artifact")

	out.Reset()
	args := append([]string{"generate", "-generation-steps", "5", "-seed-offset", "0", "-output-path", output}, common...)
	require.NoError(t, run(context.Background(), args, &out))
	assert.Contains(t, out.String(), "5 tokens")
	_, err := os.Stat(output)
	assert.NoError(t, err)

	out.Reset()
	require.NoError(t, run(context.Background(), append([]string{"inspect"}, common...), &out))
	assert.Contains(t, out.String(), "3 notes, 1 chords")
	assert.Contains(t, out.String(), "10 tokens from 1 files")
}

func TestRunErrors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Error(t, run(context.Background(), []string{"dance"}, &out))
	assert.Error(t, run(context.Background(), []string{"train"}, &out), "missing corpus directory")
	assert.Error(t, run(context.Background(), []string{"inspect", "-artifact-dir", t.TempDir()}, &out))
	assert.Error(t, run(context.Background(), []string{"inspect", "extra"}, &out))
}
