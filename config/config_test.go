package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, found := env[key]
		return value, found
	}
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "melodygen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parseFlags(t *testing.T, args ...string) Overrides {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	overrides := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return overrides
}

func TestDefault(t *testing.T) {
	c, err := Load("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 100, c.SequenceLength)
	assert.Equal(t, 0.5, c.StepSize)
	assert.Equal(t, -1, c.SeedOffset)
	assert.Equal(t, "melodygen_output.mid", c.OutputPath)
}

func TestLayering(t *testing.T) {
	path := writeYAML(t, `
corpus_dir: /data/midi
epochs: 10
batch_size: 16
hidden_size: 32
seed_tokens: [C4, E4, G4]
`)
	env := map[string]string{
		"MELODYGEN_EPOCHS":     "20",
		"MELODYGEN_BATCH_SIZE": "8",
		"MELODYGEN_TEMPO":      "90.5",
	}
	overrides := parseFlags(t, "-epochs=30", "-seed-tokens", "A4, B4 ,C5")

	c, err := Load(path, envMap(env), overrides)
	require.NoError(t, err)
	assert.Equal(t, "/data/midi", c.CorpusDir, "from YAML")
	assert.Equal(t, 32, c.HiddenSize, "from YAML")
	assert.Equal(t, 8, c.BatchSize, "env overrides YAML")
	assert.Equal(t, 90.5, c.Tempo, "from env")
	assert.Equal(t, 30, c.Epochs, "flag overrides env and YAML")
	assert.Equal(t, []string{"A4", "B4", "C5"}, c.SeedTokens, "flag overrides YAML")
	assert.Equal(t, 0.05, c.LearningRate, "default")

	c, err = Load(path, envMap(env), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, c.Epochs)
	assert.Equal(t, []string{"C4", "E4", "G4"}, c.SeedTokens)
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	overrides := parseFlags(t, "-seed=7")
	assert.Equal(t, Overrides{"seed": "7"}, overrides)
	c, err := Load("", envMap(map[string]string{"MELODYGEN_EPOCHS": "3"}), overrides)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.Seed)
	assert.Equal(t, 3, c.Epochs)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil, nil)
	assert.Error(t, err)

	_, err = Load(writeYAML(t, "epoch: 3\n"), nil, nil)
	assert.Error(t, err, "unknown YAML keys are rejected")

	_, err = Load("", envMap(map[string]string{"MELODYGEN_EPOCHS": "many"}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MELODYGEN_EPOCHS")

	_, err = Load("", nil, Overrides{"velocity": "200"})
	assert.Error(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	RegisterFlags(fs)
	assert.Error(t, fs.Parse([]string{"-sequence-length=abc"}))
}

func TestEmptyYAML(t *testing.T) {
	c, err := Load(writeYAML(t, ""), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestValidate(t *testing.T) {
	for name, modify := range map[string]func(*Config){
		"sequence_length":  func(c *Config) { c.SequenceLength = 0 },
		"hidden_size":      func(c *Config) { c.HiddenSize = 0 },
		"epochs":           func(c *Config) { c.Epochs = 0 },
		"batch_size":       func(c *Config) { c.BatchSize = 0 },
		"learning_rate":    func(c *Config) { c.LearningRate = 0 },
		"workers":          func(c *Config) { c.Workers = -1 },
		"generation_steps": func(c *Config) { c.GenerationSteps = -1 },
		"step_size":        func(c *Config) { c.StepSize = 0 },
		"note_length":      func(c *Config) { c.NoteLength = -0.5 },
		"tempo":            func(c *Config) { c.Tempo = 0 },
		"program":          func(c *Config) { c.Program = 128 },
		"velocity":         func(c *Config) { c.Velocity = 0 },
		"extension":        func(c *Config) { c.Extension = "" },
	} {
		c := Default()
		modify(c)
		err := c.Validate()
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), name)
	}
	c := Default()
	c.GenerationSteps = 0
	assert.NoError(t, c.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MELODYGEN_TEST_DOTENV=42\n"), 0o644))
	t.Setenv("MELODYGEN_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("MELODYGEN_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "42", os.Getenv("MELODYGEN_TEST_DOTENV"))
}
