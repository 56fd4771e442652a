// Package config holds the settings of the train and generate commands.
//
// Settings are layered, each layer overriding the previous one:
//
//  1. Default values.
//  2. An optional YAML file, with snake_case keys (e.g. "sequence_length: 100").
//  3. Environment variables MELODYGEN_<KEY> (e.g. MELODYGEN_SEQUENCE_LENGTH), after loading an optional ".env" file.
//  4. Command line flags, with dashes instead of underscores (e.g. -sequence-length=100).
package config

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "MELODYGEN_"

// Config holds all settings.
type Config struct {
	// Training corpus.
	CorpusDir    string `yaml:"corpus_dir"`
	Extension    string `yaml:"extension"`
	Workers      int    `yaml:"workers"`
	IncludeDrums bool   `yaml:"include_drums"`

	// Artifact directory, written by train and read by generate.
	ArtifactDir string `yaml:"artifact_dir"`

	// Model and training.
	SequenceLength int     `yaml:"sequence_length"`
	HiddenSize     int     `yaml:"hidden_size"`
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	LearningRate   float64 `yaml:"learning_rate"`
	Seed           uint64  `yaml:"seed"`

	// Generation. The seed window is taken from SeedTokens, or else from the first tokens of SeedFile, or else
	// from the stored training stream at SeedOffset (random if negative).
	GenerationSteps int      `yaml:"generation_steps"`
	SeedTokens      []string `yaml:"seed_tokens"`
	SeedFile        string   `yaml:"seed_file"`
	SeedOffset      int      `yaml:"seed_offset"`

	// Rendering.
	OutputPath string  `yaml:"output_path"`
	StepSize   float64 `yaml:"step_size"`
	NoteLength float64 `yaml:"note_length"`
	Tempo      float64 `yaml:"tempo"`
	Program    int     `yaml:"program"`
	Velocity   int     `yaml:"velocity"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Extension:       ".mid",
		ArtifactDir:     "melodygen_model",
		SequenceLength:  100,
		HiddenSize:      256,
		Epochs:          50,
		BatchSize:       64,
		LearningRate:    0.05,
		Seed:            1,
		GenerationSteps: 500,
		SeedOffset:      -1,
		OutputPath:      "melodygen_output.mid",
		StepSize:        0.5,
		NoteLength:      0.5,
		Tempo:           120,
		Program:         0,
		Velocity:        100,
	}
}

// Validate checks the ranges of the settings. The presence of CorpusDir is checked by the train command.
func (c *Config) Validate() error {
	switch {
	case c.SequenceLength < 1:
		return errors.Errorf("sequence_length must be at least 1, got %d", c.SequenceLength)
	case c.HiddenSize < 1:
		return errors.Errorf("hidden_size must be at least 1, got %d", c.HiddenSize)
	case c.Epochs < 1:
		return errors.Errorf("epochs must be at least 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.Workers < 0:
		return errors.Errorf("workers must be non-negative, got %d", c.Workers)
	case c.GenerationSteps < 0:
		return errors.Errorf("generation_steps must be non-negative, got %d", c.GenerationSteps)
	case !(c.StepSize > 0):
		return errors.Errorf("step_size must be positive, got %g", c.StepSize)
	case !(c.NoteLength > 0):
		return errors.Errorf("note_length must be positive, got %g", c.NoteLength)
	case !(c.Tempo > 0):
		return errors.Errorf("tempo must be positive, got %g", c.Tempo)
	case c.Program < 0 || c.Program > 127:
		return errors.Errorf("program must be in [0, 127], got %d", c.Program)
	case c.Velocity < 1 || c.Velocity > 127:
		return errors.Errorf("velocity must be in [1, 127], got %d", c.Velocity)
	case c.Extension == "":
		return errors.New("extension must not be empty")
	}
	return nil
}

// Overrides are settings given explicitly, as raw strings keyed by setting name.
type Overrides map[string]string

// RegisterFlags adds one flag per setting to fs. After fs.Parse, the returned Overrides holds the flags that
// were set, to be passed to Load.
func RegisterFlags(fs *flag.FlagSet) Overrides {
	overrides := make(Overrides)
	defaults := Default()
	for _, opt := range options {
		name := opt.name
		usage := fmt.Sprintf("%s (default %q, env %s)", opt.usage, opt.get(defaults), EnvName(name))
		fs.Func(FlagName(name), usage, func(value string) error {
			// Parse once to fail early, with the flag name in the message.
			if err := opt.set(Default(), value); err != nil {
				return err
			}
			overrides[name] = value
			return nil
		})
	}
	return overrides
}

// FlagName returns the flag of a setting.
func FlagName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// EnvName returns the environment variable of a setting.
func EnvName(name string) string {
	return EnvPrefix + strings.ToUpper(name)
}

// LoadDotEnv loads environment variables from the given files (".env" if none), without overriding variables
// already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "failed to load environment file %q", path)
		}
	}
	return nil
}

// Load builds the configuration from the defaults, the YAML file at path (skipped if empty), the environment
// (as seen by lookupEnv, usually os.LookupEnv) and the overrides, and validates it.
func Load(path string, lookupEnv func(string) (string, bool), overrides Overrides) (*Config, error) {
	c := Default()
	if path != "" {
		if err := c.mergeYAML(path); err != nil {
			return nil, err
		}
	}
	if lookupEnv != nil {
		for _, opt := range options {
			envName := EnvName(opt.name)
			value, found := lookupEnv(envName)
			if !found {
				continue
			}
			if err := opt.set(c, value); err != nil {
				return nil, errors.WithMessagef(err, "in environment variable %s", envName)
			}
		}
	}
	for _, opt := range options {
		value, found := overrides[opt.name]
		if !found {
			continue
		}
		if err := opt.set(c, value); err != nil {
			return nil, errors.WithMessagef(err, "in flag -%s", FlagName(opt.name))
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) mergeYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open configuration file %q", path)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to parse configuration file %q", path)
	}
	return nil
}

// option describes how to parse and print one setting.
type option struct {
	name, usage string
	set         func(c *Config, value string) error
	get         func(c *Config) string
}

func stringOption(name, usage string, field func(*Config) *string) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error { *field(c) = value; return nil },
		get: func(c *Config) string { return *field(c) },
	}
}

func intOption(name, usage string, field func(*Config) *int) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error {
			v, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return errors.Wrapf(err, "invalid %s %q", name, value)
			}
			*field(c) = v
			return nil
		},
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
	}
}

func uintOption(name, usage string, field func(*Config) *uint64) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error {
			v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid %s %q", name, value)
			}
			*field(c) = v
			return nil
		},
		get: func(c *Config) string { return strconv.FormatUint(*field(c), 10) },
	}
}

func floatOption(name, usage string, field func(*Config) *float64) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return errors.Wrapf(err, "invalid %s %q", name, value)
			}
			*field(c) = v
			return nil
		},
		get: func(c *Config) string { return strconv.FormatFloat(*field(c), 'g', -1, 64) },
	}
}

func boolOption(name, usage string, field func(*Config) *bool) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error {
			v, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return errors.Wrapf(err, "invalid %s %q", name, value)
			}
			*field(c) = v
			return nil
		},
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
	}
}

// listOption parses a comma or space separated list.
func listOption(name, usage string, field func(*Config) *[]string) option {
	return option{
		name: name, usage: usage,
		set: func(c *Config, value string) error {
			*field(c) = strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
			return nil
		},
		get: func(c *Config) string { return strings.Join(*field(c), ",") },
	}
}

var options = []option{
	stringOption("corpus_dir", "directory with the training MIDI files", func(c *Config) *string { return &c.CorpusDir }),
	stringOption("extension", "extension of the corpus files", func(c *Config) *string { return &c.Extension }),
	intOption("workers", "files extracted in parallel, 0 for one per CPU", func(c *Config) *int { return &c.Workers }),
	boolOption("include_drums", "keep notes of the percussion channel", func(c *Config) *bool { return &c.IncludeDrums }),
	stringOption("artifact_dir", "directory of the trained model", func(c *Config) *string { return &c.ArtifactDir }),
	intOption("sequence_length", "number of tokens the model sees to predict the next one", func(c *Config) *int { return &c.SequenceLength }),
	intOption("hidden_size", "hidden units of the model", func(c *Config) *int { return &c.HiddenSize }),
	intOption("epochs", "training epochs", func(c *Config) *int { return &c.Epochs }),
	intOption("batch_size", "training mini-batch size", func(c *Config) *int { return &c.BatchSize }),
	floatOption("learning_rate", "gradient descent learning rate", func(c *Config) *float64 { return &c.LearningRate }),
	uintOption("seed", "seed of the weight initialization, shuffling and random seed offset", func(c *Config) *uint64 { return &c.Seed }),
	intOption("generation_steps", "number of tokens to generate", func(c *Config) *int { return &c.GenerationSteps }),
	listOption("seed_tokens", "comma separated tokens of the seed window", func(c *Config) *[]string { return &c.SeedTokens }),
	stringOption("seed_file", "MIDI file whose first tokens are the seed window", func(c *Config) *string { return &c.SeedFile }),
	intOption("seed_offset", "offset of the seed window in the training stream, negative for random", func(c *Config) *int { return &c.SeedOffset }),
	stringOption("output_path", "generated MIDI file", func(c *Config) *string { return &c.OutputPath }),
	floatOption("step_size", "beats between generated tokens", func(c *Config) *float64 { return &c.StepSize }),
	floatOption("note_length", "duration in beats of generated notes", func(c *Config) *float64 { return &c.NoteLength }),
	floatOption("tempo", "tempo in beats per minute", func(c *Config) *float64 { return &c.Tempo }),
	intOption("program", "General MIDI instrument", func(c *Config) *int { return &c.Program }),
	intOption("velocity", "velocity of generated notes", func(c *Config) *int { return &c.Velocity }),
}
