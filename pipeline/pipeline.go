// Package pipeline connects the components into the two end-to-end operations: Train, from a directory of MIDI
// files to a saved artifact, and Generate, from a saved artifact to a new MIDI file.
package pipeline

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gomlx/melodygen/artifact"
	"github.com/gomlx/melodygen/config"
	"github.com/gomlx/melodygen/corpus"
	"github.com/gomlx/melodygen/events"
	"github.com/gomlx/melodygen/events/midifile"
	"github.com/gomlx/melodygen/generate"
	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/models/dense"
	"github.com/gomlx/melodygen/render"
	"github.com/gomlx/melodygen/vocab"
	"github.com/gomlx/melodygen/windows"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptyCorpus is returned by Train when no events could be extracted from the corpus.
var ErrEmptyCorpus = vocab.ErrEmptyCorpus

// TrainResult is the outcome of Train.
type TrainResult struct {
	Artifact *artifact.TrainingArtifact
	Report   *corpus.Report
	Metrics  []api.EpochMetrics
	Duration time.Duration
}

// Train scans the corpus, builds the vocabulary and the training windows, trains a dense predictor and saves
// the artifact (with the token stream) to cfg.ArtifactDir.
//
// onEpoch, if not nil, is called after every training epoch.
func Train(ctx context.Context, cfg *config.Config, onEpoch func(api.EpochMetrics)) (*TrainResult, error) {
	start := time.Now()
	if cfg.CorpusDir == "" {
		return nil, errors.New("no corpus directory configured")
	}
	x := &midifile.Extractor{IncludeDrums: cfg.IncludeDrums}
	report, err := corpus.Scan(ctx, cfg.CorpusDir, x, corpus.Options{Extension: cfg.Extension, Workers: cfg.Workers})
	if err != nil {
		return nil, err
	}
	numFailed := len(report.Failed())
	stream := report.Stream()
	klog.Infof("corpus %q: %d files, %d skipped, %d tokens", cfg.CorpusDir, len(report.Results), numFailed, stream.Len())
	if stream.Len() == 0 {
		return nil, errors.Wrapf(ErrEmptyCorpus, "%d %q files under %q, %d could not be read",
			len(report.Results), cfg.Extension, cfg.CorpusDir, numFailed)
	}

	v, err := vocab.Build(stream.Tokens)
	if err != nil {
		return nil, err
	}
	klog.Infof("vocabulary: %d distinct tokens", v.Size())
	ds, err := windows.Make(stream.Tokens, v, cfg.SequenceLength)
	if err != nil {
		return nil, err
	}

	model, err := dense.New(cfg.SequenceLength, cfg.HiddenSize, v.Size())
	if err != nil {
		return nil, err
	}
	klog.Infof("training on %d windows of %d tokens for %d epochs", ds.Len(), cfg.SequenceLength, cfg.Epochs)
	metrics, err := model.Train(ctx, ds.Inputs, ds.Targets, api.TrainOptions{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
		OnEpoch:      onEpoch,
	})
	if err != nil {
		return nil, err
	}
	final := metrics[len(metrics)-1]

	a, err := artifact.New(v, model, artifact.Metadata{
		CorpusFiles:   len(report.Results) - numFailed,
		CorpusTokens:  stream.Len(),
		FinalLoss:     final.Loss,
		FinalAccuracy: final.Accuracy,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Save(ctx, cfg.ArtifactDir, stream); err != nil {
		return nil, err
	}
	return &TrainResult{Artifact: a, Report: report, Metrics: metrics, Duration: time.Since(start)}, nil
}

// Seed sources reported in GenerateResult.
const (
	SeedFromTokens = "tokens"
	SeedFromFile   = "file"
	SeedFromStream = "stream"
)

// GenerateResult is the outcome of Generate.
type GenerateResult struct {
	Artifact   *artifact.TrainingArtifact
	SeedSource string
	SeedTokens []string
	Tokens     []string
	OutputPath string
}

// Generate loads the artifact in cfg.ArtifactDir, generates cfg.GenerationSteps tokens and renders them to
// cfg.OutputPath.
//
// The seed window comes from cfg.SeedTokens if set, else from the first tokens of cfg.SeedFile if set, else
// from the stored training stream at cfg.SeedOffset (a random offset, drawn with cfg.Seed, if negative).
func Generate(ctx context.Context, cfg *config.Config) (*GenerateResult, error) {
	a, err := artifact.Load(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	source, seedTokens, err := resolveSeed(cfg, a)
	if err != nil {
		return nil, err
	}
	seed, err := generate.SeedFromTokens(a.Vocabulary, seedTokens, a.SequenceLength())
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("seed from %s: %v", source, seedTokens)

	tokens, err := generate.Generate(ctx, seed, a.Predictor, a.Vocabulary, cfg.GenerationSteps)
	if err != nil {
		return nil, err
	}
	if err := render.WriteFile(cfg.OutputPath, tokens, RenderOptions(cfg)); err != nil {
		return nil, err
	}
	klog.Infof("generated %d tokens to %q", len(tokens), cfg.OutputPath)
	return &GenerateResult{
		Artifact:   a,
		SeedSource: source,
		SeedTokens: seedTokens,
		Tokens:     tokens,
		OutputPath: cfg.OutputPath,
	}, nil
}

func resolveSeed(cfg *config.Config, a *artifact.TrainingArtifact) (source string, tokens []string, err error) {
	seqLen := a.SequenceLength()
	switch {
	case len(cfg.SeedTokens) > 0:
		tokens = make([]string, len(cfg.SeedTokens))
		for i, token := range cfg.SeedTokens {
			tokens[i] = events.NormalizeToken(token)
		}
		return SeedFromTokens, tokens, nil

	case cfg.SeedFile != "":
		x := &midifile.Extractor{IncludeDrums: cfg.IncludeDrums}
		evs, err := x.Extract(cfg.SeedFile)
		if err != nil {
			return "", nil, err
		}
		for _, ev := range evs[:min(seqLen, len(evs))] {
			tokens = append(tokens, ev.Token())
		}
		return SeedFromFile, tokens, nil

	default:
		stream, err := artifact.LoadStream(cfg.ArtifactDir)
		if err != nil {
			return "", nil, errors.WithMessage(err, "no seed tokens or seed file given")
		}
		offset := cfg.SeedOffset
		if offset < 0 {
			rng := rand.New(rand.NewPCG(cfg.Seed, 0))
			if offset, err = generate.RandomOffset(rng, stream.Len(), seqLen); err != nil {
				return "", nil, err
			}
		}
		seed, err := generate.SeedFromStream(a.Vocabulary, stream.Tokens, offset, seqLen)
		if err != nil {
			return "", nil, err
		}
		tokens, err = a.Vocabulary.Decode(seed)
		if err != nil {
			return "", nil, err
		}
		return SeedFromStream, tokens, nil
	}
}

// RenderOptions returns the rendering options of cfg.
func RenderOptions(cfg *config.Config) render.Options {
	opts := render.DefaultOptions()
	opts.StepSize = cfg.StepSize
	opts.NoteLength = cfg.NoteLength
	opts.Tempo = cfg.Tempo
	opts.Program = uint8(cfg.Program)
	opts.Velocity = uint8(cfg.Velocity)
	return opts
}
