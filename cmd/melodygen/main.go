// melodygen trains a next-token model on a directory of MIDI files and generates new melodies with it.
//
// Usage:
//
//	melodygen [-v=N] train -corpus-dir=<dir> [-config=melodygen.yaml] [flags]
//	melodygen [-v=N] generate [-seed-tokens=C4,E4,G4 | -seed-file=<file.mid> | -seed-offset=N] [flags]
//	melodygen [-v=N] inspect [-artifact-dir=<dir>]
//
// Settings are read from the defaults, then the optional YAML -config file, then MELODYGEN_* environment
// variables (a ".env" file is loaded if present), then the flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gomlx/melodygen/artifact"
	"github.com/gomlx/melodygen/config"
	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var commands = map[string]func(ctx context.Context, cfg *config.Config, out io.Writer) error{
	"train":    runTrain,
	"generate": runGenerate,
	"inspect":  runInspect,
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, flag.Args(), os.Stdout); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		fmt.Fprintf(os.Stderr, "melodygen: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [global flags] train|generate|inspect [flags]\n\nGlobal flags:\n", os.Args[0])
	flag.PrintDefaults()
}

// run executes the command in args (the command name followed by its flags).
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command: train, generate or inspect")
	}
	name := args[0]
	cmd, found := commands[name]
	if !found {
		return errors.Errorf("unknown command %q, expected train, generate or inspect", name)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	overrides := config.RegisterFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments for %s: %v", name, fs.Args())
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath, os.LookupEnv, overrides)
	if err != nil {
		return err
	}
	return cmd(ctx, cfg, out)
}

func runTrain(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.CorpusDir == "" {
		return errors.Errorf("train requires a corpus directory: set -corpus-dir or %s", config.EnvName("corpus_dir"))
	}
	fmt.Fprintln(out, titleStyle.Render("Training on "+cfg.CorpusDir))
	result, err := pipeline.Train(ctx, cfg, func(m api.EpochMetrics) {
		fmt.Fprintln(out, epochLine(m, cfg.Epochs))
	})
	if err != nil {
		return err
	}
	for _, failed := range result.Report.Failed() {
		fmt.Fprintln(out, warnStyle.Render("skipped ")+failed.Path)
	}
	fmt.Fprintln(out, artifactSummary(result.Artifact, cfg.ArtifactDir))
	return nil
}

func runGenerate(ctx context.Context, cfg *config.Config, out io.Writer) error {
	result, err := pipeline.Generate(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, generationSummary(result))
	return nil
}

func runInspect(_ context.Context, cfg *config.Config, out io.Writer) error {
	a, err := artifact.Load(cfg.ArtifactDir)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, artifactSummary(a, cfg.ArtifactDir))
	fmt.Fprintln(out, vocabularySummary(a.Vocabulary.Tokens()))
	if stream, err := artifact.LoadStream(cfg.ArtifactDir); err == nil {
		fmt.Fprintln(out, streamSummary(stream))
	} else {
		klog.V(1).Infof("no token stream: %v", err)
	}
	return nil
}
