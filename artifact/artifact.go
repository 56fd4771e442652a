// Package artifact holds the result of a training run: the vocabulary and the trained predictor, which are
// only meaningful together, plus the run metadata.
//
// An artifact is saved as a directory with two files:
//
//   - ModelFile: the predictor weights in safetensors format. The vocabulary, the predictor hyperparameters and
//     the run metadata go in its "__metadata__" map, so the vocabulary can't be saved apart from its model.
//   - StreamFile: the training token stream (optional), used to pick generation seeds.
package artifact

import (
	"context"
	"encoding/json"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/gomlx/melodygen/corpus"
	"github.com/gomlx/melodygen/internal/files"
	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/models/dense"
	"github.com/gomlx/melodygen/models/safetensors"
	"github.com/gomlx/melodygen/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files in an artifact directory.
const (
	ModelFile  = "model.safetensors"
	StreamFile = "stream.parquet"
	lockFile   = ".lock"
)

// Keys of the artifact entries in the safetensors metadata. The predictor hyperparameters are stored along
// with these.
const (
	keyVocabulary     = "vocabulary"
	keyPredictor      = "predictor"
	keySequenceLength = "sequence_length"
	keyRunID          = "run_id"
	keyCreatedAt      = "created_at"
	keyCorpusFiles    = "corpus_files"
	keyCorpusTokens   = "corpus_tokens"
	keyFinalLoss      = "final_loss"
	keyFinalAccuracy  = "final_accuracy"
)

// Loader rebuilds a predictor from its saved hyperparameters and weights.
type Loader func(params map[string]string, weights []api.Weight) (api.Persistable, error)

var loaders = map[string]Loader{
	dense.Kind: func(params map[string]string, weights []api.Weight) (api.Persistable, error) {
		return dense.FromWeights(params, weights)
	},
}

// RegisterLoader makes predictors of the given kind loadable. It is not safe to call concurrently with Load.
func RegisterLoader(kind string, loader Loader) {
	loaders[kind] = loader
}

// Metadata describes the training run that produced an artifact.
type Metadata struct {
	RunID     string
	CreatedAt time.Time

	SequenceLength int
	CorpusFiles    int
	CorpusTokens   int

	FinalLoss     float64
	FinalAccuracy float64
}

// TrainingArtifact is the immutable output of training and the input of generation.
type TrainingArtifact struct {
	Vocabulary *vocab.Vocabulary
	Predictor  api.Persistable
	Metadata   Metadata
}

// New creates an artifact, checking that the predictor matches the vocabulary. A missing RunID or CreatedAt
// is filled in, and SequenceLength is taken from the predictor.
func New(v *vocab.Vocabulary, p api.Persistable, md Metadata) (*TrainingArtifact, error) {
	if v == nil || p == nil {
		return nil, errors.New("artifact requires both a vocabulary and a predictor")
	}
	if p.VocabSize() != v.Size() {
		return nil, errors.Errorf("predictor has %d classes, but the vocabulary has %d tokens", p.VocabSize(), v.Size())
	}
	if md.RunID == "" {
		md.RunID = uuid.NewString()
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
	md.CreatedAt = md.CreatedAt.UTC().Round(0)
	md.SequenceLength = p.SequenceLength()
	return &TrainingArtifact{Vocabulary: v, Predictor: p, Metadata: md}, nil
}

// SequenceLength is the window length of the predictor.
func (a *TrainingArtifact) SequenceLength() int {
	return a.Predictor.SequenceLength()
}

func (a *TrainingArtifact) encodeMetadata() (map[string]string, error) {
	vocabJSON, err := json.Marshal(a.Vocabulary)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode vocabulary")
	}
	md := maps.Clone(a.Predictor.HyperParameters())
	if md == nil {
		md = make(map[string]string)
	}
	md[keyVocabulary] = string(vocabJSON)
	md[keyPredictor] = a.Predictor.Kind()
	md[keySequenceLength] = strconv.Itoa(a.Metadata.SequenceLength)
	md[keyRunID] = a.Metadata.RunID
	md[keyCreatedAt] = a.Metadata.CreatedAt.Format(time.RFC3339Nano)
	md[keyCorpusFiles] = strconv.Itoa(a.Metadata.CorpusFiles)
	md[keyCorpusTokens] = strconv.Itoa(a.Metadata.CorpusTokens)
	md[keyFinalLoss] = strconv.FormatFloat(a.Metadata.FinalLoss, 'g', -1, 64)
	md[keyFinalAccuracy] = strconv.FormatFloat(a.Metadata.FinalAccuracy, 'g', -1, 64)
	return md, nil
}

// Save writes the artifact to dir, and the stream if it is not nil. Saving a nil stream removes any stream
// previously saved in dir.
//
// It holds an exclusive lock on dir while writing, so concurrent trainers saving to the same directory don't
// interleave their files. Each file is written to a temporary name first, and moved into place once complete.
func (a *TrainingArtifact) Save(ctx context.Context, dir string, stream *corpus.Stream) error {
	md, err := a.encodeMetadata()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, files.DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create artifact directory %q", dir)
	}

	lockPath := filepath.Join(dir, lockFile)
	var mainErr error
	errLock := execOnFileLock(ctx, lockPath, func() {
		modelPath := filepath.Join(dir, ModelFile)
		if mainErr = safetensors.WriteFile(modelPath, a.Predictor.Weights(), md); mainErr != nil {
			return
		}
		streamPath := filepath.Join(dir, StreamFile)
		if stream != nil {
			if mainErr = stream.WriteParquet(streamPath); mainErr != nil {
				return
			}
		} else if err := os.Remove(streamPath); err != nil && !os.IsNotExist(err) {
			// A stream left by an earlier run doesn't belong to this vocabulary.
			mainErr = errors.Wrapf(err, "failed to remove stale stream %q", streamPath)
			return
		}
		klog.Infof("saved artifact %s to %q", a.Metadata.RunID, dir)
	})
	if mainErr != nil {
		return errors.WithMessagef(mainErr, "while saving artifact to %q", dir)
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to save artifact", lockPath)
	}
	return nil
}

// execOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes the function.
// If the lockPath is already locked, it polls with a 1 to 2 seconds period (randomly), until it acquires the lock
// or ctx is cancelled.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}

		// Wait from 1 to 2 seconds.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * time.Duration(1000+rand.IntN(1000))):
		}
	}

	// Setup clean up in a deferred function, so it happens even if `fn()` panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()
	fn()
	return
}

// Load reads an artifact saved with Save.
func Load(dir string) (*TrainingArtifact, error) {
	modelPath := filepath.Join(dir, ModelFile)
	reader, err := safetensors.Open(modelPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading artifact from %q", dir)
	}
	defer reader.Close()

	md := reader.Metadata()
	v := &vocab.Vocabulary{}
	vocabJSON, found := md[keyVocabulary]
	if !found {
		return nil, errors.Errorf("artifact %q has no vocabulary", modelPath)
	}
	if err := json.Unmarshal([]byte(vocabJSON), v); err != nil {
		return nil, errors.WithMessagef(err, "while loading vocabulary of %q", modelPath)
	}

	kind := md[keyPredictor]
	loader, found := loaders[kind]
	if !found {
		return nil, errors.Errorf("artifact %q has unknown predictor kind %q", modelPath, kind)
	}
	weights, err := reader.ReadAllWeights()
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading weights of %q", modelPath)
	}
	p, err := loader(md, weights)
	if err != nil {
		return nil, errors.WithMessagef(err, "while rebuilding %q predictor of %q", kind, modelPath)
	}

	metadata, err := decodeMetadata(md)
	if err != nil {
		return nil, errors.WithMessagef(err, "in metadata of %q", modelPath)
	}
	a, err := New(v, p, metadata)
	if err != nil {
		return nil, err
	}
	if metadata.SequenceLength != p.SequenceLength() {
		return nil, errors.Errorf("artifact %q declares sequence length %d, but its predictor takes %d",
			modelPath, metadata.SequenceLength, p.SequenceLength())
	}
	return a, nil
}

func decodeMetadata(md map[string]string) (Metadata, error) {
	var result Metadata
	var err error
	result.RunID = md[keyRunID]
	if result.CreatedAt, err = time.Parse(time.RFC3339Nano, md[keyCreatedAt]); err != nil {
		return result, errors.Wrapf(err, "invalid %s", keyCreatedAt)
	}
	ints := map[string]*int{
		keySequenceLength: &result.SequenceLength,
		keyCorpusFiles:    &result.CorpusFiles,
		keyCorpusTokens:   &result.CorpusTokens,
	}
	for key, dst := range ints {
		if *dst, err = strconv.Atoi(md[key]); err != nil {
			return result, errors.Wrapf(err, "invalid %s", key)
		}
	}
	floats := map[string]*float64{
		keyFinalLoss:     &result.FinalLoss,
		keyFinalAccuracy: &result.FinalAccuracy,
	}
	for key, dst := range floats {
		if *dst, err = strconv.ParseFloat(md[key], 64); err != nil {
			return result, errors.Wrapf(err, "invalid %s", key)
		}
	}
	return result, nil
}

// LoadStream reads the token stream saved with the artifact in dir. It returns an error wrapping
// os.ErrNotExist if the artifact was saved without one.
func LoadStream(dir string) (*corpus.Stream, error) {
	path := filepath.Join(dir, StreamFile)
	if !files.Exists(path) {
		return nil, errors.Wrapf(os.ErrNotExist, "artifact in %q has no token stream", dir)
	}
	return corpus.ReadParquet(path)
}
