// Package generate implements autoregressive decoding: starting from a seed window of codes, it repeatedly
// asks a predictor for the next code, appends it to the output and slides it into the window.
//
// Decoding is greedy (argmax, ties broken by the lowest index), so for a given predictor and seed the output is
// always the same.
package generate

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/vocab"
	"github.com/gomlx/melodygen/windows"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// InvalidSeedError is returned when a seed can't be used as the initial window.
type InvalidSeedError struct {
	// Want is the required seed length, Got the length given.
	Want, Got int

	// Reason is set when the length is right but the content is not.
	Reason string
}

// Error implements error.
func (e *InvalidSeedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid seed: %s", e.Reason)
	}
	return fmt.Sprintf("invalid seed: length %d, sequence length is %d", e.Got, e.Want)
}

// State is the sliding window of the generation loop: the last SequenceLength codes.
type State struct {
	window     []int
	normalized []float64
	vocabSize  int
	step       int
}

// NewState creates the state for the given seed, which must have exactly seqLen codes, each in
// [0, vocabSize).
func NewState(seed []int, seqLen, vocabSize int) (*State, error) {
	if len(seed) != seqLen {
		return nil, &InvalidSeedError{Want: seqLen, Got: len(seed)}
	}
	for i, code := range seed {
		if code < 0 || code >= vocabSize {
			return nil, &InvalidSeedError{Want: seqLen, Got: len(seed),
				Reason: fmt.Sprintf("code #%d (%d) is out of range [0, %d)", i, code, vocabSize)}
		}
	}
	s := &State{
		window:     make([]int, seqLen),
		normalized: make([]float64, seqLen),
		vocabSize:  vocabSize,
	}
	copy(s.window, seed)
	return s, nil
}

// Step returns the number of codes pushed so far.
func (s *State) Step() int { return s.step }

// Window returns a copy of the current window, oldest code first.
func (s *State) Window() []int {
	return append([]int(nil), s.window...)
}

// Normalized returns the current window normalized as the training inputs were. The returned slice is owned by
// the State and overwritten by the next call.
func (s *State) Normalized() []float64 {
	windows.NormalizeInto(s.normalized, s.window, s.vocabSize)
	return s.normalized
}

// Push drops the oldest code of the window and appends code.
func (s *State) Push(code int) {
	copy(s.window, s.window[1:])
	s.window[len(s.window)-1] = code
	s.step++
}

// Argmax returns the index of the highest probability. Ties go to the lowest index.
func Argmax(probs []float64) int {
	return floats.MaxIdx(probs)
}

// Generate produces steps tokens from the seed codes.
//
// steps == 0 returns an empty result. ctx is checked before each step.
func Generate(ctx context.Context, seed []int, p api.Predictor, v *vocab.Vocabulary, steps int) ([]string, error) {
	tokens, _, err := Run(ctx, seed, p, v, steps)
	return tokens, err
}

// Run is like Generate, but also returns the final state.
func Run(ctx context.Context, seed []int, p api.Predictor, v *vocab.Vocabulary, steps int) ([]string, *State, error) {
	if steps < 0 {
		return nil, nil, errors.Errorf("number of steps must be non-negative, got %d", steps)
	}
	if p.VocabSize() != v.Size() {
		return nil, nil, errors.Errorf("predictor has %d classes, but the vocabulary has %d tokens", p.VocabSize(), v.Size())
	}
	state, err := NewState(seed, p.SequenceLength(), v.Size())
	if err != nil {
		return nil, nil, err
	}

	tokens := make([]string, 0, steps)
	for range steps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		probs, err := p.Predict(state.Normalized())
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while predicting step %d", state.Step())
		}
		if len(probs) != v.Size() {
			return nil, nil, errors.Errorf("predictor returned %d probabilities at step %d, expected %d",
				len(probs), state.Step(), v.Size())
		}
		code := Argmax(probs)
		token, _ := v.Token(code)
		tokens = append(tokens, token)
		state.Push(code)
		klog.V(2).Infof("step %d: %q (p=%.4f)", state.Step(), token, probs[code])
	}
	return tokens, state, nil
}

// SeedFromTokens encodes a seed given as tokens. Tokens not in the vocabulary fail with vocab.ErrUnknownToken.
func SeedFromTokens(v *vocab.Vocabulary, tokens []string, seqLen int) ([]int, error) {
	if len(tokens) != seqLen {
		return nil, &InvalidSeedError{Want: seqLen, Got: len(tokens)}
	}
	codes, err := v.Encode(tokens)
	if err != nil {
		return nil, errors.WithMessage(err, "while encoding seed")
	}
	return codes, nil
}

// SeedFromStream uses the window of stream starting at offset as the seed.
func SeedFromStream(v *vocab.Vocabulary, stream []string, offset, seqLen int) ([]int, error) {
	if offset < 0 || offset+seqLen > len(stream) {
		return nil, &InvalidSeedError{Want: seqLen, Got: max(0, min(len(stream)-offset, seqLen)),
			Reason: fmt.Sprintf("offset %d with sequence length %d is out of the stream of %d tokens", offset, seqLen, len(stream))}
	}
	return SeedFromTokens(v, stream[offset:offset+seqLen], seqLen)
}

// RandomOffset picks a random seed offset for a stream of streamLen tokens, such that a full window follows
// the offset and at least one more token.
func RandomOffset(rng *rand.Rand, streamLen, seqLen int) (int, error) {
	numWindows := streamLen - seqLen
	if numWindows < 1 {
		return 0, errors.Wrapf(windows.ErrInsufficientData, "stream has %d tokens, sequence length is %d", streamLen, seqLen)
	}
	return rng.IntN(numWindows), nil
}
