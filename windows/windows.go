// Package windows turns a token stream into fixed-length training examples: each window of SequenceLength
// consecutive codes is paired with the code that follows it.
//
// Windows have stride 1, so consecutive windows overlap by SequenceLength-1 positions, and a stream of N tokens
// yields exactly N-SequenceLength examples.
package windows

import (
	"github.com/gomlx/melodygen/vocab"
	"github.com/pkg/errors"
)

// ErrInsufficientData is returned when the stream is not longer than the window.
var ErrInsufficientData = errors.New("insufficient data: token stream must be longer than the sequence length")

// Dataset holds the training examples built from a stream.
type Dataset struct {
	SequenceLength int
	VocabSize      int

	// Inputs[i] holds the normalized codes of stream[i:i+SequenceLength].
	Inputs [][]float64

	// Targets[i] is the code of stream[i+SequenceLength].
	Targets []int
}

// Make builds the dataset of all windows of length seqLen in stream.
func Make(stream []string, v *vocab.Vocabulary, seqLen int) (*Dataset, error) {
	if seqLen < 1 {
		return nil, errors.Errorf("sequence length must be positive, got %d", seqLen)
	}
	if len(stream) <= seqLen {
		return nil, errors.Wrapf(ErrInsufficientData, "stream has %d tokens, sequence length is %d", len(stream), seqLen)
	}
	codes, err := v.Encode(stream)
	if err != nil {
		return nil, errors.WithMessage(err, "while encoding the token stream")
	}

	vocabSize := v.Size()
	numWindows := len(codes) - seqLen
	ds := &Dataset{
		SequenceLength: seqLen,
		VocabSize:      vocabSize,
		Inputs:         make([][]float64, numWindows),
		Targets:        make([]int, numWindows),
	}
	for i := range numWindows {
		ds.Inputs[i] = Normalize(codes[i:i+seqLen], vocabSize)
		ds.Targets[i] = codes[i+seqLen]
	}
	return ds, nil
}

// Normalize divides each code by vocabSize, mapping codes in [0, vocabSize) to [0, 1).
//
// The generation loop uses it on its sliding window, so training and generation inputs match.
func Normalize(codes []int, vocabSize int) []float64 {
	normalized := make([]float64, len(codes))
	NormalizeInto(normalized, codes, vocabSize)
	return normalized
}

// NormalizeInto is like Normalize, but writes into dst, which must have the same length as codes.
func NormalizeInto(dst []float64, codes []int, vocabSize int) {
	scale := 1.0 / float64(vocabSize)
	for i, code := range codes {
		dst[i] = float64(code) * scale
	}
}

// Len returns the number of examples.
func (ds *Dataset) Len() int {
	return len(ds.Targets)
}

// OneHot returns the categorical encoding of target i over VocabSize classes.
func (ds *Dataset) OneHot(i int) []float64 {
	oneHot := make([]float64, ds.VocabSize)
	oneHot[ds.Targets[i]] = 1
	return oneHot
}
