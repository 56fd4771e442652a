// Package api defines the contract between the pipeline and the sequence models that predict the next token.
//
// A Predictor only sees normalized windows and codes: it knows nothing about tokens or music. Any model that
// maps a window of SequenceLength values to a distribution over VocabSize classes can be plugged in.
package api

import (
	"context"
	"time"
)

// Predictor learns and predicts the next code of a sequence.
type Predictor interface {
	// Train fits the model to the examples, minimizing categorical cross-entropy. inputs[i] is a normalized
	// window and targets[i] the code that follows it.
	//
	// It returns the metrics of each epoch completed. ctx is checked between epochs.
	Train(ctx context.Context, inputs [][]float64, targets []int, opts TrainOptions) ([]EpochMetrics, error)

	// Predict returns the probability distribution over VocabSize classes for the next code after window.
	// It doesn't change the model.
	Predict(window []float64) ([]float64, error)

	// SequenceLength is the window length the model takes.
	SequenceLength() int

	// VocabSize is the number of classes the model predicts.
	VocabSize() int
}

// Persistable is implemented by predictors that can be saved as a set of named weights.
type Persistable interface {
	Predictor

	// Kind identifies the model implementation, so the right constructor is used when loading.
	Kind() string

	// Weights returns a copy of the model parameters.
	Weights() []Weight

	// HyperParameters returns the (string encoded) parameters needed to rebuild the model, along with
	// Weights.
	HyperParameters() map[string]string
}

// TrainOptions configure a training run.
type TrainOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64

	// Seed makes initialization and shuffling reproducible.
	Seed uint64

	// OnEpoch, if set, is called after every epoch.
	OnEpoch func(EpochMetrics)
}

// EpochMetrics summarize one pass over the training examples.
type EpochMetrics struct {
	Epoch int

	// Loss is the mean cross-entropy over the examples.
	Loss float64

	// Accuracy is the fraction of examples whose target is the argmax of the predicted distribution.
	Accuracy float64

	Duration time.Duration
}

// Weight is a named, shaped tensor of model parameters, stored row-major.
type Weight struct {
	Name   string
	Shape  []int
	Values []float64
}

// Size returns the number of elements the shape holds.
func (w Weight) Size() int {
	size := 1
	for _, dim := range w.Shape {
		size *= dim
	}
	return size
}
