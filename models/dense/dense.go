// Package dense implements the default next-token predictor: a one hidden layer network
// (input -> tanh hidden -> softmax) trained with mini-batch gradient descent on the cross-entropy loss.
//
// All the math runs on gonum matrices. Initialization and shuffling are driven by TrainOptions.Seed, so a
// training run is reproducible.
package dense

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/gomlx/melodygen/models/api"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Kind identifies this predictor in saved artifacts.
const Kind = "dense"

// Names of the weights, as returned by Model.Weights.
const (
	HiddenWeight = "hidden.weight"
	HiddenBias   = "hidden.bias"
	OutputWeight = "output.weight"
	OutputBias   = "output.bias"
)

// Keys of Model.HyperParameters.
const (
	ParamSequenceLength = "sequence_length"
	ParamHiddenSize     = "hidden_size"
	ParamVocabSize      = "vocab_size"
)

// ErrNumericalInstability is returned when the training loss stops being a finite number, usually because
// the learning rate is too high.
var ErrNumericalInstability = errors.New("numerical instability: training loss is not finite")

// minProbability bounds the log in the loss.
const minProbability = 1e-12

// Model is the dense predictor. It implements api.Persistable.
//
// Predict is safe for concurrent use, as long as Train is not running.
type Model struct {
	seqLen, hiddenSize, vocabSize int

	hiddenWeight *mat.Dense // [seqLen, hiddenSize]
	hiddenBias   []float64  // [hiddenSize]
	outputWeight *mat.Dense // [hiddenSize, vocabSize]
	outputBias   []float64  // [vocabSize]

	initialized bool
}

var _ api.Persistable = (*Model)(nil)

// New creates an untrained model. Its weights are initialized at the start of the first Train call.
func New(seqLen, hiddenSize, vocabSize int) (*Model, error) {
	if seqLen < 1 || hiddenSize < 1 || vocabSize < 1 {
		return nil, errors.Errorf("invalid dense model dimensions: sequence_length=%d, hidden_size=%d, vocab_size=%d",
			seqLen, hiddenSize, vocabSize)
	}
	return &Model{
		seqLen:       seqLen,
		hiddenSize:   hiddenSize,
		vocabSize:    vocabSize,
		hiddenWeight: mat.NewDense(seqLen, hiddenSize, nil),
		hiddenBias:   make([]float64, hiddenSize),
		outputWeight: mat.NewDense(hiddenSize, vocabSize, nil),
		outputBias:   make([]float64, vocabSize),
	}, nil
}

// SequenceLength implements api.Predictor.
func (m *Model) SequenceLength() int { return m.seqLen }

// VocabSize implements api.Predictor.
func (m *Model) VocabSize() int { return m.vocabSize }

// HiddenSize returns the number of hidden units.
func (m *Model) HiddenSize() int { return m.hiddenSize }

// Kind implements api.Persistable.
func (m *Model) Kind() string { return Kind }

// initialize sets the weights with Xavier (Glorot) uniform initialization and the biases to zero.
func (m *Model) initialize(rng *rand.Rand) {
	glorot := func(w *mat.Dense) {
		fanIn, fanOut := w.Dims()
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		raw := w.RawMatrix().Data
		for i := range raw {
			raw[i] = (2*rng.Float64() - 1) * limit
		}
	}
	glorot(m.hiddenWeight)
	glorot(m.outputWeight)
	clear(m.hiddenBias)
	clear(m.outputBias)
	m.initialized = true
}

// Train implements api.Predictor.
func (m *Model) Train(ctx context.Context, inputs [][]float64, targets []int, opts api.TrainOptions) ([]api.EpochMetrics, error) {
	if err := m.validateExamples(inputs, targets); err != nil {
		return nil, err
	}
	if opts.Epochs < 1 || opts.BatchSize < 1 || opts.LearningRate <= 0 {
		return nil, errors.Errorf("invalid training options: epochs=%d, batch_size=%d, learning_rate=%g",
			opts.Epochs, opts.BatchSize, opts.LearningRate)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	if !m.initialized {
		m.initialize(rng)
	}

	numExamples := len(targets)
	order := make([]int, numExamples)
	for i := range order {
		order[i] = i
	}
	metrics := make([]api.EpochMetrics, 0, opts.Epochs)
	for epoch := range opts.Epochs {
		if err := ctx.Err(); err != nil {
			return metrics, err
		}
		start := time.Now()
		rng.Shuffle(numExamples, func(i, j int) { order[i], order[j] = order[j], order[i] })

		var totalLoss float64
		var hits int
		for batchStart := 0; batchStart < numExamples; batchStart += opts.BatchSize {
			batch := order[batchStart:min(batchStart+opts.BatchSize, numExamples)]
			loss, batchHits := m.trainBatch(inputs, targets, batch, opts.LearningRate)
			totalLoss += loss
			hits += batchHits
		}

		em := api.EpochMetrics{
			Epoch:    epoch + 1,
			Loss:     totalLoss / float64(numExamples),
			Accuracy: float64(hits) / float64(numExamples),
			Duration: time.Since(start),
		}
		if math.IsNaN(em.Loss) || math.IsInf(em.Loss, 0) {
			return metrics, errors.Wrapf(ErrNumericalInstability, "epoch %d, learning rate %g", em.Epoch, opts.LearningRate)
		}
		klog.V(1).Infof("epoch %d/%d: loss=%.4f accuracy=%.4f (%s)", em.Epoch, opts.Epochs, em.Loss, em.Accuracy, em.Duration)
		metrics = append(metrics, em)
		if opts.OnEpoch != nil {
			opts.OnEpoch(em)
		}
	}
	return metrics, nil
}

func (m *Model) validateExamples(inputs [][]float64, targets []int) error {
	if len(inputs) == 0 {
		return errors.New("no training examples")
	}
	if len(inputs) != len(targets) {
		return errors.Errorf("got %d input windows but %d targets", len(inputs), len(targets))
	}
	for i, window := range inputs {
		if len(window) != m.seqLen {
			return errors.Errorf("input window #%d has length %d, model sequence length is %d", i, len(window), m.seqLen)
		}
	}
	for i, target := range targets {
		if target < 0 || target >= m.vocabSize {
			return errors.Errorf("target #%d (%d) is out of range [0, %d)", i, target, m.vocabSize)
		}
	}
	return nil
}

// forward computes the hidden activations [B, hiddenSize] and the output probabilities [B, vocabSize].
func (m *Model) forward(x *mat.Dense) (hidden, probs *mat.Dense) {
	batchSize, _ := x.Dims()
	hidden = mat.NewDense(batchSize, m.hiddenSize, nil)
	hidden.Mul(x, m.hiddenWeight)
	hidden.Apply(func(_, j int, v float64) float64 {
		return math.Tanh(v + m.hiddenBias[j])
	}, hidden)

	probs = mat.NewDense(batchSize, m.vocabSize, nil)
	probs.Mul(hidden, m.outputWeight)
	for i := range batchSize {
		row := probs.RawRowView(i)
		floats.Add(row, m.outputBias)
		softmax(row)
	}
	return hidden, probs
}

// softmax replaces logits with their (numerically stable) softmax.
func softmax(logits []float64) {
	maxLogit := floats.Max(logits)
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		logits[i] = e
		sum += e
	}
	floats.Scale(1/sum, logits)
}

// trainBatch runs one gradient descent step on the examples in batch. It returns the summed loss and the
// number of correct predictions, both measured before the update.
func (m *Model) trainBatch(inputs [][]float64, targets []int, batch []int, learningRate float64) (loss float64, hits int) {
	batchSize := len(batch)
	x := mat.NewDense(batchSize, m.seqLen, nil)
	for i, idx := range batch {
		copy(x.RawRowView(i), inputs[idx])
	}
	hidden, probs := m.forward(x)

	// Output gradient of softmax + cross-entropy: (P - Y) / B.
	gradOutput := mat.DenseCopyOf(probs)
	for i, idx := range batch {
		row := probs.RawRowView(i)
		target := targets[idx]
		loss -= math.Log(max(row[target], minProbability))
		if floats.MaxIdx(row) == target {
			hits++
		}
		gradOutput.Set(i, target, gradOutput.At(i, target)-1)
	}
	gradOutput.Scale(1/float64(batchSize), gradOutput)

	var gradOutputWeight mat.Dense
	gradOutputWeight.Mul(hidden.T(), gradOutput)
	gradOutputBias := columnSums(gradOutput)

	// Back through tanh: dZ1 = (dZ2 . W2^T) * (1 - A1^2).
	var gradHidden mat.Dense
	gradHidden.Mul(gradOutput, m.outputWeight.T())
	gradHidden.Apply(func(i, j int, v float64) float64 {
		a := hidden.At(i, j)
		return v * (1 - a*a)
	}, &gradHidden)

	var gradHiddenWeight mat.Dense
	gradHiddenWeight.Mul(x.T(), &gradHidden)
	gradHiddenBias := columnSums(&gradHidden)

	step := func(w *mat.Dense, grad *mat.Dense) {
		grad.Scale(learningRate, grad)
		w.Sub(w, grad)
	}
	step(m.outputWeight, &gradOutputWeight)
	step(m.hiddenWeight, &gradHiddenWeight)
	floats.AddScaled(m.outputBias, -learningRate, gradOutputBias)
	floats.AddScaled(m.hiddenBias, -learningRate, gradHiddenBias)
	return loss, hits
}

func columnSums(a *mat.Dense) []float64 {
	rows, cols := a.Dims()
	sums := make([]float64, cols)
	for i := range rows {
		floats.Add(sums, a.RawRowView(i))
	}
	return sums
}

// Predict implements api.Predictor.
func (m *Model) Predict(window []float64) ([]float64, error) {
	if len(window) != m.seqLen {
		return nil, errors.Errorf("window has length %d, model sequence length is %d", len(window), m.seqLen)
	}
	x := mat.NewDense(1, m.seqLen, nil)
	copy(x.RawRowView(0), window)
	_, probs := m.forward(x)
	return probs.RawRowView(0), nil
}

// Weights implements api.Persistable.
func (m *Model) Weights() []api.Weight {
	denseWeight := func(name string, w *mat.Dense) api.Weight {
		rows, cols := w.Dims()
		values := make([]float64, 0, rows*cols)
		for i := range rows {
			values = append(values, w.RawRowView(i)...)
		}
		return api.Weight{Name: name, Shape: []int{rows, cols}, Values: values}
	}
	biasWeight := func(name string, b []float64) api.Weight {
		return api.Weight{Name: name, Shape: []int{len(b)}, Values: append([]float64(nil), b...)}
	}
	return []api.Weight{
		denseWeight(HiddenWeight, m.hiddenWeight),
		biasWeight(HiddenBias, m.hiddenBias),
		denseWeight(OutputWeight, m.outputWeight),
		biasWeight(OutputBias, m.outputBias),
	}
}

// HyperParameters implements api.Persistable.
func (m *Model) HyperParameters() map[string]string {
	return map[string]string{
		ParamSequenceLength: strconv.Itoa(m.seqLen),
		ParamHiddenSize:     strconv.Itoa(m.hiddenSize),
		ParamVocabSize:      strconv.Itoa(m.vocabSize),
	}
}

// FromWeights rebuilds a trained model from its hyperparameters and weights, as returned by
// Model.HyperParameters and Model.Weights.
func FromWeights(params map[string]string, weights []api.Weight) (*Model, error) {
	dims := make(map[string]int, 3)
	for _, key := range []string{ParamSequenceLength, ParamHiddenSize, ParamVocabSize} {
		value, found := params[key]
		if !found {
			return nil, errors.Errorf("missing dense model parameter %q", key)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dense model parameter %s=%q", key, value)
		}
		dims[key] = n
	}
	m, err := New(dims[ParamSequenceLength], dims[ParamHiddenSize], dims[ParamVocabSize])
	if err != nil {
		return nil, err
	}

	byName := make(map[string]api.Weight, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	load := func(name string, shape []int, dst []float64) error {
		w, found := byName[name]
		if !found {
			return errors.Errorf("missing weight %q", name)
		}
		if len(w.Shape) != len(shape) {
			return errors.Errorf("weight %q has shape %v, expected %v", name, w.Shape, shape)
		}
		for i := range shape {
			if w.Shape[i] != shape[i] {
				return errors.Errorf("weight %q has shape %v, expected %v", name, w.Shape, shape)
			}
		}
		if len(w.Values) != len(dst) {
			return errors.Errorf("weight %q has %d values, expected %d", name, len(w.Values), len(dst))
		}
		copy(dst, w.Values)
		return nil
	}
	if err := load(HiddenWeight, []int{m.seqLen, m.hiddenSize}, m.hiddenWeight.RawMatrix().Data); err != nil {
		return nil, err
	}
	if err := load(HiddenBias, []int{m.hiddenSize}, m.hiddenBias); err != nil {
		return nil, err
	}
	if err := load(OutputWeight, []int{m.hiddenSize, m.vocabSize}, m.outputWeight.RawMatrix().Data); err != nil {
		return nil, err
	}
	if err := load(OutputBias, []int{m.vocabSize}, m.outputBias); err != nil {
		return nil, err
	}
	m.initialized = true
	return m, nil
}
