package windows

import (
	"testing"

	"github.com/gomlx/melodygen/vocab"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenarioStream = []string{"C4", "E4", "G4", "C4", "E4", "G4", "C4", "E4"}

func buildVocab(t *testing.T, stream []string) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.Build(stream)
	require.NoError(t, err)
	return v
}

func TestMakeScenario(t *testing.T) {
	v := buildVocab(t, scenarioStream)
	ds, err := Make(scenarioStream, v, 3)
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())
	assert.Equal(t, 3, ds.SequenceLength)
	assert.Equal(t, 3, ds.VocabSize)
	assert.InDeltaSlice(t, []float64{0, 1.0 / 3, 2.0 / 3}, ds.Inputs[0], 1e-12)
	assert.Equal(t, 0, ds.Targets[0])
	assert.Equal(t, []float64{1, 0, 0}, ds.OneHot(0))
	assert.Equal(t, []int{0, 1, 2, 0, 1}, ds.Targets)
}

func TestMakeContent(t *testing.T) {
	stream := []string{"A4", "0.4.7", "C#4", "A4", "B3", "0.4.7", "0", "C#4", "B3", "A4", "0"}
	v := buildVocab(t, stream)
	codes, err := v.Encode(stream)
	require.NoError(t, err)
	for seqLen := 1; seqLen < len(stream); seqLen++ {
		ds, err := Make(stream, v, seqLen)
		require.NoError(t, err)
		require.Equal(t, len(stream)-seqLen, ds.Len(), "seqLen=%d", seqLen)
		for i := range ds.Len() {
			require.Len(t, ds.Inputs[i], seqLen)
			for j, x := range ds.Inputs[i] {
				assert.InDelta(t, float64(codes[i+j])/float64(v.Size()), x, 1e-12)
				assert.GreaterOrEqual(t, x, 0.0)
				assert.Less(t, x, 1.0)
			}
			assert.Equal(t, codes[i+seqLen], ds.Targets[i])
		}
	}
}

func TestMakeInsufficientData(t *testing.T) {
	v := buildVocab(t, scenarioStream)
	for _, seqLen := range []int{8, 9, 100} {
		_, err := Make(scenarioStream, v, seqLen)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientData), "seqLen=%d", seqLen)
	}
	_, err := Make(scenarioStream, v, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInsufficientData))
}

func TestMakeUnknownToken(t *testing.T) {
	v := buildVocab(t, []string{"C4", "E4"})
	_, err := Make(scenarioStream, v, 2)
	assert.True(t, errors.Is(err, vocab.ErrUnknownToken))
}
