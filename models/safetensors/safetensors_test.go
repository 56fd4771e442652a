package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/melodygen/models/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWeights() []api.Weight {
	return []api.Weight{
		{Name: "hidden.weight", Shape: []int{2, 3}, Values: []float64{1, -2, 3.5, math.Pi, 0, -1e-300}},
		{Name: "hidden.bias", Shape: []int{3}, Values: []float64{0.25, 0.5, 0.75}},
		{Name: "output.weight", Shape: []int{3, 1}, Values: []float64{math.MaxFloat64, math.SmallestNonzeroFloat64, -0.0}},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model", "model.safetensors")
	metadata := map[string]string{"kind": "dense", "vocabulary": `["C4","E4"]`}
	require.NoError(t, WriteFile(path, testWeights(), metadata))
	_, err := os.Stat(path + ".writing")
	assert.True(t, os.IsNotExist(err), "temporary file should have been moved")

	reader, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()

	assert.Equal(t, metadata, reader.Metadata())
	require.Len(t, reader.Header.Tensors, 3)
	assert.Equal(t, "F64", reader.Header.Tensors["hidden.bias"].Dtype)
	assert.Equal(t, int64(24), reader.Header.Tensors["hidden.bias"].SizeBytes())

	weights, err := reader.ReadAllWeights()
	require.NoError(t, err)
	want := testWeights()
	require.Len(t, weights, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, weights[i].Name)
		assert.Equal(t, want[i].Shape, weights[i].Shape)
		require.Len(t, weights[i].Values, len(want[i].Values))
		for j, v := range want[i].Values {
			assert.Equal(t, math.Float64bits(v), math.Float64bits(weights[i].Values[j]), "%s[%d]", want[i].Name, j)
		}
	}
}

func TestHeaderAlignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteFile(path, testWeights(), map[string]string{"a": "b"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := binary.LittleEndian.Uint64(data[:8])
	assert.Zero(t, (8+headerSize)%headerAlignment)
	assert.Equal(t, int(8+headerSize)+(6+3+3)*8, len(data))
}

func TestReadTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, WriteFile(path, testWeights(), nil))
	reader, err := Open(path)
	require.NoError(t, err)
	defer reader.Close()
	assert.Empty(t, reader.Metadata())

	tensor, err := reader.ReadTensor("hidden.weight")
	require.NoError(t, err)
	wantShape := shapes.Make(dtypes.Float64, 2, 3)
	assert.True(t, tensor.Shape().Equal(wantShape), "got shape %s, wanted %s", tensor.Shape(), wantShape)
	flat, err := tensors.CopyFlatData[float64](tensor)
	require.NoError(t, err)
	assert.Equal(t, testWeights()[0].Values, flat)

	// Weights are read through the same tensor path.
	w, err := reader.ReadWeight("hidden.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.Shape)
	assert.Equal(t, flat, w.Values)

	_, err = reader.ReadTensor("non_existent_tensor")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	_, err = reader.ReadWeight("non_existent_tensor")
	assert.Error(t, err)
}

func TestWriteInvalidWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	bad := []api.Weight{{Name: "w", Shape: []int{2, 2}, Values: []float64{1, 2, 3}}}
	assert.Error(t, WriteFile(path, bad, nil))

	dup := []api.Weight{{Name: "w", Shape: []int{1}, Values: []float64{1}}, {Name: "w", Shape: []int{1}, Values: []float64{2}}}
	assert.Error(t, WriteFile(path, dup, nil))

	reserved := []api.Weight{{Name: metadataKey, Shape: []int{1}, Values: []float64{1}}}
	assert.Error(t, WriteFile(path, reserved, nil))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenCorrupted(t *testing.T) {
	dir := t.TempDir()
	short := filepath.Join(dir, "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0o644))
	_, err := Open(short)
	assert.Error(t, err)

	huge := filepath.Join(dir, "huge.safetensors")
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], maxHeaderSize+1)
	require.NoError(t, os.WriteFile(huge, header[:], 0o644))
	_, err = Open(huge)
	assert.Error(t, err)

	truncated := filepath.Join(dir, "truncated.safetensors")
	require.NoError(t, WriteFile(truncated, testWeights(), nil))
	data, err := os.ReadFile(truncated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-8], 0o644))
	_, err = Open(truncated)
	assert.Error(t, err)

	_, err = Open(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)
}
