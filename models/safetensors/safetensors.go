// Package safetensors reads and writes model weights in the safetensors format: a little-endian header size,
// a JSON header describing each tensor (plus an optional string "__metadata__" map), and the raw tensor data.
//
// Weights are written as F64. Reading goes through a memory-mapped file, either as GoMLX tensors or back as
// api.Weight values.
//
// Example:
//
//	err := safetensors.WriteFile(path, predictor.Weights(), map[string]string{"kind": predictor.Kind()})
//	...
//	reader, err := safetensors.Open(path)
//	if err != nil {
//		return err
//	}
//	defer reader.Close()
//	weights, err := reader.ReadAllWeights()
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/gomlx/melodygen/internal/files"
	"github.com/gomlx/melodygen/models/api"
	"github.com/pkg/errors"
)

// dtypeFloat64 is the safetensors name of the only dtype written.
const dtypeFloat64 = "F64"

// headerAlignment is the alignment of the tensor data start; the JSON header is padded with spaces.
const headerAlignment = 8

// WriteFile saves the weights, in the given order, and the metadata to a safetensors file at path.
//
// The file is written to a temporary file first, and moved to path once complete.
func WriteFile(path string, weights []api.Weight, metadata map[string]string) error {
	headerBytes, err := encodeHeader(weights, metadata)
	if err != nil {
		return err
	}
	return files.WriteAtomically(path, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", tmpPath)
		}
		w := bufio.NewWriter(f)
		err = writeContent(w, headerBytes, weights)
		if err == nil {
			err = w.Flush()
		}
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write safetensors file %s", tmpPath)
		}
		return nil
	})
}

func encodeHeader(weights []api.Weight, metadata map[string]string) ([]byte, error) {
	rawHeader := make(map[string]any, len(weights)+1)
	if len(metadata) > 0 {
		rawHeader[metadataKey] = metadata
	}
	var offset int64
	for _, w := range weights {
		if w.Name == "" || w.Name == metadataKey {
			return nil, errors.Errorf("invalid tensor name %q", w.Name)
		}
		if _, found := rawHeader[w.Name]; found {
			return nil, errors.Errorf("duplicate tensor name %q", w.Name)
		}
		if w.Size() != len(w.Values) {
			return nil, errors.Errorf("tensor %s of shape %v should have %d values, got %d", w.Name, w.Shape, w.Size(), len(w.Values))
		}
		size := int64(len(w.Values)) * 8
		shape := w.Shape
		if shape == nil {
			shape = []int{}
		}
		rawHeader[w.Name] = &TensorMetadata{
			Dtype:       dtypeFloat64,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(rawHeader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode safetensors header")
	}
	if rem := (8 + len(headerBytes)) % headerAlignment; rem != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, headerAlignment-rem)...)
	}
	return headerBytes, nil
}

func writeContent(w *bufio.Writer, headerBytes []byte, weights []api.Weight) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	var buf [8]byte
	for _, weight := range weights {
		for _, v := range weight.Values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return nil
}
