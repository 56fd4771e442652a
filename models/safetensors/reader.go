package safetensors

import (
	"io"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/melodygen/models/api"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader provides streaming access to tensor data via io.ReaderAt.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// Open parses the header of the safetensors file at path and memory-maps it for reading tensors.
func Open(path string) (*MMapReader, error) {
	header, dataOffset, err := parseHeader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse header for %s", path)
	}

	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	for name, meta := range header.Tensors {
		if dataOffset+meta.DataOffsets[1] > int64(reader.Len()) {
			_ = reader.Close()
			return nil, errors.Errorf("tensor %s in %s extends past the end of the file", name, path)
		}
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: dataOffset,
		Header:     header,
	}, nil
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

// Metadata returns the __metadata__ entries of the file.
func (mr *MMapReader) Metadata() map[string]string {
	return mr.Header.Metadata
}

// ReadTensor reads the named tensor into a new GoMLX tensor, copying the bytes straight from the mapped file.
func (mr *MMapReader) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, found := mr.Header.Tensors[tensorName]
	if !found {
		return nil, errors.Errorf("tensor %q not found", tensorName)
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tensorName)
	}
	shape := shapes.Make(dtype, meta.Shape...)
	if want := shape.ByteSize(); want != meta.SizeBytes() {
		return nil, errors.Errorf("tensor %q of shape %s needs %d bytes, the file holds %d", tensorName, shape, want, meta.SizeBytes())
	}

	t := tensors.FromShape(shape)
	var readErr error
	if err := t.MutableBytes(func(data []byte) {
		_, readErr = mr.reader.ReadAt(data, mr.dataOffset+meta.DataOffsets[0])
	}); err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", tensorName)
	}
	if readErr != nil && readErr != io.EOF {
		return nil, errors.Wrapf(readErr, "failed to read tensor %q", tensorName)
	}
	return t, nil
}

// ReadWeight reads a float64 (F64) tensor by name as a model weight.
func (mr *MMapReader) ReadWeight(tensorName string) (api.Weight, error) {
	meta, found := mr.Header.Tensors[tensorName]
	if !found {
		return api.Weight{}, errors.Errorf("tensor %q not found", tensorName)
	}
	if meta.Dtype != dtypeFloat64 {
		return api.Weight{}, errors.Errorf("tensor %q has dtype %s, only %s weights are supported", tensorName, meta.Dtype, dtypeFloat64)
	}
	t, err := mr.ReadTensor(tensorName)
	if err != nil {
		return api.Weight{}, err
	}
	values, err := tensors.CopyFlatData[float64](t)
	if err != nil {
		return api.Weight{}, errors.WithMessagef(err, "while converting tensor %q", tensorName)
	}
	return api.Weight{Name: tensorName, Shape: slices.Clone(t.Shape().Dimensions), Values: values}, nil
}

// ReadAllWeights reads every tensor of the file as a weight, in file order.
func (mr *MMapReader) ReadAllWeights() ([]api.Weight, error) {
	names := sortTensorsByOffset(mr.Header)
	weights := make([]api.Weight, 0, len(names))
	for _, name := range names {
		w, err := mr.ReadWeight(name)
		if err != nil {
			return nil, err
		}
		weights = append(weights, w)
	}
	return weights, nil
}

// sortTensorsByOffset returns the tensor names sorted by their file offset, for sequential reading.
func sortTensorsByOffset(header *Header) []string {
	names := make([]string, 0, len(header.Tensors))
	for name := range header.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		offsetA, offsetB := header.Tensors[a].DataOffsets[0], header.Tensors[b].DataOffsets[0]
		if offsetA < offsetB {
			return -1
		}
		if offsetA > offsetB {
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return names
}
