package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// metadataKey is the reserved header entry holding the free-form string metadata.
const metadataKey = "__metadata__"

// maxHeaderSize is a sanity check on the header size declared by a file.
const maxHeaderSize = 100 * 1024 * 1024

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets after the header
}

// NumElements returns the number of elements in the tensor.
func (tm *TensorMetadata) NumElements() int64 {
	n := int64(1)
	for _, dim := range tm.Shape {
		n *= int64(dim)
	}
	return n
}

// SizeBytes returns the size of the tensor data, as declared by its offsets.
func (tm *TensorMetadata) SizeBytes() int64 {
	return tm.DataOffsets[1] - tm.DataOffsets[0]
}

// parseHeader reads and parses the header from a safetensors file.
// Safetensor format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
func parseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (*Header, int64, error) {
	// Read header size (8 bytes, little-endian)
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := &Header{
		Tensors:  make(map[string]*TensorMetadata),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == metadataKey {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		if tm.DataOffsets[1] < tm.DataOffsets[0] {
			return nil, 0, errors.Errorf("tensor %s has invalid data offsets %v", key, tm.DataOffsets)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}

	// Data offset is after the 8-byte size + header
	dataOffset := int64(8 + headerSize)
	return header, dataOffset, nil
}

// safetensorToGoMLXDtype maps safetensor dtype names to GoMLX dtype names.
var safetensorToGoMLXDtype = map[string]string{
	"I8":   "Int8",
	"I16":  "Int16",
	"I32":  "Int32",
	"I64":  "Int64",
	"U8":   "Uint8",
	"U16":  "Uint16",
	"U32":  "Uint32",
	"U64":  "Uint64",
	"F16":  "Float16",
	"F32":  "Float32",
	"F64":  "Float64",
	"BF16": "BFloat16",
	"BOOL": "Bool",
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	if gomlxName, found := safetensorToGoMLXDtype[stDtype]; found {
		if dtype, found := dtypes.MapOfNames[gomlxName]; found {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
}
