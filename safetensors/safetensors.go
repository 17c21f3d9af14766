// Package safetensors reads and writes files in the safetensors format:
//
//	[8 bytes: header size N as little-endian u64]
//	[N bytes: JSON header, padded with spaces to a multiple of 8]
//	[tensor data, at the offsets given in the header]
//
// The header maps tensor names to their dtype, shape and data offsets (relative to the start of
// the data), plus an optional "__metadata__" map of strings.
//
// Files are read through a memory map, so opening a large file is cheap.
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/clinical-nlp/clinicalqa/internal/files"
	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MaxHeaderSize is a sanity limit on the JSON header size.
const MaxHeaderSize = 100 * 1024 * 1024

const metadataKey = "__metadata__"

// dtypeSizes holds the element size in bytes of the supported dtypes.
var dtypeSizes = map[string]int{
	"BOOL": 1, "U8": 1, "I8": 1, "F8_E5M2": 1, "F8_E4M3": 1,
	"I16": 2, "U16": 2, "F16": 2, "BF16": 2,
	"I32": 4, "U32": 4, "F32": 4,
	"I64": 8, "U64": 8, "F64": 8,
}

// TensorInfo describes one tensor of a file.
type TensorInfo struct {
	Name        string   `json:"-"`
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Size returns the number of elements.
func (ti *TensorInfo) Size() int {
	size := 1
	for _, dim := range ti.Shape {
		size *= dim
	}
	return size
}

// Header is the parsed JSON header of a file.
type Header struct {
	Tensors  map[string]*TensorInfo
	Metadata map[string]string
}

// Names returns the tensor names in the order of their data.
func (h *Header) Names() []string {
	names := make([]string, 0, len(h.Tensors))
	for name := range h.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := h.Tensors[names[i]], h.Tensors[names[j]]
		if a.DataOffsets[0] != b.DataOffsets[0] {
			return a.DataOffsets[0] < b.DataOffsets[0]
		}
		return names[i] < names[j]
	})
	return names
}

// ParseHeader reads the header from the start of r. It returns the header and the offset of the
// tensor data from the start of the file.
func ParseHeader(r io.Reader) (*Header, int64, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > MaxHeaderSize {
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
		Tensors:  make(map[string]*TensorInfo, len(rawHeader)),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == metadataKey {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(value, &ti); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		ti.Name = key
		header.Tensors[key] = &ti
	}
	return header, int64(8 + headerSize), nil
}

// validate checks that every tensor has a known dtype and fits the data.
func (h *Header) validate(dataSize int64) error {
	for name, ti := range h.Tensors {
		elemSize, ok := dtypeSizes[ti.DType]
		if !ok {
			return errors.Errorf("tensor %s: dtype %q not supported", name, ti.DType)
		}
		start, end := ti.DataOffsets[0], ti.DataOffsets[1]
		if start < 0 || end < start || end > dataSize {
			return errors.Errorf("tensor %s: data offsets [%d, %d] out of the %d bytes of data", name, start, end, dataSize)
		}
		if want := int64(ti.Size()) * int64(elemSize); end-start != want {
			return errors.Errorf("tensor %s: shape %v of %s needs %d bytes, got %d", name, ti.Shape, ti.DType, want, end-start)
		}
	}
	return nil
}

// Tensor is a tensor to be written.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Data  []byte // little-endian
}

// Int64Tensor creates an "I64" tensor. The shape must match len(values).
func Int64Tensor(name string, values []int64, shape ...int) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return Tensor{Name: name, DType: "I64", Shape: slices.Clone(shape), Data: data}
}

// Write writes the tensors, in the given order, and the metadata to w.
func Write(w io.Writer, tensorList []Tensor, metadata map[string]string) error {
	rawHeader := make(map[string]any, len(tensorList)+1)
	if len(metadata) > 0 {
		rawHeader[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensorList {
		if t.Name == metadataKey || t.Name == "" {
			return errors.Errorf("invalid tensor name %q", t.Name)
		}
		if _, dup := rawHeader[t.Name]; dup {
			return errors.Errorf("duplicate tensor name %q", t.Name)
		}
		ti := &TensorInfo{Name: t.Name, DType: t.DType, Shape: t.Shape, DataOffsets: [2]int64{offset, offset + int64(len(t.Data))}}
		if ti.Shape == nil {
			ti.Shape = []int{}
		}
		elemSize, ok := dtypeSizes[t.DType]
		if !ok {
			return errors.Errorf("tensor %s: dtype %q not supported", t.Name, t.DType)
		}
		if want := ti.Size() * elemSize; want != len(t.Data) {
			return errors.Errorf("tensor %s: shape %v of %s needs %d bytes, got %d", t.Name, t.Shape, t.DType, want, len(t.Data))
		}
		rawHeader[t.Name] = ti
		offset += int64(len(t.Data))
	}

	headerBytes, err := json.Marshal(rawHeader)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, t := range tensorList {
		if _, err := bw.Write(t.Data); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", t.Name)
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush safetensors file")
}

// WriteFile writes a safetensors file atomically.
func WriteFile(path string, tensorList []Tensor, metadata map[string]string) error {
	return files.WriteAtomically(path, func(f *os.File) error {
		return Write(f, tensorList, metadata)
	})
}

// File is an open, memory-mapped safetensors file. Slices returned by Bytes are only valid
// until Close.
type File struct {
	Header *Header

	f          *os.File
	mapped     mmap.MMap
	dataOffset int64
}

// Open memory-maps a safetensors file and parses its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file %s", path)
	}
	header, dataOffset, err := ParseHeader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.WithMessagef(err, "while parsing header of %s", path)
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	sf := &File{Header: header, f: f, mapped: mapped, dataOffset: dataOffset}
	if dataOffset > int64(len(mapped)) {
		_ = sf.Close()
		return nil, errors.Errorf("%s is truncated: header ends at %d, file has %d bytes", path, dataOffset, len(mapped))
	}
	if err := header.validate(int64(len(mapped)) - dataOffset); err != nil {
		_ = sf.Close()
		return nil, errors.WithMessagef(err, "invalid file %s", path)
	}
	return sf, nil
}

// Close unmaps and closes the file.
func (sf *File) Close() error {
	var firstErr error
	if sf.mapped != nil {
		firstErr = errors.Wrap(sf.mapped.Unmap(), "failed to unmap file")
		sf.mapped = nil
	}
	if sf.f != nil {
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to close file")
		}
		sf.f = nil
	}
	return firstErr
}

// Info returns the description of the named tensor.
func (sf *File) Info(name string) (*TensorInfo, error) {
	ti, ok := sf.Header.Tensors[name]
	if !ok {
		return nil, errors.Errorf("tensor %s not found", name)
	}
	return ti, nil
}

// Bytes returns the raw little-endian data of the named tensor, without copying.
func (sf *File) Bytes(name string) ([]byte, *TensorInfo, error) {
	ti, err := sf.Info(name)
	if err != nil {
		return nil, nil, err
	}
	start := sf.dataOffset + ti.DataOffsets[0]
	end := sf.dataOffset + ti.DataOffsets[1]
	return sf.mapped[start:end], ti, nil
}

// Int64s returns a copy of the values of an "I64" tensor, along with its shape.
func (sf *File) Int64s(name string) ([]int64, []int, error) {
	data, ti, err := sf.Bytes(name)
	if err != nil {
		return nil, nil, err
	}
	if ti.DType != "I64" {
		return nil, nil, errors.Errorf("tensor %s has dtype %s, not I64", name, ti.DType)
	}
	values := make([]int64, len(data)/8)
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return values, slices.Clone(ti.Shape), nil
}

// Tensor copies the named tensor into a GoMLX tensor.
func (sf *File) Tensor(name string) (*tensors.Tensor, error) {
	data, ti, err := sf.Bytes(name)
	if err != nil {
		return nil, err
	}
	dtype, err := dtypeToGoMLX(ti.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %s", name)
	}
	t := tensors.FromShape(shapes.Make(dtype, ti.Shape...))
	var copyErr error
	t.MutableBytes(func(tensorData []byte) {
		if len(tensorData) != len(data) {
			copyErr = errors.Errorf("tensor %s: shape %s expected %d bytes, but got %d bytes", name, t.Shape(), len(tensorData), len(data))
			return
		}
		copy(tensorData, data)
	})
	if copyErr != nil {
		return nil, copyErr
	}
	return t, nil
}

// goMLXDTypes maps safetensors dtype names to GoMLX dtypes.
var goMLXDTypes = map[string]dtypes.DType{
	"BOOL": dtypes.Bool,
	"I8":   dtypes.Int8, "I16": dtypes.Int16, "I32": dtypes.Int32, "I64": dtypes.Int64,
	"U8": dtypes.Uint8, "U16": dtypes.Uint16, "U32": dtypes.Uint32, "U64": dtypes.Uint64,
	"F16": dtypes.Float16, "BF16": dtypes.BFloat16, "F32": dtypes.Float32, "F64": dtypes.Float64,
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	if dtype, found := goMLXDTypes[stDtype]; found {
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
}
