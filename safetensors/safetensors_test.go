package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLayout(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Tensor{Int64Tensor("a", []int64{1, -2, 3}, 3)}, map[string]string{"format": "pt"})
	require.NoError(t, err)

	raw := buf.Bytes()
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, headerSize%8, "header must be padded to a multiple of 8")
	assert.Equal(t, int(8+headerSize+3*8), len(raw))

	header, dataOffset, err := ParseHeader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(8+headerSize), dataOffset)
	assert.Equal(t, map[string]string{"format": "pt"}, header.Metadata)
	require.Contains(t, header.Tensors, "a")
	ti := header.Tensors["a"]
	assert.Equal(t, "I64", ti.DType)
	assert.Equal(t, []int{3}, ti.Shape)
	assert.Equal(t, [2]int64{0, 24}, ti.DataOffsets)
	assert.Equal(t, "a", ti.Name)
}

func TestWriteErrors(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Write(&buf, []Tensor{Int64Tensor("a", []int64{1, 2, 3}, 2)}, nil), "shape mismatch")
	assert.Error(t, Write(&buf, []Tensor{Int64Tensor("a", nil, 0), Int64Tensor("a", nil, 0)}, nil), "duplicate")
	assert.Error(t, Write(&buf, []Tensor{Int64Tensor("__metadata__", nil, 0)}, nil), "reserved name")
	assert.Error(t, Write(&buf, []Tensor{{Name: "x", DType: "Q4", Shape: []int{1}, Data: []byte{0}}}, nil), "dtype")
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.safetensors")
	err := WriteFile(path, []Tensor{
		Int64Tensor("input_ids", []int64{101, 7, 102, 0, 101, 8, 102, 0}, 2, 4),
		Int64Tensor("start_positions", []int64{1, 0}, 2),
		Int64Tensor("empty", []int64{}, 0, 4),
	}, map[string]string{"max_length": "4"})
	require.NoError(t, err)

	sf, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Close()) }()

	assert.Equal(t, "4", sf.Header.Metadata["max_length"])
	assert.Equal(t, []string{"input_ids", "start_positions", "empty"}, sf.Header.Names())

	values, shape, err := sf.Int64s("input_ids")
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7, 102, 0, 101, 8, 102, 0}, values)
	assert.Equal(t, []int{2, 4}, shape)

	values, shape, err = sf.Int64s("empty")
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, []int{0, 4}, shape)

	tensor, err := sf.Tensor("start_positions")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, tensor.Shape().DType)
	assert.Equal(t, []int{2}, tensor.Shape().Dimensions)

	_, _, err = sf.Int64s("missing")
	assert.Error(t, err)
}

func TestOpenCorrupted(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Tensor{Int64Tensor("a", []int64{1, 2}, 2)}, nil))
	good := buf.Bytes()

	truncated := filepath.Join(dir, "truncated.safetensors")
	require.NoError(t, os.WriteFile(truncated, good[:len(good)-4], 0o644))
	_, err := Open(truncated)
	assert.Error(t, err)

	hugeHeader := filepath.Join(dir, "huge.safetensors")
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header, MaxHeaderSize+1)
	require.NoError(t, os.WriteFile(hugeHeader, header, 0o644))
	_, err = Open(hugeHeader)
	assert.Error(t, err)

	_, err = Open(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)
}
