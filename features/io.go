package features

import (
	"strconv"

	"github.com/clinical-nlp/clinicalqa/safetensors"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the tensors of a features file.
const (
	InputIDsKey       = "input_ids"
	TokenTypeIDsKey   = "token_type_ids"
	AttentionMaskKey  = "attention_mask"
	StartPositionsKey = "start_positions"
	EndPositionsKey   = "end_positions"
	SampleIndexKey    = "sample_index"
)

// Metadata stored along with the features.
type Metadata struct {
	ModelName string
	Config
}

func (m Metadata) toMap() map[string]string {
	return map[string]string{
		"model_name": m.ModelName,
		"max_length": strconv.Itoa(m.MaxLength),
		"doc_stride": strconv.Itoa(m.DocStride),
	}
}

func metadataFromMap(values map[string]string) (Metadata, error) {
	m := Metadata{ModelName: values["model_name"]}
	var err error
	if v, ok := values["max_length"]; ok {
		if m.MaxLength, err = strconv.Atoi(v); err != nil {
			return m, errors.Wrapf(err, "invalid max_length %q", v)
		}
	}
	if v, ok := values["doc_stride"]; ok {
		if m.DocStride, err = strconv.Atoi(v); err != nil {
			return m, errors.Wrapf(err, "invalid doc_stride %q", v)
		}
	}
	return m, nil
}

// Batch holds features as flat row-major arrays, as stored in a features file.
type Batch struct {
	Metadata Metadata

	// Size is the number of features, Length the number of positions of each.
	Size, Length int

	// Shaped [Size, Length].
	InputIDs, TokenTypeIDs, AttentionMask []int64

	// Shaped [Size].
	StartPositions, EndPositions, SampleIndex []int64
}

// NewBatch packs features, which must all have the same length.
func NewBatch(feats []Feature, meta Metadata) (*Batch, error) {
	b := &Batch{Metadata: meta, Size: len(feats)}
	if len(feats) > 0 {
		b.Length = len(feats[0].InputIDs)
	} else {
		b.Length = meta.MaxLength
	}
	b.InputIDs = make([]int64, 0, b.Size*b.Length)
	b.TokenTypeIDs = make([]int64, 0, b.Size*b.Length)
	b.AttentionMask = make([]int64, 0, b.Size*b.Length)
	b.StartPositions = make([]int64, b.Size)
	b.EndPositions = make([]int64, b.Size)
	b.SampleIndex = make([]int64, b.Size)
	for i := range feats {
		f := &feats[i]
		if len(f.InputIDs) != b.Length || len(f.TokenTypeIDs) != b.Length || len(f.AttentionMask) != b.Length {
			return nil, errors.Errorf("feature #%d has length %d, expected %d", i, len(f.InputIDs), b.Length)
		}
		b.InputIDs = appendInt64s(b.InputIDs, f.InputIDs)
		b.TokenTypeIDs = appendInt64s(b.TokenTypeIDs, f.TokenTypeIDs)
		b.AttentionMask = appendInt64s(b.AttentionMask, f.AttentionMask)
		b.StartPositions[i] = int64(f.StartPosition)
		b.EndPositions[i] = int64(f.EndPosition)
		b.SampleIndex[i] = int64(f.SampleIndex)
	}
	return b, nil
}

func appendInt64s(dst []int64, values []int) []int64 {
	for _, v := range values {
		dst = append(dst, int64(v))
	}
	return dst
}

// Row returns the input ids of feature i.
func (b *Batch) Row(i int) []int64 {
	return b.InputIDs[i*b.Length : (i+1)*b.Length]
}

// Tensors returns the batch as GoMLX tensors, keyed by the tensor names of a features file.
func (b *Batch) Tensors() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		InputIDsKey:       tensors.FromFlatDataAndDimensions(b.InputIDs, b.Size, b.Length),
		TokenTypeIDsKey:   tensors.FromFlatDataAndDimensions(b.TokenTypeIDs, b.Size, b.Length),
		AttentionMaskKey:  tensors.FromFlatDataAndDimensions(b.AttentionMask, b.Size, b.Length),
		StartPositionsKey: tensors.FromFlatDataAndDimensions(b.StartPositions, b.Size),
		EndPositionsKey:   tensors.FromFlatDataAndDimensions(b.EndPositions, b.Size),
		SampleIndexKey:    tensors.FromFlatDataAndDimensions(b.SampleIndex, b.Size),
	}
}

// Save writes features to a safetensors file.
func Save(path string, feats []Feature, meta Metadata) error {
	b, err := NewBatch(feats, meta)
	if err != nil {
		return err
	}
	return b.Save(path)
}

// Save writes the batch to a safetensors file.
func (b *Batch) Save(path string) error {
	err := safetensors.WriteFile(path, []safetensors.Tensor{
		safetensors.Int64Tensor(InputIDsKey, b.InputIDs, b.Size, b.Length),
		safetensors.Int64Tensor(TokenTypeIDsKey, b.TokenTypeIDs, b.Size, b.Length),
		safetensors.Int64Tensor(AttentionMaskKey, b.AttentionMask, b.Size, b.Length),
		safetensors.Int64Tensor(StartPositionsKey, b.StartPositions, b.Size),
		safetensors.Int64Tensor(EndPositionsKey, b.EndPositions, b.Size),
		safetensors.Int64Tensor(SampleIndexKey, b.SampleIndex, b.Size),
	}, b.Metadata.toMap())
	if err != nil {
		return errors.WithMessagef(err, "while saving features to %s", path)
	}
	klog.Infof("Saved %d features of length %d to %s", b.Size, b.Length, path)
	return nil
}

// Load reads a features file written by Save.
func Load(path string) (*Batch, error) {
	sf, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sf.Close() }()

	b := &Batch{}
	if b.Metadata, err = metadataFromMap(sf.Header.Metadata); err != nil {
		return nil, errors.WithMessagef(err, "features file %s", path)
	}

	matrices := []struct {
		name string
		dst  *[]int64
	}{
		{InputIDsKey, &b.InputIDs}, {TokenTypeIDsKey, &b.TokenTypeIDs}, {AttentionMaskKey, &b.AttentionMask},
	}
	for i, m := range matrices {
		values, shape, err := sf.Int64s(m.name)
		if err != nil {
			return nil, errors.WithMessagef(err, "features file %s", path)
		}
		if len(shape) != 2 {
			return nil, errors.Errorf("features file %s: tensor %s has shape %v, expected rank 2", path, m.name, shape)
		}
		if i == 0 {
			b.Size, b.Length = shape[0], shape[1]
		} else if shape[0] != b.Size || shape[1] != b.Length {
			return nil, errors.Errorf("features file %s: tensor %s has shape %v, expected [%d %d]", path, m.name, shape, b.Size, b.Length)
		}
		*m.dst = values
	}

	vectors := []struct {
		name string
		dst  *[]int64
	}{
		{StartPositionsKey, &b.StartPositions}, {EndPositionsKey, &b.EndPositions}, {SampleIndexKey, &b.SampleIndex},
	}
	for _, v := range vectors {
		values, shape, err := sf.Int64s(v.name)
		if err != nil {
			return nil, errors.WithMessagef(err, "features file %s", path)
		}
		if len(shape) != 1 || shape[0] != b.Size {
			return nil, errors.Errorf("features file %s: tensor %s has shape %v, expected [%d]", path, v.name, shape, b.Size)
		}
		*v.dst = values
	}
	return b, nil
}

// LoadTensors reads a features file as GoMLX tensors keyed by name: the features from Batch.Tensors,
// plus any other tensor stored in the file, with its stored dtype.
func LoadTensors(path string) (*Batch, map[string]*tensors.Tensor, error) {
	b, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	all := b.Tensors()
	sf, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = sf.Close() }()
	for _, name := range sf.Header.Names() {
		if _, found := all[name]; found {
			continue
		}
		t, err := sf.Tensor(name)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "features file %s", path)
		}
		all[name] = t
	}
	return b, all, nil
}
