package features

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/clinical-nlp/clinicalqa/dataset"
	"github.com/clinical-nlp/clinicalqa/internal/tokentest"
	"github.com/clinical-nlp/clinicalqa/safetensors"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/clinical-nlp/clinicalqa/tokenizers/windowing"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWords = []string{
	"what", "condition", "is", "shown", "?",
	"chest", "x", "-", "ray", "shows", "pneumo", "##thorax", ".", "cafe",
}

var chestExample = dataset.Example{
	Context:     "Chest X-ray shows pneumothorax.",
	Question:    "What condition is shown?",
	AnswerText:  "pneumothorax",
	AnswerStart: 18,
}

func newTestBuilder(t *testing.T, maxLength, docStride int) *Builder {
	t.Helper()
	enc, err := windowing.New(tokentest.New(t, testWords...))
	require.NoError(t, err)
	return NewBuilder(enc, Config{MaxLength: maxLength, DocStride: docStride})
}

func TestBuildSingleWindow(t *testing.T) {
	b := newTestBuilder(t, 32, 8)
	feats, err := b.Build([]dataset.Example{chestExample})
	require.NoError(t, err)
	require.Len(t, feats, 1)

	f := feats[0]
	require.Len(t, f.InputIDs, 32)
	assert.Equal(t, 0, f.ClsIndex)
	assert.Equal(t, tokentest.ClsID, f.InputIDs[f.ClsIndex])
	// [CLS] what condition is shown ? [SEP] chest x - ray shows pneumo ##thorax . [SEP]
	assert.Equal(t, tokentest.ID(testWords, "pneumo"), f.InputIDs[12])
	assert.Equal(t, tokentest.ID(testWords, "##thorax"), f.InputIDs[13])
	assert.Equal(t, 12, f.StartPosition)
	assert.Equal(t, 13, f.EndPosition)
	assert.False(t, f.IsNoAnswer())

	start, end, ok := f.AnswerSpan()
	require.True(t, ok)
	assert.Equal(t, "pneumothorax", string([]rune(chestExample.Context)[start:end]))
}

func TestBuildOverflow(t *testing.T) {
	// Budget of 14-5-3=6 context tokens, advancing 4 tokens per window.
	b := newTestBuilder(t, 14, 2)
	xray := chestExample
	xray.AnswerText, xray.AnswerStart = "X-ray", 6
	feats, err := b.Build([]dataset.Example{chestExample, xray})
	require.NoError(t, err)
	require.Len(t, feats, 4)

	for i, want := range []struct {
		sample, start, end int
	}{
		{0, 0, 0}, // pneumothorax is cut at the end of the first window.
		{0, 8, 9},
		{1, 8, 10},
		{1, 0, 0}, // X-ray is not in the second window.
	} {
		f := feats[i]
		assert.Equal(t, want.sample, f.SampleIndex, "feature #%d", i)
		assert.Equal(t, want.start, f.StartPosition, "feature #%d", i)
		assert.Equal(t, want.end, f.EndPosition, "feature #%d", i)
	}
	assert.True(t, feats[0].IsNoAnswer())
	assert.True(t, feats[3].IsNoAnswer())
	_, _, ok := feats[3].AnswerSpan()
	assert.False(t, ok)

	start, end, ok := feats[2].AnswerSpan()
	require.True(t, ok)
	assert.Equal(t, "X-ray", string([]rune(xray.Context)[start:end]))

	assert.Equal(t, Stats{Examples: 2, Windows: 4, Positive: 2, NoAnswer: 2}, Summarize(2, feats))
}

func TestBuildCharacterOffsets(t *testing.T) {
	b := newTestBuilder(t, 32, 8)
	ex := dataset.Example{
		Context:     "Café shows pneumothorax.",
		Question:    "What condition is shown?",
		AnswerText:  "pneumothorax",
		AnswerStart: 11,
	}
	require.NoError(t, dataset.Validate(ex))
	feats, err := b.Build([]dataset.Example{ex})
	require.NoError(t, err)
	require.Len(t, feats, 1)
	assert.Equal(t, 9, feats[0].StartPosition)
	assert.Equal(t, 10, feats[0].EndPosition)
}

func TestBuildParallelOrder(t *testing.T) {
	var examples []dataset.Example
	for i := range 600 {
		ex := chestExample
		if i%3 == 0 {
			ex.AnswerText, ex.AnswerStart = "X-ray", 6
		}
		examples = append(examples, ex)
	}
	serial := newTestBuilder(t, 14, 2)
	serial.Workers = 1
	want, err := serial.Build(examples)
	require.NoError(t, err)
	require.Len(t, want, 1200)

	parallel := newTestBuilder(t, 14, 2)
	parallel.Workers = 4
	got, err := parallel.Build(examples)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	for i, f := range got {
		require.Equal(t, i/2, f.SampleIndex)
	}
}

func TestBuildErrors(t *testing.T) {
	b := newTestBuilder(t, 10, 5)
	_, err := b.Build([]dataset.Example{chestExample})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStrideTooLarge), "got %v", err)

	b = newTestBuilder(t, 32, 29)
	_, err = b.Build([]dataset.Example{chestExample})
	assert.True(t, errors.Is(err, ErrStrideTooLarge), "got %v", err)

	_, err = (&Builder{Config: DefaultConfig()}).Build(nil)
	assert.Error(t, err)

	feats, err := newTestBuilder(t, 32, 8).Build(nil)
	require.NoError(t, err)
	assert.Empty(t, feats)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxLength: 3}.Validate())
	assert.Error(t, Config{MaxLength: 32, DocStride: -1}.Validate())
	assert.True(t, errors.Is(Config{MaxLength: 32, DocStride: 29}.Validate(), ErrStrideTooLarge))
}

func TestLabel(t *testing.T) {
	// [CLS] q [SEP] c0 c1 c2 [SEP] [PAD]: context tokens span characters [0,5) [6,11) [11,15).
	w := &api.Window{
		InputIDs:    []int{101, 1, 102, 7, 8, 9, 102, 0},
		Offsets:     []api.TokenSpan{{}, {0, 4}, {}, {0, 5}, {6, 11}, {11, 15}, {}, {}},
		SequenceIDs: []int{-1, 0, -1, 1, 1, 1, -1, -1},
	}
	tests := []struct {
		name               string
		startChar, endChar int
		wantStart, wantEnd int
	}{
		{"first token", 0, 5, 3, 3},
		{"whole context", 0, 15, 3, 5},
		{"subword pair", 6, 15, 4, 5},
		{"inside a token", 7, 9, 4, 4},
		{"last token", 11, 15, 5, 5},
		{"past the context", 11, 16, 0, 0},
		{"empty answer at the end", 15, 15, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, start, end, err := Label(w, 101, tt.startChar, tt.endChar)
			require.NoError(t, err)
			assert.Equal(t, 0, cls)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}

	shifted := &api.Window{
		InputIDs:    []int{101, 1, 102, 7, 102},
		Offsets:     []api.TokenSpan{{}, {0, 4}, {}, {20, 25}, {}},
		SequenceIDs: []int{-1, 0, -1, 1, -1},
	}
	cls, start, end, err := Label(shifted, 101, 10, 14)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, []int{cls, start, end}, "answer before the window")

	noContext := &api.Window{InputIDs: []int{101, 1, 102, 102}, Offsets: make([]api.TokenSpan, 4), SequenceIDs: []int{-1, 0, -1, -1}}
	cls, start, end, err = Label(noContext, 101, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, []int{cls, start, end})

	_, _, _, err = Label(noContext, 999, 0, 0)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	b := newTestBuilder(t, 14, 2)
	feats, err := b.Build([]dataset.Example{chestExample, chestExample})
	require.NoError(t, err)
	meta := Metadata{ModelName: "emilyalsentzer/Bio_ClinicalBERT", Config: b.Config}
	path := filepath.Join(t.TempDir(), "train_features.safetensors")
	require.NoError(t, Save(path, feats, meta))

	batch, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, meta, batch.Metadata)
	assert.Equal(t, len(feats), batch.Size)
	assert.Equal(t, 14, batch.Length)
	for i, f := range feats {
		require.Len(t, batch.Row(i), 14)
		for j, id := range f.InputIDs {
			require.Equal(t, int64(id), batch.Row(i)[j], fmt.Sprintf("feature %d position %d", i, j))
		}
		assert.Equal(t, int64(f.StartPosition), batch.StartPositions[i])
		assert.Equal(t, int64(f.EndPosition), batch.EndPositions[i])
		assert.Equal(t, int64(f.SampleIndex), batch.SampleIndex[i])
	}

	ts := batch.Tensors()
	require.Len(t, ts, 6)
	assert.Equal(t, dtypes.Int64, ts[InputIDsKey].Shape().DType)
	assert.Equal(t, []int{4, 14}, ts[AttentionMaskKey].Shape().Dimensions)
	assert.Equal(t, []int{4}, ts[StartPositionsKey].Shape().Dimensions)
}

func TestLoadTensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.safetensors")
	scores := make([]byte, 8)
	binary.LittleEndian.PutUint32(scores, math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(scores[4:], math.Float32bits(1.5))
	require.NoError(t, safetensors.WriteFile(path, []safetensors.Tensor{
		safetensors.Int64Tensor(InputIDsKey, []int64{101, 7, 102, 0, 101, 8, 102, 0}, 2, 4),
		safetensors.Int64Tensor(TokenTypeIDsKey, make([]int64, 8), 2, 4),
		safetensors.Int64Tensor(AttentionMaskKey, []int64{1, 1, 1, 0, 1, 1, 1, 0}, 2, 4),
		safetensors.Int64Tensor(StartPositionsKey, []int64{1, 0}, 2),
		safetensors.Int64Tensor(EndPositionsKey, []int64{1, 0}, 2),
		safetensors.Int64Tensor(SampleIndexKey, []int64{0, 1}, 2),
		{Name: "teacher_scores", DType: "F32", Shape: []int{2}, Data: scores},
	}, map[string]string{"model_name": "bert-base-uncased", "max_length": "4"}))

	batch, all, err := LoadTensors(path)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Size)
	assert.Equal(t, 4, batch.Metadata.MaxLength)
	require.Len(t, all, 7)
	assert.Equal(t, []int{2, 4}, all[InputIDsKey].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, all["teacher_scores"].Shape().DType)
	assert.Equal(t, []int{2}, all["teacher_scores"].Shape().Dimensions)

	_, _, err = LoadTensors(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)
}

func TestNewBatchLengthMismatch(t *testing.T) {
	_, err := NewBatch([]Feature{
		{InputIDs: []int{1, 2}, TokenTypeIDs: []int{0, 0}, AttentionMask: []int{1, 1}},
		{InputIDs: []int{1}, TokenTypeIDs: []int{0}, AttentionMask: []int{1}},
	}, Metadata{})
	assert.Error(t, err)
}
