package windowing

import (
	"testing"

	"github.com/clinical-nlp/clinicalqa/internal/tokentest"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/clinical-nlp/clinicalqa/tokenizers/hftokenizer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vocab = []string{"what", "is", "shown", "?", "chest", "x", "-", "ray", "shows", "pneumothorax", ".", "cafe"}

func newEncoder(t *testing.T) *Encoder {
	enc, err := New(tokentest.New(t, vocab...))
	require.NoError(t, err)
	return enc
}

func ids(words ...string) []int {
	out := make([]int, len(words))
	for i, w := range words {
		out[i] = tokentest.ID(vocab, w)
	}
	return out
}

func TestEncodeWindowsLayout(t *testing.T) {
	enc := newEncoder(t)
	windows, err := enc.EncodeWindows(
		[]string{"What is shown?"},
		[]string{"Chest X-ray shows pneumothorax."},
		api.WindowOptions{MaxLength: 16, Stride: 2})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	w := windows[0]
	require.Equal(t, 16, w.Len())

	cls, sep, pad := tokentest.ClsID, tokentest.SepID, tokentest.PadID
	want := append([]int{cls}, ids("what", "is", "shown", "?")...)
	want = append(want, sep)
	want = append(want, ids("chest", "x", "-", "ray", "shows", "pneumothorax", ".")...)
	want = append(want, sep, pad, pad)
	assert.Equal(t, want, w.InputIDs)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0}, w.TokenTypeIDs)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0}, w.AttentionMask)
	assert.Equal(t, []int{-1, 0, 0, 0, 0, -1, 1, 1, 1, 1, 1, 1, 1, -1, -1, -1}, w.SequenceIDs)
	assert.Equal(t, 0, w.SampleIndex)

	assert.Equal(t, api.TokenSpan{}, w.Offsets[0])
	assert.Equal(t, api.TokenSpan{Start: 8, End: 13}, w.Offsets[3]) // "shown"
	assert.Equal(t, []api.TokenSpan{
		{Start: 0, End: 5}, {Start: 6, End: 7}, {Start: 7, End: 8}, {Start: 8, End: 11},
		{Start: 12, End: 17}, {Start: 18, End: 30}, {Start: 30, End: 31},
	}, w.Offsets[6:13])

	first, last, ok := w.SequenceRange(1)
	require.True(t, ok)
	assert.Equal(t, 6, first)
	assert.Equal(t, 12, last)
}

func TestEncodeWindowsOverflow(t *testing.T) {
	enc := newEncoder(t)
	// 4 question tokens leave 3 context tokens per window; stride 1 advances 2 tokens at a time.
	windows, err := enc.EncodeWindows(
		[]string{"what is shown?", "what is shown?"},
		[]string{"Chest X-ray shows pneumothorax.", "chest"},
		api.WindowOptions{MaxLength: 10, Stride: 1})
	require.NoError(t, err)
	require.Len(t, windows, 4)

	assert.Equal(t, ids("chest", "x", "-"), windows[0].InputIDs[6:9])
	assert.Equal(t, ids("-", "ray", "shows"), windows[1].InputIDs[6:9])
	assert.Equal(t, ids("shows", "pneumothorax", "."), windows[2].InputIDs[6:9])
	assert.Equal(t, api.TokenSpan{Start: 12, End: 17}, windows[2].Offsets[6])
	for _, w := range windows[:3] {
		assert.Equal(t, 0, w.SampleIndex)
		assert.Equal(t, 10, w.Len())
	}

	assert.Equal(t, 1, windows[3].SampleIndex)
	first, last, ok := windows[3].SequenceRange(1)
	require.True(t, ok)
	assert.Equal(t, 6, first)
	assert.Equal(t, 6, last)
}

func TestEncodeWindowsRuneOffsets(t *testing.T) {
	enc := newEncoder(t)
	windows, err := enc.EncodeWindows([]string{"what"}, []string{"Café shows"}, api.WindowOptions{MaxLength: 8})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, ids("cafe", "shows"), windows[0].InputIDs[3:5])
	assert.Equal(t, []api.TokenSpan{{Start: 0, End: 4}, {Start: 5, End: 10}}, windows[0].Offsets[3:5])
}

// RoBERTa-style byte-level BPE tokenizer: "<s>" classifies, "</s>" separates.
var byteLevelBPEJSON = []byte(`{
  "added_tokens": [
    {"id": 0, "content": "<s>", "special": true},
    {"id": 1, "content": "<pad>", "special": true},
    {"id": 2, "content": "</s>", "special": true}
  ],
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "model": {
    "type": "BPE",
    "vocab": {
      "<s>": 0, "<pad>": 1, "</s>": 2, "h": 3, "e": 4, "l": 5, "o": 6, "Ġ": 7, "w": 8, "r": 9, "d": 10,
      "c": 11, "a": 12, "f": 13, "Ã": 14, "©": 15,
      "hello": 16, "Ġworld": 17, "caf": 18, "Ã©": 19
    },
    "merges": ["h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "Ġwor l", "Ġworl d", "Ã ©", "c a", "ca f"]
  }
}`)

func TestEncodeWindowsByteLevelBPE(t *testing.T) {
	tok, err := hftokenizer.NewFromContent(nil, byteLevelBPEJSON)
	require.NoError(t, err)
	enc, err := New(tok)
	require.NoError(t, err)

	windows, err := enc.EncodeWindows([]string{"hello"}, []string{"hello world café"}, api.WindowOptions{MaxLength: 12})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	w := windows[0]
	assert.Equal(t, []int{0, 16, 2, 16, 17, 7, 18, 19, 2, 1, 1, 1}, w.InputIDs)
	assert.Equal(t, []int{-1, 0, -1, 1, 1, 1, 1, 1, -1, -1, -1, -1}, w.SequenceIDs)
	// Character offsets: "Ġworld" starts after its space, "é" is one character though two bytes.
	assert.Equal(t, []api.TokenSpan{
		{Start: 0, End: 5}, {Start: 6, End: 11}, {Start: 11, End: 12}, {Start: 12, End: 15}, {Start: 15, End: 16},
	}, w.Offsets[3:8])
}

func TestEncodeWindowsEmptyContext(t *testing.T) {
	enc := newEncoder(t)
	windows, err := enc.EncodeWindows([]string{"what"}, []string{""}, api.WindowOptions{MaxLength: 6})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	_, _, ok := windows[0].SequenceRange(1)
	assert.False(t, ok)
	assert.Equal(t, []int{tokentest.ClsID, ids("what")[0], tokentest.SepID, tokentest.SepID, tokentest.PadID, tokentest.PadID},
		windows[0].InputIDs)
}

func TestEncodeWindowsErrors(t *testing.T) {
	enc := newEncoder(t)

	_, err := enc.EncodeWindows([]string{"what"}, nil, api.WindowOptions{MaxLength: 8})
	require.Error(t, err)

	_, err = enc.EncodeWindows([]string{"what"}, []string{"chest"}, api.WindowOptions{MaxLength: 0})
	require.Error(t, err)

	// Question of 4 tokens in windows of 7 leaves no context.
	_, err = enc.EncodeWindows([]string{"what is shown?"}, []string{"chest"}, api.WindowOptions{MaxLength: 7})
	require.Error(t, err)

	_, err = enc.EncodeWindows([]string{"what is shown?"}, []string{"chest"}, api.WindowOptions{MaxLength: 10, Stride: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStrideTooLarge))
}

func TestSpecialTokenID(t *testing.T) {
	enc := newEncoder(t)
	id, err := enc.SpecialTokenID(api.TokClassification)
	require.NoError(t, err)
	assert.Equal(t, tokentest.ClsID, id)
	id, err = enc.SpecialTokenID(api.TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, tokentest.SepID, id)
	id, err = enc.SpecialTokenID(api.TokMask)
	require.NoError(t, err)
	assert.Equal(t, tokentest.MaskID, id)
}

func TestRuneIndexTable(t *testing.T) {
	assert.Equal(t, []int{0, 1, 1, 2, 3}, runeIndexTable("aéb"))
	assert.Equal(t, []int{0}, runeIndexTable(""))
}
