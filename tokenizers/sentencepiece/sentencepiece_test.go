package sentencepiece

import (
	"testing"

	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignPieces(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		pieces []string
		want   []api.TokenSpan
	}{
		{
			name:   "words",
			text:   "Hello world",
			pieces: []string{"▁Hello", "▁wor", "ld"},
			want:   []api.TokenSpan{{0, 5}, {6, 9}, {9, 11}},
		},
		{
			name:   "multiple spaces",
			text:   "Patient  took",
			pieces: []string{"▁Patient", "▁took"},
			want:   []api.TokenSpan{{0, 7}, {9, 13}},
		},
		{
			name:   "lone metaspace",
			text:   "a .",
			pieces: []string{"▁a", "▁", "."},
			want:   []api.TokenSpan{{0, 1}, {2, 2}, {2, 3}},
		},
		{
			name:   "byte fallback",
			text:   "x→",
			pieces: []string{"▁x", "<0xE2>", "<0x86>", "<0x92>"},
			want:   []api.TokenSpan{{0, 1}, {1, 2}, {2, 3}, {3, 4}},
		},
		{
			name:   "empty",
			text:   "",
			pieces: nil,
			want:   []api.TokenSpan{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, alignPieces(tt.text, tt.pieces))
		})
	}
}

func TestIsByteFallback(t *testing.T) {
	assert.True(t, isByteFallback("<0x0A>"))
	assert.True(t, isByteFallback("<0xff>"))
	assert.False(t, isByteFallback("<0xZZ>"))
	assert.False(t, isByteFallback("<unk>"))
	assert.False(t, isByteFallback("▁hello"))
}

// TestEncodeWithSpans_Remote checks the spans against a real SentencePiece model downloaded from
// the HuggingFace Hub.
func TestEncodeWithSpans_Remote(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping download in short mode")
	}
	repo := hub.New("google/flan-t5-small")
	if !repo.HasFile("tokenizer.model") {
		t.Skip("tokenizer.model not available")
	}
	baseTok, err := New(nil, repo)
	require.NoError(t, err)
	tok := baseTok.(*Tokenizer)

	for _, input := range []string{
		"Patient was prescribed 500 MG Metformin Oral Tablet.",
		"Chest X-ray shows pneumothorax.",
		"Multiple  spaces   here",
	} {
		t.Run(input, func(t *testing.T) {
			result := tok.EncodeWithSpans(input)
			require.Equal(t, tok.Encode(input), result.IDs)
			require.Len(t, result.Spans, len(result.IDs))
			prevEnd := 0
			for i, span := range result.Spans {
				assert.LessOrEqual(t, span.Start, span.End, "token %d", i)
				assert.GreaterOrEqual(t, span.Start, prevEnd, "token %d overlaps the previous one", i)
				assert.LessOrEqual(t, span.End, len(input), "token %d", i)
				prevEnd = span.End
			}
		})
	}

	_, err = tok.SpecialTokenID(api.TokMask)
	assert.Error(t, err)
}
