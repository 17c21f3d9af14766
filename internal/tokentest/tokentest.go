// Package tokentest builds small in-memory WordPiece tokenizers for tests.
package tokentest

import (
	"encoding/json"
	"testing"

	"github.com/clinical-nlp/clinicalqa/tokenizers/hftokenizer"
	"github.com/stretchr/testify/require"
)

// Special token ids of the tokenizers built here, the same as BERT's.
const (
	PadID  = 0
	UnkID  = 100
	ClsID  = 101
	SepID  = 102
	MaskID = 103

	// FirstWordID is the id of the first word passed to TokenizerJSON.
	FirstWordID = 1000
)

// TokenizerJSON returns a BERT-like (lowercasing, accent stripping) tokenizer.json whose vocabulary
// holds the special tokens plus words, numbered from FirstWordID in the given order.
// Continuation pieces are given with their "##" prefix.
func TokenizerJSON(words ...string) []byte {
	vocab := map[string]int{"[PAD]": PadID, "[UNK]": UnkID, "[CLS]": ClsID, "[SEP]": SepID, "[MASK]": MaskID}
	for i, w := range words {
		vocab[w] = FirstWordID + i
	}
	type addedToken struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	}
	content := map[string]any{
		"version": "1.0",
		"added_tokens": []addedToken{
			{PadID, "[PAD]", true}, {UnkID, "[UNK]", true}, {ClsID, "[CLS]", true},
			{SepID, "[SEP]", true}, {MaskID, "[MASK]", true},
		},
		"normalizer":    map[string]any{"type": "BertNormalizer", "lowercase": true},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"decoder":       map[string]any{"type": "WordPiece", "prefix": "##"},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"max_input_chars_per_word":  100,
			"vocab":                     vocab,
		},
	}
	out, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return out
}

// New returns a WordPiece tokenizer over the given words, see TokenizerJSON.
func New(t testing.TB, words ...string) *hftokenizer.Tokenizer {
	t.Helper()
	tok, err := hftokenizer.NewFromContent(nil, TokenizerJSON(words...))
	require.NoError(t, err)
	return tok
}

// ID returns the id TokenizerJSON assigned to word.
func ID(words []string, word string) int {
	for i, w := range words {
		if w == word {
			return FirstWordID + i
		}
	}
	return UnkID
}
