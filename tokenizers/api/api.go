// Package api defines the Tokenizer API.
// It's kept apart to break the cyclic dependency, and allow the users to import `tokenizers` and
// get the default implementations.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// TokenSpan represents the span of a token in the original text.
//
// Tokenizers report byte offsets, suitable for slicing Go strings directly:
// originalText[span.Start:span.End]. Windowed encodings (see Window) convert them to character
// (rune) offsets, which is what datasets store in "answer_start".
type TokenSpan struct {
	Start int // start position (inclusive)
	End   int // end position (exclusive)
}

// EncodingResult contains tokens with their spans in the original text.
type EncodingResult struct {
	IDs   []int       // token IDs
	Spans []TokenSpan // byte spans for each token (use originalText[span.Start:span.End] to extract)
}

// Tokenizer interface allows one convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// TokenizerWithSpans extends Tokenizer with span tracking capability, used to map token
// predictions (or labels) back to positions in the original text.
type TokenizerWithSpans interface {
	Tokenizer

	// EncodeWithSpans returns tokens along with their byte spans in the original text.
	// Special tokens are never added: the spans cover only text.
	EncodeWithSpans(text string) EncodingResult
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// Config holds the tokenizer settings from a checkpoint's "tokenizer_config.json".
// Special tokens name the token text (e.g. "[CLS]"), not its id.
type Config struct {
	ModelMaxLength int
	DoLowerCase    *bool

	UnkToken  string
	PadToken  string
	ClsToken  string
	SepToken  string
	MaskToken string
	BosToken  string
	EosToken  string
}

// ParseConfig parses the content of a "tokenizer_config.json" file. Special tokens may be given
// either as plain strings or as objects with a "content" field.
func ParseConfig(content []byte) (*Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer_config.json")
	}
	config := &Config{}
	if v, ok := raw["model_max_length"]; ok {
		var maxLen float64
		if err := json.Unmarshal(v, &maxLen); err == nil && maxLen > 0 && maxLen < 1<<31 {
			config.ModelMaxLength = int(maxLen)
		}
	}
	if v, ok := raw["do_lower_case"]; ok {
		var lower bool
		if err := json.Unmarshal(v, &lower); err == nil {
			config.DoLowerCase = &lower
		}
	}
	for key, field := range map[string]*string{
		"unk_token":  &config.UnkToken,
		"pad_token":  &config.PadToken,
		"cls_token":  &config.ClsToken,
		"sep_token":  &config.SepToken,
		"mask_token": &config.MaskToken,
		"bos_token":  &config.BosToken,
		"eos_token":  &config.EosToken,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		token, err := tokenContent(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q of tokenizer_config.json", key)
		}
		*field = token
	}
	return config, nil
}

func tokenContent(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(v, &obj); err != nil {
		return "", errors.Wrap(err, "special token is neither a string nor an object")
	}
	return obj.Content, nil
}
