// Package features turns question answering examples into model training features: fixed-length
// token windows labeled with the token positions of the answer.
//
// Long contexts are split into overlapping windows. Each window is labeled independently: with the
// inclusive token span of the answer when the answer lies fully inside the window's context
// tokens, or with the position of the classification token (the "no answer" label) otherwise.
package features

import (
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/clinical-nlp/clinicalqa/tokenizers/windowing"
	"github.com/pkg/errors"
)

// ErrStrideTooLarge is returned when DocStride leaves no room for windows to advance.
var ErrStrideTooLarge = windowing.ErrStrideTooLarge

// Config of the windowing.
type Config struct {
	// MaxLength is the length of every window, special tokens and padding included.
	MaxLength int `yaml:"max_length" json:"max_length"`

	// DocStride is the number of context tokens shared by consecutive windows of an example.
	DocStride int `yaml:"doc_stride" json:"doc_stride"`
}

// DefaultConfig returns the usual settings for BERT-sized models.
func DefaultConfig() Config {
	return Config{MaxLength: 384, DocStride: 128}
}

// Validate checks the settings that don't depend on the examples.
func (c Config) Validate() error {
	if c.MaxLength <= 3 {
		return errors.Errorf("max_length must be larger than 3, got %d", c.MaxLength)
	}
	if c.DocStride < 0 {
		return errors.Errorf("doc_stride must not be negative, got %d", c.DocStride)
	}
	if c.DocStride >= c.MaxLength-3 {
		return errors.Wrapf(ErrStrideTooLarge, "doc_stride %d, max_length %d", c.DocStride, c.MaxLength)
	}
	return nil
}

// WindowEncoder encodes (question, context) pairs into windows. It is implemented by
// windowing.Encoder.
type WindowEncoder interface {
	EncodeWindows(questions, contexts []string, opts api.WindowOptions) ([]api.Window, error)
	SpecialTokenID(token api.SpecialToken) (int, error)
}

var _ WindowEncoder = (*windowing.Encoder)(nil)

// Feature is one labeled window.
type Feature struct {
	InputIDs      []int
	TokenTypeIDs  []int
	AttentionMask []int

	// Offsets are character spans into the question or the context, see SequenceIDs.
	Offsets     []api.TokenSpan
	SequenceIDs []int

	// SampleIndex is the index of the source example.
	SampleIndex int

	// ClsIndex is the position of the classification token, used as the "no answer" label.
	ClsIndex int

	// StartPosition and EndPosition are the inclusive token span of the answer.
	StartPosition, EndPosition int
}

// IsNoAnswer returns whether the feature is labeled as not containing the answer.
func (f *Feature) IsNoAnswer() bool {
	return f.StartPosition == f.ClsIndex && f.EndPosition == f.ClsIndex
}

// AnswerSpan returns the character range in the context covered by the labeled tokens, and false
// for "no answer" features.
func (f *Feature) AnswerSpan() (start, end int, ok bool) {
	if f.IsNoAnswer() || f.StartPosition < 0 || f.EndPosition >= len(f.Offsets) || f.StartPosition > f.EndPosition {
		return 0, 0, false
	}
	return f.Offsets[f.StartPosition].Start, f.Offsets[f.EndPosition].End, true
}

// Stats summarizes a Build.
type Stats struct {
	Examples, Windows, Positive, NoAnswer int
}

// Summarize counts the labels of features built from numExamples examples.
func Summarize(numExamples int, feats []Feature) Stats {
	stats := Stats{Examples: numExamples, Windows: len(feats)}
	for i := range feats {
		if feats[i].IsNoAnswer() {
			stats.NoAnswer++
		} else {
			stats.Positive++
		}
	}
	return stats
}
