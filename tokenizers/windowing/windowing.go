// Package windowing encodes (question, context) pairs into fixed-length, overlapping windows, the
// way extractive question answering models consume them:
//
//	[CLS] question [SEP] context chunk [SEP] [PAD] ...
//
// The question is never truncated. Contexts longer than the window budget are split into chunks
// that share Stride tokens with the previous chunk.
package windowing

import (
	"unicode/utf8"

	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/pkg/errors"
)

// ErrStrideTooLarge is returned when the stride leaves no room for windows to advance.
var ErrStrideTooLarge = errors.New("stride must be smaller than the number of context tokens per window")

// Encoder splits pairs into windows using a span-reporting tokenizer.
type Encoder struct {
	tok   api.TokenizerWithSpans
	clsID int
	sepID int
	padID int
}

// New creates an Encoder, resolving the special tokens of tok. The classification token falls
// back to the beginning of sentence token for tokenizers without one.
func New(tok api.TokenizerWithSpans) (*Encoder, error) {
	e := &Encoder{tok: tok}
	var err error
	e.clsID, err = tok.SpecialTokenID(api.TokClassification)
	if err != nil {
		e.clsID, err = tok.SpecialTokenID(api.TokBeginningOfSentence)
		if err != nil {
			return nil, errors.WithMessage(err, "tokenizer has no classification or beginning of sentence token")
		}
	}
	if e.sepID, err = tok.SpecialTokenID(api.TokEndOfSentence); err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no separator token")
	}
	if e.padID, err = tok.SpecialTokenID(api.TokPad); err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no padding token")
	}
	return e, nil
}

// SpecialTokenID returns the id used in windows for the given special token.
func (e *Encoder) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokClassification:
		return e.clsID, nil
	case api.TokEndOfSentence:
		return e.sepID, nil
	case api.TokPad:
		return e.padID, nil
	}
	return e.tok.SpecialTokenID(token)
}

// Tokenizer returns the underlying tokenizer.
func (e *Encoder) Tokenizer() api.TokenizerWithSpans { return e.tok }

// EncodeWindows encodes each pair (firsts[i], seconds[i]) into one or more windows of exactly
// opts.MaxLength positions. Windows are returned in pair order, and in context order within a
// pair; each carries the index i of its pair.
func (e *Encoder) EncodeWindows(firsts, seconds []string, opts api.WindowOptions) ([]api.Window, error) {
	if len(firsts) != len(seconds) {
		return nil, errors.Errorf("got %d first texts but %d second texts", len(firsts), len(seconds))
	}
	if opts.MaxLength <= 0 {
		return nil, errors.Errorf("max length must be positive, got %d", opts.MaxLength)
	}
	if opts.Stride < 0 {
		return nil, errors.Errorf("stride must not be negative, got %d", opts.Stride)
	}

	var windows []api.Window
	for i := range firsts {
		pairWindows, err := e.encodePair(i, firsts[i], seconds[i], opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "pair #%d", i)
		}
		windows = append(windows, pairWindows...)
	}
	return windows, nil
}

func (e *Encoder) encodePair(sampleIndex int, first, second string, opts api.WindowOptions) ([]api.Window, error) {
	question := e.tok.EncodeWithSpans(first)
	context := e.tok.EncodeWithSpans(second)

	budget := opts.MaxLength - len(question.IDs) - 3
	if budget <= 0 {
		return nil, errors.Errorf("question has %d tokens, which leaves no room for context in windows of %d tokens",
			len(question.IDs), opts.MaxLength)
	}
	if opts.Stride >= budget {
		return nil, errors.Wrapf(ErrStrideTooLarge, "stride %d, %d context tokens per window", opts.Stride, budget)
	}

	questionOffsets := toRuneSpans(first, question.Spans)
	contextOffsets := toRuneSpans(second, context.Spans)

	step := budget - opts.Stride
	n := len(context.IDs)
	var windows []api.Window
	for start := 0; ; start += step {
		end := min(start+budget, n)
		w := e.newWindow(sampleIndex, opts.MaxLength)
		w.append(e.clsID, 0, api.SequenceNone, api.TokenSpan{})
		for j, id := range question.IDs {
			w.append(id, 0, 0, questionOffsets[j])
		}
		w.append(e.sepID, 0, api.SequenceNone, api.TokenSpan{})
		for j := start; j < end; j++ {
			w.append(context.IDs[j], 1, 1, contextOffsets[j])
		}
		w.append(e.sepID, 1, api.SequenceNone, api.TokenSpan{})
		w.pad(e.padID, opts.MaxLength)
		windows = append(windows, w.Window)
		if end >= n {
			break
		}
	}
	return windows, nil
}

type windowBuilder struct {
	api.Window
}

func (e *Encoder) newWindow(sampleIndex, maxLength int) *windowBuilder {
	return &windowBuilder{api.Window{
		InputIDs:      make([]int, 0, maxLength),
		TokenTypeIDs:  make([]int, 0, maxLength),
		AttentionMask: make([]int, 0, maxLength),
		Offsets:       make([]api.TokenSpan, 0, maxLength),
		SequenceIDs:   make([]int, 0, maxLength),
		SampleIndex:   sampleIndex,
	}}
}

func (w *windowBuilder) append(id, typeID, sequenceID int, offset api.TokenSpan) {
	w.InputIDs = append(w.InputIDs, id)
	w.TokenTypeIDs = append(w.TokenTypeIDs, typeID)
	w.AttentionMask = append(w.AttentionMask, 1)
	w.Offsets = append(w.Offsets, offset)
	w.SequenceIDs = append(w.SequenceIDs, sequenceID)
}

func (w *windowBuilder) pad(padID, maxLength int) {
	for len(w.InputIDs) < maxLength {
		w.InputIDs = append(w.InputIDs, padID)
		w.TokenTypeIDs = append(w.TokenTypeIDs, 0)
		w.AttentionMask = append(w.AttentionMask, 0)
		w.Offsets = append(w.Offsets, api.TokenSpan{})
		w.SequenceIDs = append(w.SequenceIDs, api.SequenceNone)
	}
}

// toRuneSpans converts byte spans of text to character (rune) spans.
func toRuneSpans(text string, spans []api.TokenSpan) []api.TokenSpan {
	runeAt := runeIndexTable(text)
	out := make([]api.TokenSpan, len(spans))
	for i, s := range spans {
		out[i] = api.TokenSpan{Start: runeAt[clamp(s.Start, len(text))], End: runeAt[clamp(s.End, len(text))]}
	}
	return out
}

// runeIndexTable returns, for every byte offset b in [0, len(text)], the index of the rune that
// starts at or contains b; len(text) maps to the rune count.
func runeIndexTable(text string) []int {
	table := make([]int, len(text)+1)
	count := 0
	for b := 0; b < len(text); {
		_, size := utf8.DecodeRuneInString(text[b:])
		for k := 0; k < size; k++ {
			table[b+k] = count
		}
		b += size
		count++
	}
	table[len(text)] = count
	return table
}

func clamp(v, hi int) int {
	return max(0, min(v, hi))
}
