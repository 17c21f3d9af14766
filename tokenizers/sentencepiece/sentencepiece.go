// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer.
package sentencepiece

import (
	"strconv"
	"strings"

	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
)

// metaspace is U+2581, which SentencePiece uses in pieces in place of a space.
const metaspace = "▁"

// New creates a SentencePiece tokenizer based on the "tokenizer.model" file, which must be a
// SentencePiece Model proto.
//
// It implements the tokenizers.Constructor function signature. config is not used: special
// tokens are defined by the model proto.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	if !repo.HasFile("tokenizer.model") {
		return nil, errors.Errorf("\"tokenizer.model\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.model")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.model file")
	}
	return NewFromFile(tokenizerFile)
}

// NewFromFile creates a SentencePiece tokenizer from a local "tokenizer.model" file.
func NewFromFile(filePath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", filePath)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
	}, nil
}

// Tokenizer implements tokenizers.Tokenizer interface based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

// Compile time assert that sentencepiece.Tokenizer implements tokenizers.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
	}
	return ids
}

// EncodeWithSpans returns the text encoded into a sequence of ids along with their byte spans.
func (p *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	pieces := make([]string, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.ID
		pieces[i] = tok.Text
	}
	return api.EncodingResult{
		IDs:   ids,
		Spans: alignPieces(text, pieces),
	}
}

// alignPieces finds the byte span of each piece in text, scanning left to right.
//
// A leading metaspace skips whitespace in text; a piece made of the metaspace alone gets an empty
// span. Byte-fallback pieces ("<0xE2>") cover a single byte.
func alignPieces(text string, pieces []string) []api.TokenSpan {
	spans := make([]api.TokenSpan, len(pieces))
	pos := 0
	for i, piece := range pieces {
		if isByteFallback(piece) {
			end := min(pos+1, len(text))
			spans[i] = api.TokenSpan{Start: pos, End: end}
			pos = end
			continue
		}

		content, hasLeadingSpace := strings.CutPrefix(piece, metaspace)
		content = strings.ReplaceAll(content, metaspace, " ")
		if hasLeadingSpace {
			for pos < len(text) && isSpaceByte(text[pos]) {
				pos++
			}
		}
		if content == "" {
			spans[i] = api.TokenSpan{Start: pos, End: pos}
			continue
		}

		start := pos
		if idx := strings.Index(text[pos:], content); idx >= 0 {
			start = pos + idx
			pos = start + len(content)
		} else {
			// Normalized by the model (e.g. NFKC): advance by the piece length.
			pos = min(pos+len(content), len(text))
		}
		spans[i] = api.TokenSpan{Start: start, End: pos}
	}
	return spans
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// isByteFallback reports whether piece has the form "<0xHH>".
func isByteFallback(piece string) bool {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return false
	}
	_, err := strconv.ParseUint(piece[3:5], 16, 8)
	return err == nil
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
// SentencePiece models have no classification token: the beginning of sentence token is used
// in its place.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	id := -1
	switch token {
	case api.TokUnknown:
		id = p.Info.UnknownID
	case api.TokPad:
		id = p.Info.PadID
	case api.TokBeginningOfSentence, api.TokClassification:
		id = p.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = p.Info.EndOfSentenceID
	}
	if id < 0 {
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	return id, nil
}
