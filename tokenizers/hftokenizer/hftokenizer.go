// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format: WordPiece
// (BERT, BioBERT, Bio_ClinicalBERT, ...), BPE (GPT-2, RoBERTa, Llama, ...) and Unigram
// (T5, ALBERT, ...) models.
//
// Besides token ids it tracks, for every token, the byte span of the original text it came from,
// through normalization (lowercasing, accent stripping) and pre-tokenization. That is what
// answer-span alignment needs.
package hftokenizer

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/clinical-nlp/clinicalqa/hub"
	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/pkg/errors"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version      string          `json:"version"`
	Truncation   json.RawMessage `json:"truncation"`
	Padding      json.RawMessage `json:"padding"`
	AddedTokens  []AddedToken    `json:"added_tokens"`
	Normalizer   *Normalizer     `json:"normalizer"`
	PreTokenizer *PreTokenizer   `json:"pre_tokenizer"`
	Decoder      *Decoder        `json:"decoder"`
	Model        Model           `json:"model"`
}

// AddedToken represents a special token added to the vocabulary.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type               string       `json:"type"`
	CleanText          *bool        `json:"clean_text"`
	HandleChineseChars *bool        `json:"handle_chinese_chars"`
	StripAccents       *bool        `json:"strip_accents"`
	Lowercase          bool         `json:"lowercase"`
	Normalizers        []Normalizer `json:"normalizers"`

	// Replace and Prepend normalizers.
	Pattern *Pattern `json:"pattern"`
	Content string   `json:"content"`
	Prepend string   `json:"prepend"`
}

// Pattern is the pattern of a Replace normalizer. Only single-rune String patterns are applied.
type Pattern struct {
	String string `json:"String"`
	Regex  string `json:"Regex"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
	AddPrefixSpace *bool          `json:"add_prefix_space"`
	UseRegex       *bool          `json:"use_regex"`
	Replacement    string         `json:"replacement"`
	PrependScheme  string         `json:"prepend_scheme"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type        string    `json:"type"`
	Prefix      string    `json:"prefix"`
	Suffix      string    `json:"suffix"`
	Replacement string    `json:"replacement"`
	Cleanup     *bool     `json:"cleanup"`
	Decoders    []Decoder `json:"decoders"`
}

// Model represents the WordPiece, BPE or Unigram model.
//
// The vocabulary is an object of token to id for WordPiece and BPE, and a list of
// [piece, score] pairs for Unigram; it is parsed into Vocab by NewFromContent.
type Model struct {
	Type                    string          `json:"type"`
	RawVocab                json.RawMessage `json:"vocab"`
	Vocab                   map[string]int  `json:"-"`
	Merges                  json.RawMessage `json:"merges"`
	UnkToken                string          `json:"unk_token"`
	UnkID                   *int            `json:"unk_id"`
	ContinuingSubwordPrefix string          `json:"continuing_subword_prefix"`
	EndOfWordSuffix         string          `json:"end_of_word_suffix"`
	MaxInputCharsPerWord    int             `json:"max_input_chars_per_word"`
	FuseUnk                 bool            `json:"fuse_unk"`
	ByteFallback            bool            `json:"byte_fallback"`
}

// Tokenizer implements api.TokenizerWithSpans for HuggingFace tokenizer.json files.
//
// It is immutable after construction and safe for concurrent use.
type Tokenizer struct {
	config    *api.Config
	tokenizer *TokenizerJSON
	idToToken map[int]string

	normalizers   []runeTransform
	preTokenizers []wordSplitter
	encodeWord    func(word []normRune, emit func(int, api.TokenSpan))
	decoding      decoding

	// byteLevel words are encoded over GPT-2's byte to unicode mapping.
	byteLevel bool
	// metaspace is the rune standing for a space in tokens ('▁'), 0 if not used.
	metaspace rune
	// prefix is prepended to each segment: always if prefixAlways, else only when it doesn't
	// start with a space. prefixFirstOnly restricts it to the segment at the start of the text.
	prefix          rune
	prefixAlways    bool
	prefixFirstOnly bool

	// BPE merge ranks, lower merges first.
	mergeRanks map[mergePair]int

	// Unigram piece scores indexed by id.
	unigramScores []float64
	unkScore      float64
	maxPieceRunes int

	// Special token IDs, -1 if not defined.
	unkID  int
	padID  int
	bosID  int
	eosID  int
	clsID  int
	sepID  int
	maskID int

	// Added tokens lookup (content -> id), and their contents sorted longest first.
	addedTokens   map[string]int
	addedContents []string
}

// Compile time assert that Tokenizer implements api.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// New creates a HuggingFace tokenizer from the tokenizer.json file of the repo.
// It implements the tokenizers.Constructor function signature.
func New(config *api.Config, repo *hub.Repo) (api.Tokenizer, error) {
	if !repo.HasFile("tokenizer.json") {
		return nil, errors.Errorf("\"tokenizer.json\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.json")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.json file")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
// config is optional (nil) and is only used to resolve special tokens.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}

	t := &Tokenizer{
		config:      config,
		tokenizer:   &tj,
		addedTokens: make(map[string]int, len(tj.AddedTokens)),
		unkID:       -1,
		padID:       -1,
		bosID:       -1,
		eosID:       -1,
		clsID:       -1,
		sepID:       -1,
		maskID:      -1,
	}
	if err := t.loadModel(); err != nil {
		return nil, err
	}
	t.idToToken = make(map[int]string, len(tj.Model.Vocab)+len(tj.AddedTokens))
	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
	}
	for _, at := range tj.AddedTokens {
		if at.Content == "" {
			continue
		}
		t.addedTokens[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
		t.addedContents = append(t.addedContents, at.Content)
	}
	sort.SliceStable(t.addedContents, func(i, j int) bool {
		return len(t.addedContents[i]) > len(t.addedContents[j])
	})

	if tj.Normalizer != nil {
		t.normalizers = compileNormalizer(tj.Normalizer)
		t.configureNormalizerPrefix(tj.Normalizer)
	}
	t.preTokenizers = compilePreTokenizer(tj.PreTokenizer)
	t.configurePreTokenizerPrefix(tj.PreTokenizer)
	if tj.PreTokenizer == nil && t.metaspace != 0 {
		// Spaces were replaced by the normalizers: words start at each metaspace.
		t.preTokenizers = []wordSplitter{splitMetaspace(t.metaspace)}
	}
	t.decoding = t.selectDecoding()
	t.resolveSpecialTokens()
	return t, nil
}

// resolveSpecialTokens maps special tokens from the added tokens and config to their IDs.
func (t *Tokenizer) resolveSpecialTokens() {
	if t.tokenizer.Model.UnkToken != "" {
		if id, ok := t.tokenizer.Model.Vocab[t.tokenizer.Model.UnkToken]; ok {
			t.unkID = id
		}
	}
	if t.tokenizer.Model.UnkID != nil {
		t.unkID = *t.tokenizer.Model.UnkID
	}

	for _, at := range t.tokenizer.AddedTokens {
		if !at.Special {
			continue
		}
		switch at.Content {
		case "[UNK]", "<unk>":
			t.unkID = at.ID
		case "[PAD]", "<pad>":
			t.padID = at.ID
		case "[CLS]", "<s>":
			t.clsID = at.ID
		case "[SEP]", "</s>":
			t.sepID = at.ID
		case "[MASK]", "<mask>":
			t.maskID = at.ID
		}
		if t.config != nil {
			if at.Content == t.config.BosToken {
				t.bosID = at.ID
			}
			if at.Content == t.config.EosToken {
				t.eosID = at.ID
			}
		}
	}

	if t.config == nil {
		return
	}
	for _, fallback := range []struct {
		id    *int
		token string
	}{
		{&t.unkID, t.config.UnkToken},
		{&t.padID, t.config.PadToken},
		{&t.clsID, t.config.ClsToken},
		{&t.sepID, t.config.SepToken},
		{&t.maskID, t.config.MaskToken},
		{&t.bosID, t.config.BosToken},
		{&t.eosID, t.config.EosToken},
	} {
		if *fallback.id != -1 || fallback.token == "" {
			continue
		}
		if id, ok := t.TokenToID(fallback.token); ok {
			*fallback.id = id
		}
	}
}

// Encode converts text to a sequence of token IDs.
func (t *Tokenizer) Encode(text string) []int {
	return t.EncodeWithSpans(text).IDs
}

// EncodeWithSpans converts text to token IDs, along with the byte span of text each token covers.
// Sub-word tokens cover only their part of the word; a WordPiece "[UNK]" covers the whole word.
// The space a BPE or Unigram token carries ("Ġ", "▁") is left out of its span.
func (t *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var result api.EncodingResult
	emit := func(id int, span api.TokenSpan) {
		result.IDs = append(result.IDs, id)
		result.Spans = append(result.Spans, span)
	}

	pos := 0
	for pos < len(text) {
		matchAt, content := t.nextAddedToken(text, pos)
		if matchAt < 0 {
			t.encodeSegment(text, pos, len(text), emit)
			break
		}
		t.encodeSegment(text, pos, matchAt, emit)
		emit(t.addedTokens[content], api.TokenSpan{Start: matchAt, End: matchAt + len(content)})
		pos = matchAt + len(content)
	}
	return result
}

// nextAddedToken finds the earliest occurrence of an added token in text[from:], preferring the
// longest token when several start at the same position. It returns -1 if there is none.
func (t *Tokenizer) nextAddedToken(text string, from int) (int, string) {
	bestAt, best := -1, ""
	for _, content := range t.addedContents {
		idx := strings.Index(text[from:], content)
		if idx < 0 {
			continue
		}
		idx += from
		// addedContents is sorted longest first, so ties keep the longest.
		if bestAt < 0 || idx < bestAt {
			bestAt, best = idx, content
		}
	}
	return bestAt, best
}

// encodeSegment normalizes, pre-tokenizes and encodes text[start:end] with the model.
func (t *Tokenizer) encodeSegment(text string, start, end int, emit func(int, api.TokenSpan)) {
	if start >= end {
		return
	}
	normalized := t.normalizeWithOffsets(text[start:end], start)
	if t.prefix != 0 && len(normalized) > 0 && (!t.prefixFirstOnly || start == 0) {
		if t.prefixAlways || (normalized[0].r != ' ' && normalized[0].r != t.prefix) {
			// Zero-width: the prefix covers no original text.
			normalized = append([]normRune{{r: t.prefix, start: start, end: start}}, normalized...)
		}
	}
	words := [][]normRune{normalized}
	for _, split := range t.preTokenizers {
		words = split(words)
	}
	for _, word := range words {
		t.encodeWord(word, emit)
	}
}

// wordPiece implements WordPiece tokenization (greedy longest-match-first) on one word.
func (t *Tokenizer) wordPiece(word []normRune, emit func(int, api.TokenSpan)) {
	if len(word) == 0 {
		return
	}
	wordSpan := api.TokenSpan{Start: word[0].start, End: word[len(word)-1].end}
	if id, ok := t.addedTokens[normRunesString(word)]; ok {
		emit(id, wordSpan)
		return
	}

	maxChars := t.tokenizer.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len(word) > maxChars {
		if t.unkID >= 0 {
			emit(t.unkID, wordSpan)
		}
		return
	}

	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	type piece struct{ id, start, end int }
	var pieces []piece
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for start < end {
			substr := normRunesString(word[start:end])
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab[substr]; ok {
				pieces = append(pieces, piece{id: id, start: start, end: end})
				found = true
				break
			}
			end--
		}
		if !found {
			// The whole word becomes unknown, discarding the pieces matched so far.
			if t.unkID >= 0 {
				emit(t.unkID, wordSpan)
			}
			return
		}
		start = end
	}
	for _, p := range pieces {
		emit(p.id, api.TokenSpan{Start: word[p.start].start, End: word[p.end-1].end})
	}
}

// Decode converts a sequence of token IDs back to text: "##" sub-words are joined for WordPiece,
// byte-level and metaspace tokens are mapped back to their text.
func (t *Tokenizer) Decode(ids []int) string {
	switch t.decoding {
	case decodeByteLevel:
		return t.decodeByteLevel(ids)
	case decodeMetaspace:
		return t.decodeMetaspace(ids)
	case decodeSuffix:
		return t.decodeSuffix(ids)
	}
	return t.decodeWordPiece(ids)
}

func (t *Tokenizer) decodeWordPiece(ids []int) string {
	prefix := t.tokenizer.Model.ContinuingSubwordPrefix
	if t.tokenizer.Decoder != nil && t.tokenizer.Decoder.Prefix != "" {
		prefix = t.tokenizer.Decoder.Prefix
	}
	if prefix == "" {
		prefix = "##"
	}

	var result strings.Builder
	first := true
	for _, id := range ids {
		token, ok := t.idToToken[id]
		if !ok {
			continue
		}
		if strings.HasPrefix(token, prefix) {
			result.WriteString(strings.TrimPrefix(token, prefix))
		} else {
			if !first {
				result.WriteString(" ")
			}
			result.WriteString(token)
		}
		first = false
	}
	text := result.String()
	if t.tokenizer.Decoder == nil || t.tokenizer.Decoder.Cleanup == nil || *t.tokenizer.Decoder.Cleanup {
		text = cleanupTokenizationSpaces(text)
	}
	return text
}

var cleanupReplacer = strings.NewReplacer(
	" .", ".", " ?", "?", " !", "!", " ,", ",", " ' ", "'",
	" n't", "n't", " 'm", "'m", " 's", "'s", " 've", "'ve", " 're", "'re",
)

// cleanupTokenizationSpaces removes the spaces the decoder puts before punctuation and
// contractions.
func cleanupTokenizationSpaces(text string) string {
	return cleanupReplacer.Replace(text)
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		if t.unkID >= 0 {
			return t.unkID, nil
		}
	case api.TokPad:
		if t.padID >= 0 {
			return t.padID, nil
		}
	case api.TokBeginningOfSentence:
		if t.bosID >= 0 {
			return t.bosID, nil
		}
		// Fall back to CLS for BERT-style models
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	case api.TokEndOfSentence:
		if t.eosID >= 0 {
			return t.eosID, nil
		}
		// Fall back to SEP for BERT-style models
		if t.sepID >= 0 {
			return t.sepID, nil
		}
	case api.TokMask:
		if t.maskID >= 0 {
			return t.maskID, nil
		}
	case api.TokClassification:
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// VocabSize returns the size of the vocabulary, added tokens included.
func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// Type returns the model type: "WordPiece", "BPE" or "Unigram".
func (t *Tokenizer) Type() string {
	return t.tokenizer.Model.Type
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// AddedTokensList returns the list of added tokens sorted by ID.
func (t *Tokenizer) AddedTokensList() []AddedToken {
	result := make([]AddedToken, len(t.tokenizer.AddedTokens))
	copy(result, t.tokenizer.AddedTokens)
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
