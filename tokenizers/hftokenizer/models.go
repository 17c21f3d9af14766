package hftokenizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/clinical-nlp/clinicalqa/tokenizers/api"
	"github.com/pkg/errors"
)

// loadModel parses the model vocabulary (and BPE merges) and selects the word encoder.
func (t *Tokenizer) loadModel() error {
	m := &t.tokenizer.Model
	switch m.Type {
	case "WordPiece", "BPE":
		if len(m.RawVocab) > 0 && string(m.RawVocab) != "null" {
			if err := json.Unmarshal(m.RawVocab, &m.Vocab); err != nil {
				return errors.Wrapf(err, "invalid %s vocab", m.Type)
			}
		}
		if m.Type == "WordPiece" {
			t.encodeWord = t.wordPiece
			break
		}
		ranks, err := parseMerges(m.Merges)
		if err != nil {
			return err
		}
		t.mergeRanks = ranks
		t.encodeWord = t.bpe
	case "Unigram":
		if err := t.loadUnigramVocab(); err != nil {
			return err
		}
		t.encodeWord = t.unigram
	default:
		return errors.Errorf("unsupported tokenizer model type %q, only WordPiece, BPE and Unigram models are supported", m.Type)
	}
	if m.Vocab == nil {
		m.Vocab = map[string]int{}
	}
	return nil
}

// mergePair is a BPE merge: two adjacent symbols that merge into one.
type mergePair struct{ left, right string }

// parseMerges accepts both forms of merges: "left right" strings and [left, right] pairs.
func parseMerges(raw json.RawMessage) (map[mergePair]int, error) {
	ranks := make(map[mergePair]int)
	if len(raw) == 0 || string(raw) == "null" {
		return ranks, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "invalid BPE merges")
	}
	for rank, entry := range entries {
		var pair mergePair
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			left, right, ok := strings.Cut(s, " ")
			if !ok {
				return nil, errors.Errorf("invalid BPE merge #%d %q", rank, s)
			}
			pair = mergePair{left, right}
		} else {
			var parts []string
			if err := json.Unmarshal(entry, &parts); err != nil || len(parts) != 2 {
				return nil, errors.Errorf("invalid BPE merge #%d %s", rank, entry)
			}
			pair = mergePair{parts[0], parts[1]}
		}
		if _, found := ranks[pair]; !found {
			ranks[pair] = rank
		}
	}
	return ranks, nil
}

// loadUnigramVocab parses the [piece, score] list of a Unigram model: ids are list positions.
func (t *Tokenizer) loadUnigramVocab() error {
	m := &t.tokenizer.Model
	var entries [][]json.RawMessage
	if len(m.RawVocab) > 0 {
		if err := json.Unmarshal(m.RawVocab, &entries); err != nil {
			return errors.Wrap(err, "invalid Unigram vocab")
		}
	}
	m.Vocab = make(map[string]int, len(entries))
	t.unigramScores = make([]float64, len(entries))
	minScore := 0.0
	for id, entry := range entries {
		var piece string
		var score float64
		if len(entry) != 2 {
			return errors.Errorf("invalid Unigram vocab entry #%d: want [piece, score]", id)
		}
		if err := json.Unmarshal(entry[0], &piece); err != nil {
			return errors.Wrapf(err, "invalid Unigram piece #%d", id)
		}
		if err := json.Unmarshal(entry[1], &score); err != nil {
			return errors.Wrapf(err, "invalid Unigram score #%d", id)
		}
		m.Vocab[piece] = id
		t.unigramScores[id] = score
		minScore = min(minScore, score)
		t.maxPieceRunes = max(t.maxPieceRunes, utf8.RuneCountInString(piece))
	}
	// Same penalty as sentencepiece for unknown characters.
	t.unkScore = minScore - 10
	return nil
}

// byteToUnicode is GPT-2's reversible mapping of bytes to printable runes, and unicodeToByte its
// inverse.
var byteToUnicode, unicodeToByte = byteLevelAlphabet()

func byteLevelAlphabet() ([256]rune, map[rune]byte) {
	var encode [256]rune
	decode := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = next
			next++
		}
		encode[b] = r
		decode[r] = byte(b)
	}
	return encode, decode
}

// unit is the smallest piece a BPE or Unigram word is made of: a rune, or one byte of a rune for
// byte-level models. It keeps the span of the original rune.
type unit struct {
	text       string
	start, end int
	space      bool
}

func (t *Tokenizer) wordUnits(word []normRune) []unit {
	units := make([]unit, 0, len(word))
	for _, nr := range word {
		space := nr.r == ' ' || (t.metaspace != 0 && nr.r == t.metaspace)
		if !t.byteLevel {
			units = append(units, unit{text: string(nr.r), start: nr.start, end: nr.end, space: space})
			continue
		}
		var buf [utf8.UTFMax]byte
		n := utf8.EncodeRune(buf[:], nr.r)
		for _, b := range buf[:n] {
			units = append(units, unit{text: string(byteToUnicode[b]), start: nr.start, end: nr.end, space: space})
		}
	}
	return units
}

// unitsSpan is the span of units, leaving out leading spaces unless there is nothing else.
func unitsSpan(units []unit) api.TokenSpan {
	first := 0
	for first < len(units)-1 && units[first].space {
		first++
	}
	return api.TokenSpan{Start: units[first].start, End: units[len(units)-1].end}
}

// piece is a token of one word, with the units it covers.
type piece struct {
	id          int
	text        string
	first, last int
	unknown     bool
}

// emitPieces emits the pieces of a word: unknown pieces fall back to their bytes ("<0x41>") when
// the model has byte fallback, else to the unknown token; consecutive unknowns are fused if
// fuse is set.
func (t *Tokenizer) emitPieces(units []unit, pieces []piece, fuse bool, emit func(int, api.TokenSpan)) {
	var pendingUnk *api.TokenSpan
	flush := func() {
		if pendingUnk != nil {
			emit(t.unkID, *pendingUnk)
			pendingUnk = nil
		}
	}
	for _, p := range pieces {
		span := unitsSpan(units[p.first : p.last+1])
		if !p.unknown {
			flush()
			emit(p.id, span)
			continue
		}
		if t.tokenizer.Model.ByteFallback {
			if ids, ok := t.byteFallbackIDs(p.text); ok {
				flush()
				for _, id := range ids {
					emit(id, span)
				}
				continue
			}
		}
		if t.unkID < 0 {
			continue
		}
		if pendingUnk != nil && fuse {
			pendingUnk.End = span.End
			continue
		}
		flush()
		pendingUnk = &span
	}
	flush()
}

func (t *Tokenizer) byteFallbackIDs(text string) ([]int, bool) {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		id, ok := t.tokenizer.Model.Vocab[fmt.Sprintf("<0x%02X>", text[i])]
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// bpe implements byte-pair encoding of one word: starting from its units, the adjacent pair with
// the lowest merge rank is merged until no pair can be.
func (t *Tokenizer) bpe(word []normRune, emit func(int, api.TokenSpan)) {
	if len(word) == 0 {
		return
	}
	if id, ok := t.addedTokens[normRunesString(word)]; ok {
		emit(id, api.TokenSpan{Start: word[0].start, End: word[len(word)-1].end})
		return
	}

	units := t.wordUnits(word)
	symbols := make([]piece, len(units))
	for i, u := range units {
		symbols[i] = piece{text: u.text, first: i, last: i}
	}
	if suffix := t.tokenizer.Model.EndOfWordSuffix; suffix != "" {
		symbols[len(symbols)-1].text += suffix
	}
	for len(symbols) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(symbols); i++ {
			rank, ok := t.mergeRanks[mergePair{symbols[i].text, symbols[i+1].text}]
			if ok && (best < 0 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		symbols[best] = piece{
			text:  symbols[best].text + symbols[best+1].text,
			first: symbols[best].first,
			last:  symbols[best+1].last,
		}
		symbols = append(symbols[:best+1], symbols[best+2:]...)
	}

	for i := range symbols {
		if id, ok := t.tokenizer.Model.Vocab[symbols[i].text]; ok {
			symbols[i].id = id
		} else {
			symbols[i].unknown = true
		}
	}
	t.emitPieces(units, symbols, t.tokenizer.Model.FuseUnk, emit)
}

// unigram segments one word into the pieces with the highest total score (Viterbi). Characters
// no piece covers become unknown, fused together.
func (t *Tokenizer) unigram(word []normRune, emit func(int, api.TokenSpan)) {
	if len(word) == 0 {
		return
	}
	if id, ok := t.addedTokens[normRunesString(word)]; ok {
		emit(id, api.TokenSpan{Start: word[0].start, End: word[len(word)-1].end})
		return
	}

	units := t.wordUnits(word)
	n := len(units)
	offsets := make([]int, n+1)
	var sb strings.Builder
	for i, u := range units {
		offsets[i] = sb.Len()
		sb.WriteString(u.text)
	}
	offsets[n] = sb.Len()
	text := sb.String()

	type node struct {
		score float64
		from  int
		id    int
	}
	best := make([]node, n+1)
	for i := 1; i <= n; i++ {
		best[i].score = math.Inf(-1)
	}
	maxLen := max(t.maxPieceRunes, 1)
	for start := 0; start < n; start++ {
		if math.IsInf(best[start].score, -1) {
			continue
		}
		coveredOne := false
		for end := start + 1; end <= min(n, start+maxLen); end++ {
			id, ok := t.tokenizer.Model.Vocab[text[offsets[start]:offsets[end]]]
			if !ok {
				continue
			}
			if end == start+1 {
				coveredOne = true
			}
			if score := best[start].score + t.unigramScores[id]; score > best[end].score {
				best[end] = node{score: score, from: start, id: id}
			}
		}
		if !coveredOne {
			if score := best[start].score + t.unkScore; score > best[start+1].score {
				best[start+1] = node{score: score, from: start, id: -1}
			}
		}
	}

	var pieces []piece
	for end := n; end > 0; end = best[end].from {
		nd := best[end]
		pieces = append(pieces, piece{
			id:      nd.id,
			text:    text[offsets[nd.from]:offsets[end]],
			first:   nd.from,
			last:    end - 1,
			unknown: nd.id < 0,
		})
	}
	for i, j := 0, len(pieces)-1; i < j; i, j = i+1, j-1 {
		pieces[i], pieces[j] = pieces[j], pieces[i]
	}
	t.emitPieces(units, pieces, true, emit)
}

type decoding int

const (
	decodeWordPiece decoding = iota
	decodeByteLevel
	decodeMetaspace
	decodeSuffix
)

// selectDecoding picks the decoding from the decoder configuration, or from the model when
// there is none.
func (t *Tokenizer) selectDecoding() decoding {
	if d, ok := decoderKind(t.tokenizer.Decoder); ok {
		return d
	}
	switch {
	case t.byteLevel:
		return decodeByteLevel
	case t.metaspace != 0:
		return decodeMetaspace
	case t.tokenizer.Model.EndOfWordSuffix != "":
		return decodeSuffix
	}
	return decodeWordPiece
}

func decoderKind(d *Decoder) (decoding, bool) {
	if d == nil {
		return 0, false
	}
	switch d.Type {
	case "WordPiece":
		return decodeWordPiece, true
	case "ByteLevel":
		return decodeByteLevel, true
	case "Metaspace", "Replace", "ByteFallback":
		return decodeMetaspace, true
	case "BPEDecoder":
		return decodeSuffix, true
	case "Sequence":
		for i := range d.Decoders {
			if kind, ok := decoderKind(&d.Decoders[i]); ok {
				return kind, true
			}
		}
	}
	return 0, false
}

func (t *Tokenizer) tokens(ids []int) []string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// decodeByteLevel maps the runes of the tokens back to the bytes they stand for. Runes outside
// the byte-level alphabet (in added tokens) are kept as is.
func (t *Tokenizer) decodeByteLevel(ids []int) string {
	var buf []byte
	for _, token := range t.tokens(ids) {
		if _, added := t.addedTokens[token]; added {
			buf = append(buf, token...)
			continue
		}
		for _, r := range token {
			if b, ok := unicodeToByte[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return string(buf)
}

// decodeMetaspace turns "▁" back into spaces and byte fallback tokens back into bytes, dropping
// the prefix space.
func (t *Tokenizer) decodeMetaspace(ids []int) string {
	replacement := t.metaspace
	if replacement == 0 {
		replacement = defaultMetaspace
	}
	var buf []byte
	for _, token := range t.tokens(ids) {
		if b, ok := parseByteToken(token); ok {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, strings.ReplaceAll(token, string(replacement), " ")...)
	}
	text := string(buf)
	if t.prefix != 0 {
		text = strings.TrimPrefix(text, " ")
	}
	return text
}

// parseByteToken parses byte fallback tokens of the form "<0x41>".
func parseByteToken(token string) (byte, bool) {
	if len(token) != 6 || !strings.HasPrefix(token, "<0x") || token[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(token[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}

// decodeSuffix ends a word at each token with the end of word suffix ("</w>").
func (t *Tokenizer) decodeSuffix(ids []int) string {
	suffix := t.tokenizer.Model.EndOfWordSuffix
	if d := t.tokenizer.Decoder; d != nil && d.Suffix != "" {
		suffix = d.Suffix
	}
	if suffix == "" {
		suffix = "</w>"
	}
	var sb strings.Builder
	for _, token := range t.tokens(ids) {
		if word, ok := strings.CutSuffix(token, suffix); ok {
			sb.WriteString(word)
			sb.WriteString(" ")
		} else {
			sb.WriteString(token)
		}
	}
	return strings.TrimSuffix(sb.String(), " ")
}
