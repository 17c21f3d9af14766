package hftokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// normRune is a rune of the normalized text, along with the byte span of the original text it
// came from. Runes produced from the same original rune (e.g. by decomposition) share its span.
type normRune struct {
	r          rune
	start, end int
}

func normRunesString(rs []normRune) string {
	var sb strings.Builder
	for _, nr := range rs {
		sb.WriteRune(nr.r)
	}
	return sb.String()
}

// runeTransform maps the runes derived from one original rune to new runes.
type runeTransform func(in []rune) []rune

// normalizeWithOffsets applies the normalizers to text, where text starts at byte offset base of
// the original string.
func (t *Tokenizer) normalizeWithOffsets(text string, base int) []normRune {
	out := make([]normRune, 0, len(text))
	for i, r := range text {
		size := utf8.RuneLen(r)
		if size < 0 {
			size = 1
		}
		start, end := base+i, base+i+size
		rs := []rune{r}
		for _, transform := range t.normalizers {
			rs = transform(rs)
			if len(rs) == 0 {
				break
			}
		}
		for _, nr := range rs {
			out = append(out, normRune{r: nr, start: start, end: end})
		}
	}
	return out
}

// compileNormalizer converts the normalizer configuration to a list of transforms.
// Unknown normalizer types are ignored.
func compileNormalizer(n *Normalizer) []runeTransform {
	switch n.Type {
	case "BertNormalizer":
		var transforms []runeTransform
		if n.CleanText == nil || *n.CleanText {
			transforms = append(transforms, cleanText)
		}
		if n.HandleChineseChars == nil || *n.HandleChineseChars {
			transforms = append(transforms, padChineseChars)
		}
		// strip_accents defaults to the value of lowercase.
		if (n.StripAccents == nil && n.Lowercase) || (n.StripAccents != nil && *n.StripAccents) {
			transforms = append(transforms, stripAccents)
		}
		if n.Lowercase {
			transforms = append(transforms, lowercase)
		}
		return transforms
	case "Lowercase":
		return []runeTransform{lowercase}
	case "StripAccents":
		return []runeTransform{removeMarks}
	case "NFD":
		return []runeTransform{normForm(norm.NFD)}
	case "NFKD":
		return []runeTransform{normForm(norm.NFKD)}
	case "NFC":
		return []runeTransform{normForm(norm.NFC)}
	case "NFKC":
		return []runeTransform{normForm(norm.NFKC)}
	case "Replace":
		if n.Pattern == nil {
			return nil
		}
		from := []rune(n.Pattern.String)
		if len(from) != 1 {
			// Regex and multi-rune patterns are not applied.
			return nil
		}
		return []runeTransform{replaceRune(from[0], []rune(n.Content))}
	case "Sequence":
		var transforms []runeTransform
		for i := range n.Normalizers {
			transforms = append(transforms, compileNormalizer(&n.Normalizers[i])...)
		}
		return transforms
	}
	return nil
}

// configureNormalizerPrefix records the Prepend normalizer as a segment prefix, and the rune
// spaces are replaced with.
func (t *Tokenizer) configureNormalizerPrefix(n *Normalizer) {
	switch n.Type {
	case "Prepend":
		if r, _ := utf8.DecodeRuneInString(n.Prepend); n.Prepend != "" {
			t.prefix, t.prefixAlways = r, true
			if r == defaultMetaspace {
				t.metaspace = r
			}
		}
	case "Replace":
		if to := []rune(n.Content); n.Pattern != nil && n.Pattern.String == " " && len(to) == 1 {
			t.metaspace = to[0]
		}
	case "Sequence":
		for i := range n.Normalizers {
			t.configureNormalizerPrefix(&n.Normalizers[i])
		}
	}
}

func replaceRune(from rune, to []rune) runeTransform {
	return func(in []rune) []rune {
		out := in[:0:0]
		for _, r := range in {
			if r == from {
				out = append(out, to...)
			} else {
				out = append(out, r)
			}
		}
		return out
	}
}

func cleanText(in []rune) []rune {
	out := in[:0:0]
	for _, r := range in {
		switch {
		case r == 0 || r == utf8.RuneError || isControl(r):
			// Dropped.
		case isWhitespace(r):
			out = append(out, ' ')
		default:
			out = append(out, r)
		}
	}
	return out
}

func padChineseChars(in []rune) []rune {
	out := in[:0:0]
	for _, r := range in {
		if isChineseChar(r) {
			out = append(out, ' ', r, ' ')
		} else {
			out = append(out, r)
		}
	}
	return out
}

func stripAccents(in []rune) []rune {
	return removeMarks(normForm(norm.NFD)(in))
}

func removeMarks(in []rune) []rune {
	out := in[:0:0]
	for _, r := range in {
		if !unicode.Is(unicode.Mn, r) {
			out = append(out, r)
		}
	}
	return out
}

func lowercase(in []rune) []rune {
	out := in[:0:0]
	for _, r := range in {
		out = append(out, []rune(strings.ToLower(string(r)))...)
	}
	return out
}

func normForm(form norm.Form) runeTransform {
	return func(in []rune) []rune {
		return []rune(form.String(string(in)))
	}
}

// isWhitespace follows BERT: \t, \n and \r count as whitespace, not control characters.
func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation follows BERT: all non-alphanumeric ASCII characters, plus the Unicode P classes.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// isChineseChar reports whether r is in the CJK Unified Ideographs blocks.
func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

// wordSplitter splits each word of a pre-tokenization into smaller words.
type wordSplitter func(words [][]normRune) [][]normRune

// compilePreTokenizer converts the pre-tokenizer configuration to a list of splitters.
// Without a pre-tokenizer, text is split on whitespace.
func compilePreTokenizer(p *PreTokenizer) []wordSplitter {
	if p == nil {
		return []wordSplitter{splitWhitespace}
	}
	switch p.Type {
	case "BertPreTokenizer":
		return []wordSplitter{splitWhitespace, splitPunctuation}
	case "Whitespace":
		return []wordSplitter{splitWhitespace, splitWordClasses}
	case "Punctuation":
		return []wordSplitter{splitPunctuation}
	case "WhitespaceSplit":
		return []wordSplitter{splitWhitespace}
	case "ByteLevel":
		if p.UseRegex == nil || *p.UseRegex {
			return []wordSplitter{splitByteLevel}
		}
		return nil
	case "Metaspace":
		return []wordSplitter{splitMetaspace(metaspaceRune(p.Replacement))}
	case "Sequence":
		var splitters []wordSplitter
		for i := range p.PreTokenizers {
			splitters = append(splitters, compilePreTokenizer(&p.PreTokenizers[i])...)
		}
		return splitters
	}
	return []wordSplitter{splitWhitespace}
}

func splitWhitespace(words [][]normRune) [][]normRune {
	var out [][]normRune
	for _, word := range words {
		start := -1
		for i, nr := range word {
			if unicode.IsSpace(nr.r) {
				if start >= 0 {
					out = append(out, word[start:i])
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			out = append(out, word[start:])
		}
	}
	return out
}

// splitPunctuation isolates every punctuation rune into its own word.
func splitPunctuation(words [][]normRune) [][]normRune {
	var out [][]normRune
	for _, word := range words {
		start := 0
		for i, nr := range word {
			if !isPunctuation(nr.r) {
				continue
			}
			if i > start {
				out = append(out, word[start:i])
			}
			out = append(out, word[i:i+1])
			start = i + 1
		}
		if start < len(word) {
			out = append(out, word[start:])
		}
	}
	return out
}

// splitWordClasses splits words into runs of word characters (letters, numbers, '_') and runs of
// anything else.
func splitWordClasses(words [][]normRune) [][]normRune {
	isWordChar := func(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r) }
	var out [][]normRune
	for _, word := range words {
		start := 0
		for i := 1; i <= len(word); i++ {
			if i == len(word) || isWordChar(word[i].r) != isWordChar(word[i-1].r) {
				if i > start {
					out = append(out, word[start:i])
				}
				start = i
			}
		}
	}
	return out
}

const defaultMetaspace = '\u2581'

func metaspaceRune(replacement string) rune {
	if r, _ := utf8.DecodeRuneInString(replacement); replacement != "" {
		return r
	}
	return defaultMetaspace
}

// configurePreTokenizerPrefix enables byte-level encoding, and the prefix space of the ByteLevel
// and Metaspace pre-tokenizers.
func (t *Tokenizer) configurePreTokenizerPrefix(p *PreTokenizer) {
	if p == nil {
		return
	}
	switch p.Type {
	case "ByteLevel":
		t.byteLevel = true
		if p.AddPrefixSpace == nil || *p.AddPrefixSpace {
			t.prefix = ' '
		}
	case "Metaspace":
		t.metaspace = metaspaceRune(p.Replacement)
		scheme := p.PrependScheme
		if scheme == "" {
			scheme = "always"
			if p.AddPrefixSpace != nil && !*p.AddPrefixSpace {
				scheme = "never"
			}
		}
		if scheme != "never" {
			t.prefix = ' '
			t.prefixFirstOnly = scheme == "first"
		}
	case "Sequence":
		for i := range p.PreTokenizers {
			t.configurePreTokenizerPrefix(&p.PreTokenizers[i])
		}
	}
}

// splitMetaspace replaces spaces with the replacement rune, and starts a new word at each of them.
func splitMetaspace(replacement rune) wordSplitter {
	return func(words [][]normRune) [][]normRune {
		var out [][]normRune
		for _, word := range words {
			start := 0
			for i := range word {
				if word[i].r == ' ' {
					word[i].r = replacement
				}
				if word[i].r == replacement && i > start {
					out = append(out, word[start:i])
					start = i
				}
			}
			if start < len(word) {
				out = append(out, word[start:])
			}
		}
		return out
	}
}

// splitByteLevel splits words the way GPT-2's pattern does: contractions, runs of letters, runs
// of numbers and runs of other symbols, each taking at most one preceding space. Other whitespace
// forms words of its own.
func splitByteLevel(words [][]normRune) [][]normRune {
	const (
		classSpace = iota
		classLetter
		classNumber
		classOther
	)
	class := func(r rune) int {
		switch {
		case unicode.IsSpace(r):
			return classSpace
		case unicode.IsLetter(r):
			return classLetter
		case unicode.IsNumber(r):
			return classNumber
		}
		return classOther
	}

	var out [][]normRune
	for _, word := range words {
		n := len(word)
		for i := 0; i < n; {
			start := i
			if class(word[i].r) == classSpace {
				j := i
				for j < n && class(word[j].r) == classSpace {
					j++
				}
				if j == n {
					out = append(out, word[i:])
					break
				}
				if j-i > 1 {
					out = append(out, word[i:j-1])
					start = j - 1
				}
				i = j
				if word[start].r != ' ' {
					out = append(out, word[start:i])
					start = i
				}
			}
			if start == i && word[i].r == '\'' {
				if l := contractionLen(word[i+1:]); l > 0 {
					out = append(out, word[i:i+1+l])
					i += 1 + l
					continue
				}
			}
			c := class(word[i].r)
			for i < n && class(word[i].r) == c {
				i++
			}
			out = append(out, word[start:i])
		}
	}
	return out
}

// contractionLen returns the length of the contraction suffix ("s", "t", "re", "ve", "m", "ll",
// "d") rest starts with, or 0.
func contractionLen(rest []normRune) int {
	if len(rest) >= 2 {
		switch string([]rune{rest[0].r, rest[1].r}) {
		case "re", "ve", "ll":
			return 2
		}
	}
	if len(rest) >= 1 {
		switch rest[0].r {
		case 's', 't', 'm', 'd':
			return 1
		}
	}
	return 0
}
