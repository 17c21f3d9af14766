// Package scoring implements the extractive QA answer metrics: answer normalization, exact match
// and token-overlap F1, and their aggregation over an evaluation set.
package scoring

import (
	"strings"
	"unicode"
)

// isASCIIPunct reports whether r is one of the 32 ASCII punctuation characters:
//
//	!"#$%&'()*+,-./:;<=>?@[\]^_`{|}~
func isASCIIPunct(r rune) bool {
	return (r >= '!' && r <= '/') || (r >= ':' && r <= '@') || (r >= '[' && r <= '`') || (r >= '{' && r <= '~')
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// NormalizeAnswer canonicalizes an answer for comparison. In order, it:
//
//   - lowercases the text;
//   - removes ASCII punctuation;
//   - replaces the whole words "a", "an" and "the" with a space;
//   - collapses whitespace runs into single spaces, trimming both ends.
//
// It is deterministic and idempotent.
func NormalizeAnswer(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if isASCIIPunct(r) {
			return -1
		}
		return r
	}, s)
	s = removeArticles(s)
	return strings.Join(strings.Fields(s), " ")
}

// removeArticles replaces every maximal run of word characters equal to an article with a space.
func removeArticles(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	runStart := -1
	flush := func(end int) {
		switch word := s[runStart:end]; word {
		case "a", "an", "the":
			sb.WriteByte(' ')
		default:
			sb.WriteString(word)
		}
		runStart = -1
	}
	for i, r := range s {
		if isWordRune(r) {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			flush(i)
		}
		sb.WriteRune(r)
	}
	if runStart >= 0 {
		flush(len(s))
	}
	return sb.String()
}

// SimpleNormalize lowercases and trims s. Some prediction dumps were scored with this lighter
// normalization; it is kept to reproduce them.
func SimpleNormalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}
