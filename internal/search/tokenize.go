package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minTokenLength is the shortest token kept in the inverted index.
const minTokenLength = 3

// span is one word of a text with its byte offsets.
type span struct {
	start, end int
	word       string
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// words splits s into lowercase words at every non-alphanumeric rune.
func words(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) })
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// Tokenize lowercases s, strips punctuation and drops tokens shorter than
// three characters.
func Tokenize(s string) []string {
	all := words(s)
	out := all[:0]
	for _, w := range all {
		if utf8.RuneCountInString(w) >= minTokenLength {
			out = append(out, w)
		}
	}
	return out
}

// wordSpans returns every word of s with its byte offsets in s.
func wordSpans(s string) []span {
	var (
		spans []span
		start = -1
	)
	for i, r := range s {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, span{start: start, end: i, word: strings.ToLower(s[start:i])})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(s), word: strings.ToLower(s[start:])})
	}
	return spans
}

func unique(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
