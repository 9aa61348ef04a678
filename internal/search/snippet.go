package search

import (
	"strings"
	"unicode"
)

// DefaultSnippetLength bounds snippets, in runes, before the ellipsis.
const DefaultSnippetLength = 150

const ellipsis = "..."

// highlights locates every matched word in the title and content.
func highlights(it *Item, matched map[string]struct{}) []Highlight {
	var out []Highlight
	for _, f := range []struct {
		name string
		text string
	}{
		{"title", it.Title},
		{"content", it.Content},
	} {
		for _, sp := range wordSpans(f.text) {
			if _, ok := matched[sp.word]; ok {
				out = append(out, Highlight{Field: f.name, Term: sp.word, Start: sp.start, End: sp.end})
			}
		}
	}
	return out
}

// snippet returns the first content sentence containing a matched word,
// falling back to the title, truncated to maxLen runes.
func snippet(it *Item, matched map[string]struct{}, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSnippetLength
	}
	for _, s := range sentences(it.Content) {
		if hasMatch(s, matched) {
			return truncate(s, maxLen)
		}
	}
	if it.Title != "" {
		return truncate(it.Title, maxLen)
	}
	return truncate(strings.TrimSpace(it.Content), maxLen)
}

func hasMatch(s string, matched map[string]struct{}) bool {
	for _, w := range words(s) {
		if _, ok := matched[w]; ok {
			return true
		}
	}
	return false
}

// sentences splits text after '.', '!' or '?' followed by whitespace, and at
// line breaks.
func sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	flush := func(end int) {
		s := strings.TrimSpace(string(runes[start:end]))
		if s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i + 1)
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	if start < len(runes) {
		flush(len(runes))
	}
	return out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return strings.TrimRightFunc(string(runes[:maxLen]), unicode.IsSpace) + ellipsis
}
