package search

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Field weights used by both the fuzzy and the exact scorer.
const (
	weightTitle    = 1.0
	weightKeywords = 0.8
	weightContent  = 0.6
)

// DefaultFuzzyThreshold is the minimum similarity for a fuzzy term match.
const DefaultFuzzyThreshold = 0.6

// matcher computes term/token similarity with a per-query cache.
type matcher struct {
	dmp       *diffmatchpatch.DiffMatchPatch
	threshold float64
	cache     map[[2]string]float64
}

func newMatcher(threshold float64) *matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultFuzzyThreshold
	}
	return &matcher{
		dmp:       diffmatchpatch.New(),
		threshold: threshold,
		cache:     make(map[[2]string]float64),
	}
}

// similarity returns a score in [0, 1] for how well term matches token.
// A token starting with term scores at least 0.75.
func (m *matcher) similarity(term, token string) float64 {
	if term == token {
		return 1
	}
	key := [2]string{term, token}
	if s, ok := m.cache[key]; ok {
		return s
	}

	var s float64
	tl, kl := utf8.RuneCountInString(term), utf8.RuneCountInString(token)
	if strings.HasPrefix(token, term) {
		s = 0.75 + 0.25*float64(tl)/float64(kl)
	} else {
		longest := tl
		if kl > longest {
			longest = kl
		}
		diffs := m.dmp.DiffMain(term, token, false)
		dist := m.dmp.DiffLevenshtein(diffs)
		s = 1 - float64(dist)/float64(longest)
		if s < 0 {
			s = 0
		}
	}
	m.cache[key] = s
	return s
}

// best returns the highest similarity of term against tokens that passes the
// threshold, with the matching token.
func (m *matcher) best(term string, tokens []string) (float64, string) {
	var (
		score float64
		match string
	)
	for _, tok := range tokens {
		s := m.similarity(term, tok)
		if s >= m.threshold && s > score {
			score, match = s, tok
		}
	}
	return score, match
}
