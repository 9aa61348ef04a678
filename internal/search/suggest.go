package search

import (
	"sort"
	"strings"
	"sync"
)

const (
	// DefaultHistorySize bounds the remembered queries.
	DefaultHistorySize = 100
	maxSuggestions     = 5
)

type historyEntry struct {
	query string
	count int
	// seq orders entries by last use.
	seq uint64
}

// suggester keeps recent queries with usage counts.
type suggester struct {
	mu      sync.Mutex
	size    int
	seq     uint64
	entries map[string]*historyEntry
}

func newSuggester(size int) *suggester {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &suggester{size: size, entries: make(map[string]*historyEntry)}
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// record remembers q, evicting the least recently used query when full.
func (s *suggester) record(q string) {
	q = normalizeQuery(q)
	if q == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if e, ok := s.entries[q]; ok {
		e.count++
		e.seq = s.seq
		return
	}
	if len(s.entries) >= s.size {
		var oldest *historyEntry
		for _, e := range s.entries {
			if oldest == nil || e.seq < oldest.seq {
				oldest = e
			}
		}
		delete(s.entries, oldest.query)
	}
	s.entries[q] = &historyEntry{query: q, count: 1, seq: s.seq}
}

// suggest returns up to five completions of prefix: past queries first, by
// frequency then recency, then vocabulary completions of the last word.
func (s *suggester) suggest(prefix string, vocabulary []string) []string {
	prefix = normalizeQuery(prefix)
	if prefix == "" {
		return []string{}
	}

	s.mu.Lock()
	var past []*historyEntry
	for _, e := range s.entries {
		if e.query != prefix && strings.HasPrefix(e.query, prefix) {
			c := *e
			past = append(past, &c)
		}
	}
	s.mu.Unlock()

	sort.Slice(past, func(i, j int) bool {
		if past[i].count != past[j].count {
			return past[i].count > past[j].count
		}
		return past[i].seq > past[j].seq
	})

	out := make([]string, 0, maxSuggestions)
	seen := make(map[string]struct{})
	add := func(q string) bool {
		if _, ok := seen[q]; ok || q == prefix {
			return len(out) < maxSuggestions
		}
		seen[q] = struct{}{}
		out = append(out, q)
		return len(out) < maxSuggestions
	}

	for _, e := range past {
		if !add(e.query) {
			return out
		}
	}

	head, last := "", prefix
	if i := strings.LastIndexByte(prefix, ' '); i >= 0 {
		head, last = prefix[:i+1], prefix[i+1:]
	}
	i := sort.SearchStrings(vocabulary, last)
	for ; i < len(vocabulary) && strings.HasPrefix(vocabulary[i], last); i++ {
		if !add(head + vocabulary[i]) {
			break
		}
	}
	return out
}
