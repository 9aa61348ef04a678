package search

import (
	"sort"
	"strings"
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

// SortKey selects the result ordering.
type SortKey string

const (
	SortRelevance SortKey = "relevance"
	SortDate      SortKey = "date"
	SortName      SortKey = "name"
)

// Order is the sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// MatchKind tells how a result matched the query.
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	// MatchAll marks results of an empty query.
	MatchAll MatchKind = "all"
)

// DefaultLimit is the page size used when Request.Limit is zero.
const DefaultLimit = 20

// Filters narrow results on metadata the indexes do not encode. Empty
// fields do not filter.
type Filters struct {
	UserID      string     `json:"userId,omitempty"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	Status      []string   `json:"status,omitempty"`
	Priority    []string   `json:"priority,omitempty"`
	Category    []string   `json:"category,omitempty"`
	// Tags matches items carrying any of the tags.
	Tags []string   `json:"tags,omitempty"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

func (f *Filters) match(it *Item) bool {
	if f.UserID != "" && it.UserID != f.UserID {
		return false
	}
	if f.WorkspaceID != "" && it.WorkspaceID != f.WorkspaceID {
		return false
	}
	if !oneOf(f.Status, it.Status) || !oneOf(f.Priority, it.Priority) || !oneOf(f.Category, it.Category) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(f.Tags, it.Tags) {
		return false
	}
	if f.From != nil && it.LastModified.Before(*f.From) {
		return false
	}
	if f.To != nil && it.LastModified.After(*f.To) {
		return false
	}
	return true
}

func oneOf(allowed []string, v string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return true
		}
	}
	return false
}

func anyTag(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}

// Request is a search query.
type Request struct {
	Query string `json:"query"`
	// EntityTypes restricts the searched partitions; empty searches all.
	EntityTypes []schema.EntityType `json:"entityTypes,omitempty"`
	Filters     Filters             `json:"filters"`
	SortBy      SortKey             `json:"sortBy,omitempty"`
	Order       Order               `json:"order,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Highlight   bool                `json:"highlight,omitempty"`
	Snippet     bool                `json:"snippet,omitempty"`
}

// Highlight is one matched word inside a field, as byte offsets.
type Highlight struct {
	Field string `json:"field"`
	Term  string `json:"term"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Result is one matching item.
type Result struct {
	Item       Item        `json:"item"`
	Score      float64     `json:"score"`
	Match      MatchKind   `json:"match"`
	Highlights []Highlight `json:"highlights,omitempty"`
	Snippet    string      `json:"snippet,omitempty"`

	// matched holds the index tokens the query hit.
	matched map[string]struct{}
}

// Facets counts filtered results before pagination.
type Facets struct {
	Types      map[string]int `json:"types"`
	Categories map[string]int `json:"categories"`
	Statuses   map[string]int `json:"statuses"`
}

// Response is the outcome of a search.
type Response struct {
	Results     []Result      `json:"results"`
	TotalCount  int           `json:"totalCount"`
	QueryTime   time.Duration `json:"queryTime"`
	Suggestions []string      `json:"suggestions"`
	Facets      Facets        `json:"facets"`
}

// evaluate runs req against snap and returns every filtered hit, unsorted.
func evaluate(snap *snapshot, req *Request, m *matcher) []Result {
	fuzzyTerms := unique(words(req.Query))
	exactTerms := unique(Tokenize(req.Query))

	types := req.EntityTypes
	if len(types) == 0 {
		types = schema.AllTypes()
	}

	var results []Result
	for _, t := range types {
		part, ok := snap.partitions[t]
		if !ok {
			continue
		}

		exact := make(map[int]bool)
		if len(exactTerms) > 0 {
			lists := make([][]int, 0, len(exactTerms))
			for _, term := range exactTerms {
				lists = append(lists, part.postings[term])
			}
			for _, pos := range intersect(lists) {
				exact[pos] = true
			}
		}

		for pos := range part.docs {
			d := &part.docs[pos]
			if !req.Filters.match(&d.item) {
				continue
			}

			if len(fuzzyTerms) == 0 {
				results = append(results, Result{Item: d.item, Match: MatchAll})
				continue
			}

			if exact[pos] {
				score, matched := scoreExact(d, exactTerms)
				results = append(results, Result{Item: d.item, Score: 1 + score, Match: MatchExact, matched: matched})
				continue
			}
			if score, matched, ok := scoreFuzzy(d, fuzzyTerms, m); ok {
				results = append(results, Result{Item: d.item, Score: score, Match: MatchFuzzy, matched: matched})
			}
		}
	}
	return results
}

// scoreExact weighs each term by the best field containing it.
func scoreExact(d *doc, terms []string) (float64, map[string]struct{}) {
	matched := make(map[string]struct{}, len(terms))
	total := 0.0
	for _, term := range terms {
		w := 0.0
		switch {
		case contains(d.title, term):
			w = weightTitle
		case contains(d.keywords, term):
			w = weightKeywords
		case contains(d.content, term):
			w = weightContent
		}
		total += w
		matched[term] = struct{}{}
	}
	return total / float64(len(terms)), matched
}

// scoreFuzzy requires every term to match some field above the threshold.
// The score is the mean of the best weighted similarity per term.
func scoreFuzzy(d *doc, terms []string, m *matcher) (float64, map[string]struct{}, bool) {
	matched := make(map[string]struct{}, len(terms))
	total := 0.0
	for _, term := range terms {
		best := 0.0
		hit := ""
		for _, f := range []struct {
			tokens []string
			weight float64
		}{
			{d.title, weightTitle},
			{d.keywords, weightKeywords},
			{d.content, weightContent},
		} {
			s, tok := m.best(term, f.tokens)
			if tok == "" {
				continue
			}
			if ws := s * f.weight; ws > best {
				best, hit = ws, tok
			}
		}
		if hit == "" {
			return 0, nil, false
		}
		matched[hit] = struct{}{}
		total += best
	}
	return total / float64(len(terms)), matched, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortResults orders results by req's key and direction. Ties fall back to
// most recently modified, then key.
func sortResults(results []Result, key SortKey, order Order) {
	if key == "" {
		key = SortRelevance
	}
	if order == "" {
		order = Desc
		if key == SortName {
			order = Asc
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		var cmp int
		switch key {
		case SortDate:
			cmp = compareTime(a.Item.LastModified, b.Item.LastModified)
		case SortName:
			cmp = strings.Compare(strings.ToLower(a.Item.Title), strings.ToLower(b.Item.Title))
		default:
			cmp = compareFloat(a.Score, b.Score)
		}
		if order == Desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
		if c := compareTime(a.Item.LastModified, b.Item.LastModified); c != 0 {
			return c > 0
		}
		return a.Item.Key() < b.Item.Key()
	})
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func facetsOf(results []Result) Facets {
	f := Facets{
		Types:      make(map[string]int),
		Categories: make(map[string]int),
		Statuses:   make(map[string]int),
	}
	for i := range results {
		it := &results[i].Item
		f.Types[string(it.EntityType)]++
		if it.Category != "" {
			f.Categories[it.Category]++
		}
		if it.Status != "" {
			f.Statuses[it.Status]++
		}
	}
	return f
}

func paginate(results []Result, offset, limit int) []Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []Result{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
