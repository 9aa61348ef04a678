package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasklane/tasklane/internal/kv"
	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/store"
)

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st := store.New(kv.NewMemory(), nil)

	records := []*schema.Entity{
		{Type: schema.TypeTask, ID: "T1", Payload: &schema.Task{
			Title:       "Ship report",
			Description: "The quarterly report is due Friday. Numbers are final.",
			Status:      "pending",
			Category:    "work",
			Tags:        []string{"finance"},
			UserID:      "u1",
			WorkspaceID: "W1",
		}},
		{Type: schema.TypeTask, ID: "T2", Payload: &schema.Task{
			Title:       "Write notes",
			Description: "Meeting notes for the team.",
			Status:      "done",
			Category:    "personal",
			UserID:      "u2",
		}},
		{Type: schema.TypeWorkspace, ID: "W1", Payload: &schema.Workspace{
			Name:    "Research",
			OwnerID: "u1",
		}},
		{Type: schema.TypeFile, ID: "F1", Payload: &schema.File{
			Name:        "report.pdf",
			Description: "Annual report PDF",
			MimeType:    "application/pdf",
			UserID:      "u1",
			WorkspaceID: "W1",
		}},
	}
	for _, r := range records {
		_, err := st.Put(ctx, r)
		require.NoError(t, err)
	}
	return st
}

func setupEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := seedStore(t)
	e := New(st, Config{ChunkSize: 1}, nil)
	require.NoError(t, e.Rebuild(context.Background()))
	return e, st
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Item.EntityID
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Ship report", []string{"ship", "report"}},
		{"Hello, World! a an the", []string{"hello", "world", "the"}},
		{"report.pdf", []string{"report", "pdf"}},
		{"  ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSimilarity(t *testing.T) {
	m := newMatcher(0)

	assert.Equal(t, 1.0, m.similarity("report", "report"))
	assert.GreaterOrEqual(t, m.similarity("repor", "report"), 0.75, "prefix bonus")
	assert.Less(t, m.similarity("ship", "pdf"), DefaultFuzzyThreshold)

	s, tok := m.best("repor", []string{"ship", "report"})
	assert.Equal(t, "report", tok)
	assert.Greater(t, s, 0.9)
}

func TestSearch_FuzzyTypoWithSnippet(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{Query: "repor", Snippet: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	var hit *Result
	for i := range resp.Results {
		if resp.Results[i].Item.EntityID == "T1" {
			hit = &resp.Results[i]
		}
	}
	require.NotNil(t, hit, "Ship report found through the fuzzy path")
	assert.Equal(t, MatchFuzzy, hit.Match)
	assert.Contains(t, hit.Snippet, "report")
	assert.Equal(t, "The quarterly report is due Friday.", hit.Snippet)
}

func TestSearch_ExactTitleRoundTrip(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{Query: "Ship report"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, schema.TypeTask, top.Item.EntityType)
	assert.Equal(t, "T1", top.Item.EntityID)
	assert.Equal(t, MatchExact, top.Match)
	assert.Greater(t, top.Score, 1.0, "exact hits outrank fuzzy hits")
}

func TestSearch_ExactOutranksFuzzy(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{Query: "report"})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.Equal(t, MatchExact, r.Match)
	}
	assert.ElementsMatch(t, []string{"T1", "F1"}, ids(resp.Results))

	resp, err = e.Search(context.Background(), Request{Query: "quarterly"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.InDelta(t, 1+weightContent, resp.Results[0].Score, 1e-9, "content-only match")
}

func TestSearch_SoftDeleteExcluded(t *testing.T) {
	ctx := context.Background()
	e, st := setupEngine(t)

	require.NoError(t, st.SoftDelete(ctx, schema.TypeTask, "T2"))
	require.NoError(t, e.Rebuild(ctx))

	resp, err := e.Search(ctx, Request{Query: "notes"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	all, err := e.Search(ctx, Request{})
	require.NoError(t, err)
	assert.NotContains(t, ids(all.Results), "T2")
	assert.Equal(t, 1, all.Facets.Types["task"])
	assert.Zero(t, all.Facets.Statuses["done"])

	got, err := st.Get(ctx, schema.TypeTask, "T2")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted, "still retrievable directly")
}

func TestSearch_FacetsBeforePagination(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.TotalCount)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, map[string]int{"task": 2, "workspace": 1, "file": 1}, resp.Facets.Types)
	assert.Equal(t, map[string]int{"work": 1, "personal": 1}, resp.Facets.Categories)
	assert.Equal(t, map[string]int{"pending": 1, "done": 1}, resp.Facets.Statuses)

	resp, err = e.Search(context.Background(), Request{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 4, resp.TotalCount)
}

func TestSearch_Filters(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"status", Request{Filters: Filters{Status: []string{"done"}}}, []string{"T2"}},
		{"tags any of", Request{Filters: Filters{Tags: []string{"finance", "other"}}}, []string{"T1"}},
		{"user", Request{Filters: Filters{UserID: "u2"}}, []string{"T2"}},
		{"workspace", Request{Filters: Filters{WorkspaceID: "W1"}, SortBy: SortName}, []string{"F1", "W1", "T1"}},
		{"entity types", Request{Query: "report", EntityTypes: []schema.EntityType{schema.TypeFile}}, []string{"F1"}},
		{"category", Request{Filters: Filters{Category: []string{"WORK"}}}, []string{"T1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.Search(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(resp.Results))
		})
	}
}

func TestSearch_DateRange(t *testing.T) {
	e, _ := setupEngine(t)

	future := time.Now().Add(time.Hour)
	resp, err := e.Search(context.Background(), Request{Filters: Filters{From: &future}})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	past := time.Now().Add(-time.Hour)
	resp, err = e.Search(context.Background(), Request{Filters: Filters{From: &past}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 4)
}

func TestSearch_SortByName(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{SortBy: SortName})
	require.NoError(t, err)
	assert.Equal(t, []string{"F1", "W1", "T1", "T2"}, ids(resp.Results))

	resp, err = e.Search(context.Background(), Request{SortBy: SortName, Order: Desc})
	require.NoError(t, err)
	assert.Equal(t, []string{"T2", "T1", "W1", "F1"}, ids(resp.Results))
}

func TestSearch_Highlights(t *testing.T) {
	e, _ := setupEngine(t)

	resp, err := e.Search(context.Background(), Request{Query: "ship", Highlight: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Highlights, Highlight{Field: "title", Term: "ship", Start: 0, End: 4})
}

func TestSearch_Suggestions(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Search(ctx, Request{Query: "ship report"})
		require.NoError(t, err)
	}
	_, err := e.Search(ctx, Request{Query: "shipping"})
	require.NoError(t, err)

	resp, err := e.Search(ctx, Request{Query: "sh"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Suggestions)
	assert.Equal(t, "ship report", resp.Suggestions[0], "most frequent first")
	assert.Contains(t, resp.Suggestions, "ship", "vocabulary completion")
	assert.LessOrEqual(t, len(resp.Suggestions), 5)

	assert.Equal(t, []string{"report"}, e.Suggest("repo"))
}

func TestSuggester_EvictsLeastRecent(t *testing.T) {
	s := newSuggester(2)
	s.record("alpha")
	s.record("beta")
	s.record("alpha")
	s.record("gamma")

	assert.Empty(t, s.suggest("bet", nil))
	assert.Equal(t, []string{"alpha"}, s.suggest("al", nil))
}

func TestSnippet_Truncates(t *testing.T) {
	it := &Item{Title: "t", Content: "A very long sentence about the report that keeps going."}
	got := snippet(it, map[string]struct{}{"report": {}}, 20)
	assert.Equal(t, "A very long sentence...", got)
}

// blockingSource blocks its first GetAll call until release is closed.
type blockingSource struct {
	inner   Source
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func (b *blockingSource) GetAll(ctx context.Context, t schema.EntityType) ([]*schema.Entity, error) {
	if b.fail.Load() {
		return nil, errors.New("disk on fire")
	}
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return b.inner.GetAll(ctx, t)
}

func TestRebuild_LastRequestWins(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	src := &blockingSource{inner: st, started: make(chan struct{}), release: make(chan struct{})}
	e := New(src, Config{}, nil)

	first := make(chan error, 1)
	go func() { first <- e.Rebuild(ctx) }()
	<-src.started

	require.NoError(t, e.Rebuild(ctx))
	close(src.release)

	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.Equal(t, uint64(2), e.Stats().Generation)
	assert.Equal(t, 4, e.Stats().Documents)
}

func TestRebuild_ErrorKeepsLastGoodIndex(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	src := &blockingSource{inner: st, started: make(chan struct{}), release: make(chan struct{})}
	close(src.release)
	e := New(src, Config{}, nil)

	require.NoError(t, e.Rebuild(ctx))
	src.fail.Store(true)
	assert.Error(t, e.Rebuild(ctx))

	resp, err := e.Search(ctx, Request{Query: "Ship report"})
	require.NoError(t, err)
	assert.Equal(t, "T1", resp.Results[0].Item.EntityID)
}

func TestMaintain_RebuildsAfterChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := seedStore(t)
	e := New(st, Config{Debounce: 10 * time.Millisecond}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, e.Maintain(ctx, st.Changes()))
	}()

	require.Eventually(t, func() bool { return e.Stats().Documents == 4 }, 2*time.Second, 5*time.Millisecond)

	_, err := st.Put(ctx, &schema.Entity{Type: schema.TypeTask, ID: "T3", Payload: &schema.Task{Title: "Plan offsite"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := e.Search(ctx, Request{Query: "offsite"})
		return err == nil && len(resp.Results) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}
