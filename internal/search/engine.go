// Package search provides offline full-text search over the local store.
//
// Each entity type has its own partition holding a fuzzy index (typo
// tolerant, weighted title > keywords > content) and an inverted index
// (exact tokens, AND semantics). Queries run against an immutable snapshot;
// rebuilds produce a new snapshot and swap it in atomically, so queries
// never wait for or observe a partial build.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tasklane/tasklane/internal/pubsub"
	"github.com/tasklane/tasklane/internal/store"
	"go.uber.org/zap"
)

// ErrSuperseded is returned by a rebuild abandoned because a newer one was
// requested.
var ErrSuperseded = errors.New("index rebuild superseded")

// Config holds configuration for the search engine.
type Config struct {
	// RebuildInterval is the coarse full-rebuild schedule
	RebuildInterval time.Duration

	// Debounce delays the rebuild after store changes
	Debounce time.Duration

	// FuzzyThreshold is the minimum term similarity in [0, 1]
	FuzzyThreshold float64

	// SnippetLength bounds snippets in runes
	SnippetLength int

	// ChunkSize is the number of records indexed between yields
	ChunkSize int

	// HistorySize bounds the query history used for suggestions
	HistorySize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RebuildInterval: 24 * time.Hour,
		Debounce:        500 * time.Millisecond,
		FuzzyThreshold:  DefaultFuzzyThreshold,
		SnippetLength:   DefaultSnippetLength,
		ChunkSize:       200,
		HistorySize:     DefaultHistorySize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = def.RebuildInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		c.FuzzyThreshold = def.FuzzyThreshold
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = def.SnippetLength
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}

// Stats describes the current snapshot.
type Stats struct {
	Documents  int       `json:"documents"`
	Tokens     int       `json:"tokens"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"builtAt"`
}

// Engine answers queries from the current snapshot and keeps it fresh.
type Engine struct {
	source    Source
	config    Config
	logger    *zap.Logger
	suggester *suggester

	current    atomic.Pointer[snapshot]
	requested  atomic.Uint64
	lastChange atomic.Int64
}

// New creates a search engine over source. Call Rebuild (or Maintain) to
// populate it; Search builds on first use otherwise.
func New(source Source, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	return &Engine{
		source:    source,
		config:    config,
		logger:    logger.With(zap.String("component", "search")),
		suggester: newSuggester(config.HistorySize),
	}
}

// Rebuild indexes every live record and swaps in the new snapshot. A
// rebuild overtaken by a newer request returns ErrSuperseded and leaves the
// newer result in place. On error the previous snapshot keeps serving.
func (e *Engine) Rebuild(ctx context.Context) error {
	gen := e.requested.Add(1)
	start := time.Now()

	b := &builder{
		source:     e.source,
		chunkSize:  e.config.ChunkSize,
		superseded: func() bool { return e.requested.Load() != gen },
	}
	snap, err := b.build(ctx, gen)
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			e.logger.Error("index build failed", zap.Uint64("generation", gen), zap.Error(err))
			return fmt.Errorf("failed to build search index: %w", err)
		}
		return err
	}
	if !e.swap(snap) {
		e.logger.Debug("discarding superseded index", zap.Uint64("generation", gen))
		return ErrSuperseded
	}

	e.logger.Debug("index rebuilt",
		zap.Uint64("generation", gen),
		zap.Int("documents", snap.documents()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// swap installs snap unless a newer generation was requested or installed.
func (e *Engine) swap(snap *snapshot) bool {
	for {
		if e.requested.Load() != snap.generation {
			return false
		}
		cur := e.current.Load()
		if cur != nil && cur.generation >= snap.generation {
			return false
		}
		if e.current.CompareAndSwap(cur, snap) {
			return true
		}
	}
}

// Stale reports whether the store changed after the current snapshot was
// started.
func (e *Engine) Stale() bool {
	snap := e.current.Load()
	if snap == nil {
		return true
	}
	n := e.lastChange.Load()
	return n != 0 && time.Unix(0, n).After(snap.builtAt)
}

// Stats describes the current snapshot.
func (e *Engine) Stats() Stats {
	snap := e.current.Load()
	if snap == nil {
		return Stats{}
	}
	return Stats{
		Documents:  snap.documents(),
		Tokens:     len(snap.vocabulary),
		Generation: snap.generation,
		BuiltAt:    snap.builtAt,
	}
}

// Search evaluates req against the current snapshot.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	snap := e.current.Load()
	if snap == nil {
		if err := e.Rebuild(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
			return nil, err
		}
		if snap = e.current.Load(); snap == nil {
			snap = emptySnapshot()
		}
	}

	results := evaluate(snap, &req, newMatcher(e.config.FuzzyThreshold))
	sortResults(results, req.SortBy, req.Order)
	facets := facetsOf(results)
	total := len(results)

	page := paginate(results, req.Offset, req.Limit)
	for i := range page {
		r := &page[i]
		if req.Highlight && r.matched != nil {
			r.Highlights = highlights(&r.Item, r.matched)
		}
		if req.Snippet {
			r.Snippet = snippet(&r.Item, r.matched, e.config.SnippetLength)
		}
	}

	resp := &Response{
		Results:     page,
		TotalCount:  total,
		Suggestions: e.suggestions(req.Query, snap),
		Facets:      facets,
	}
	e.suggester.record(req.Query)
	resp.QueryTime = time.Since(start)
	return resp, nil
}

// suggestions never fails a search.
func (e *Engine) suggestions(query string, snap *snapshot) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("suggestion generation failed", zap.Any("panic", r))
			out = []string{}
		}
	}()
	return e.suggester.suggest(query, snap.vocabulary)
}

// Suggest returns completions for a partial query.
func (e *Engine) Suggest(prefix string) []string {
	snap := e.current.Load()
	if snap == nil {
		snap = emptySnapshot()
	}
	return e.suggestions(prefix, snap)
}

// Maintain keeps the index fresh until ctx is done: a full rebuild every
// RebuildInterval, and a debounced rebuild after store changes newer than
// the current snapshot.
func (e *Engine) Maintain(ctx context.Context, changes *pubsub.Broker[store.Change]) error {
	kick := make(chan struct{}, 1)
	unsubscribe := changes.Subscribe(func(c store.Change) {
		e.lastChange.Store(c.At.UnixNano())
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if e.current.Load() == nil {
		e.rebuild(ctx)
	}

	ticker := time.NewTicker(e.config.RebuildInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(e.config.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.rebuild(ctx)
		case <-kick:
			debounce.Reset(e.config.Debounce)
		case <-debounce.C:
			if e.Stale() {
				e.rebuild(ctx)
			}
		}
	}
}

func (e *Engine) rebuild(ctx context.Context) {
	if err := e.Rebuild(ctx); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
		e.logger.Warn("keeping previous search index", zap.Error(err))
	}
}
