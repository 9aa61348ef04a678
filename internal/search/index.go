package search

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

// doc holds the per-field word lists of one item.
type doc struct {
	item     Item
	title    []string
	keywords []string
	content  []string
}

// partition is the index of one entity type.
type partition struct {
	docs []doc
	// postings maps a token to the sorted doc positions containing it.
	postings map[string][]int
}

func newPartition() *partition {
	return &partition{postings: make(map[string][]int)}
}

func (p *partition) add(it Item) {
	d := doc{
		item:    it,
		title:   unique(words(it.Title)),
		content: unique(words(it.Content)),
	}
	var kw []string
	for _, k := range it.Keywords {
		kw = append(kw, words(k)...)
	}
	d.keywords = unique(kw)

	pos := len(p.docs)
	p.docs = append(p.docs, d)

	seen := make(map[string]struct{})
	for _, field := range [][]string{d.title, d.keywords, d.content} {
		for _, w := range field {
			if len([]rune(w)) < minTokenLength {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			p.postings[w] = append(p.postings[w], pos)
		}
	}
}

// snapshot is an immutable, complete index. Queries only ever see a whole
// snapshot.
type snapshot struct {
	generation uint64
	// builtAt is when the build started; store changes after it make the
	// snapshot stale.
	builtAt    time.Time
	partitions map[schema.EntityType]*partition
	vocabulary []string
}

func emptySnapshot() *snapshot {
	s := &snapshot{partitions: make(map[schema.EntityType]*partition)}
	for _, t := range schema.AllTypes() {
		s.partitions[t] = newPartition()
	}
	return s
}

func (s *snapshot) documents() int {
	n := 0
	for _, p := range s.partitions {
		n += len(p.docs)
	}
	return n
}

// builder assembles a snapshot in chunks, yielding between them.
type builder struct {
	source    Source
	chunkSize int
	// superseded reports whether a newer build was requested.
	superseded func() bool
}

func (b *builder) build(ctx context.Context, generation uint64) (*snapshot, error) {
	snap := emptySnapshot()
	snap.generation = generation
	snap.builtAt = time.Now()

	vocab := make(map[string]struct{})
	for _, t := range schema.AllTypes() {
		records, err := b.source.GetAll(ctx, t)
		if err != nil {
			return nil, err
		}
		part := snap.partitions[t]
		for i, rec := range records {
			if it, ok := ItemFromEntity(rec); ok {
				part.add(it)
			}
			if (i+1)%b.chunkSize == 0 {
				if err := b.yield(ctx); err != nil {
					return nil, err
				}
			}
		}
		for tok := range part.postings {
			vocab[tok] = struct{}{}
		}
		if err := b.yield(ctx); err != nil {
			return nil, err
		}
	}

	snap.vocabulary = make([]string, 0, len(vocab))
	for tok := range vocab {
		snap.vocabulary = append(snap.vocabulary, tok)
	}
	sort.Strings(snap.vocabulary)
	return snap, nil
}

func (b *builder) yield(ctx context.Context) error {
	runtime.Gosched()
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.superseded != nil && b.superseded() {
		return ErrSuperseded
	}
	return nil
}

// intersect returns the positions present in every list. Lists are sorted.
func intersect(lists [][]int) []int {
	if len(lists) == 0 {
		return nil
	}
	sort.Slice(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })
	out := append([]int(nil), lists[0]...)
	for _, l := range lists[1:] {
		next := out[:0]
		i, j := 0, 0
		for i < len(out) && j < len(l) {
			switch {
			case out[i] == l[j]:
				next = append(next, out[i])
				i++
				j++
			case out[i] < l[j]:
				i++
			default:
				j++
			}
		}
		out = next
	}
	return out
}
