package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/embed"
	"github.com/hyperengineering/engram/vector"
)

// DefaultDuplicateThreshold is the cosine similarity above which two
// thoughts count as the same memory.
const DefaultDuplicateThreshold = 0.95

// Deduplicator answers the aggregator's pre-insert duplicate probe with a
// dense search over already-indexed thoughts.
type Deduplicator struct {
	vectors   vector.Store
	text      embed.Embedder
	threshold float32
}

// DeduplicatorOptions configures a Deduplicator.
type DeduplicatorOptions struct {
	// Vectors is the point store. Required.
	Vectors vector.Store
	// Text embeds the probe content. Required.
	Text embed.Embedder
	// Threshold defaults to 0.95.
	Threshold float32
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator(opts DeduplicatorOptions) (*Deduplicator, error) {
	if opts.Vectors == nil {
		return nil, fmt.Errorf("search: vector store is required")
	}
	if opts.Text == nil {
		return nil, fmt.Errorf("search: text embedder is required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultDuplicateThreshold
	}
	return &Deduplicator{vectors: opts.Vectors, text: opts.Text, threshold: opts.Threshold}, nil
}

// FindDuplicate reports the closest indexed thought scoring at or above
// the threshold. Content embeds with the passage prefix so the probe
// matches how thoughts were indexed.
func (d *Deduplicator) FindDuplicate(ctx context.Context, content string) (uuid.UUID, bool, error) {
	vecs, err := d.text.Embed(ctx, []string{embed.PrefixPassage + content})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("search: embed duplicate probe: %w", err)
	}
	t := d.threshold
	hits, err := d.vectors.Search(ctx, vector.CollectionMemory, vector.Query{
		Dense:          vecs[0],
		Using:          vector.FieldTextDense,
		Limit:          1,
		ScoreThreshold: &t,
		Filter:         &vector.Filter{Type: vector.TypeThought},
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("search: duplicate probe: %w", err)
	}
	if len(hits) == 0 {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(hits[0].ID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("search: malformed point id %q: %w", hits[0].ID, err)
	}
	return id, true, nil
}
