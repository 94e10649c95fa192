package retrieval

import (
	"context"
	"fmt"
)

// Index is the handle to one run's indexed papers. It carries the query
// vector of the collection keyword so later stages can search without the
// embedding model being resident.
type Index struct {
	store      VectorStore
	collection string
	keyword    string
	query      []float32
}

// NewIndex returns a handle over collection in store.
func NewIndex(store VectorStore, collection, keyword string, query []float32) *Index {
	return &Index{store: store, collection: collection, keyword: keyword, query: query}
}

// Collection returns the collection name.
func (ix *Index) Collection() string { return ix.collection }

// Keyword returns the keyword the collection was built for.
func (ix *Index) Keyword() string { return ix.keyword }

// QueryVector returns the embedded keyword, or nil when none was computed.
func (ix *Index) QueryVector() []float32 { return ix.query }

// Count returns the number of indexed papers.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.Count(ctx, ix.collection)
}

// IDs returns indexed paper IDs in insertion order.
func (ix *Index) IDs(ctx context.Context) ([]string, error) {
	return ix.store.IDs(ctx, ix.collection)
}

// Search returns the k papers nearest to vector, skipping exclude.
func (ix *Index) Search(ctx context.Context, vector []float32, k int, exclude []string) ([]ScoredRecord, error) {
	res, err := ix.store.Search(ctx, ix.collection, vector, k, exclude)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", ix.collection, err)
	}
	return res, nil
}

// SearchKeyword searches with the stored keyword vector.
func (ix *Index) SearchKeyword(ctx context.Context, k int, exclude []string) ([]ScoredRecord, error) {
	if len(ix.query) == 0 {
		return nil, fmt.Errorf("index %s has no keyword vector", ix.collection)
	}
	return ix.Search(ctx, ix.query, k, exclude)
}

// Get returns records by ID in the given order.
func (ix *Index) Get(ctx context.Context, ids []string) ([]Record, error) {
	return ix.store.Get(ctx, ix.collection, ids)
}
