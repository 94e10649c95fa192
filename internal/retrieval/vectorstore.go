package retrieval

import (
	"context"
	"time"
)

// VectorStore holds paper embeddings grouped into collections, one
// collection per pipeline run. The SQLite implementation scans every vector
// of a collection; the interface leaves room for an ANN backend.
type VectorStore interface {
	// Insert adds records to collection. A record whose ID already exists in
	// the collection is ignored; stored records are never rewritten.
	Insert(ctx context.Context, collection string, records []Record) error

	// Search returns the topK records most similar to vector, skipping IDs
	// in exclude, ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, topK int, exclude []string) ([]ScoredRecord, error)

	// Get returns the records with the given IDs, in the order of ids.
	// Missing IDs are skipped.
	Get(ctx context.Context, collection string, ids []string) ([]Record, error)

	// IDs returns every record ID in collection in insertion order.
	IDs(ctx context.Context, collection string) ([]string, error)

	// Count returns the number of records in collection.
	Count(ctx context.Context, collection string) (int, error)

	// Reset removes every record in collection.
	Reset(ctx context.Context, collection string) error

	// Collections lists collection names, most recently written first.
	Collections(ctx context.Context) ([]string, error)
}

// Record is one embedded paper.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
	Title     string
	Year      int
	URL       string
	Authors   []string
	CreatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
