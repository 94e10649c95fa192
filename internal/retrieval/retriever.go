package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ContextChunk is a retrieved paper fragment with its similarity score.
type ContextChunk struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Year    int      `json:"year,omitempty"`
	URL     string   `json:"url,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Score   float32  `json:"score"`
}

// Retriever combines embedding and vector search to find relevant papers.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Embedder returns the embedder used for queries.
func (r *Retriever) Embedder() *Embedder { return r.embedder }

// Retrieve embeds the query and returns the top-K most similar papers of collection.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, topK int) ([]ContextChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.RetrieveVector(ctx, collection, vec, topK)
}

// RetrieveVector searches with a precomputed query vector.
func (r *Retriever) RetrieveVector(ctx context.Context, collection string, vec []float32, topK int) ([]ContextChunk, error) {
	scored, err := r.store.Search(ctx, collection, vec, topK, nil)
	if err != nil {
		return nil, err
	}
	return scoredToChunks(scored), nil
}

// RetrieveByIDs returns papers of collection for the given IDs.
func (r *Retriever) RetrieveByIDs(ctx context.Context, collection string, ids []string) ([]ContextChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := r.store.Get(ctx, collection, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieving by IDs: %w", err)
	}
	chunks := make([]ContextChunk, len(recs))
	for i, rec := range recs {
		chunks[i] = recordToChunk(rec, 0)
	}
	return chunks, nil
}

// ErrNoCollections is returned when nothing has been indexed yet.
var ErrNoCollections = errors.New("no indexed papers yet; run a brainstorm first")

// LatestCollection returns the most recently written collection.
func (r *Retriever) LatestCollection(ctx context.Context) (string, error) {
	cols, err := r.store.Collections(ctx)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", ErrNoCollections
	}
	return cols[0], nil
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = recordToChunk(s.Record, s.Score)
	}
	return chunks
}

func recordToChunk(r Record, score float32) ContextChunk {
	return ContextChunk{
		ID:      r.ID,
		Title:   r.Title,
		Text:    r.Text,
		Year:    r.Year,
		URL:     r.URL,
		Authors: r.Authors,
		Score:   score,
	}
}

// FormatChunks renders chunks as a numbered context block for prompts.
func FormatChunks(chunks []ContextChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] (%s", i+1, c.ID)
		if c.Year > 0 {
			fmt.Fprintf(&b, ", %d", c.Year)
		}
		b.WriteString(")\n")
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
