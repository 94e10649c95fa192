package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/research"
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, logger: slog.Default()}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns one vector per text from a single backend call.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.engine.EmbedBatch(ctx, e.model, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding batch of %d: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding batch: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// BatchResult is the outcome of one batch in EmbedBatches.
type BatchResult struct {
	Index    int
	Vectors  [][]float32
	Attempts int
	Err      error
	// Skipped is true when the batch never started because ctx was done.
	Skipped bool
}

// EmbedBatches embeds every batch with at most limit batches in flight.
// A failing batch is retried once; its final error is reported in its
// BatchResult and does not stop the other batches. Batches not yet started
// when ctx is cancelled are marked Skipped. All started batches have
// finished when EmbedBatches returns.
func (e *Embedder) EmbedBatches(ctx context.Context, batches [][]string, limit int) []BatchResult {
	results := make([]BatchResult, len(batches))
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, batch := range batches {
		results[i].Index = i
		if ctx.Err() != nil {
			results[i].Skipped = true
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i].Skipped = true
				results[i].Err = ctx.Err()
				return nil
			}
			for attempt := 1; attempt <= 2; attempt++ {
				if attempt > 1 && ctx.Err() != nil {
					break
				}
				results[i].Attempts = attempt
				callCtx, cancel := research.Detach(ctx)
				vecs, err := e.EmbedBatch(callCtx, batch)
				cancel()
				if err == nil {
					results[i].Vectors = vecs
					results[i].Err = nil
					return nil
				}
				results[i].Err = err
				if ctx.Err() != nil {
					break
				}
				e.logger.Warn("embedding batch failed", "batch", i, "attempt", attempt, "error", err)
			}
			return nil
		})
	}

	g.Wait()
	return results
}
