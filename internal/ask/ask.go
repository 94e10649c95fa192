// Package ask answers questions from an indexed paper collection: the
// question is embedded under the embedding lease, then answered from the
// nearest papers under the generator lease.
package ask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/retry"
	"github.com/kalambet/topicforge/internal/structured"
)

// Config controls retrieval depth, the context budget and reranking.
type Config struct {
	// TopK is the number of papers retrieved per question.
	TopK int
	// MaxContextTokens bounds the paper context put in the prompt.
	MaxContextTokens int

	// Rerank scores retrieved papers with the generator model before
	// answering; papers below RerankThreshold are dropped.
	Rerank          bool
	RerankThreshold float64
	RerankTimeout   time.Duration

	Retry retry.Config
}

// Answer is a model answer with the papers it was grounded on.
type Answer struct {
	Question   string                   `json:"question"`
	Collection string                   `json:"collection"`
	Text       string                   `json:"answer"`
	Model      string                   `json:"model"`
	Sources    []retrieval.ContextChunk `json:"sources"`
}

// Asker answers questions.
type Asker struct {
	residency *residency.Manager
	engine    engine.Engine
	store     retrieval.VectorStore
	cfg       Config
	logger    *slog.Logger
}

// New creates an Asker.
func New(mgr *residency.Manager, eng engine.Engine, store retrieval.VectorStore, cfg Config) *Asker {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaultMaxContextTokens
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = 30 * time.Second
	}
	return &Asker{residency: mgr, engine: eng, store: store, cfg: cfg, logger: slog.Default()}
}

// Search embeds query and returns the topK nearest papers of collection, or
// of the most recent collection when collection is empty.
func (a *Asker) Search(ctx context.Context, collection, query string, topK int) (string, []retrieval.ContextChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil, errors.New("empty query")
	}
	if topK <= 0 {
		topK = a.cfg.TopK
	}
	if collection == "" {
		latest, err := retrieval.NewRetriever(nil, a.store).LatestCollection(ctx)
		if err != nil {
			return "", nil, err
		}
		collection = latest
	}

	var chunks []retrieval.ContextChunk
	err := residency.With(ctx, a.residency, residency.RoleEmbedding, func(ctx context.Context, l *residency.Lease) error {
		r := retrieval.NewRetriever(retrieval.NewEmbedder(a.engine, l.Model()), a.store)
		var err error
		chunks, err = r.Retrieve(ctx, collection, query, topK)
		return err
	})
	if err != nil {
		return collection, nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	return collection, chunks, nil
}

// Ask answers question from collection, or from the most recent collection
// when collection is empty.
func (a *Asker) Ask(ctx context.Context, collection, question string) (Answer, error) {
	collection, chunks, err := a.Search(ctx, collection, question, a.cfg.TopK)
	if err != nil {
		return Answer{}, err
	}
	ans := Answer{Question: strings.TrimSpace(question), Collection: collection}
	if len(chunks) == 0 {
		return ans, fmt.Errorf("no papers in %s: %w", collection, research.ErrEmptyResult)
	}

	err = residency.With(ctx, a.residency, residency.RoleGenerator, func(ctx context.Context, l *residency.Lease) error {
		ans.Model = l.Model()
		if a.cfg.Rerank {
			rr := &reranker{chat: a.engine, threshold: a.cfg.RerankThreshold, timeout: a.cfg.RerankTimeout}
			chunks = rr.rerank(ctx, l, ans.Question, chunks)
		}
		ans.Sources = selectChunks(chunks, a.cfg.MaxContextTokens)

		var raw string
		err := retry.WithBackoff(ctx, a.cfg.Retry, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			callCtx, cancel := research.Detach(ctx)
			defer cancel()
			var err error
			raw, err = a.engine.Chat(callCtx, l.Model(), buildMessages(ans.Question, ans.Sources), nil, l.Options())
			return err
		})
		if err != nil {
			return fmt.Errorf("answering: %w", err)
		}
		ans.Text = structured.StripThinking(raw)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, research.ErrCancelled) {
			err = fmt.Errorf("%w: %v", research.ErrCancelled, err)
		}
		return ans, err
	}

	a.logger.Info("question answered", "collection", collection, "sources", len(ans.Sources), "model", ans.Model)
	return ans, nil
}
