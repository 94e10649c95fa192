// Package collector gathers papers for a keyword from a bibliographic
// source and indexes their embeddings for the later stages.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/openalex"
	"github.com/kalambet/topicforge/internal/report"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/retry"
)

// Source is a paged bibliographic search.
type Source interface {
	Name() string
	Search(ctx context.Context, keyword string, page, perPage int) (openalex.Page, error)
}

// Config controls paging, batching and the snapshot location.
type Config struct {
	PerPage          int
	BatchSize        int
	EmbedConcurrency int
	Retry            retry.Config
	// CSVDir receives the paper snapshot; empty disables it.
	CSVDir string
	Now    func() time.Time
}

// Result is what a collection produced.
type Result struct {
	// Papers in retrieval order, including ones without an abstract.
	Papers []research.Paper
	Index  *retrieval.Index
	// Partial is set when paging stopped early on a source failure.
	Partial        bool
	SkippedBatches int
	SnapshotPath   string
	Outcome        research.Outcome
}

// Collector fetches and indexes papers.
type Collector struct {
	source    Source
	store     retrieval.VectorStore
	residency *residency.Manager
	engine    engine.Engine
	cfg       Config
	logger    *slog.Logger
}

// New creates a Collector.
func New(src Source, store retrieval.VectorStore, mgr *residency.Manager, eng engine.Engine, cfg Config) *Collector {
	if cfg.PerPage <= 0 || cfg.PerPage > openalex.MaxPerPage {
		cfg.PerPage = openalex.MaxPerPage
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{source: src, store: store, residency: mgr, engine: eng, cfg: cfg, logger: slog.Default()}
}

// Collect gathers up to limit papers for keyword and indexes those with an
// abstract into collection, replacing whatever it held. Zero papers
// gathered or indexed is research.ErrEmptyResult. On error the returned
// Result still holds whatever was produced.
func (c *Collector) Collect(ctx context.Context, collection, keyword string, limit int) (Result, error) {
	var res Result
	if limit <= 0 {
		return res, fmt.Errorf("paper limit must be positive: %w", research.ErrEmptyResult)
	}

	records, fetchErr := c.fetch(ctx, keyword, limit, &res)
	res.Papers = c.toPapers(records, &res.Outcome)
	res.Outcome.Attempted = len(res.Papers)
	if ctx.Err() != nil {
		res.Outcome.Tag = research.TagFailed
		return res, fmt.Errorf("collecting papers: %w", research.ErrCancelled)
	}
	if len(res.Papers) == 0 {
		res.Outcome.Tag = research.TagFailed
		if fetchErr != nil {
			return res, fmt.Errorf("no papers collected for %q: %w: %v", keyword, research.ErrEmptyResult, fetchErr)
		}
		return res, fmt.Errorf("no papers collected for %q: %w", keyword, research.ErrEmptyResult)
	}

	if c.cfg.CSVDir != "" {
		path, err := report.WritePapersSnapshot(c.cfg.CSVDir, keyword, c.cfg.Now(), res.Papers)
		if err != nil {
			c.logger.Warn("paper snapshot failed", "error", err)
			res.Outcome.Note("csv snapshot failed: %v", err)
		} else {
			res.SnapshotPath = path
		}
	}

	err := residency.With(ctx, c.residency, residency.RoleEmbedding, func(ctx context.Context, l *residency.Lease) error {
		return c.index(ctx, l, collection, keyword, &res)
	})
	if err != nil {
		res.Outcome.Tag = research.TagFailed
		if ctx.Err() != nil && !errors.Is(err, research.ErrCancelled) {
			err = fmt.Errorf("%w: %v", research.ErrCancelled, err)
		}
		return res, fmt.Errorf("indexing papers: %w", err)
	}
	res.Outcome.Resolve()
	return res, nil
}

func (c *Collector) fetch(ctx context.Context, keyword string, limit int, res *Result) ([]openalex.Record, error) {
	perPage := min(c.cfg.PerPage, limit)
	var out []openalex.Record

	for page := 1; len(out) < limit; page++ {
		var p openalex.Page
		err := retry.WithBackoff(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var err error
			p, err = c.source.Search(ctx, keyword, page, perPage)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			c.logger.Warn("paper source failed", "source", c.source.Name(), "page", page, "error", err)
			if len(out) > 0 {
				res.Partial = true
				res.Outcome.Degrade("page %d failed, kept %d papers: %v", page, len(out), err)
			}
			return out, err
		}

		out = append(out, p.Records...)
		c.logger.Debug("fetched page", "page", page, "records", len(p.Records), "total", len(out))
		if !p.HasMore || len(p.Records) == 0 {
			break
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Collector) toPapers(records []openalex.Record, o *research.Outcome) []research.Paper {
	seen := make(map[string]bool, len(records))
	papers := make([]research.Paper, 0, len(records))
	for _, r := range records {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true

		abstract, err := ReconstructAbstract(r.AbstractIndex)
		if err != nil {
			c.logger.Debug("abstract not reconstructable", "paper", r.ID, "error", err)
			o.Note("%s: %v", r.ID, err)
		}
		if abstract != nil {
			text := openalex.PlainText(*abstract)
			abstract = &text
		}
		papers = append(papers, research.Paper{
			ID:           r.ID,
			Title:        r.Title,
			Abstract:     abstract,
			Year:         r.Year,
			URL:          r.URL,
			Authors:      r.Authors,
			Institutions: r.Institutions,
			Source:       c.source.Name(),
		})
	}
	return papers
}

func (c *Collector) index(ctx context.Context, l *residency.Lease, collection, keyword string, res *Result) error {
	if err := c.store.Reset(ctx, collection); err != nil {
		return fmt.Errorf("resetting collection: %w", err)
	}

	var embeddable []research.Paper
	for _, p := range res.Papers {
		if p.HasAbstract() {
			embeddable = append(embeddable, p)
		}
	}
	if len(embeddable) == 0 {
		return fmt.Errorf("none of %d papers has an abstract: %w", len(res.Papers), research.ErrEmptyResult)
	}

	embedder := retrieval.NewEmbedder(c.engine, l.Model())

	var batches [][]string
	for start := 0; start < len(embeddable); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(embeddable))
		texts := make([]string, 0, end-start)
		for _, p := range embeddable[start:end] {
			texts = append(texts, EmbedText(p))
		}
		batches = append(batches, texts)
	}
	// The keyword rides along as the last batch so later stages can search
	// without the embedding model.
	batches = append(batches, []string{keyword})

	results := embedder.EmbedBatches(ctx, batches, c.cfg.EmbedConcurrency)
	kw := results[len(results)-1]
	results = results[:len(results)-1]

	now := c.cfg.Now().UTC()
	var records []retrieval.Record
	for i, br := range results {
		start := i * c.cfg.BatchSize
		papers := embeddable[start:min(start+c.cfg.BatchSize, len(embeddable))]
		if br.Attempts > 1 {
			res.Outcome.Retried++
		}
		if br.Err != nil {
			res.SkippedBatches++
			if !br.Skipped {
				c.logger.Warn("embedding batch skipped", "batch", i, "papers", len(papers), "error", br.Err)
			}
			res.Outcome.Degrade("batch %d (%d papers) not indexed: %v", i, len(papers), br.Err)
			continue
		}
		for j, p := range papers {
			records = append(records, retrieval.Record{
				ID:        p.ID,
				Text:      batches[i][j],
				Embedding: br.Vectors[j],
				Title:     p.Title,
				Year:      p.Year,
				URL:       p.URL,
				Authors:   p.Authors,
				CreatedAt: now,
			})
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("embedding papers: %w", research.ErrCancelled)
	}

	if err := c.store.Insert(ctx, collection, records); err != nil {
		return fmt.Errorf("storing vectors: %w", err)
	}
	res.Outcome.Succeeded = len(records)

	query := []float32(nil)
	if kw.Err == nil && len(kw.Vectors) == 1 {
		query = kw.Vectors[0]
	} else if len(records) > 0 {
		query = centroid(records)
		res.Outcome.Degrade("keyword embedding failed, searching by paper centroid: %v", kw.Err)
	}
	res.Index = retrieval.NewIndex(c.store, collection, keyword, query)

	c.logger.Info("papers indexed", "collection", collection, "indexed", len(records),
		"papers", len(res.Papers), "skipped_batches", res.SkippedBatches)

	if len(records) == 0 {
		return fmt.Errorf("no papers indexed: %w", research.ErrEmptyResult)
	}
	return nil
}

func centroid(records []retrieval.Record) []float32 {
	dim := len(records[0].Embedding)
	out := make([]float32, dim)
	for _, r := range records {
		for i := 0; i < dim && i < len(r.Embedding); i++ {
			out[i] += r.Embedding[i]
		}
	}
	n := float32(len(records))
	for i := range out {
		out[i] /= n
	}
	return out
}
