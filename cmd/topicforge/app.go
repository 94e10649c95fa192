package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/topicforge/internal/ask"
	"github.com/kalambet/topicforge/internal/collector"
	"github.com/kalambet/topicforge/internal/config"
	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/evaluator"
	"github.com/kalambet/topicforge/internal/generator"
	"github.com/kalambet/topicforge/internal/openalex"
	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/report"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/retry"
	"github.com/kalambet/topicforge/internal/storage"
	"github.com/kalambet/topicforge/internal/translator"
)

// app holds the components shared by run, ask and serve. One residency
// manager serves every consumer in the process.
type app struct {
	cfg       config.Config
	engine    engine.Engine
	store     *storage.Store
	vectors   *retrieval.SQLiteStore
	residency *residency.Manager
}

func openApp(cfg config.Config) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	mgr := residency.NewManager(eng, residencyConfig(cfg), residency.WithObserver(func(ev residency.Event) {
		slog.Debug("residency", "event", ev.Kind, "role", ev.Role, "model", ev.Model)
	}))

	return &app{
		cfg:       cfg,
		engine:    eng,
		store:     store,
		vectors:   retrieval.NewSQLiteStore(store.DB()),
		residency: mgr,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// ensureReady checks Ollama and pulls any role model that is missing.
func (a *app) ensureReady(ctx context.Context) error {
	return engine.EnsureReady(ctx, a.engine, roleModels(a.cfg), os.Stderr)
}

func residencyConfig(cfg config.Config) residency.Config {
	return residency.Config{
		Roles: map[residency.Role]residency.Binding{
			residency.RoleEmbedding:  {Model: cfg.Models.Embedding},
			residency.RoleGenerator:  {Model: cfg.Models.Generator, Temperature: cfg.Temperature.Generator},
			residency.RoleEvaluator:  {Model: cfg.Models.Evaluator, Temperature: cfg.Temperature.Evaluator},
			residency.RoleTranslator: {Model: cfg.Models.Translator, Temperature: cfg.Temperature.Translator},
		},
		VerifyTimeout: cfg.VerifyTimeout(),
		EagerUnload:   cfg.Residency.EagerUnload,
	}
}

// roleModels lists the configured model of every role, in pipeline order.
func roleModels(cfg config.Config) []string {
	return []string{cfg.Models.Embedding, cfg.Models.Generator, cfg.Models.Evaluator, cfg.Models.Translator}
}

// modelRetry is the retry policy for structured model calls.
func modelRetry() retry.Config {
	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("model call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return rc
}

// sourceRetry is the retry policy for OpenAlex pages.
func sourceRetry(cfg config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.OpenAlex.MaxRetries
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("openalex request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return rc
}

func (a *app) controller() (*pipeline.Controller, error) {
	renderer, err := report.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("loading report template: %w", err)
	}

	cfg := a.cfg
	rc := modelRetry()
	src := openalex.New(cfg.OpenAlex.BaseURL, cfg.OpenAlex.Email)

	return pipeline.New(pipeline.Deps{
		Residency: a.residency,
		Collector: collector.New(src, a.vectors, a.residency, a.engine, collector.Config{
			PerPage:          cfg.OpenAlex.PerPage,
			BatchSize:        cfg.Collector.BatchSize,
			EmbedConcurrency: cfg.Collector.EmbedConcurrency,
			Retry:            sourceRetry(cfg),
			CSVDir:           cfg.Output.CSVDir,
		}),
		Generator:  generator.New(a.engine, generator.Config{TopK: cfg.Retrieval.TopK, Retry: rc}),
		Evaluator:  evaluator.New(a.engine, rc),
		Translator: translator.New(a.engine, rc),
		Renderer:   renderer,
		History:    a.store,
	}, pipeline.Config{
		OutputDir: cfg.Output.Dir,
		LockPath:  cfg.LockPath(),
	}), nil
}

func (a *app) asker() *ask.Asker {
	cfg := a.cfg
	return ask.New(a.residency, a.engine, a.vectors, ask.Config{
		TopK:             cfg.Retrieval.TopK,
		MaxContextTokens: cfg.Ask.MaxContextTokens,
		Rerank:           cfg.Ask.Rerank,
		RerankThreshold:  cfg.Ask.RerankThreshold,
		RerankTimeout:    cfg.RerankTimeout(),
		Retry:            modelRetry(),
	})
}

// defaultRequest is the run request built from pipeline.* config.
func defaultRequest(cfg config.Config) pipeline.Request {
	return pipeline.Request{
		PaperLimit:     cfg.Pipeline.PaperLimit,
		TopicCount:     cfg.Pipeline.TopicCount,
		TargetLanguage: cfg.Pipeline.TargetLanguage,
	}
}
