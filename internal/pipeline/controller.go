// Package pipeline runs the brainstorming pipeline as an explicit state
// machine: collect, generate, evaluate and translate, with one model lease
// per stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/topicforge/internal/collector"
	"github.com/kalambet/topicforge/internal/evaluator"
	"github.com/kalambet/topicforge/internal/generator"
	"github.com/kalambet/topicforge/internal/report"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/translator"
)

// Stage names recorded in a run.
const (
	StageCollect   = "collect"
	StageGenerate  = "generate"
	StageEvaluate  = "evaluate"
	StageTranslate = "translate"
)

// Request starts a run.
type Request struct {
	// RunID, when set, is used instead of a fresh ID.
	RunID      string `json:"run_id,omitempty"`
	Keyword    string `json:"keyword"`
	PaperLimit int    `json:"paper_limit"`
	TopicCount int    `json:"topic_count"`
	// TargetLanguage is a BCP 47 tag or language name; empty skips
	// translation.
	TargetLanguage string `json:"target_language,omitempty"`
}

// Validate checks the request and resolves its target language.
func (r Request) Validate() (*translator.Language, error) {
	if strings.TrimSpace(r.Keyword) == "" {
		return nil, errors.New("keyword is required")
	}
	if r.PaperLimit <= 0 {
		return nil, fmt.Errorf("paper limit must be positive, got %d", r.PaperLimit)
	}
	if r.TopicCount <= 0 {
		return nil, fmt.Errorf("topic count must be positive, got %d", r.TopicCount)
	}
	if strings.TrimSpace(r.TargetLanguage) == "" {
		return nil, nil
	}
	lang, err := translator.ResolveLanguage(r.TargetLanguage)
	if err != nil {
		return nil, err
	}
	return &lang, nil
}

// Deps are the stage components a Controller drives.
type Deps struct {
	Residency  *residency.Manager
	Collector  *collector.Collector
	Generator  *generator.Generator
	Evaluator  *evaluator.Evaluator
	Translator *translator.Translator
	// Renderer may be nil, which disables HTML reports.
	Renderer *report.Renderer
	// History may be nil, which disables run persistence.
	History History
}

// Config controls a Controller.
type Config struct {
	// OutputDir receives one report directory per run; empty disables
	// report output.
	OutputDir string
	// LockPath is the machine-wide run lock; empty disables it.
	LockPath string

	Now   func() time.Time
	NewID func() string
}

// Controller sequences the pipeline stages.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Controller.
func New(deps Deps, cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return &Controller{deps: deps, cfg: cfg, logger: slog.Default()}
}

// Run executes one pipeline run. The returned run is never nil once the
// request is valid: whatever the completed stages produced stays attached
// when the error is non-nil. Every configured model is unloaded before Run
// returns.
func (c *Controller) Run(ctx context.Context, req Request) (*research.PipelineRun, error) {
	lang, err := req.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid run request: %w", err)
	}

	unlock, err := acquireLock(c.cfg.LockPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id := req.RunID
	if id == "" {
		id = c.cfg.NewID()
	}
	run := &research.PipelineRun{
		ID:             id,
		Keyword:        strings.TrimSpace(req.Keyword),
		PaperLimit:     req.PaperLimit,
		TopicCount:     req.TopicCount,
		TargetLanguage: req.TargetLanguage,
		StartedAt:      c.cfg.Now().UTC(),
		State:          string(StateIdle),
		Status:         research.StatusRunning,
	}
	r := &runner{c: c, run: run, state: StateIdle, lang: lang}
	if c.cfg.OutputDir != "" {
		r.reportDir = reportDir(c.cfg.OutputDir, run.Keyword, run.ID)
	}
	c.saveRun(r)
	c.logger.Info("pipeline run started", "run_id", run.ID, "keyword", run.Keyword,
		"paper_limit", run.PaperLimit, "topics", run.TopicCount, "language", req.TargetLanguage)

	runErr := r.execute(ctx)

	// Cleanup must happen even when the caller cancelled.
	if err := c.deps.Residency.Shutdown(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("final model cleanup failed", "run_id", run.ID, "error", err)
		if n := len(run.Stages); n > 0 {
			run.Stages[n-1].Outcome.Note("final model cleanup failed: %v", err)
		}
	}

	r.finish(runErr)
	r.writeArtifacts()
	c.saveRun(r)

	c.logger.Info("pipeline run finished", "run_id", run.ID, "status", run.Status,
		"state", run.State, "duration", run.FinishedAt.Sub(run.StartedAt))
	return run, runErr
}

// runner carries one run through the state machine.
type runner struct {
	c     *Controller
	run   *research.PipelineRun
	state State
	lang  *translator.Language

	index     *retrieval.Index
	snapshot  string
	reportDir string
}

type step struct {
	name           string
	active, done   State
	fn             func(ctx context.Context) (research.Outcome, error)
	afterCompleted func()
}

func (r *runner) steps() []step {
	return []step{
		{StageCollect, StateCollecting, StateIndexed, r.collect, nil},
		{StageGenerate, StateGenerating, StateGenerated, r.generate, nil},
		{StageEvaluate, StateEvaluating, StateEvaluated, r.evaluate, r.renderEnglish},
		{StageTranslate, StateTranslating, StateDone, r.translate, r.renderTranslated},
	}
}

func (r *runner) execute(ctx context.Context) error {
	for _, s := range r.steps() {
		if ctx.Err() != nil {
			err := fmt.Errorf("before %s: %w", s.name, research.ErrCancelled)
			r.fail(err)
			return err
		}
		if err := r.advance(s.active); err != nil {
			r.fail(err)
			return err
		}

		started := r.c.cfg.Now().UTC()
		out, err := s.fn(ctx)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, research.ErrCancelled) {
				err = fmt.Errorf("%w: %v", research.ErrCancelled, err)
			}
			out.Tag = research.TagFailed
		}
		r.record(s.name, out, started, err)
		if err != nil {
			err = fmt.Errorf("%s stage: %w", s.name, err)
			r.fail(err)
			return err
		}

		if err := r.advance(s.done); err != nil {
			r.fail(err)
			return err
		}
		if s.afterCompleted != nil {
			s.afterCompleted()
		}
	}
	return nil
}

func (r *runner) advance(to State) error {
	if err := advance(r.state, to); err != nil {
		return err
	}
	r.c.logger.Debug("pipeline transition", "run_id", r.run.ID, "from", r.state, "to", to)
	r.state = to
	r.run.State = string(to)
	if h := r.c.deps.History; h != nil {
		if err := h.UpdateRunState(r.run.ID, string(to)); err != nil {
			r.c.logger.Warn("persisting run state failed", "run_id", r.run.ID, "error", err)
		}
	}
	return nil
}

func (r *runner) fail(err error) {
	if r.state != StateFailed {
		// Failed is reachable from every non-terminal state.
		_ = r.advance(StateFailed)
	}
	r.run.Err = err
}

func (r *runner) record(name string, out research.Outcome, started time.Time, err error) {
	sr := research.StageResult{
		Stage:      name,
		Outcome:    out,
		StartedAt:  started,
		FinishedAt: r.c.cfg.Now().UTC(),
	}
	if err != nil {
		sr.Error = err.Error()
	}
	r.run.Stages = append(r.run.Stages, sr)
	r.c.saveStage(r.run.ID, len(r.run.Stages), sr)

	r.c.logger.Info("pipeline stage finished", "run_id", r.run.ID, "stage", name, "outcome", out.Tag,
		"attempted", out.Attempted, "succeeded", out.Succeeded, "degraded", out.Degraded,
		"duration", sr.FinishedAt.Sub(started))
}

func (r *runner) finish(err error) {
	run := r.run
	run.FinishedAt = r.c.cfg.Now().UTC()
	switch {
	case err != nil:
		run.Status = research.StatusFailed
		run.Err = err
		run.Error = err.Error()
		run.Cancelled = errors.Is(err, research.ErrCancelled)
	case run.Degraded():
		run.Status = research.StatusPartial
	default:
		run.Status = research.StatusSuccess
	}
}

// collect: Collecting → Indexed.
func (r *runner) collect(ctx context.Context) (research.Outcome, error) {
	res, err := r.c.deps.Collector.Collect(ctx, collectionName(r.run.Keyword), r.run.Keyword, r.run.PaperLimit)
	r.run.Papers = res.Papers
	r.snapshot = res.SnapshotPath
	out := res.Outcome
	if res.Partial {
		out.Note("collection stopped early after a source failure")
	}
	if res.SkippedBatches > 0 {
		out.Note("%d embedding batches skipped", res.SkippedBatches)
	}
	if n := len(res.Papers); n > 0 && n < r.run.PaperLimit && !res.Partial {
		out.Note("source returned %d of %d requested papers", n, r.run.PaperLimit)
	}
	if err != nil {
		return out, err
	}

	r.index = res.Index
	ids, err := res.Index.IDs(ctx)
	if err != nil {
		return out, fmt.Errorf("listing indexed papers: %w", err)
	}
	if len(ids) == 0 {
		return out, fmt.Errorf("no papers indexed: %w", research.ErrEmptyResult)
	}
	r.run.IndexedIDs = ids
	return out, nil
}

// generate: Generating → Generated, under the generator lease.
func (r *runner) generate(ctx context.Context) (research.Outcome, error) {
	var out research.Outcome
	err := residency.With(ctx, r.c.deps.Residency, residency.RoleGenerator, func(ctx context.Context, l *residency.Lease) error {
		drafts, o, err := r.c.deps.Generator.Generate(ctx, l, r.index, r.run.Keyword, r.run.TopicCount)
		out = o
		r.run.Drafts = attachPapers(drafts, r.run.Papers)
		return err
	})
	if err != nil {
		return out, err
	}
	if len(r.run.Drafts) == 0 {
		return out, fmt.Errorf("no topics generated: %w", research.ErrEmptyResult)
	}
	return out, nil
}

// evaluate: Evaluating → Evaluated, under the evaluator lease.
func (r *runner) evaluate(ctx context.Context) (research.Outcome, error) {
	var out research.Outcome
	err := residency.With(ctx, r.c.deps.Residency, residency.RoleEvaluator, func(ctx context.Context, l *residency.Lease) error {
		scored, o, err := r.c.deps.Evaluator.Evaluate(ctx, l, r.run.Drafts)
		out = o
		r.run.Scored = scored
		return err
	})
	return out, err
}

// translate: Translating → Done. Without a target language it is a no-op.
func (r *runner) translate(ctx context.Context) (research.Outcome, error) {
	if r.lang == nil {
		out := research.Outcome{}
		out.Note("no target language requested")
		return out.Resolve(), nil
	}
	var out research.Outcome
	err := residency.With(ctx, r.c.deps.Residency, residency.RoleTranslator, func(ctx context.Context, l *residency.Lease) error {
		translated, o, err := r.c.deps.Translator.Translate(ctx, l, r.run.Scored, *r.lang)
		out = o
		r.run.Translated = translated
		return err
	})
	return out, err
}

// attachPapers replaces each draft's related paper refs with the collected
// paper metadata, which carries institutions the index does not.
func attachPapers(drafts []research.TopicDraft, papers []research.Paper) []research.TopicDraft {
	byID := make(map[string]research.Paper, len(papers))
	for _, p := range papers {
		byID[p.ID] = p
	}
	for i := range drafts {
		for j, ref := range drafts[i].RelatedPapers {
			if p, ok := byID[ref.ID]; ok {
				drafts[i].RelatedPapers[j] = p.Ref()
			}
		}
	}
	return drafts
}

// collectionName is the vector collection that holds a keyword's papers.
// Re-running a keyword replaces its collection.
func collectionName(keyword string) string {
	return "papers_" + report.Slug(strings.ToLower(keyword))
}
