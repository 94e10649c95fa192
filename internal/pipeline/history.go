package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/topicforge/internal/report"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/storage"
)

// History persists runs. *storage.Store implements it.
type History interface {
	SaveRun(r storage.Run) error
	UpdateRunState(id, state string) error
	SaveStageResult(sr storage.StageRecord) error
}

var _ History = (*storage.Store)(nil)

func (c *Controller) saveRun(r *runner) {
	h := c.deps.History
	if h == nil {
		return
	}
	row, err := toStorageRun(r.run, r.reportDir)
	if err == nil {
		err = h.SaveRun(row)
	}
	if err != nil {
		c.logger.Warn("persisting run failed", "run_id", r.run.ID, "error", err)
	}
}

func (c *Controller) saveStage(runID string, seq int, sr research.StageResult) {
	h := c.deps.History
	if h == nil {
		return
	}
	outcome, err := json.Marshal(sr.Outcome)
	if err == nil {
		err = h.SaveStageResult(storage.StageRecord{
			RunID:       runID,
			Seq:         seq,
			Stage:       sr.Stage,
			Outcome:     string(sr.Outcome.Tag),
			OutcomeJSON: string(outcome),
			Error:       sr.Error,
			StartedAt:   sr.StartedAt,
			FinishedAt:  sr.FinishedAt,
		})
	}
	if err != nil {
		c.logger.Warn("persisting stage result failed", "run_id", runID, "stage", sr.Stage, "error", err)
	}
}

func toStorageRun(run *research.PipelineRun, reportDir string) (storage.Run, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return storage.Run{}, fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	return storage.Run{
		ID:             run.ID,
		Keyword:        run.Keyword,
		PaperLimit:     run.PaperLimit,
		TopicCount:     run.TopicCount,
		TargetLanguage: run.TargetLanguage,
		State:          run.State,
		Status:         string(run.Status),
		Cancelled:      run.Cancelled,
		Error:          run.Error,
		ReportDir:      reportDir,
		ResultJSON:     string(doc),
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}, nil
}

// LoadRun decodes the run document stored for a history row.
func LoadRun(row storage.Run) (*research.PipelineRun, error) {
	var run research.PipelineRun
	if err := json.Unmarshal([]byte(row.ResultJSON), &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", row.ID, err)
	}
	if run.ID == "" {
		run.ID = row.ID
		run.Keyword = row.Keyword
		run.State = row.State
		run.Status = research.RunStatus(row.Status)
		run.StartedAt = row.StartedAt
	}
	return &run, nil
}

func reportDir(outputDir, keyword, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(outputDir, report.Slug(keyword)+"_"+short)
}

// File names inside a run's report directory.
const (
	EnglishReportFile = "report_en.html"
	PapersFile        = "papers.csv"
	ManifestFile      = "run.yaml"
)

func (r *runner) renderEnglish() {
	doc := report.Document{
		RunID:       r.run.ID,
		Keyword:     r.run.Keyword,
		Language:    report.English,
		Tag:         "en",
		GeneratedAt: r.c.cfg.Now().UTC(),
		Topics:      report.FromScored(research.Rank(r.run.Scored)),
	}
	r.render(EnglishReportFile, doc)
}

func (r *runner) renderTranslated() {
	if r.lang == nil || r.lang.IsEnglish() {
		return
	}
	tag := r.lang.Tag.String()
	doc := report.Document{
		RunID:       r.run.ID,
		Keyword:     r.run.Keyword,
		Language:    r.lang.Name,
		Tag:         tag,
		GeneratedAt: r.c.cfg.Now().UTC(),
		Topics:      research.RankTranslated(r.run.Translated),
	}
	r.render("report_"+tag+".html", doc)
}

func (r *runner) render(name string, doc report.Document) {
	if r.reportDir == "" || r.c.deps.Renderer == nil {
		return
	}
	path, err := r.c.deps.Renderer.RenderFile(r.reportDir, name, doc)
	if err != nil {
		r.c.logger.Warn("rendering report failed", "run_id", r.run.ID, "report", name, "error", err)
		return
	}
	r.run.Reports = append(r.run.Reports, path)
	r.c.logger.Info("report written", "run_id", r.run.ID, "path", path)
}

// writeArtifacts writes the paper list and run manifest. Failures are
// logged only.
func (r *runner) writeArtifacts() {
	if r.reportDir == "" {
		return
	}
	if err := os.MkdirAll(r.reportDir, 0o755); err != nil {
		r.c.logger.Warn("creating report directory failed", "run_id", r.run.ID, "error", err)
		return
	}
	if len(r.run.Papers) > 0 {
		if err := writePapers(filepath.Join(r.reportDir, PapersFile), r.run.Papers); err != nil {
			r.c.logger.Warn("writing papers failed", "run_id", r.run.ID, "error", err)
		}
	}
	m := report.Manifest{Run: r.run, Snapshot: r.snapshot}
	if err := report.WriteManifest(filepath.Join(r.reportDir, ManifestFile), m); err != nil {
		r.c.logger.Warn("writing manifest failed", "run_id", r.run.ID, "error", err)
	}
}

func writePapers(path string, papers []research.Paper) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WritePapersCSV(f, papers); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
