package storage

import (
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_runs_started", "idx_runs_keyword", "idx_jobs_status_run_after", "idx_paper_vectors_seq"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestPaperVectorsTableExists verifies that the paper_vectors table is created by migration and supports round-trip.
func TestPaperVectorsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO paper_vectors (collection, seq, id, text_chunk, embedding, created_at)
		VALUES ('run1', 1, 'W1', 'Title: x', X'00000000', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into paper_vectors: %v", err)
	}

	var id, authors string
	err = s.db.QueryRow(`SELECT id, authors FROM paper_vectors WHERE collection = 'run1'`).Scan(&id, &authors)
	if err != nil {
		t.Fatalf("SELECT from paper_vectors: %v", err)
	}
	if id != "W1" || authors != "[]" {
		t.Errorf("round-trip mismatch: id=%q authors=%q", id, authors)
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := openTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	want := Run{
		ID:             "run-001",
		Keyword:        "graph neural networks",
		PaperLimit:     10,
		TopicCount:     2,
		TargetLanguage: "Korean",
		State:          "collecting",
		StartedAt:      started,
	}
	if err := s.SaveRun(want); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun("run-001")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Keyword != want.Keyword || got.PaperLimit != 10 || got.TopicCount != 2 {
		t.Errorf("got %+v", got)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want default %q", got.Status, "running")
	}
	if got.ResultJSON != "{}" {
		t.Errorf("ResultJSON = %q, want %q", got.ResultJSON, "{}")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v, want zero", got.FinishedAt)
	}
}

func TestSaveRun_UpdatesExisting(t *testing.T) {
	s := openTestStore(t)

	r := Run{ID: "run-up", Keyword: "k", State: "idle", StartedAt: time.Now().UTC()}
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	r.State = "failed"
	r.Status = "failed"
	r.Cancelled = true
	r.Error = "cancelled"
	r.ReportDir = "/tmp/report"
	r.ResultJSON = `{"id":"run-up"}`
	r.FinishedAt = time.Now().UTC()
	if err := s.SaveRun(r); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun("run-up")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "failed" || !got.Cancelled || got.Error != "cancelled" || got.ReportDir != "/tmp/report" {
		t.Errorf("got %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Error("FinishedAt not stored")
	}
}

func TestUpdateRunState(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveRun(Run{ID: "run-st", Keyword: "k", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.UpdateRunState("run-st", "generating"); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	got, _ := s.GetRun("run-st")
	if got.State != "generating" {
		t.Errorf("State = %q, want %q", got.State, "generating")
	}

	if err := s.UpdateRunState("missing", "x"); err != ErrNotFound {
		t.Errorf("UpdateRunState(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRun("nonexistent")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		r := Run{
			ID:        fmt.Sprintf("run-%d", i),
			Keyword:   "k",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveRun(r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	results, err := s.ListRuns(3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ID != "run-4" {
		t.Errorf("first result ID = %q, want %q", results[0].ID, "run-4")
	}
}

func TestStageResults(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SaveRun(Run{ID: "run-s", Keyword: "k", StartedAt: now}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	stages := []StageRecord{
		{RunID: "run-s", Seq: 1, Stage: "generate", Outcome: "degraded", OutcomeJSON: `{"degraded":1}`, StartedAt: now, FinishedAt: now},
		{RunID: "run-s", Seq: 0, Stage: "collect", Outcome: "success", StartedAt: now, FinishedAt: now},
	}
	for _, sr := range stages {
		if err := s.SaveStageResult(sr); err != nil {
			t.Fatalf("SaveStageResult: %v", err)
		}
	}

	got, err := s.StageResults("run-s")
	if err != nil {
		t.Fatalf("StageResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d stages, want 2", len(got))
	}
	if got[0].Stage != "collect" || got[1].Stage != "generate" {
		t.Errorf("stages out of order: %+v", got)
	}
	if got[0].OutcomeJSON != "{}" {
		t.Errorf("OutcomeJSON default = %q", got[0].OutcomeJSON)
	}

	if err := s.SaveStageResult(StageRecord{RunID: "no-such-run", Stage: "collect", StartedAt: now, FinishedAt: now}); err == nil {
		t.Error("expected foreign key error for unknown run")
	}
}

func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, run_after, created_at, updated_at)
		VALUES ('j1', 'brainstorm_run', '{"keyword":"gnn"}', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "brainstorm_run" {
		t.Errorf("type = %q, want %q", typ, "brainstorm_run")
	}
	if payload != `{"keyword":"gnn"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"keyword":"gnn"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        "brainstorm_run",
		PayloadJSON: `{"keyword":"gnn"}`,
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"brainstorm_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != "brainstorm_run" {
		t.Errorf("Type = %q, want %q", got.Type, "brainstorm_run")
	}
	if got.PayloadJSON != `{"keyword":"gnn"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"keyword":"gnn"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob([]string{"brainstorm_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        "brainstorm_run",
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"brainstorm_run"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}

	if err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestGetJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-get", Type: "brainstorm_run", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.GetJob("j-get")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.MaxAttempts != 1 {
		t.Errorf("job = %+v", j)
	}

	if _, err := s.GetJob("missing"); err != ErrNotFound {
		t.Errorf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailStaleJobs(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-stale", Type: "brainstorm_run", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	later := Job{ID: "j-pending", Type: "brainstorm_run", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(later); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"brainstorm_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.FailStaleJobs([]string{"brainstorm_run"}, "interrupted")
	if err != nil {
		t.Fatalf("FailStaleJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("changed %d jobs, want 1", n)
	}
	stale, _ := s.GetJob("j-stale")
	if stale.Status != "failed" || stale.LastError != "interrupted" {
		t.Errorf("stale job = %+v", stale)
	}
	pending, _ := s.GetJob("j-pending")
	if pending.Status != "pending" {
		t.Errorf("pending job status = %q", pending.Status)
	}
}

func TestRequeueJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j-busy", Type: "brainstorm_run", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"brainstorm_run"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	later := time.Now().UTC().Add(time.Minute)
	if err := s.RequeueJob("j-busy", later); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	j, err := s.GetJob("j-busy")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 0 {
		t.Errorf("requeued job: status=%q attempts=%d, want pending/0", j.Status, j.Attempts)
	}
	if !j.RunAfter.After(time.Now()) {
		t.Errorf("run_after = %v, want in the future", j.RunAfter)
	}
	if next, _ := s.ClaimNextJob([]string{"brainstorm_run"}); next != nil {
		t.Errorf("claimed %s before run_after", next.ID)
	}

	if err := s.RequeueJob("missing", later); err != ErrNotFound {
		t.Errorf("RequeueJob(missing) = %v, want ErrNotFound", err)
	}
}
