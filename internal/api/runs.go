package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/topicforge/internal/ask"
	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/storage"
	"github.com/kalambet/topicforge/internal/worker"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Asker answers questions and searches the paper index.
type Asker interface {
	Ask(ctx context.Context, collection, question string) (ask.Answer, error)
	Search(ctx context.Context, collection, query string, topK int) (string, []retrieval.ContextChunk, error)
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Store *storage.Store
	Asker Asker // optional; if nil, /ask returns 503
	Token string
	// Defaults fills zero paper_limit and topic_count in POST /runs.
	Defaults pipeline.Request
}

// NewAppHandler returns the HTTP API. /health is served without auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/runs", handleCreateRun(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/ask", handleAsk(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req = withDefaults(req, deps.Defaults)
		if _, err := req.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := worker.Enqueue(deps.Store, req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue run: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "queued"})
	}
}

func withDefaults(req, defaults pipeline.Request) pipeline.Request {
	if req.PaperLimit == 0 {
		req.PaperLimit = defaults.PaperLimit
	}
	if req.TopicCount == 0 {
		req.TopicCount = defaults.TopicCount
	}
	if req.TargetLanguage == "" {
		req.TargetLanguage = defaults.TargetLanguage
	}
	return req
}

// runSummary is one row of GET /runs.
type runSummary struct {
	ID             string    `json:"id"`
	Keyword        string    `json:"keyword"`
	TargetLanguage string    `json:"target_language,omitempty"`
	State          string    `json:"state"`
	Status         string    `json:"status"`
	Cancelled      bool      `json:"cancelled,omitempty"`
	Error          string    `json:"error,omitempty"`
	ReportDir      string    `json:"report_dir,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}

		out := make([]runSummary, len(runs))
		for i, run := range runs {
			out[i] = runSummary{
				ID:             run.ID,
				Keyword:        run.Keyword,
				TargetLanguage: run.TargetLanguage,
				State:          run.State,
				Status:         run.Status,
				Cancelled:      run.Cancelled,
				Error:          run.Error,
				ReportDir:      run.ReportDir,
				StartedAt:      run.StartedAt,
				FinishedAt:     run.FinishedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// runDetail is the body of GET /runs/{id} for a run that has started.
type runDetail struct {
	*research.PipelineRun
	ReportDir string `json:"report_dir,omitempty"`
}

// queuedRun is the body of GET /runs/{id} for a run still in the job queue,
// or one whose job failed before the run was recorded.
type queuedRun struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		row, err := deps.Store.GetRun(id)
		if err == nil {
			run, err := pipeline.LoadRun(row)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load run: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, runDetail{PipelineRun: run, ReportDir: row.ReportDir})
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && job.Type != worker.JobType) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, queuedRun{ID: job.ID, Status: jobStatus(job.Status), Error: job.LastError})
	}
}

// jobStatus maps a job queue status onto the run status vocabulary.
func jobStatus(s string) string {
	switch s {
	case "pending":
		return "queued"
	case "completed":
		return string(research.StatusSuccess)
	default:
		return s
	}
}

type askRequest struct {
	Question   string `json:"question"`
	Collection string `json:"collection,omitempty"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Asker == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "question answering is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		ans, err := deps.Asker.Ask(r.Context(), req.Collection, req.Question)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, ans)
		case errors.Is(err, research.ErrEmptyResult), errors.Is(err, retrieval.ErrNoCollections):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
		case errors.Is(err, research.ErrResourceExhausted):
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
		default:
			httpError(w, http.StatusBadGateway, "api_error", "answering failed: %v", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
