package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one row of run history. ResultJSON holds the full run document.
type Run struct {
	ID             string
	Keyword        string
	PaperLimit     int
	TopicCount     int
	TargetLanguage string
	State          string
	Status         string // "running", "success", "partial", "failed"
	Cancelled      bool
	Error          string
	ReportDir      string
	ResultJSON     string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// StageRecord is one finished pipeline stage of a run.
type StageRecord struct {
	RunID       string
	Seq         int
	Stage       string
	Outcome     string // "success", "degraded", "failed"
	OutcomeJSON string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
