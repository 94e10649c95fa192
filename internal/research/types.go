// Package research defines the data that flows between pipeline stages:
// collected papers, topic drafts, scored and translated topics, and the
// record of a whole pipeline run.
package research

import (
	"strings"
	"time"
)

// Paper is a collected bibliographic record. Abstract is nil when the source
// supplied no abstract or its positional index could not be reconstructed.
type Paper struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Abstract     *string  `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Year         int      `json:"year,omitempty" yaml:"year,omitempty"`
	URL          string   `json:"url,omitempty" yaml:"url,omitempty"`
	Authors      []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Institutions []string `json:"institutions,omitempty" yaml:"institutions,omitempty"`
	Source       string   `json:"source,omitempty" yaml:"source,omitempty"`
}

// HasAbstract reports whether the paper carries a non-empty abstract.
func (p Paper) HasAbstract() bool {
	return p.Abstract != nil && strings.TrimSpace(*p.Abstract) != ""
}

// AbstractText returns the abstract or "" when absent.
func (p Paper) AbstractText() string {
	if p.Abstract == nil {
		return ""
	}
	return *p.Abstract
}

// Ref returns the citation metadata shown next to a topic.
func (p Paper) Ref() PaperRef {
	return PaperRef{ID: p.ID, Title: p.Title, Authors: p.Authors, Year: p.Year, URL: p.URL, Institutions: p.Institutions}
}

// PaperRef is the subset of paper metadata attached to a topic.
type PaperRef struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Authors []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Year    int      `json:"year,omitempty" yaml:"year,omitempty"`
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`

	Institutions []string `json:"institutions,omitempty" yaml:"institutions,omitempty"`
}

// Section labels every topic draft must carry, in report order.
const (
	SectionBackground      = "Background"
	SectionNecessity       = "Necessity"
	SectionExpectedEffects = "Expected Effects"
)

// RequiredSections lists the section labels in their fixed order.
var RequiredSections = []string{SectionBackground, SectionNecessity, SectionExpectedEffects}

// Section is one labeled narrative block of a topic.
type Section struct {
	Label string `json:"label" yaml:"label"`
	Body  string `json:"body" yaml:"body"`
}

// TopicDraft is a generated research topic before scoring.
type TopicDraft struct {
	Title           string     `json:"title" yaml:"title"`
	Sections        []Section  `json:"sections" yaml:"sections"`
	TableOfContents []string   `json:"table_of_contents,omitempty" yaml:"table_of_contents,omitempty"`
	PaperIDs        []string   `json:"paper_ids" yaml:"paper_ids"`
	RelatedPapers   []PaperRef `json:"related_papers,omitempty" yaml:"related_papers,omitempty"`
}

// Section returns the body of the section with the given label.
func (d TopicDraft) Section(label string) (string, bool) {
	for _, s := range d.Sections {
		if s.Label == label {
			return s.Body, true
		}
	}
	return "", false
}

// Score range accepted from the evaluator.
const (
	MinScore = 1
	MaxScore = 10
)

// Score is one evaluation dimension with the model's rationale.
type Score struct {
	Value     int    `json:"value" yaml:"value"`
	Rationale string `json:"rationale" yaml:"rationale"`
}

// InRange reports whether the value lies in [MinScore, MaxScore].
func (s Score) InRange() bool {
	return s.Value >= MinScore && s.Value <= MaxScore
}

// Scores groups the three evaluation dimensions.
type Scores struct {
	Originality Score `json:"originality" yaml:"originality"`
	Feasibility Score `json:"feasibility" yaml:"feasibility"`
	Impact      Score `json:"impact" yaml:"impact"`
}

// Total is the equal-weight sum of the three dimensions.
func (s Scores) Total() int {
	return s.Originality.Value + s.Feasibility.Value + s.Impact.Value
}

// MaxTotal is the highest possible Total.
const MaxTotal = 3 * MaxScore

// ScoredTopic is a draft annotated with scores. When Scored is false the
// evaluator could not obtain a valid response and Scores must not be shown
// as numbers.
type ScoredTopic struct {
	Position int        `json:"position" yaml:"position"`
	Draft    TopicDraft `json:"draft" yaml:"draft"`
	Scores   Scores     `json:"scores" yaml:"scores"`
	Scored   bool       `json:"scored" yaml:"scored"`
}

// TranslatedTopic mirrors a ScoredTopic with its text in Language. When
// Translated is false the text is the original-language text passed through.
type TranslatedTopic struct {
	ScoredTopic `yaml:",inline"`
	Language    string `json:"language" yaml:"language"`
	Translated  bool   `json:"translated" yaml:"translated"`
}

// RunStatus is the final verdict of a pipeline run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// StageResult records what one stage produced and how it ended.
type StageResult struct {
	Stage      string    `json:"stage" yaml:"stage"`
	Outcome    Outcome   `json:"outcome" yaml:"outcome"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// PipelineRun owns everything a run produced. Whatever stages completed
// stay inspectable after a failure.
type PipelineRun struct {
	ID             string    `json:"id" yaml:"id"`
	Keyword        string    `json:"keyword" yaml:"keyword"`
	PaperLimit     int       `json:"paper_limit" yaml:"paper_limit"`
	TopicCount     int       `json:"topic_count" yaml:"topic_count"`
	TargetLanguage string    `json:"target_language,omitempty" yaml:"target_language,omitempty"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time `json:"finished_at" yaml:"finished_at"`
	State          string    `json:"state" yaml:"state"`
	Status         RunStatus `json:"status" yaml:"status"`
	Cancelled      bool      `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`

	Stages     []StageResult     `json:"stages" yaml:"stages"`
	Papers     []Paper           `json:"papers,omitempty" yaml:"-"`
	IndexedIDs []string          `json:"indexed_ids,omitempty" yaml:"indexed_ids,omitempty"`
	Drafts     []TopicDraft      `json:"drafts,omitempty" yaml:"-"`
	Scored     []ScoredTopic     `json:"scored,omitempty" yaml:"scored,omitempty"`
	Translated []TranslatedTopic `json:"translated,omitempty" yaml:"translated,omitempty"`
	Reports    []string          `json:"reports,omitempty" yaml:"reports,omitempty"`

	Err error `json:"-" yaml:"-"`
}

// Degraded reports whether any recorded stage ended degraded.
func (r *PipelineRun) Degraded() bool {
	for _, s := range r.Stages {
		if s.Outcome.Tag == TagDegraded {
			return true
		}
	}
	return false
}
