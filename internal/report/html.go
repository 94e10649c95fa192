// Package report renders run results: HTML topic reports, CSV paper
// snapshots and a YAML run manifest.
package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/topicforge/internal/research"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// English is the language name of untranslated reports.
const English = "English"

// Document is everything a rendered report shows.
type Document struct {
	RunID       string
	Keyword     string
	Language    string
	// Tag is the BCP 47 tag of Language, used for the lang attribute.
	Tag         string
	GeneratedAt time.Time
	// Topics in report order; callers rank them first.
	Topics []research.TranslatedTopic
}

// Renderer renders Documents to HTML.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded report template.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing report template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render writes doc as HTML to w.
func (r *Renderer) Render(w io.Writer, doc Document) error {
	if err := r.tmpl.Execute(w, newPageView(doc)); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	return nil
}

// RenderFile writes doc to dir/name and returns the path.
func (r *Renderer) RenderFile(dir, name string, doc Document) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report: %w", err)
	}
	if err := r.Render(f, doc); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// FromScored wraps English topics as a Document body.
func FromScored(scored []research.ScoredTopic) []research.TranslatedTopic {
	out := make([]research.TranslatedTopic, len(scored))
	for i, s := range scored {
		out[i] = research.TranslatedTopic{ScoredTopic: s, Language: English, Translated: true}
	}
	return out
}

type pageView struct {
	Heading     string
	Lang        string
	Keyword     string
	Language    string
	RunID       string
	GeneratedAt string
	Topics      []topicView
}

type topicView struct {
	Rank         int
	Title        string
	Untranslated bool
	Scored       bool
	Total        int
	MaxTotal     int
	Blocks       []blockView
	Papers       []paperView
	Scores       []scoreView
}

type blockView struct {
	Label string
	Body  string
	Items []string
}

type paperView struct {
	Title        string
	URL          template.URL
	Authors      string
	Year         int
	Institutions string
}

type scoreView struct {
	Label     string
	Value     int
	Rationale string
}

func newPageView(doc Document) pageView {
	lang := doc.Language
	if lang == "" {
		lang = English
	}
	tag := doc.Tag
	if tag == "" {
		tag = "en"
	}
	pv := pageView{
		Heading:     "Research Topic Brainstorming Report",
		Lang:        tag,
		Keyword:     doc.Keyword,
		Language:    lang,
		RunID:       doc.RunID,
		GeneratedAt: doc.GeneratedAt.Format("2006-01-02 15:04"),
	}
	for i, t := range doc.Topics {
		pv.Topics = append(pv.Topics, newTopicView(i+1, t))
	}
	return pv
}

func newTopicView(rank int, t research.TranslatedTopic) topicView {
	tv := topicView{
		Rank:         rank,
		Title:        t.Draft.Title,
		Untranslated: !t.Translated,
		Scored:       t.Scored,
		Total:        t.Scores.Total(),
		MaxTotal:     research.MaxTotal,
	}

	tocPlaced := false
	for _, s := range t.Draft.Sections {
		if s.Label == research.SectionExpectedEffects && len(t.Draft.TableOfContents) > 0 {
			tv.Blocks = append(tv.Blocks, blockView{Label: "Table of Contents", Items: t.Draft.TableOfContents})
			tocPlaced = true
		}
		tv.Blocks = append(tv.Blocks, blockView{Label: s.Label, Body: s.Body})
	}
	if !tocPlaced && len(t.Draft.TableOfContents) > 0 {
		tv.Blocks = append(tv.Blocks, blockView{Label: "Table of Contents", Items: t.Draft.TableOfContents})
	}

	for _, p := range t.Draft.RelatedPapers {
		tv.Papers = append(tv.Papers, paperView{
			Title:        p.Title,
			URL:          safeURL(p.URL),
			Authors:      etAl(p.Authors, 3),
			Year:         p.Year,
			Institutions: etAl(p.Institutions, 3),
		})
	}

	if t.Scored {
		tv.Scores = []scoreView{
			{Label: "Originality", Value: t.Scores.Originality.Value, Rationale: t.Scores.Originality.Rationale},
			{Label: "Feasibility", Value: t.Scores.Feasibility.Value, Rationale: t.Scores.Feasibility.Rationale},
			{Label: "Impact", Value: t.Scores.Impact.Value, Rationale: t.Scores.Impact.Rationale},
		}
	}
	return tv
}

// safeURL admits only http(s) links.
func safeURL(u string) template.URL {
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
		return template.URL(u)
	}
	return ""
}

func etAl(names []string, n int) string {
	if len(names) <= n {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:n], ", ") + " et al."
}
