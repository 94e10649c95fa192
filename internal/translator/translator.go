// Package translator renders scored topics into another language while
// keeping their structure and scores.
package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/retry"
	"github.com/kalambet/topicforge/internal/structured"
)

const systemPrompt = `You are a professional academic translator. Translate the research topic you are given into %s with an academic and professional tone.

Keep the structure exactly: one translated entry per section, in the same order, and one translated entry per table of contents line. Do not merge, split, add or drop entries. Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

type rationaleReply struct {
	Originality string `json:"originality"`
	Feasibility string `json:"feasibility"`
	Impact      string `json:"impact"`
}

type translationReply struct {
	Title           string         `json:"title"`
	Sections        []string       `json:"sections"`
	TableOfContents []string       `json:"table_of_contents"`
	Rationales      rationaleReply `json:"rationales"`
}

// sourcePayload is the structure sent for translation.
type sourcePayload struct {
	Title           string         `json:"title"`
	Sections        []string       `json:"sections"`
	TableOfContents []string       `json:"table_of_contents"`
	Rationales      rationaleReply `json:"rationales"`
}

func translationSchema() *engine.Schema {
	str := engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"title":             str,
			"sections":          {Type: "array", Items: &str, Description: "Translated section bodies, same count and order as the source"},
			"table_of_contents": {Type: "array", Items: &str, Description: "Translated table of contents, same count and order as the source"},
			"rationales": {
				Type:       "object",
				Properties: map[string]engine.SchemaProperty{"originality": str, "feasibility": str, "impact": str},
				Required:   []string{"originality", "feasibility", "impact"},
			},
		},
		Required: []string{"title", "sections", "table_of_contents", "rationales"},
	}
}

// Translator translates scored topics.
type Translator struct {
	chat   structured.Chatter
	retry  retry.Config
	logger *slog.Logger
}

// New creates a Translator.
func New(chat structured.Chatter, rc retry.Config) *Translator {
	return &Translator{chat: chat, retry: rc, logger: slog.Default()}
}

// Translate translates each topic into lang with model m. Order, section
// labels, scores and related papers are preserved. A topic whose reply stays
// malformed is passed through with Translated false. The error is non-nil
// only for cancellation.
func (t *Translator) Translate(ctx context.Context, m structured.Model, topics []research.ScoredTopic, lang Language) ([]research.TranslatedTopic, research.Outcome, error) {
	var out research.Outcome
	result := make([]research.TranslatedTopic, 0, len(topics))

	for i, st := range topics {
		if ctx.Err() != nil {
			return result, out, fmt.Errorf("translating topic %d: %w", i+1, research.ErrCancelled)
		}
		out.Attempted++

		tt := research.TranslatedTopic{ScoredTopic: st, Language: lang.Name}
		if lang.IsEnglish() {
			tt.Translated = true
			result = append(result, tt)
			out.Succeeded++
			continue
		}

		src := payload(st)
		msgs, err := buildMessages(src, lang)
		if err != nil {
			return result, out, err
		}
		validate := func(r *translationReply) error { return checkShape(src, r) }
		reply, res, err := structured.Call(ctx, t.chat, structured.For(m, msgs, translationSchema(), t.retry), validate)
		if res.Retried() {
			out.Retried++
		}
		switch {
		case errors.Is(err, research.ErrCancelled):
			return result, out, fmt.Errorf("translating topic %d: %w", i+1, err)
		case err != nil:
			out.Degrade("topic %d left untranslated: %v", i+1, err)
			t.logger.Warn("topic left untranslated", "topic", st.Draft.Title, "language", lang.Name, "error", err)
		default:
			tt.ScoredTopic = apply(st, reply)
			tt.Translated = true
			out.Succeeded++
		}
		result = append(result, tt)
	}

	out.Resolve()
	return result, out, nil
}

func payload(st research.ScoredTopic) sourcePayload {
	p := sourcePayload{
		Title:           st.Draft.Title,
		TableOfContents: st.Draft.TableOfContents,
	}
	for _, s := range st.Draft.Sections {
		p.Sections = append(p.Sections, s.Body)
	}
	if st.Scored {
		p.Rationales = rationaleReply{
			Originality: st.Scores.Originality.Rationale,
			Feasibility: st.Scores.Feasibility.Rationale,
			Impact:      st.Scores.Impact.Rationale,
		}
	}
	if p.Sections == nil {
		p.Sections = []string{}
	}
	if p.TableOfContents == nil {
		p.TableOfContents = []string{}
	}
	return p
}

func checkShape(src sourcePayload, r *translationReply) error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("empty title")
	}
	if len(r.Sections) != len(src.Sections) {
		return fmt.Errorf("got %d sections, want %d", len(r.Sections), len(src.Sections))
	}
	if len(r.TableOfContents) != len(src.TableOfContents) {
		return fmt.Errorf("got %d table of contents entries, want %d", len(r.TableOfContents), len(src.TableOfContents))
	}
	for i, body := range r.Sections {
		if strings.TrimSpace(body) == "" && strings.TrimSpace(src.Sections[i]) != "" {
			return fmt.Errorf("section %d is empty", i+1)
		}
	}
	return nil
}

// apply copies st with the translated text; labels, scores and papers are kept.
func apply(st research.ScoredTopic, r translationReply) research.ScoredTopic {
	out := st
	d := st.Draft
	d.Title = strings.TrimSpace(r.Title)
	d.Sections = make([]research.Section, len(st.Draft.Sections))
	for i, s := range st.Draft.Sections {
		d.Sections[i] = research.Section{Label: s.Label, Body: strings.TrimSpace(r.Sections[i])}
	}
	if len(st.Draft.TableOfContents) > 0 {
		d.TableOfContents = make([]string, len(r.TableOfContents))
		for i, e := range r.TableOfContents {
			d.TableOfContents[i] = strings.TrimSpace(e)
		}
	}
	out.Draft = d
	if st.Scored {
		out.Scores.Originality.Rationale = strings.TrimSpace(r.Rationales.Originality)
		out.Scores.Feasibility.Rationale = strings.TrimSpace(r.Rationales.Feasibility)
		out.Scores.Impact.Rationale = strings.TrimSpace(r.Rationales.Impact)
	}
	return out
}
