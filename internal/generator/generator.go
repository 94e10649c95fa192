// Package generator drafts research topics from an indexed paper
// collection, one model call per topic slot.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kalambet/topicforge/internal/research"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/retry"
	"github.com/kalambet/topicforge/internal/structured"
)

// Config controls retrieval depth and retries.
type Config struct {
	// TopK is the number of papers retrieved per slot.
	TopK int
	// StateOfTheArt is how many of the newest retrieved papers are listed
	// as the research frontier.
	StateOfTheArt int
	// RelatedPapers caps the papers attached to each draft.
	RelatedPapers int
	Retry         retry.Config
}

// Generator drafts topics.
type Generator struct {
	chat   structured.Chatter
	cfg    Config
	logger *slog.Logger
}

// New creates a Generator.
func New(chat structured.Chatter, cfg Config) *Generator {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.StateOfTheArt <= 0 {
		cfg.StateOfTheArt = 5
	}
	if cfg.RelatedPapers <= 0 {
		cfg.RelatedPapers = 3
	}
	return &Generator{chat: chat, cfg: cfg, logger: slog.Default()}
}

// Generate drafts up to numTopics topics with model m, which must be
// resident. A slot whose reply stays malformed after one stricter retry is
// dropped and counted as degraded. The returned error is non-nil only for
// cancellation; drafts produced so far are returned with it.
func (g *Generator) Generate(ctx context.Context, m structured.Model, ix *retrieval.Index, keyword string, numTopics int) ([]research.TopicDraft, research.Outcome, error) {
	var out research.Outcome
	var drafts []research.TopicDraft
	var leads, titles []string

	for slot := 0; slot < numTopics; slot++ {
		if ctx.Err() != nil {
			return drafts, out, fmt.Errorf("generating topic %d: %w", slot+1, research.ErrCancelled)
		}
		out.Attempted++

		hits, err := g.retrieve(ctx, ix, leads)
		if err != nil {
			out.Degrade("slot %d: retrieval failed: %v", slot+1, err)
			g.logger.Warn("topic retrieval failed", "slot", slot+1, "error", err)
			continue
		}
		if len(hits) > 0 {
			leads = append(leads, hits[0].ID)
		}

		msgs := buildMessages(keyword, slot, numTopics, hits, g.cfg.StateOfTheArt, titles)
		reply, res, err := structured.Call(ctx, g.chat, structured.For(m, msgs, topicSchema(), g.cfg.Retry), validateReply)
		if res.Retried() {
			out.Retried++
		}
		if err != nil {
			if errors.Is(err, research.ErrCancelled) {
				return drafts, out, fmt.Errorf("generating topic %d: %w", slot+1, err)
			}
			out.Degrade("slot %d dropped: %v", slot+1, err)
			g.logger.Warn("topic slot dropped", "slot", slot+1, "error", err)
			continue
		}

		draft := g.toDraft(reply, hits)
		drafts = append(drafts, draft)
		titles = append(titles, draft.Title)
		out.Succeeded++
		g.logger.Info("topic drafted", "slot", slot+1, "title", draft.Title, "papers", len(draft.PaperIDs))
	}

	out.Resolve()
	return drafts, out, nil
}

// retrieve searches with the keyword vector, skipping earlier slots' lead
// papers. Once every paper has led a slot the exclusion is dropped.
func (g *Generator) retrieve(ctx context.Context, ix *retrieval.Index, exclude []string) ([]retrieval.ScoredRecord, error) {
	hits, err := ix.SearchKeyword(ctx, g.cfg.TopK, exclude)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 && len(exclude) > 0 {
		return ix.SearchKeyword(ctx, g.cfg.TopK, nil)
	}
	return hits, nil
}

func validateReply(r *topicReply) error {
	var missing []string
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(r.Background) == "" {
		missing = append(missing, "background")
	}
	if strings.TrimSpace(r.Necessity) == "" {
		missing = append(missing, "necessity")
	}
	if strings.TrimSpace(r.ExpectedEffects) == "" {
		missing = append(missing, "expected_effects")
	}
	if len(r.TableOfContents) == 0 {
		missing = append(missing, "table_of_contents")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (g *Generator) toDraft(r topicReply, hits []retrieval.ScoredRecord) research.TopicDraft {
	retrieved := make([]string, len(hits))
	for i, h := range hits {
		retrieved[i] = h.ID
	}

	ids := citedIDs(r.PaperIDs, retrieved)
	if len(ids) == 0 {
		ids = retrieved
	}

	var toc []string
	for _, entry := range r.TableOfContents {
		if e := strings.TrimSpace(entry); e != "" {
			toc = append(toc, e)
		}
	}

	d := research.TopicDraft{
		Title: strings.TrimSpace(r.Title),
		Sections: []research.Section{
			{Label: research.SectionBackground, Body: strings.TrimSpace(r.Background)},
			{Label: research.SectionNecessity, Body: strings.TrimSpace(r.Necessity)},
			{Label: research.SectionExpectedEffects, Body: strings.TrimSpace(r.ExpectedEffects)},
		},
		TableOfContents: toc,
		PaperIDs:        ids,
	}
	for _, id := range ids {
		if len(d.RelatedPapers) == g.cfg.RelatedPapers {
			break
		}
		i := slices.IndexFunc(hits, func(h retrieval.ScoredRecord) bool { return h.ID == id })
		h := hits[i]
		d.RelatedPapers = append(d.RelatedPapers, research.PaperRef{ID: h.ID, Title: h.Title, Authors: h.Authors, Year: h.Year, URL: h.URL})
	}
	return d
}

// citedIDs returns the retrieved IDs the model cited, in retrieval order.
func citedIDs(cited, retrieved []string) []string {
	var out []string
	for _, id := range retrieved {
		if slices.Contains(cited, id) {
			out = append(out, id)
		}
	}
	return out
}
