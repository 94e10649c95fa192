// Package evaluator scores topic drafts for originality, feasibility and
// impact, one model call per draft.
package evaluator

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

const systemPrompt = `You are a senior research committee member. Evaluate the research topic you are given on three criteria, each scored as an integer from 1 to 10:
1. Originality: how novel is the idea?
2. Feasibility: is it realistic to implement?
3. Impact: what is the potential contribution?

Give a brief rationale for each score. Your output must be ONLY a single valid JSON object that conforms to the provided schema.`

type scoreReply struct {
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

type evaluationReply struct {
	Originality scoreReply `json:"originality"`
	Feasibility scoreReply `json:"feasibility"`
	Impact      scoreReply `json:"impact"`
}

func evaluationSchema() *engine.Schema {
	score := engine.SchemaProperty{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"score":     {Type: "integer", Minimum: structured.Int(research.MinScore), Maximum: structured.Int(research.MaxScore)},
			"rationale": {Type: "string"},
		},
		Required: []string{"score", "rationale"},
	}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"originality": score,
			"feasibility": score,
			"impact":      score,
		},
		Required: []string{"originality", "feasibility", "impact"},
	}
}

func validateReply(r *evaluationReply) error {
	for name, s := range map[string]scoreReply{"originality": r.Originality, "feasibility": r.Feasibility, "impact": r.Impact} {
		if s.Score < research.MinScore || s.Score > research.MaxScore {
			return fmt.Errorf("%s score %d outside [%d,%d]", name, s.Score, research.MinScore, research.MaxScore)
		}
	}
	return nil
}

// Evaluator scores drafts.
type Evaluator struct {
	chat   structured.Chatter
	retry  retry.Config
	logger *slog.Logger
}

// New creates an Evaluator.
func New(chat structured.Chatter, rc retry.Config) *Evaluator {
	return &Evaluator{chat: chat, retry: rc, logger: slog.Default()}
}

// Evaluate scores each draft independently with model m. Output order
// matches input order; a draft whose reply stays malformed is returned with
// Scored false. The error is non-nil only for cancellation, with the topics
// scored so far.
func (e *Evaluator) Evaluate(ctx context.Context, m structured.Model, drafts []research.TopicDraft) ([]research.ScoredTopic, research.Outcome, error) {
	var out research.Outcome
	scored := make([]research.ScoredTopic, 0, len(drafts))

	for i, d := range drafts {
		if ctx.Err() != nil {
			return scored, out, fmt.Errorf("evaluating topic %d: %w", i+1, research.ErrCancelled)
		}
		out.Attempted++

		st := research.ScoredTopic{Position: i, Draft: d}
		reply, res, err := structured.Call(ctx, e.chat, structured.For(m, buildMessages(d), evaluationSchema(), e.retry), validateReply)
		if res.Retried() {
			out.Retried++
		}
		switch {
		case errors.Is(err, research.ErrCancelled):
			return scored, out, fmt.Errorf("evaluating topic %d: %w", i+1, err)
		case err != nil:
			out.Degrade("topic %d unscored: %v", i+1, err)
			e.logger.Warn("topic left unscored", "topic", d.Title, "error", err)
		default:
			st.Scores = research.Scores{
				Originality: research.Score{Value: reply.Originality.Score, Rationale: strings.TrimSpace(reply.Originality.Rationale)},
				Feasibility: research.Score{Value: reply.Feasibility.Score, Rationale: strings.TrimSpace(reply.Feasibility.Rationale)},
				Impact:      research.Score{Value: reply.Impact.Score, Rationale: strings.TrimSpace(reply.Impact.Rationale)},
			}
			st.Scored = true
			out.Succeeded++
			e.logger.Info("topic evaluated", "topic", d.Title, "total", st.Scores.Total())
		}
		scored = append(scored, st)
	}

	out.Resolve()
	return scored, out, nil
}

func buildMessages(d research.TopicDraft) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic Title: %s\n", d.Title)
	for _, s := range d.Sections {
		fmt.Fprintf(&sb, "%s: %s\n", s.Label, s.Body)
	}
	if len(d.TableOfContents) > 0 {
		sb.WriteString("Table of Contents:\n")
		for _, entry := range d.TableOfContents {
			fmt.Fprintf(&sb, "- %s\n", entry)
		}
	}
	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}
