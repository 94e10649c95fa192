package ask

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/retry"
	"github.com/kalambet/topicforge/internal/structured"
)

const rerankConcurrency = 3

// reranker re-scores retrieved papers by question relevance with the
// resident generator model.
type reranker struct {
	chat      structured.Chatter
	threshold float64
	timeout   time.Duration
}

type relevanceReply struct {
	Score *float64 `json:"score"`
}

var relevanceSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score 0.0-1.0"},
	},
	Required: []string{"score"},
}

func validateRelevance(r *relevanceReply) error {
	if r.Score == nil {
		return fmt.Errorf("missing score")
	}
	if *r.Score < 0 || *r.Score > 1 {
		return fmt.Errorf("score %v outside [0, 1]", *r.Score)
	}
	return nil
}

// rerank scores each chunk against the question. A chunk whose score could
// not be obtained keeps its similarity score. Chunks below the threshold are
// dropped and the rest sorted by score descending. If the timeout fires
// before any chunk is scored, or every chunk falls below the threshold, the
// input is returned unchanged.
func (r *reranker) rerank(ctx context.Context, m structured.Model, question string, chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if len(chunks) == 0 {
		return chunks
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scores := make([]*float64, len(chunks))
	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(rerankConcurrency)
	for i, ch := range chunks {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			msgs := []engine.Message{{Role: engine.RoleUser, Content: scorePrompt(question, ch)}}
			reply, _, err := structured.Call(gctx, r.chat, structured.For(m, msgs, relevanceSchema, retry.Config{}), validateRelevance)
			if err != nil {
				slog.Debug("rerank: score failed, keeping similarity", "paper", ch.ID, "error", err)
				return nil
			}
			scores[i] = reply.Score
			return nil
		})
	}
	g.Wait()

	scored := 0
	out := make([]retrieval.ContextChunk, 0, len(chunks))
	for i, ch := range chunks {
		if s := scores[i]; s != nil {
			scored++
			ch.Score = float32(*s)
		}
		if float64(ch.Score) >= r.threshold {
			out = append(out, ch)
		}
	}
	if scored == 0 || len(out) == 0 {
		return chunks
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func scorePrompt(question string, ch retrieval.ContextChunk) string {
	return "Rate the relevance of the following paper to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Paper: " + ch.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`
}
