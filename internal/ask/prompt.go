package ask

import (
	"fmt"
	"sort"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/retrieval"
)

const defaultMaxContextTokens = 4000

const answerTemplate = `Answer the question based only on the following context:

%s

Question: %s

Answer:`

func buildMessages(question string, chunks []retrieval.ContextChunk) []engine.Message {
	return []engine.Message{{
		Role:    engine.RoleUser,
		Content: fmt.Sprintf(answerTemplate, retrieval.FormatChunks(chunks), question),
	}}
}

// selectChunks keeps the highest-scoring chunks that fit in maxTokens,
// skipping any single chunk too large for what remains.
func selectChunks(chunks []retrieval.ContextChunk, maxTokens int) []retrieval.ContextChunk {
	sorted := make([]retrieval.ContextChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := maxTokens - EstimateTokens(answerTemplate)
	var out []retrieval.ContextChunk
	for _, ch := range sorted {
		tokens := EstimateTokens(ch.Text) + 8
		if tokens > remaining {
			continue
		}
		out = append(out, ch)
		remaining -= tokens
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
