package generator

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/structured"
)

const systemPrompt = `You are a Senior Principal Investigator at a top-tier research institute. You propose groundbreaking research agendas that could be published in top-tier venues (Nature, Science, AAAI, NeurIPS).

Before answering, think through two steps:
1. Critic: state what is missing, flawed or outdated in the latest papers and context, and why existing approaches are insufficient.
2. Solution: for each limitation, propose a specific, novel alternative. Keep only ideas that are disruptive rather than incremental.

Constraints:
- Avoid incremental "using X for Y" ideas.
- "necessity" must argue clearly why current methods fail.
- "expected_effects" must name quantitative or specific qualitative breakthroughs.
- "paper_ids" lists the IDs of the knowledge-base papers the proposal builds on.

Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include markdown.`

const exampleJSON = `{
  "title": "Applying AI to Patent Claim Analysis",
  "background": "Current patent analysis relies heavily on manual expert review...",
  "necessity": "Manual review is time-consuming and prone to human error...",
  "table_of_contents": ["1. Introduction to Patent Claims", "2. NLP Techniques for Legal Text", "3. System Architecture", "4. Evaluation Metrics"],
  "expected_effects": "Reduce analysis time by 50% and increase accuracy...",
  "paper_ids": ["W2741809807"]
}`

// topicReply is the JSON the model returns for one slot.
type topicReply struct {
	Title           string   `json:"title"`
	Background      string   `json:"background"`
	Necessity       string   `json:"necessity"`
	TableOfContents []string `json:"table_of_contents"`
	ExpectedEffects string   `json:"expected_effects"`
	PaperIDs        []string `json:"paper_ids"`
}

func topicSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"title":             {Type: "string", Description: "Title of the research topic"},
			"background":        {Type: "string", Description: "Background context of the research"},
			"necessity":         {Type: "string", Description: "Why this research is needed and why current methods fail"},
			"table_of_contents": {Type: "array", Items: &engine.SchemaProperty{Type: "string"}, MinItems: structured.Int(1), Description: "Proposed table of contents"},
			"expected_effects":  {Type: "string", Description: "Expected effects or impact of the research"},
			"paper_ids":         {Type: "array", Items: &engine.SchemaProperty{Type: "string"}, Description: "IDs of the knowledge-base papers used"},
		},
		Required: []string{"title", "background", "necessity", "table_of_contents", "expected_effects", "paper_ids"},
	}
}

// latest returns up to n records ordered by year, newest first.
func latest(records []retrieval.ScoredRecord, n int) []retrieval.ScoredRecord {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b retrieval.ScoredRecord) int { return cmp.Compare(b.Year, a.Year) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func buildMessages(keyword string, slot, total int, hits []retrieval.ScoredRecord, sota int, avoid []string) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Propose research agenda %d of %d related to %q.\n\n", slot+1, total, keyword)

	sb.WriteString("--- STATE OF THE ART (latest papers) ---\n")
	recent := latest(hits, sota)
	if len(recent) == 0 {
		sb.WriteString("No latest papers found.\n")
	}
	for _, r := range recent {
		year := "N/A"
		if r.Year > 0 {
			year = fmt.Sprint(r.Year)
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", year, r.Title)
	}

	sb.WriteString("\n--- KNOWLEDGE BASE ---\n")
	for _, r := range hits {
		fmt.Fprintf(&sb, "[%s]\n%s\n\n", r.ID, r.Text)
	}

	if len(avoid) > 0 {
		sb.WriteString("--- ALREADY PROPOSED (propose something different) ---\n")
		for _, t := range avoid {
			fmt.Fprintf(&sb, "- %s\n", t)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("EXAMPLE JSON OUTPUT:\n")
	sb.WriteString(exampleJSON)

	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}
