package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/worker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs     worker.JobStore
	Asker    Asker
	Defaults pipeline.Request
}

// NewMCPServer creates an MCP server with the brainstorm, search_papers and
// ask tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"topicforge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("topicforge: brainstorm research topics from OpenAlex papers with local models, and query the indexed papers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("brainstorm",
			mcp.WithDescription("Queue a brainstorming run: collect papers for a keyword, generate and score research topics, and write reports. Returns the run ID."),
			mcp.WithString("keyword", mcp.Description("Research keyword to collect papers for"), mcp.Required()),
			mcp.WithNumber("paper_limit", mcp.Description("Maximum number of papers to collect")),
			mcp.WithNumber("topic_count", mcp.Description("Number of topics to generate")),
			mcp.WithString("target_language", mcp.Description("Report language as a BCP 47 tag or name, e.g. ko or Korean")),
		),
		mcpBrainstorm(deps),
	)

	s.AddTool(
		mcp.NewTool("search_papers",
			mcp.WithDescription("Semantically search indexed papers and return the closest matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("Collection to search; defaults to the most recent one")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchPapers(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the indexed papers using the local generator model."),
			mcp.WithString("question", mcp.Description("Question to answer"), mcp.Required()),
			mcp.WithString("collection", mcp.Description("Collection to answer from; defaults to the most recent one")),
		),
		mcpAsk(deps),
	)

	return s
}

func mcpBrainstorm(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		keyword, err := req.RequireString("keyword")
		if err != nil {
			return mcpError("keyword is required"), nil
		}

		run := withDefaults(pipeline.Request{
			Keyword:        keyword,
			PaperLimit:     req.GetInt("paper_limit", 0),
			TopicCount:     req.GetInt("topic_count", 0),
			TargetLanguage: req.GetString("target_language", ""),
		}, deps.Defaults)
		if _, err := run.Validate(); err != nil {
			return mcpError(err.Error()), nil
		}

		id, err := worker.Enqueue(deps.Jobs, run)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue run: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued run %s", id)), nil
	}
}

func mcpSearchPapers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		_, chunks, err := deps.Asker.Search(ctx, req.GetString("collection", ""), query, limit)
		if errors.Is(err, retrieval.ErrNoCollections) {
			return mcpText("[]"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(chunks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		ans, err := deps.Asker.Ask(ctx, req.GetString("collection", ""), question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		text := ans.Text
		if len(ans.Sources) > 0 {
			text += "\n\nSources:"
			for i, s := range ans.Sources {
				text += fmt.Sprintf("\n[%d] %s", i+1, s.Title)
				if s.URL != "" {
					text += " " + s.URL
				}
			}
		}
		return mcpText(text), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
