package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/research"
)

var runCmd = &cobra.Command{
	Use:   "run <keyword>",
	Short: "Run the brainstorming pipeline for a keyword",
	Long: `Run the brainstorming pipeline for a keyword in the foreground.

Papers are collected from OpenAlex and indexed, then topics are drafted,
scored and optionally translated. Reports are written to output.dir.

Examples:
  topicforge run "graph neural networks"
  topicforge run "federated learning" --papers 100 --topics 3 --lang ko
  topicforge run "protein folding" --queue`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		req := defaultRequest(cfg)
		req.Keyword = strings.Join(args, " ")
		if cmd.Flags().Changed("papers") {
			req.PaperLimit, _ = cmd.Flags().GetInt("papers")
		}
		if cmd.Flags().Changed("topics") {
			req.TopicCount, _ = cmd.Flags().GetInt("topics")
		}
		if cmd.Flags().Changed("lang") {
			req.TargetLanguage, _ = cmd.Flags().GetString("lang")
		}
		if _, err := req.Validate(); err != nil {
			return err
		}
		if queue, _ := cmd.Flags().GetBool("queue"); queue {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			id, err := queueRun(cmd.Context(), client, req)
			if err != nil {
				return err
			}
			printSuccess("Queued run %s", id)
			printStatus("Follow", "topicforge runs show %s", id)
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				printWarning("closing storage: %v", err)
			}
		}()

		printStep("Checking Ollama and role models...")
		if err := a.ensureReady(ctx); err != nil {
			return err
		}

		ctrl, err := a.controller()
		if err != nil {
			return err
		}

		printStep("Brainstorming %q (%d papers, %d topics)", req.Keyword, req.PaperLimit, req.TopicCount)
		run, err := ctrl.Run(ctx, req)
		if run != nil {
			printRunSummary(run)
		}
		if errors.Is(err, pipeline.ErrBusy) {
			return fmt.Errorf("%w; wait for it to finish or stop the server", err)
		}
		return err
	},
}

func init() {
	runCmd.Flags().Int("papers", 0, "maximum number of papers to collect (default pipeline.paper_limit)")
	runCmd.Flags().Int("topics", 0, "number of topics to draft (default pipeline.topic_count)")
	runCmd.Flags().String("lang", "", "target language for the translated report, e.g. ko or Korean")
	runCmd.Flags().Bool("queue", false, "queue the run on the running server instead of running it here")
}

// queueRun submits req to the server's job queue and returns the run ID.
func queueRun(ctx context.Context, client *apiClient, req pipeline.Request) (string, error) {
	resp, err := client.post(ctx, "/runs", req)
	if err != nil {
		return "", err
	}
	var result struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.RunID, nil
}

func printRunSummary(run *research.PipelineRun) {
	fmt.Fprintln(os.Stderr)
	printStatus("Run", "%s", run.ID)
	printStatus("State", "%s", run.State)
	for _, s := range run.Stages {
		line := string(s.Outcome.Tag)
		if s.Error != "" {
			line += ": " + s.Error
		}
		printStatus("  "+s.Stage, "%s (%s)", line, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	printStatus("Papers", "%d collected, %d indexed", len(run.Papers), len(run.IndexedIDs))

	for i, t := range run.Scored {
		score := "unscored"
		if t.Scored {
			score = fmt.Sprintf("%d/%d", t.Scores.Total(), research.MaxTotal)
		}
		fmt.Fprintf(os.Stdout, "%d. %s [%s]\n", i+1, t.Draft.Title, score)
	}

	for _, path := range run.Reports {
		printStatus("Report", "%s", path)
	}

	switch run.Status {
	case research.StatusSuccess:
		printSuccess("Run finished")
	case research.StatusPartial:
		printWarning("Run finished with degraded stages")
	default:
		if run.Cancelled {
			printWarning("Run cancelled")
		} else {
			printError("Run failed: %s", run.Error)
		}
	}
}
