package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/topicforge/internal/ask"
	"github.com/kalambet/topicforge/internal/config"
	"github.com/kalambet/topicforge/internal/engine"
	"github.com/kalambet/topicforge/internal/pipeline"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the indexed papers",
	Long: `Answer a question from the papers indexed by a previous run.

The most recent collection is used unless --collection names another one.

Examples:
  topicforge ask "which aggregation functions do GNN papers compare?"
  topicforge ask "what datasets are common?" --collection papers_graph_neural_networks`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		collection, _ := cmd.Flags().GetString("collection")

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

		if err := engine.EnsureReady(ctx, a.engine, []string{cfg.Models.Embedding, cfg.Models.Generator}, io.Discard); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.VerifyTimeout())
			defer cancel()
			if err := a.residency.Shutdown(shutdownCtx); err != nil {
				printWarning("unloading models: %v", err)
			}
		}()

		ans, err := a.asker().Ask(ctx, collection, strings.Join(args, " "))
		if errors.Is(err, retrieval.ErrNoCollections) {
			return fmt.Errorf("%w: topicforge run <keyword>", err)
		}
		if err != nil {
			return err
		}
		printAnswer(os.Stdout, ans)
		return nil
	},
}

func init() {
	askCmd.Flags().String("collection", "", "paper collection to search (default: most recent)")
}

func printAnswer(w io.Writer, ans ask.Answer) {
	fmt.Fprintln(w, ans.Text)
	if len(ans.Sources) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Sources ("+ans.Collection+"):"))
	for i, s := range ans.Sources {
		line := fmt.Sprintf("  [%d] %s", i+1, s.Title)
		if s.URL != "" {
			line += " " + colorize(colorCyan, s.URL)
		}
		fmt.Fprintln(w, line)
	}
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		runs, err := store.ListRuns(limit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func printRuns(w io.Writer, runs []storage.Run) {
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		keyword := r.Keyword
		if len(keyword) > 60 {
			keyword = keyword[:60] + "..."
		}
		fmt.Fprintf(w, "%s  %s  %-8s  %s\n",
			colorize(colorCyan, id),
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			keyword,
		)
	}
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		row, err := store.GetRun(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			job, jobErr := store.GetJob(args[0])
			if jobErr != nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			printStatus("Run", "%s", job.ID)
			printStatus("Status", "%s (queued job)", job.Status)
			if job.LastError != "" {
				printStatus("Error", "%s", job.LastError)
			}
			return nil
		}
		if err != nil {
			return err
		}
		run, err := pipeline.LoadRun(row)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}
		printRunSummary(run)
		if row.ReportDir != "" {
			printStatus("Report dir", "%s", row.ReportDir)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsShowCmd.Flags().Bool("json", false, "print the full run document as JSON")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage role models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the model bound to each role",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		running := eng.IsRunning(ctx)
		for _, role := range residency.Roles {
			b := residencyConfig(cfg).Roles[role]
			state := "unknown (Ollama not running)"
			if running {
				state = "missing"
				if eng.HasModel(ctx, b.Model) {
					state = "available"
				}
			}
			printStatus(string(role), "%s [%s]", b.Model, state)
		}
		return nil
	},
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull every configured role model that is missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := engine.EnsureReady(ctx, eng, roleModels(cfg), os.Stderr); err != nil {
			return err
		}
		printSuccess("All role models available")
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsPullCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ShowAll(config.Config{}) {
			fmt.Printf("  %-30s %s\n", k.Key, k.EnvVar)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
