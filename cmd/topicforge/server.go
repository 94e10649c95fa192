package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/topicforge/internal/api"
	"github.com/kalambet/topicforge/internal/config"
	"github.com/kalambet/topicforge/internal/ollama"
	"github.com/kalambet/topicforge/internal/residency"
	"github.com/kalambet/topicforge/internal/retrieval"
	"github.com/kalambet/topicforge/internal/storage"
	"github.com/kalambet/topicforge/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the topicforge server (foreground)",
	Long: `Start the HTTP API, the MCP server on stdio and the run worker.

Runs submitted through POST /runs or the MCP brainstorm tool are queued and
executed one at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running topicforge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show topicforge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "topicforge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "topicforge version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := cfg.Server.Token
	if token == "" {
		if token, err = config.EnsureAPIToken(config.NewKeychain()); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("topicforge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("topicforge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if err := a.ensureReady(ctx); err != nil {
		return err
	}

	ctrl, err := a.controller()
	if err != nil {
		return err
	}
	asker := a.asker()
	defaults := defaultRequest(cfg)

	// Start the run worker. Jobs left running by a crashed process are failed
	// first; runs are never resumed.
	w := worker.NewWorker(a.store, ctrl, 500*time.Millisecond)
	if err := w.Recover(); err != nil {
		slog.Warn("recovering interrupted runs failed", "error", err)
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:     a.store,
			Asker:    asker,
			Defaults: defaults,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Store:    a.store,
			Asker:    asker,
			Token:    token,
			Defaults: defaults,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "topicforge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// A cancelled run unloads its models before the worker returns.
	<-workerDone

	unloadCtx, cancelUnload := context.WithTimeout(context.Background(), 2*cfg.VerifyTimeout())
	defer cancelUnload()
	if err := a.residency.Shutdown(unloadCtx); err != nil {
		slog.Warn("unloading models failed", "error", err)
	}
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("topicforge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop topicforge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to topicforge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if !oc.IsRunning(ctx) {
		printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		if running, err := oc.Running(ctx); err != nil {
			printStatus("Resident", "unknown (%v)", err)
		} else {
			printStatus("Resident", "%s", residentLabel(running))
		}
	}

	roles := residencyConfig(cfg).Roles
	for _, role := range residency.Roles {
		printStatus(strings.ToUpper(string(role[:1]))+string(role[1:])+" model", "%s", roles[role].Model)
	}

	if store, err := storage.Open(cfg.Storage.DataDir); err == nil {
		vectors := retrieval.NewSQLiteStore(store.DB())
		if collections, err := vectors.Collections(ctx); err == nil {
			total := 0
			for _, c := range collections {
				if n, err := vectors.Count(ctx, c); err == nil {
					total += n
				}
			}
			printStatus("Indexed papers", "%d in %s", total, countLabel(len(collections), "collection"))
		}
		if runs, err := store.ListRuns(100); err == nil {
			printStatus("Runs", "%s", limitLabel(len(runs), 100))
		}
		store.Close()
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// residentLabel formats the models Ollama holds in memory.
func residentLabel(models []ollama.RunningModel) string {
	if len(models) == 0 {
		return "none"
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = fmt.Sprintf("%s (%.1f GB)", m.Name, float64(m.Size)/1e9)
	}
	return strings.Join(names, ", ")
}

func countLabel(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func limitLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
