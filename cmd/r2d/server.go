package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/Yapping72/r2d/internal/api"
	"github.com/Yapping72/r2d/internal/auth"
	"github.com/Yapping72/r2d/internal/config"
	"github.com/Yapping72/r2d/internal/jobs"
	"github.com/Yapping72/r2d/internal/jobsync"
	"github.com/Yapping72/r2d/internal/remote"
	"github.com/Yapping72/r2d/internal/session"
	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local job server for the signed-in user (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running r2d server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show r2d system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "r2d.pid")
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

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "r2d version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	secrets := auth.DefaultSecrets()
	apiToken, err := auth.APIToken(secrets)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	tokens := auth.NewTokenStore(secrets)
	if tokens.IsExpired() {
		return errors.New("not signed in or session expired: run \"r2d login\"")
	}
	userID, err := tokens.UserID()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("r2d is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("r2d is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One database per (domain, user).
	stores := storage.NewManager(cfg.Storage.DataDir, storage.AppSchema)
	store, err := stores.Open(cfg.StorageDomain(), userID)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage opened", "database", store.Name(), "version", store.Version())

	client := remote.NewClient(cfg.Remote.BaseURL, tokens, cfg.Remote.Timeout)
	jobRepo := storage.NewJobRepository(store)
	limits := jobs.Limits{
		Feature:               cfg.Limits.Feature,
		SubFeature:            cfg.Limits.SubFeature,
		Requirement:           cfg.Limits.Requirement,
		AcceptanceCriteria:    cfg.Limits.AcceptanceCriteria,
		AdditionalInformation: cfg.Limits.AdditionalInformation,
	}
	engine := jobs.NewEngine(jobRepo, client, tokens, jobs.Config{
		Limits: limits,
		Models: jobs.Models{Model: cfg.Jobs.Model, DiagramModel: cfg.Jobs.DiagramModel},
	})
	strategy, err := engine.Registry().Lookup(jobs.KindUserStory)
	if err != nil {
		return err
	}
	library := upload.NewLibrary(
		storage.NewFileRepository(store, storage.UserStoryFilePartition),
		storage.NewFileRepository(store, storage.MermaidFilePartition),
		upload.NewValidator(int64(cfg.Upload.MaxBytes), strategy, limits),
	)
	syncer := jobsync.NewSyncer(jobRepo, client, cfg.Sync.Retention)

	// A forced logout ends the server; the next user signs in and serves anew.
	sess := session.New(session.Config{
		IdleTimeout:      cfg.Session.IdleTimeout,
		WarningDuration:  cfg.Session.WarningDuration,
		ActivityDebounce: cfg.Session.ActivityDebounce,
		RefreshRatio:     cfg.Session.RefreshRatio,
	}, tokens, client, session.Callbacks{
		OnIdlePrompt: func() {
			slog.Warn("session idle, logging out soon", "warning", cfg.Session.WarningDuration)
		},
		OnCountdown: func(remaining int) {
			slog.Debug("idle countdown", "remaining_seconds", remaining)
		},
		OnForceLogout: func(reason string) {
			slog.Warn("session ended", "reason", reason)
			stop()
		},
	})
	if err := sess.Start(); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.Stop()

	appHandler := api.NewAppHandler(api.AppDeps{
		Jobs:    engine,
		Files:   library,
		Sync:    syncer,
		Session: sess,
		History: client,
		Token:   apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	worker := jobsync.NewWorker(syncer, sess, cfg.Sync.Interval)
	go worker.Run(ctx)

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:     engine,
			Files:    library,
			Sync:     syncer,
			Activity: sess,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "r2d listening on %s as %s\n", addr, userID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal, forced logout or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("r2d is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop r2d (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to r2d (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	tokens := auth.NewTokenStore(auth.DefaultSecrets())
	if claims, err := tokens.Claims(); err != nil {
		printStatus("Account", "signed out")
	} else if tokens.IsExpired() {
		printStatus("Account", "%s (token expired)", claims.UserID)
	} else {
		printStatus("Account", "%s (token valid until %s)", claims.UserID, claims.ExpiresAt.Local().Format(time.Kitchen))
	}

	printStatus("Remote", "%s", cfg.Remote.BaseURL)
	printStatus("Models", "%s / %s", cfg.Jobs.Model, cfg.Jobs.DiagramModel)

	if running {
		if apiToken, err := auth.APIToken(auth.DefaultSecrets()); err == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
			printSessionStatus(c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSessionStatus(c *apiClient) {
	ctx := context.Background()
	if resp, err := c.get(ctx, "/session"); err == nil {
		var st struct {
			Active    bool `json:"active"`
			Prompted  bool `json:"prompted"`
			Remaining int  `json:"remaining_seconds"`
		}
		if decodeJSON(resp, &st) == nil {
			switch {
			case st.Prompted:
				printStatus("Session", "idle, logging out in %ds", st.Remaining)
			case st.Active:
				printStatus("Session", "active")
			default:
				printStatus("Session", "inactive")
			}
		}
	}
	if resp, err := c.get(ctx, "/jobs"); err == nil {
		var list []storage.Job
		if decodeJSON(resp, &list) == nil {
			counts := make(map[storage.JobStatus]int)
			for _, j := range list {
				counts[j.Status]++
			}
			printStatus("Jobs", "%d total, %d queued, %d processing", len(list), counts[storage.StatusQueued], counts[storage.StatusProcessing])
		}
	}
}
