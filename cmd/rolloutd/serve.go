package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rolloutd/internal/canary"
	"rolloutd/internal/config"
	"rolloutd/internal/cutover"
	"rolloutd/internal/engine"
	"rolloutd/internal/infra"
	"rolloutd/internal/ledger"
	"rolloutd/internal/notify"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/registry"
	"rolloutd/internal/server"
	"rolloutd/internal/store"
	"rolloutd/internal/trigger"
	"rolloutd/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Long: `Start the HTTP server and the artifact trigger dispatcher.

Pipeline executions interrupted by a previous shutdown are recovered before the
server accepts requests.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("ROLLOUTD_CONFIG_FILE", ""), "Path to rolloutd.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("ROLLOUTD_LOG_FILE", "./rolloutd.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("ROLLOUTD_DB_PATH", "./rolloutd.db"), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("ROLLOUTD_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("ROLLOUTD_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("ROLLOUTD_TEST_MODE") == "1", "Enable test mode (in-memory registry, no rate limits)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("rolloutd.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting rolloutd")

	// Load configuration
	logger.Info("Loading configuration", "config", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Pipeline definitions are resolved relative to the config file
	pipelinesPath := cfg.Pipelines
	if !filepath.IsAbs(pipelinesPath) {
		pipelinesPath = filepath.Join(filepath.Dir(configFile), pipelinesPath)
	}

	logger.Info("Loading pipeline definitions", "path", pipelinesPath)
	defs, err := pipeline.LoadDefinitions(pipelinesPath)
	if err != nil {
		logger.Error("Failed to load pipeline definitions", "error", err)
		return fmt.Errorf("failed to load pipeline definitions: %w", err)
	}
	if len(defs) == 0 {
		logger.Warn("No pipeline definitions configured", "path", pipelinesPath)
		logger.Warn("The server will start but won't run any deployments until services are added")
	}

	// Open store and apply migrations
	logger.Info("Opening store", "db", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	led := ledger.New(st.DB())

	// Infrastructure adapters
	ctrl := infra.NewExecController(cfg.Infra, logger)
	ca := canary.New(ctrl.Metrics(), logger)
	co := cutover.New(st, led, ctrl, logger)

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger)
	} else {
		notifier = &notify.LogNotifier{Logger: logger}
	}

	eng := engine.New(st, led, co, ctrl, ca, infra.LocalRunner{}, notifier, defs, logger)

	// Artifact registry
	var reg registry.ArtifactRegistry
	switch {
	case testMode, cfg.Registry.Type == "static":
		reg = registry.NewStatic()
	default:
		token := os.Getenv(cfg.Registry.TokenEnv)
		reg = registry.NewGitHubRegistry(context.Background(), token, cfg.Registry.Repos)
	}

	disp := trigger.NewDispatcher(eng, reg, cfg.PollInterval.Std(), logger)

	// Recover executions interrupted by the previous shutdown before
	// accepting any new work.
	logger.Info("Recovering interrupted executions")
	if err := eng.Recover(context.Background()); err != nil {
		logger.Error("Recovery failed", "error", err)
		return fmt.Errorf("recovery failed: %w", err)
	}

	// Start the trigger dispatcher
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go disp.Run(dispatchCtx, eng.Services())

	// Create and start server
	srv := server.NewServer(eng, disp, st, led, logger, testMode)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(host, port)
	}()

	// Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	}

	stopDispatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "error", err)
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
