package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/rollcall/internal/hub"
	"github.com/user/rollcall/internal/observability"
	"github.com/user/rollcall/internal/runner"
	"github.com/user/rollcall/internal/server"
	"github.com/user/rollcall/internal/store"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Rollcall — bulk collection membership job service",
	Long:  "A job orchestration service for bulk membership changes between record collections, with embedded SQLite.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Rollcall server",
	RunE:  runServer,
}

var (
	bindAddr        string
	dataDir         string
	workers         int
	pace            time.Duration
	queueDepth      int
	authSecret      string
	shutdownTimeout time.Duration
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for SQLite database files")
	serverCmd.Flags().IntVar(&workers, "workers", 4, "Number of bulk job workers")
	serverCmd.Flags().DurationVar(&pace, "pace", runner.DefaultPace, "Pause between chunked write batches (e.g. 100ms)")
	serverCmd.Flags().IntVar(&queueDepth, "queue-depth", 256, "Dispatch queue capacity for submitted jobs")
	serverCmd.Flags().StringVar(&authSecret, "auth-secret", "", "HMAC secret for bearer JWT auth (empty disables auth)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close (e.g. 500ms, 2s)")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	slog.Info("starting rollcall server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"workers", workers,
		"pace", pace,
		"queue_depth", queueDepth,
		"auth_enabled", authSecret != "",
		"shutdown_timeout", shutdownTimeout,
		"otel_enabled", otelEnabled,
		"otel_endpoint", otelEndpoint,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "rollcall-server", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st := store.NewStore(db)

	progressHub := hub.New()
	dispatcher := server.NewDispatcher(st)
	mgr := runner.New(st, progressHub, dispatcher, runner.Config{
		Workers:    workers,
		Pace:       pace,
		QueueDepth: queueDepth,
	})

	srv := server.New(st, mgr, progressHub, server.Config{
		BindAddr:   bindAddr,
		AuthSecret: authSecret,
	})
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("rollcall server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	slog.Info("stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("draining job workers")
	mgr.Close()

	slog.Info("stopping store")
	st.Close()

	slog.Info("rollcall server stopped")
	return nil
}
