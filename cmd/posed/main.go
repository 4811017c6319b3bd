package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-pose-sensor/internal/config"
	"github.com/e7canasta/orion-pose-sensor/internal/core"
	"github.com/e7canasta/orion-pose-sensor/internal/display"
)

const (
	defaultConfigPath = "config/posed.yaml"
	defaultEnvPath    = ".env"
	defaultTUILog     = "posed.log"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", defaultEnvPath, "Path to optional .env file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	mock := flag.Bool("mock", false, "Use the synthetic video source")
	tui := flag.Bool("tui", false, "Show the terminal status view (logs go to -log-file)")
	logFile := flag.String("log-file", "", "Write logs to this file instead of stdout")
	flag.Parse()

	if *tui && *logFile == "" {
		*logFile = defaultTUILog
	}

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("failed to open log file", "path", *logFile, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting pose sensor",
		"config", *configPath,
		"debug", *debug,
	)

	if err := config.LoadEnv(*envPath); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *mock {
		cfg.Camera.Source = "mock"
	}
	if *tui {
		cfg.Display.Enabled = true
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"camera_source", cfg.Camera.Source,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	session := core.NewSession(cfg, logger)

	// Run session in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- session.Run(ctx) // Always send, even if nil
	}()

	quitChan := make(chan struct{})
	if cfg.Display.Enabled {
		go func() {
			interval := time.Duration(cfg.Display.RefreshMS) * time.Millisecond
			if err := display.Run(ctx, session.DisplayStats, interval, func() { close(quitChan) }); err != nil {
				slog.Error("display error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal, quit key or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-quitChan:
		slog.Info("quit requested from display")
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("session error", "error", runErr)
		}
		cancel()
	}

	// Graceful shutdown
	shutdownTimeout := session.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := session.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("pose sensor stopped successfully")
}
