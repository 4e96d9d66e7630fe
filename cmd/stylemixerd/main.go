package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

const defaultConfigPath = "config/stylemixer.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting stylemixer service",
		"config", *configPath,
		"debug", *debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(*configPath, logger)
	if err != nil {
		slog.Error("failed to create stylemixer service", "error", err)
		os.Exit(1)
	}

	runErr := d.Run(ctx)
	switch {
	case runErr != nil:
		slog.Error("service error", "error", runErr)
	case ctx.Err() != nil:
		slog.Info("received shutdown signal")
	default:
		slog.Info("service stopped (via MQTT shutdown command)")
	}

	timeout := d.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("stylemixer service stopped successfully")
}
