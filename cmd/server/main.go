// Package main is the entry point for the training sync server.
//
// The main package stays minimal:
//  1. Read configuration (-config file, then environment)
//  2. Create the logger
//  3. Build and start the server, stopping on SIGINT/SIGTERM
//
// All actual logic lives in internal/.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakif/training-sync/internal/config"
	"github.com/sakif/training-sync/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	// === 1. CONFIGURATION ===
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. LOGGING ===
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if cfg.Auth.TokenEncryptionKey == "" {
		logger.Warn("TOKEN_ENCRYPTION_KEY not set, provider tokens are stored unencrypted")
	}

	// === 3. SERVER ===
	srv, err := server.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start blocks until ctx is cancelled or the listener fails.
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
