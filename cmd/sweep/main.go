// Command sweep runs one background sync pass over connected users and
// exits. It reads the same configuration as the server, so it can run from
// cron against the same database.
//
//	sweep -config config.yaml -max-users 20
//
// The exit status is non-zero only when the pass could not run at all;
// per-user failures are logged and counted in the summary.
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
	maxUsers := flag.Int("max-users", 0, "override sweep.max_users")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)

	app, err := server.Build(*cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer app.Close()

	opts := server.SweepOptions(cfg.Sweep)
	if *maxUsers > 0 {
		opts.MaxUsers = *maxUsers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := app.Sweeper.RunSweep(ctx, opts)
	if stats != nil {
		logger.Info("sweep finished",
			slog.String("sweepID", stats.SweepID),
			slog.Int("processed", stats.UsersProcessed),
			slog.Int("synced", stats.UsersSynced),
			slog.Int("skipped", stats.UsersSkipped),
			slog.Int("errors", len(stats.Errors)),
			slog.Duration("duration", stats.FinishedAt.Sub(stats.StartedAt)),
		)
		for _, e := range stats.Errors {
			logger.Warn("sweep user error", slog.String("error", e))
		}
	}
	if err != nil {
		logger.Error("sweep failed", slog.String("error", err.Error()))
		stop()
		app.Close()
		os.Exit(1)
	}
}
