package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sakif/training-sync/internal/auth"
	"github.com/sakif/training-sync/internal/config"
	"github.com/sakif/training-sync/internal/provider"
	"github.com/sakif/training-sync/internal/repository/sqlstore"
	"github.com/sakif/training-sync/internal/service"
)

// App is the wired dependency graph shared by the HTTP server and the
// one-shot sweep binary.
//
// DEPENDENCY CHAIN:
//
//	sqlstore.DB ──► CredentialStore ◄── provider.OAuthClient
//	     │                │
//	     ├────────► SyncOrchestrator ◄── provider.Client
//	     │                │
//	     ├────────► WebhookProcessor
//	     └────────► SweepScheduler
type App struct {
	DB           *sqlstore.DB
	OAuth        *provider.OAuthClient
	Credentials  *service.CredentialStore
	Orchestrator *service.SyncOrchestrator
	Webhooks     *service.WebhookProcessor
	Sweeper      *service.SweepScheduler
	// Tokens is nil when no JWT secret is configured.
	Tokens *auth.TokenService
}

// Build opens the database and wires every service from cfg. The caller
// owns the result and must Close it.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	var opts []sqlstore.Option
	if cfg.Auth.TokenEncryptionKey != "" {
		key, err := auth.ParseKey(cfg.Auth.TokenEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("token encryption key: %w", err)
		}
		cipher, err := auth.NewTokenCipher(key)
		if err != nil {
			return nil, fmt.Errorf("token cipher: %w", err)
		}
		opts = append(opts, sqlstore.WithTokenSealer(cipher))
	}

	dialect := sqlstore.Dialect(cfg.Database.Driver)
	if dialect == sqlstore.DialectSQLite && cfg.Database.DSN != ":memory:" {
		// mkdir -p for the database file's directory.
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlstore.New(dialect, cfg.Database.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	httpClient := &http.Client{}
	oauth := provider.NewOAuthClient(provider.OAuthConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURL:  cfg.Provider.RedirectURL,
		AuthURL:      cfg.Provider.AuthURL,
		TokenURL:     cfg.Provider.TokenURL,
		Scope:        cfg.Provider.Scope,
	}, &http.Client{Timeout: cfg.Sync.RequestTimeout})

	fetcher := provider.NewClient(provider.ClientConfig{
		BaseURL:        cfg.Provider.APIURL,
		RequestTimeout: cfg.Sync.RequestTimeout,
		BackoffInitial: cfg.Sync.BackoffInitial,
		BackoffMax:     cfg.Sync.BackoffMax,
		MaxRetries:     cfg.Sync.MaxRetries,
	}, httpClient, logger.With(slog.String("component", "provider")))

	creds := service.NewCredentialStore(db, oauth, cfg.Sync.RefreshMargin,
		logger.With(slog.String("component", "credentials")))

	orch := service.NewSyncOrchestrator(service.OrchestratorDeps{
		States:      db,
		Activities:  db,
		Runs:        db,
		Credentials: creds,
		Fetcher:     fetcher,
	}, syncConfig(cfg.Sync), logger.With(slog.String("component", "sync")))

	webhooks := service.NewWebhookProcessor(service.WebhookDeps{
		Credentials: creds,
		Syncer:      orch,
		Activities:  db,
		Events:      db,
		RunTimeout:  cfg.Sync.WebhookRunTimeout,
	}, cfg.Provider.WebhookVerifyToken, logger.With(slog.String("component", "webhook")))

	sweeper := service.NewSweepScheduler(db, orch, SweepOptions(cfg.Sweep),
		logger.With(slog.String("component", "sweep")))

	return &App{
		DB:           db,
		OAuth:        oauth,
		Credentials:  creds,
		Orchestrator: orch,
		Webhooks:     webhooks,
		Sweeper:      sweeper,
		Tokens:       tokens,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func syncConfig(c config.SyncConfig) service.SyncConfig {
	return service.SyncConfig{
		DailyLimit:        c.DailyLimit,
		Cooldown:          c.Cooldown,
		QuickPerPage:      c.QuickPerPage,
		FullPerPage:       c.FullPerPage,
		FullMaxActivities: c.FullMaxActivities,
		MaxPages:          c.MaxPages,
		PageDelay:         c.PageDelay,
		RunTimeout:        c.RunTimeout,
	}
}

// SweepOptions converts the sweep section of the config.
func SweepOptions(c config.SweepConfig) service.SweepOptions {
	return service.SweepOptions{
		MaxUsers:             c.MaxUsers,
		DelayBetweenUsers:    c.DelayBetweenUsers,
		SkipRecentlySynced:   c.SkipRecentlySynced,
		MinTimeSinceLastSync: c.MinTimeSinceLastSync,
	}
}
