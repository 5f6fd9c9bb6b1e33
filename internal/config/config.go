// Package config loads the service configuration.
//
// LAYERING:
// Values are resolved in three steps, each overriding the previous one:
//
//	Default()           compiled-in defaults, enough for local development
//	YAML file           optional, path from -config or CONFIG_FILE
//	environment         PORT, DB_DSN, SYNC_COOLDOWN, ...
//
// Durations are written the way time.ParseDuration reads them ("90s",
// "1h", "6h30m") in both the YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sakif/training-sync/internal/auth"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Provider ProviderConfig `yaml:"provider"`
	Sync     SyncConfig     `yaml:"sync"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	// JWTSecret validates dashboard session tokens. Empty disables every
	// session-protected route.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenEncryptionKey is 64 hex chars. Empty stores provider tokens as-is.
	TokenEncryptionKey string `yaml:"token_encryption_key"`
}

type ProviderConfig struct {
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	RedirectURL        string `yaml:"redirect_url"`
	APIURL             string `yaml:"api_url"`
	AuthURL            string `yaml:"auth_url"`
	TokenURL           string `yaml:"token_url"`
	Scope              string `yaml:"scope"`
	WebhookVerifyToken string `yaml:"webhook_verify_token"`
}

type SyncConfig struct {
	DailyLimit        int           `yaml:"daily_limit"`
	Cooldown          time.Duration `yaml:"cooldown"`
	RefreshMargin     time.Duration `yaml:"refresh_margin"`
	QuickPerPage      int           `yaml:"quick_per_page"`
	FullPerPage       int           `yaml:"full_per_page"`
	FullMaxActivities int           `yaml:"full_max_activities"`
	MaxPages          int           `yaml:"max_pages"`
	PageDelay         time.Duration `yaml:"page_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxRetries        int           `yaml:"max_retries"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	// WebhookRunTimeout caps the quick sync a provider event triggers.
	WebhookRunTimeout time.Duration `yaml:"webhook_run_timeout"`
}

type SweepConfig struct {
	// Interval between background passes inside the server; 0 disables
	// the loop (cmd/sweep can still be run from cron).
	Interval             time.Duration `yaml:"interval"`
	MaxUsers             int           `yaml:"max_users"`
	DelayBetweenUsers    time.Duration `yaml:"delay_between_users"`
	SkipRecentlySynced   bool          `yaml:"skip_recently_synced"`
	MinTimeSinceLastSync time.Duration `yaml:"min_time_since_last_sync"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// minPageDelay is the floor on the spacing between activity page requests.
const minPageDelay = time.Second

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/training.db",
		},
		Provider: ProviderConfig{
			RedirectURL: "http://localhost:8080/auth/provider/callback",
			APIURL:      "https://www.strava.com/api/v3",
			AuthURL:     "https://www.strava.com/oauth/authorize",
			TokenURL:    "https://www.strava.com/oauth/token",
			Scope:       "read,activity:read_all",
		},
		Sync: SyncConfig{
			DailyLimit:        5,
			Cooldown:          time.Hour,
			RefreshMargin:     5 * time.Minute,
			QuickPerPage:      50,
			FullPerPage:       200,
			FullMaxActivities: 10000,
			MaxPages:          100,
			PageDelay:         time.Second,
			RequestTimeout:    20 * time.Second,
			BackoffInitial:    2 * time.Second,
			BackoffMax:        8 * time.Second,
			MaxRetries:        3,
			RunTimeout:        10 * time.Minute,
			WebhookRunTimeout: 5 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:             0,
			MaxUsers:             100,
			DelayBetweenUsers:    5 * time.Second,
			SkipRecentlySynced:   true,
			MinTimeSinceLastSync: 6 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// env reads typed overrides and keeps the first parse error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *env) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("config: %s=%q is not an integer", key, v)
		return
	}
	*dst = n
}

func (e *env) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("config: %s=%q is not a duration", key, v)
		return
	}
	*dst = d
}

func (e *env) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("config: %s=%q is not a boolean", key, v)
		return
	}
	*dst = b
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := &env{lookup: lookup}

	e.int("PORT", &cfg.Server.Port)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	e.str("DB_DRIVER", &cfg.Database.Driver)
	e.str("DB_DSN", &cfg.Database.DSN)

	e.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.str("TOKEN_ENCRYPTION_KEY", &cfg.Auth.TokenEncryptionKey)

	e.str("PROVIDER_CLIENT_ID", &cfg.Provider.ClientID)
	e.str("PROVIDER_CLIENT_SECRET", &cfg.Provider.ClientSecret)
	e.str("PROVIDER_REDIRECT_URL", &cfg.Provider.RedirectURL)
	e.str("PROVIDER_API_URL", &cfg.Provider.APIURL)
	e.str("PROVIDER_AUTH_URL", &cfg.Provider.AuthURL)
	e.str("PROVIDER_TOKEN_URL", &cfg.Provider.TokenURL)
	e.str("PROVIDER_SCOPE", &cfg.Provider.Scope)
	e.str("WEBHOOK_VERIFY_TOKEN", &cfg.Provider.WebhookVerifyToken)

	e.int("SYNC_DAILY_LIMIT", &cfg.Sync.DailyLimit)
	e.duration("SYNC_COOLDOWN", &cfg.Sync.Cooldown)
	e.duration("SYNC_REFRESH_MARGIN", &cfg.Sync.RefreshMargin)
	e.int("SYNC_QUICK_PER_PAGE", &cfg.Sync.QuickPerPage)
	e.int("SYNC_FULL_PER_PAGE", &cfg.Sync.FullPerPage)
	e.int("SYNC_FULL_MAX_ACTIVITIES", &cfg.Sync.FullMaxActivities)
	e.int("SYNC_MAX_PAGES", &cfg.Sync.MaxPages)
	e.duration("SYNC_PAGE_DELAY", &cfg.Sync.PageDelay)
	e.duration("SYNC_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout)
	e.duration("SYNC_BACKOFF_INITIAL", &cfg.Sync.BackoffInitial)
	e.duration("SYNC_BACKOFF_MAX", &cfg.Sync.BackoffMax)
	e.int("SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	e.duration("SYNC_RUN_TIMEOUT", &cfg.Sync.RunTimeout)
	e.duration("SYNC_WEBHOOK_RUN_TIMEOUT", &cfg.Sync.WebhookRunTimeout)

	e.duration("SWEEP_INTERVAL", &cfg.Sweep.Interval)
	e.int("SWEEP_MAX_USERS", &cfg.Sweep.MaxUsers)
	e.duration("SWEEP_DELAY", &cfg.Sweep.DelayBetweenUsers)
	e.bool("SWEEP_SKIP_RECENT", &cfg.Sweep.SkipRecentlySynced)
	e.duration("SWEEP_MIN_SINCE_LAST", &cfg.Sweep.MinTimeSinceLastSync)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	return e.err
}

// Validate reports every impossible setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Database.Driver == "sqlite" || c.Database.Driver == "postgres",
		"database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	check(c.Database.DSN != "", "database.dsn is required")

	if c.Auth.TokenEncryptionKey != "" {
		_, err := auth.ParseKey(c.Auth.TokenEncryptionKey)
		check(err == nil, "auth.token_encryption_key: %v", err)
	}

	s := c.Sync
	check(s.DailyLimit > 0, "sync.daily_limit must be positive")
	check(s.Cooldown >= 0, "sync.cooldown cannot be negative")
	check(s.RefreshMargin >= 0, "sync.refresh_margin cannot be negative")
	check(s.QuickPerPage > 0 && s.QuickPerPage <= 200, "sync.quick_per_page must be 1..200")
	check(s.FullPerPage > 0 && s.FullPerPage <= 200, "sync.full_per_page must be 1..200")
	check(s.FullMaxActivities > 0, "sync.full_max_activities must be positive")
	check(s.MaxPages > 0, "sync.max_pages must be positive")
	check(s.PageDelay >= minPageDelay, "sync.page_delay must be at least %s", minPageDelay)
	check(s.RequestTimeout > 0, "sync.request_timeout must be positive")
	check(s.BackoffInitial >= 0 && s.BackoffMax >= s.BackoffInitial,
		"sync.backoff_max must be at least sync.backoff_initial")
	check(s.MaxRetries >= 0, "sync.max_retries cannot be negative")
	check(s.RunTimeout > 0, "sync.run_timeout must be positive")
	check(s.WebhookRunTimeout > 0 && s.WebhookRunTimeout <= s.RunTimeout,
		"sync.webhook_run_timeout must be positive and at most sync.run_timeout")

	check(c.Sweep.Interval >= 0, "sweep.interval cannot be negative")
	check(c.Sweep.MaxUsers > 0, "sweep.max_users must be positive")
	check(c.Sweep.DelayBetweenUsers >= 0, "sweep.delay_between_users cannot be negative")

	_, err := parseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json",
		"log.format must be text or json, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the root logger described by c.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
