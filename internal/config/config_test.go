package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Sync.DailyLimit)
	assert.Equal(t, time.Hour, cfg.Sync.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Sync.RefreshMargin)
	assert.Equal(t, 50, cfg.Sync.QuickPerPage)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.WebhookRunTimeout)
	assert.Zero(t, cfg.Sweep.Interval)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  driver: postgres
  dsn: postgres://localhost/training
sync:
  daily_limit: 10
  cooldown: 30m
  page_delay: 2s
sweep:
  interval: 1h
  skip_recently_synced: false
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("SYNC_COOLDOWN", "45m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Sync.DailyLimit)
	assert.Equal(t, 45*time.Minute, cfg.Sync.Cooldown)
	assert.Equal(t, 2*time.Second, cfg.Sync.PageDelay)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.False(t, cfg.Sweep.SkipRecentlySynced)
	// untouched keys keep their defaults
	assert.Equal(t, 200, cfg.Sync.FullPerPage)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValues(t *testing.T) {
	tests := map[string]string{
		"PORT":              "eighty",
		"SYNC_COOLDOWN":     "an hour",
		"SWEEP_SKIP_RECENT": "maybe",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			lookup := func(k string) (string, bool) {
				if k == key {
					return val, true
				}
				return "", false
			}
			err := applyEnv(&cfg, lookup)
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.Sync.DailyLimit = 0
	cfg.Sync.FullPerPage = 500
	cfg.Auth.TokenEncryptionKey = "not-hex"
	cfg.Sync.PageDelay = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"database.driver", "daily_limit", "full_per_page", "page_delay", "token_encryption_key", "log.format"} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_PageDelayFloor(t *testing.T) {
	for _, d := range []time.Duration{0, 500 * time.Millisecond, -time.Second} {
		cfg := Default()
		cfg.Sync.PageDelay = d
		err := cfg.Validate()
		require.Error(t, err, "page delay %s", d)
		assert.Contains(t, err.Error(), "sync.page_delay must be at least 1s")
	}

	cfg := Default()
	cfg.Sync.PageDelay = time.Second
	assert.NoError(t, cfg.Validate())
}

func TestLoad_RejectsZeroPageDelayFromEnv(t *testing.T) {
	t.Setenv("SYNC_PAGE_DELAY", "0s")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_delay")
}

func TestValidate_WebhookRunTimeout(t *testing.T) {
	cfg := Default()
	cfg.Sync.WebhookRunTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "sync.webhook_run_timeout")

	cfg = Default()
	cfg.Sync.WebhookRunTimeout = cfg.Sync.RunTimeout + time.Second
	assert.ErrorContains(t, cfg.Validate(), "sync.webhook_run_timeout")

	t.Setenv("SYNC_WEBHOOK_RUN_TIMEOUT", "3s")
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, loaded.Sync.WebhookRunTimeout)
}

func TestValidate_AcceptsEncryptionKey(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenEncryptionKey = strings.Repeat("ab", 32)
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "userID", "u1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"userID":"u1"`)
}
