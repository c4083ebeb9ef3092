package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Scheduler.PollIntervalSec)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrentSends)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 30, cfg.Scheduler.SendTimeoutSec)
	assert.Equal(t, 60, cfg.Scheduler.AbandonedGraceMin)
	assert.Equal(t, 90, cfg.Tracking.RetentionDays)
	assert.Equal(t, "smtp", cfg.Mailer.Provider)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
database:
  url: postgres://localhost/notifier
mailer:
  provider: ses
  from: alerts@inteldesk.example
scheduler:
  poll_interval_sec: 10
  max_concurrent_sends: 50
tracking:
  base_url: https://notify.inteldesk.example
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/notifier", cfg.Database.URL)
	assert.Equal(t, "ses", cfg.Mailer.Provider)
	assert.Equal(t, 10, cfg.Scheduler.PollIntervalSec)
	// defaults survive partial files
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	// concurrency is clamped to the hard cap
	assert.Equal(t, 20, cfg.Scheduler.MaxConcurrentSends)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/notifier"
	assert.NoError(t, cfg.validate())

	cfg.Mailer.Provider = "carrier-pigeon"
	assert.Error(t, cfg.validate())

	cfg.Mailer.Provider = "smtp"
	cfg.Database.URL = ""
	assert.Error(t, cfg.validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notifier_test")
	t.Setenv("SCHEDULER_MAX_CONCURRENT", "8")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/notifier_test", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentSends)
	assert.Equal(t, "https://t.example.com", cfg.Tracking.BaseURL)
}
