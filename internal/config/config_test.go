package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/italolelis/archive_downloader/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "links.txt", cfg.LinksFile)
	assert.Equal(t, "downloads", cfg.DownloadDir)
	assert.Equal(t, 3, cfg.MaxParallel)
	assert.Equal(t, 3, cfg.DownloadAttempts)
	assert.True(t, cfg.Resume)
	assert.Equal(t, "sqlite", cfg.JournalBackend)
	assert.False(t, cfg.ReverifyExisting)
	assert.Equal(t, time.Duration(0), cfg.WatchInterval)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "0.0.0.0:9091", cfg.Metrics.BindAddress)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("LINKS_FILE", "/srv/list.txt")
	t.Setenv("MAX_PARALLEL", "8")
	t.Setenv("REVERIFY_EXISTING", "true")
	t.Setenv("WATCH_INTERVAL", "15m")
	t.Setenv("TELEMETRY_ENABLED", "true")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("METRICS_BIND_ADDRESS", "127.0.0.1:9000")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/list.txt", cfg.LinksFile)
	assert.Equal(t, 8, cfg.MaxParallel)
	assert.True(t, cfg.ReverifyExisting)
	assert.Equal(t, 15*time.Minute, cfg.WatchInterval)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "127.0.0.1:9000", cfg.Metrics.BindAddress)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"MAX_PARALLEL":      "0",
		"DOWNLOAD_ATTEMPTS": "0",
		"RETRY_DELAY":       "-1s",
		"JOURNAL_BACKEND":   "postgres",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)

			_, err := config.LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := config.Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
