package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LinksFile   string `envconfig:"LINKS_FILE" default:"links.txt"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`

	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"3"`
	DownloadAttempts int           `envconfig:"DOWNLOAD_ATTEMPTS" default:"3"`
	RetryDelay       time.Duration `envconfig:"RETRY_DELAY" default:"5s"`
	Resume           bool          `envconfig:"RESUME" default:"true"`
	ReverifyExisting bool          `envconfig:"REVERIFY_EXISTING" default:"false"`

	HTTPTimeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	HTTPRetryMax     int           `envconfig:"HTTP_RETRY_MAX" default:"2"`
	UserAgent        string        `envconfig:"USER_AGENT" default:"archive_downloader/1.0"`
	Referer          string        `envconfig:"REFERER"`
	ProgressInterval int64         `envconfig:"PROGRESS_INTERVAL" default:"104857600"`

	JournalBackend  string        `envconfig:"JOURNAL_BACKEND" default:"sqlite"`
	DBPath          string        `envconfig:"DB_PATH" default:"archive_downloader.db"`
	WatchInterval   time.Duration `envconfig:"WATCH_INTERVAL" default:"0s"`
	StagedRetention time.Duration `envconfig:"STAGED_RETENTION" default:"0s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"false"`
		ServiceName    string        `split_words:"true" default:"archive_downloader"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"false"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	Metrics struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the batch cannot run with.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	if c.DownloadAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_ATTEMPTS must be at least 1, got %d", c.DownloadAttempts)
	}

	if c.JournalBackend != "sqlite" && c.JournalBackend != "bolt" {
		return fmt.Errorf("JOURNAL_BACKEND must be sqlite or bolt, got %q", c.JournalBackend)
	}

	if c.WatchInterval < 0 || c.RetryDelay < 0 || c.StagedRetention < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
