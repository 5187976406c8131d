package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DirectoryPair binds one watch directory to the download directory its
// finished content materializes into.
type DirectoryPair struct {
	Name        string
	WatchDir    string
	DownloadDir string
}

// Config struct for environment variables.
type Config struct {
	DownloadService string `envconfig:"DOWNLOAD_SERVICE" default:"torbox"`

	TorboxBaseURL    string `envconfig:"TORBOX_API_BASE" default:"https://api.torbox.app"`
	TorboxAPIVersion string `envconfig:"TORBOX_API_VERSION" default:"v1"`
	TorboxAPIKey     string `envconfig:"TORBOX_API_KEY"`

	PutioToken string `envconfig:"PUTIO_TOKEN"`

	WatchDir    string `envconfig:"WATCH_DIR" default:"/app/watch"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"/app/downloads"`

	RadarrWatchSubdir    string `envconfig:"RADARR_WATCH_SUBDIR"`
	RadarrDownloadSubdir string `envconfig:"RADARR_DOWNLOAD_SUBDIR"`
	SonarrWatchSubdir    string `envconfig:"SONARR_WATCH_SUBDIR"`
	SonarrDownloadSubdir string `envconfig:"SONARR_DOWNLOAD_SUBDIR"`

	WatchInterval time.Duration `envconfig:"WATCH_INTERVAL" default:"60s"`
	CheckInterval time.Duration `envconfig:"CHECK_INTERVAL" default:"5m"`

	MaxRetries             int `envconfig:"MAX_RETRIES" default:"2"`
	MaxStatusCheckFailures int `envconfig:"MAX_STATUS_CHECK_FAILURES" default:"5"`

	AllowZip         bool `envconfig:"ALLOW_ZIP" default:"false"`
	SeedPreference   int  `envconfig:"SEED_PREFERENCE" default:"1"`
	PostProcessing   int  `envconfig:"POST_PROCESSING" default:"-1"`
	QueueImmediately bool `envconfig:"QUEUE_IMMEDIATELY" default:"false"`

	ProgressInterval  int64         `envconfig:"PROGRESS_INTERVAL_BYTES" default:"104857600"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	DBPath            string        `envconfig:"DB_PATH" default:"blackhole.db"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		ServiceName    string `split_words:"true" default:"torbox_blackhole"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9090"`
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DownloadService {
	case "torbox":
		if c.TorboxAPIKey == "" {
			return fmt.Errorf("TORBOX_API_KEY is not set")
		}
	case "putio":
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is not set")
		}
	default:
		return fmt.Errorf("invalid download service: %s", c.DownloadService)
	}

	return nil
}

// DualDirectoryMode reports whether any per-application subdirectory
// variable is set. When it is, each application gets its own pair and the
// legacy single pair is not scanned at all.
func (c *Config) DualDirectoryMode() bool {
	return c.RadarrWatchSubdir != "" || c.RadarrDownloadSubdir != "" ||
		c.SonarrWatchSubdir != "" || c.SonarrDownloadSubdir != ""
}

// DirectoryPairs resolves the (watchDir, downloadDir) pairs once, at
// startup. In dual-directory mode every application subdirectory defaults
// to the application name when its variable is unset.
func (c *Config) DirectoryPairs() []DirectoryPair {
	if !c.DualDirectoryMode() {
		return []DirectoryPair{{
			Name:        "default",
			WatchDir:    c.WatchDir,
			DownloadDir: c.DownloadDir,
		}}
	}

	orDefault := func(v, def string) string {
		if v == "" {
			return def
		}

		return v
	}

	return []DirectoryPair{
		{
			Name:        "radarr",
			WatchDir:    filepath.Join(c.WatchDir, orDefault(c.RadarrWatchSubdir, "radarr")),
			DownloadDir: filepath.Join(c.DownloadDir, orDefault(c.RadarrDownloadSubdir, "radarr")),
		},
		{
			Name:        "sonarr",
			WatchDir:    filepath.Join(c.WatchDir, orDefault(c.SonarrWatchSubdir, "sonarr")),
			DownloadDir: filepath.Join(c.DownloadDir, orDefault(c.SonarrDownloadSubdir, "sonarr")),
		},
	}
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
