// Package store implements the session store service: the system of record
// for recording sessions, track detections and uploaded frames, plus the
// read API the UI consumes.
package store

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the store service configuration, environment-driven.
type Config struct {
	HTTPAddr    string `mapstructure:"store_http_addr"`
	StoragePath string `mapstructure:"tracks_storage_path"`
	DBPath      string `mapstructure:"store_db_path"`

	MediaBaseURL         string `mapstructure:"store_media_base_url"`
	PlaybackStartOffset  int    `mapstructure:"playback_start_offset_ms"`
	PlaybackExtraSeconds int    `mapstructure:"playback_extra_seconds"`

	HookToken string `mapstructure:"store_hook_token"`
	MaxConns  int    `mapstructure:"store_max_conns"`

	Archive ArchiveConfig `mapstructure:"-"`
}

// ArchiveConfig configures the session archiver.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"store_archive_enabled"`
	Provider    string `mapstructure:"store_archive_provider"` // local or s3
	Dir         string `mapstructure:"store_archive_dir"`
	S3Endpoint  string `mapstructure:"store_archive_s3_endpoint"`
	S3Region    string `mapstructure:"store_archive_s3_region"`
	S3Bucket    string `mapstructure:"store_archive_s3_bucket"`
	S3Prefix    string `mapstructure:"store_archive_s3_prefix"`
	S3AccessKey string `mapstructure:"store_archive_s3_access_key"`
	S3SecretKey string `mapstructure:"store_archive_s3_secret_key"`
	SweepEvery  int    `mapstructure:"store_archive_sweep_interval_min"`
}

// SweepInterval returns the archive sweep cadence.
func (a ArchiveConfig) SweepInterval() time.Duration {
	if a.SweepEvery <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.SweepEvery) * time.Minute
}

// LoadConfig reads the store configuration from the environment (a .env
// file is honored but never overrides real environment variables).
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store_http_addr", ":8080")
	v.SetDefault("tracks_storage_path", "/var/lib/kestrel/tracks")
	v.SetDefault("store_db_path", "")
	v.SetDefault("store_media_base_url", "http://127.0.0.1:9996")
	v.SetDefault("playback_start_offset_ms", 200)
	v.SetDefault("playback_extra_seconds", 5)
	v.SetDefault("store_hook_token", "")
	v.SetDefault("store_max_conns", 256)
	v.SetDefault("store_archive_enabled", false)
	v.SetDefault("store_archive_provider", "local")
	v.SetDefault("store_archive_dir", "")
	v.SetDefault("store_archive_s3_endpoint", "")
	v.SetDefault("store_archive_s3_region", "us-east-1")
	v.SetDefault("store_archive_s3_bucket", "")
	v.SetDefault("store_archive_s3_prefix", "")
	v.SetDefault("store_archive_s3_access_key", "")
	v.SetDefault("store_archive_s3_secret_key", "")
	v.SetDefault("store_archive_sweep_interval_min", 15)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(&cfg.Archive); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StoragePath, "store.db")
	}
	return cfg, nil
}
