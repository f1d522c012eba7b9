// Package config loads quid configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Backend     BackendConfig
	Database    DatabaseConfig
	Sync        SyncConfig
	Realtime    RealtimeConfig
	Attachments AttachmentsConfig
	Log         LogConfig
}

// BackendConfig holds remote service settings.
type BackendConfig struct {
	URL   string
	Token string
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// SyncConfig holds pass cadence and batch settings.
type SyncConfig struct {
	Interval   time.Duration
	BatchSize  int `mapstructure:"batch_size"`
	MaxRetries int `mapstructure:"max_retries"`
	Strategy   string
}

// RealtimeConfig holds leader-election and reconnect settings.
type RealtimeConfig struct {
	Heartbeat   time.Duration
	Timeout     time.Duration
	MaxAttempts int `mapstructure:"max_attempts"`
}

// AttachmentsConfig holds the watched receipts directory.
type AttachmentsConfig struct {
	Dir      string
	Debounce time.Duration
}

// LogConfig holds log destination settings. An empty File logs to stderr.
type LogConfig struct {
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// Load reads configuration from file and env. Env var overrides use prefix QUID_.
func Load() (Config, error) {
	v := viper.New()

	dataDir := filepath.Join(os.Getenv("HOME"), ".local", "share", "quid")

	// default values
	v.SetDefault("backend.url", "https://sync.quid.app")
	v.SetDefault("backend.token", "")
	v.SetDefault("database.path", filepath.Join(dataDir, "quid.db"))
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.strategy", "newest")
	v.SetDefault("realtime.heartbeat", "5s")
	v.SetDefault("realtime.timeout", "10s")
	v.SetDefault("realtime.max_attempts", 8)
	v.SetDefault("attachments.dir", filepath.Join(dataDir, "attachments"))
	v.SetDefault("attachments.debounce", "2s")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("QUID_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "quid"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("QUID")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
