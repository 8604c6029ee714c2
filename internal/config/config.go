package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/pders01/feedkeeper/internal/validation"
)

// envKeyReplacer maps feed.poll_interval to FEEDKEEPER_FEED_POLL_INTERVAL.
var envKeyReplacer = strings.NewReplacer(".", "_")

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Users    UsersConfig    `mapstructure:"users"`
	Log      LogConfig      `mapstructure:"log"`
	Status   StatusConfig   `mapstructure:"status"`
}

type DatabaseConfig struct {
	// Driver is one of bolt, sqlite or postgres.
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	DSN         string        `mapstructure:"dsn"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchIndex string        `mapstructure:"search_index"`
}

type FeedConfig struct {
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	ChannelTimeout    time.Duration `mapstructure:"channel_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	Workers           int           `mapstructure:"workers"`
	PerHostLimit      int           `mapstructure:"per_host_limit"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	AllowPrivateHosts bool          `mapstructure:"allow_private_hosts"`
}

type UsersConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StatusConfig struct {
	// Addr is the listen address of the status server; empty disables it.
	Addr string `mapstructure:"addr"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".feedkeeper")

	return &Config{
		Database: DatabaseConfig{
			Driver:      "bolt",
			Path:        filepath.Join(dataDir, "feedkeeper.db"),
			Timeout:     1 * time.Second,
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
		},
		Feed: FeedConfig{
			HTTPTimeout:       30 * time.Second,
			ChannelTimeout:    45 * time.Second,
			PollInterval:      30 * time.Minute,
			RetentionInterval: 24 * time.Hour,
			Workers:           5,
			PerHostLimit:      2,
			UserAgent:         "feedkeeper/1.0 (https://github.com/pders01/feedkeeper)",
			MaxBodyBytes:      10 << 20,
		},
		Users: UsersConfig{
			CacheSize: 256,
			CacheTTL:  10 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:8089",
		},
	}
}

// DefaultPath is the config file looked up when none is given.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "feedkeeper", "config.toml")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEEDKEEPER")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := expandPaths(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults registers every leaf key so that a partial section in the file
// keeps the defaults of the keys it leaves out.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.dsn", cfg.Database.DSN)
	v.SetDefault("database.timeout", cfg.Database.Timeout)
	v.SetDefault("database.search_index", cfg.Database.SearchIndex)

	v.SetDefault("feed.http_timeout", cfg.Feed.HTTPTimeout)
	v.SetDefault("feed.channel_timeout", cfg.Feed.ChannelTimeout)
	v.SetDefault("feed.poll_interval", cfg.Feed.PollInterval)
	v.SetDefault("feed.retention_interval", cfg.Feed.RetentionInterval)
	v.SetDefault("feed.workers", cfg.Feed.Workers)
	v.SetDefault("feed.per_host_limit", cfg.Feed.PerHostLimit)
	v.SetDefault("feed.user_agent", cfg.Feed.UserAgent)
	v.SetDefault("feed.max_body_bytes", cfg.Feed.MaxBodyBytes)
	v.SetDefault("feed.allow_private_hosts", cfg.Feed.AllowPrivateHosts)

	v.SetDefault("users.cache_size", cfg.Users.CacheSize)
	v.SetDefault("users.cache_ttl", cfg.Users.CacheTTL)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	v.SetDefault("status.addr", cfg.Status.Addr)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "bolt", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of bolt, sqlite, postgres", c.Database.Driver)
	}
	if c.Feed.Workers < 1 {
		return fmt.Errorf("feed.workers must be >= 1, got %d", c.Feed.Workers)
	}
	if c.Feed.PollInterval <= 0 || c.Feed.RetentionInterval <= 0 {
		return fmt.Errorf("feed.poll_interval and feed.retention_interval must be positive")
	}
	return nil
}

func expandPaths(cfg *Config) error {
	var err error
	if cfg.Database.Path, err = validation.ExpandPath(cfg.Database.Path); err != nil {
		return fmt.Errorf("database.path: %w", err)
	}
	if cfg.Database.SearchIndex, err = validation.ExpandPath(cfg.Database.SearchIndex); err != nil {
		return fmt.Errorf("database.search_index: %w", err)
	}
	if cfg.Log.File, err = validation.ExpandPath(cfg.Log.File); err != nil {
		return fmt.Errorf("log.file: %w", err)
	}
	return nil
}

func Save(config *Config, path string) error {
	// Durations are written as strings for TOML readability.
	doc := map[string]interface{}{
		"database": map[string]interface{}{
			"driver":       config.Database.Driver,
			"path":         config.Database.Path,
			"dsn":          config.Database.DSN,
			"timeout":      config.Database.Timeout.String(),
			"search_index": config.Database.SearchIndex,
		},
		"feed": map[string]interface{}{
			"http_timeout":        config.Feed.HTTPTimeout.String(),
			"channel_timeout":     config.Feed.ChannelTimeout.String(),
			"poll_interval":       config.Feed.PollInterval.String(),
			"retention_interval":  config.Feed.RetentionInterval.String(),
			"workers":             config.Feed.Workers,
			"per_host_limit":      config.Feed.PerHostLimit,
			"user_agent":          config.Feed.UserAgent,
			"max_body_bytes":      config.Feed.MaxBodyBytes,
			"allow_private_hosts": config.Feed.AllowPrivateHosts,
		},
		"users": map[string]interface{}{
			"cache_size": config.Users.CacheSize,
			"cache_ttl":  config.Users.CacheTTL.String(),
		},
		"log": map[string]interface{}{
			"level":        config.Log.Level,
			"file":         config.Log.File,
			"max_size_mb":  config.Log.MaxSizeMB,
			"max_backups":  config.Log.MaxBackups,
			"max_age_days": config.Log.MaxAgeDays,
		},
		"status": map[string]interface{}{
			"addr": config.Status.Addr,
		},
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := validation.EnsureParentDir(path); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
