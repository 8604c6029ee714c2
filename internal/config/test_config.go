package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "bolt",
			Path:    ":memory:",
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:       5 * time.Second,
			ChannelTimeout:    5 * time.Second,
			PollInterval:      1 * time.Minute,
			RetentionInterval: 1 * time.Hour,
			Workers:           3,
			PerHostLimit:      3,
			UserAgent:         "feedkeeper-test/1.0",
			MaxBodyBytes:      1 << 20,
			AllowPrivateHosts: true,
		},
		Users: UsersConfig{
			CacheSize: 16,
			CacheTTL:  time.Minute,
		},
		Log: LogConfig{
			Level: "off",
		},
	}
}
