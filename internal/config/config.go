package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON configuration, applies defaults and validates it.
// An explicit "statusLogInterval": 0 disables status logging, an absent one
// falls back to the default.
func Parse(data []byte) (*Config, error) {
	var raw configWithIntervalDefault
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &raw.Config
	applyDefaults(cfg)
	if raw.StatusLogIntervalPtr == nil {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	} else {
		cfg.StatusLogInterval = *raw.StatusLogIntervalPtr
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadWithDefaults reads the configuration file, falling back to a default
// configuration when the file does not exist
func LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns a configuration with every default applied and no relays
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.StatusLogInterval = DefaultStatusLogInterval
	return cfg
}

// configWithIntervalDefault is used to tell an absent statusLogInterval from an explicit zero
type configWithIntervalDefault struct {
	Config
	StatusLogIntervalPtr *int `json:"statusLogInterval"`
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.FetchDebounce == 0 {
		cfg.FetchDebounce = DefaultFetchDebounce
	}
	if cfg.SeenCacheSize == 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if cfg.Feed != nil && cfg.Feed.Limit == 0 {
		cfg.Feed.Limit = DefaultFeedLimit
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for i, raw := range cfg.Relays {
		if raw == "" {
			return fmt.Errorf("relays[%d]: url is required", i)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("relays[%d]: %w", i, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relays[%d]: scheme must be ws or wss, got '%s'", i, u.Scheme)
		}
		if seen[raw] {
			return fmt.Errorf("relays[%d]: duplicate relay '%s'", i, raw)
		}
		seen[raw] = true
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.ConnectTimeout < 0 {
		return fmt.Errorf("connectTimeout must be non-negative")
	}
	if cfg.MessageTimeout < 0 {
		return fmt.Errorf("messageTimeout must be non-negative")
	}
	if cfg.PingInterval < 0 {
		return fmt.Errorf("pingInterval must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		return fmt.Errorf("writeTimeout must be non-negative")
	}
	if cfg.PublishTimeout < 0 {
		return fmt.Errorf("publishTimeout must be non-negative")
	}
	if cfg.FetchDebounce < 0 {
		return fmt.Errorf("fetchDebounce must be non-negative")
	}
	if cfg.SeenCacheSize < 0 {
		return fmt.Errorf("seenCacheSize must be non-negative")
	}
	if cfg.StatusLogInterval < 0 {
		return fmt.Errorf("statusLogInterval must be non-negative")
	}

	if cfg.SecretKey != "" {
		if b, err := hex.DecodeString(cfg.SecretKey); err != nil || len(b) != 32 {
			return fmt.Errorf("secretKey must be 64 hex characters")
		}
	}

	if cfg.Feed != nil {
		if cfg.Feed.Limit < 0 {
			return fmt.Errorf("feed.limit must be non-negative")
		}
		if cfg.Feed.Since < 0 {
			return fmt.Errorf("feed.since must be non-negative")
		}
	}

	return nil
}
