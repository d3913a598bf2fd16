package config

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// Config represents the client configuration
type Config struct {
	LogLevel          string            `json:"logLevel"`
	Relays            []string          `json:"relays"`
	ConnectTimeout    int               `json:"connectTimeout"`    // ms
	MessageTimeout    int               `json:"messageTimeout"`    // ms
	PingInterval      int               `json:"pingInterval"`      // ms
	WriteTimeout      int               `json:"writeTimeout"`      // ms
	MaxMessageSize    datasize.ByteSize `json:"maxMessageSize"`    // e.g. "512KB"
	PublishTimeout    int               `json:"publishTimeout"`    // ms
	FetchDebounce     int               `json:"fetchDebounce"`     // ms
	SeenCacheSize     int               `json:"seenCacheSize"`     // entries
	StatusLogInterval int               `json:"statusLogInterval"` // ms, 0 disables
	SecretKey         string            `json:"secretKey,omitempty"`
	Feed              *FeedConfig       `json:"feed,omitempty"`
}

// FeedConfig describes the filter the binary subscribes to on startup
type FeedConfig struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Since   int      `json:"since,omitempty"` // seconds back from now
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultConnectTimeout    = 10000 // ms - websocket handshake timeout
	DefaultMessageTimeout    = 60000 // ms - read deadline, refreshed by pongs and messages
	DefaultPingInterval      = 20000 // ms
	DefaultWriteTimeout      = 10000 // ms
	DefaultMaxMessageSize    = datasize.MB
	DefaultPublishTimeout    = 10000 // ms
	DefaultFetchDebounce     = 100   // ms
	DefaultSeenCacheSize     = 10000
	DefaultStatusLogInterval = 60000 // ms
	DefaultFeedLimit         = 50
)

func (c *Config) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

func (c *Config) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

func (c *Config) GetPublishTimeoutDuration() time.Duration {
	return time.Duration(c.PublishTimeout) * time.Millisecond
}

func (c *Config) GetFetchDebounceDuration() time.Duration {
	return time.Duration(c.FetchDebounce) * time.Millisecond
}

func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return time.Duration(c.StatusLogInterval) * time.Millisecond
}

// GetMaxMessageSizeBytes returns the read limit applied to relay connections
func (c *Config) GetMaxMessageSizeBytes() int64 {
	return int64(c.MaxMessageSize.Bytes())
}

// CanPublish reports whether a signing key is configured
func (c *Config) CanPublish() bool {
	return c.SecretKey != ""
}
