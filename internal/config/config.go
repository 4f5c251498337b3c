package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level relay configuration loaded from file/env/flags.
type Config struct {
	HTTPAddr string `json:"httpAddr"`
	DataDir  string `json:"dataDir"`

	// Channels is the allowed set of audio channels (DMR timeslots).
	Channels []int `json:"channels"`
	// RingSize is the max chunks retained per channel.
	RingSize int `json:"ringSize"`
	// MaxChunkBytes bounds a single decoded chunk payload.
	MaxChunkBytes int `json:"maxChunkBytes"`

	StaleThresholdMs    int64 `json:"staleThresholdMs"`
	PollIntervalMs      int64 `json:"pollIntervalMs"`
	KeepaliveIntervalMs int64 `json:"keepaliveIntervalMs"`
	ConnTimeoutMs       int64 `json:"connTimeoutMs"`

	RateLimit RateLimitConfig `json:"rateLimit"`
	Persist   PersistConfig   `json:"persist"`
}

// RateLimitConfig bounds producer ingest per identity.
type RateLimitConfig struct {
	// Requests allowed within the window.
	Requests int   `json:"requests"`
	WindowMs int64 `json:"windowMs"`
}

// PersistConfig points at the external persistence backend. An empty
// Endpoint disables forwarding.
type PersistConfig struct {
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"apiKey"`
	TimeoutMs     int64  `json:"timeoutMs"`
	RetryAttempts int    `json:"retryAttempts"`
}

// Default returns built-in defaults. The 5s stale threshold and 50-chunk
// ring are the relay's documented behavioral contract.
func Default() Config {
	return Config{
		HTTPAddr:            ":8080",
		Channels:            []int{1, 2},
		RingSize:            50,
		MaxChunkBytes:       64 << 10,
		StaleThresholdMs:    5000,
		PollIntervalMs:      50,
		KeepaliveIntervalMs: 15000,
		ConnTimeoutMs:       300000,
		RateLimit: RateLimitConfig{
			Requests: 30,
			WindowMs: 60000,
		},
		Persist: PersistConfig{
			TimeoutMs:     30000,
			RetryAttempts: 3,
		},
	}
}

// Load reads configuration from a JSON file over defaults. If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel required")
	}
	if c.RingSize <= 0 {
		return fmt.Errorf("config: ringSize must be positive")
	}
	if c.StaleThresholdMs <= 0 || c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: staleThresholdMs and pollIntervalMs must be positive")
	}
	if c.KeepaliveIntervalMs <= 0 || c.ConnTimeoutMs <= 0 {
		return fmt.Errorf("config: keepaliveIntervalMs and connTimeoutMs must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("config: rateLimit requests and windowMs must be positive")
	}
	return nil
}

// ChannelAllowed reports whether ch is in the configured set.
func (c Config) ChannelAllowed(ch int) bool {
	for _, v := range c.Channels {
		if v == ch {
			return true
		}
	}
	return false
}

func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

func (c Config) ConnTimeout() time.Duration {
	return time.Duration(c.ConnTimeoutMs) * time.Millisecond
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}
