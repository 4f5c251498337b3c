package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.RingSize != 50 {
		t.Fatalf("ring size default: %d", cfg.RingSize)
	}
	if cfg.StaleThreshold() != 5*time.Second {
		t.Fatalf("stale threshold default: %v", cfg.StaleThreshold())
	}
	if !cfg.ChannelAllowed(1) || !cfg.ChannelAllowed(2) || cfg.ChannelAllowed(3) {
		t.Fatalf("channel set default wrong: %v", cfg.Channels)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	body := `{"httpAddr":":9090","ringSize":10,"channels":[1,2,3],"rateLimit":{"requests":5,"windowMs":1000}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.RingSize != 10 || !cfg.ChannelAllowed(3) {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RateLimit.Requests != 5 || cfg.RateLimitWindow() != time.Second {
		t.Fatalf("rate limit not applied: %+v", cfg.RateLimit)
	}
	// untouched keys keep defaults
	if cfg.PollInterval() != 50*time.Millisecond {
		t.Fatalf("poll interval default lost: %v", cfg.PollInterval())
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("EASYDISPATCH_HTTP_ADDR", ":7070")
	t.Setenv("EASYDISPATCH_CHANNELS", "4, 5")
	t.Setenv("EASYDISPATCH_RING_SIZE", "25")
	t.Setenv("EASYDISPATCH_STALE_THRESHOLD_MS", "2000")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.HTTPAddr != ":7070" || cfg.RingSize != 25 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !cfg.ChannelAllowed(4) || !cfg.ChannelAllowed(5) || cfg.ChannelAllowed(1) {
		t.Fatalf("channels override wrong: %v", cfg.Channels)
	}
	if cfg.StaleThreshold() != 2*time.Second {
		t.Fatalf("stale threshold override: %v", cfg.StaleThreshold())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Channels = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty channel set must not validate")
	}
	cfg = Default()
	cfg.RingSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero ring size must not validate")
	}
	cfg = Default()
	cfg.KeepaliveIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero keepalive interval must not validate")
	}
	cfg = Default()
	cfg.ConnTimeoutMs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("negative connection timeout must not validate")
	}
}
