package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays EASYDISPATCH_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("EASYDISPATCH_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("EASYDISPATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("EASYDISPATCH_CHANNELS"); v != "" {
		var chans []int
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if n, err := strconv.Atoi(p); err == nil {
				chans = append(chans, n)
			}
		}
		if len(chans) > 0 {
			cfg.Channels = chans
		}
	}
	setInt(&cfg.RingSize, "EASYDISPATCH_RING_SIZE")
	setInt(&cfg.MaxChunkBytes, "EASYDISPATCH_MAX_CHUNK_BYTES")
	setInt64(&cfg.StaleThresholdMs, "EASYDISPATCH_STALE_THRESHOLD_MS")
	setInt64(&cfg.PollIntervalMs, "EASYDISPATCH_POLL_INTERVAL_MS")
	setInt64(&cfg.KeepaliveIntervalMs, "EASYDISPATCH_KEEPALIVE_INTERVAL_MS")
	setInt64(&cfg.ConnTimeoutMs, "EASYDISPATCH_CONN_TIMEOUT_MS")
	setInt(&cfg.RateLimit.Requests, "EASYDISPATCH_RATE_LIMIT_REQUESTS")
	setInt64(&cfg.RateLimit.WindowMs, "EASYDISPATCH_RATE_LIMIT_WINDOW_MS")
	if v := os.Getenv("EASYDISPATCH_PERSIST_ENDPOINT"); v != "" {
		cfg.Persist.Endpoint = v
	}
	if v := os.Getenv("EASYDISPATCH_PERSIST_API_KEY"); v != "" {
		cfg.Persist.APIKey = v
	}
	setInt64(&cfg.Persist.TimeoutMs, "EASYDISPATCH_PERSIST_TIMEOUT_MS")
	setInt(&cfg.Persist.RetryAttempts, "EASYDISPATCH_PERSIST_RETRY_ATTEMPTS")
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
