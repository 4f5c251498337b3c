// Package persist forwards finished transmission summaries to the
// external persistence backend. Forwarding is best-effort by contract:
// a backend failure is logged and never fails an ingest call.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cris-deitos/EasyDispatch/internal/config"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

// TransmissionRecord is the durable summary of one derived session.
type TransmissionRecord struct {
	RadioID     int64  `json:"radio_id"`
	TalkgroupID int64  `json:"talkgroup_id"`
	Timeslot    int    `json:"timeslot"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	// Duration in seconds.
	Duration float64 `json:"duration"`
}

// Recorder records transmission summaries.
type Recorder interface {
	RecordTransmission(ctx context.Context, rec TransmissionRecord) error
}

// Noop discards records; used when no backend is configured.
type Noop struct{}

func (Noop) RecordTransmission(context.Context, TransmissionRecord) error { return nil }

// HTTPRecorder POSTs records to {endpoint}/transmissions with a Bearer
// key and bounded retries.
type HTTPRecorder struct {
	endpoint string
	apiKey   string
	attempts int
	backoff  time.Duration
	client   *http.Client
	logger   logpkg.Logger
}

// NewHTTPRecorder builds a recorder from config. Returns Noop when no
// endpoint is configured.
func NewHTTPRecorder(cfg config.PersistConfig, logger logpkg.Logger) Recorder {
	if cfg.Endpoint == "" {
		return Noop{}
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRecorder{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		attempts: attempts,
		backoff:  time.Second,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(logpkg.Component("persist")),
	}
}

// RecordTransmission posts the record, retrying with exponential
// backoff. A 401 is terminal; retrying cannot fix credentials.
func (r *HTTPRecorder) RecordTransmission(ctx context.Context, rec TransmissionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	url := r.endpoint + "/transmissions"

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			r.logger.Debug("transmission recorded",
				logpkg.Int64("radio_id", rec.RadioID),
				logpkg.Int64("talkgroup_id", rec.TalkgroupID),
				logpkg.Int("timeslot", rec.Timeslot))
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("persist: backend rejected credentials (401)")
		default:
			lastErr = fmt.Errorf("persist: backend returned %s", resp.Status)
		}
	}
	return fmt.Errorf("persist: giving up after %d attempts: %w", r.attempts, lastErr)
}
