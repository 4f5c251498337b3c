// Package ingest validates producer chunks, derives transmission
// sessions, and writes into the per-channel buffer store.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cris-deitos/EasyDispatch/internal/chunkbuf"
	"github.com/cris-deitos/EasyDispatch/internal/persist"
	"github.com/cris-deitos/EasyDispatch/internal/runtime"
	"github.com/cris-deitos/EasyDispatch/pkg/clock"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

// Request is one producer chunk, transport-decoded.
type Request struct {
	Channel   int
	SourceID  int64
	TargetID  int64
	ChunkData string // base64 Opus payload
	Sequence  int64
	Timestamp string // producer-side, informational only
	Persist   bool
}

// Result acknowledges a stored chunk.
type Result struct {
	Received bool  `json:"received"`
	Channel  int   `json:"channel"`
	Sequence int64 `json:"sequence"`
	Size     int   `json:"size"`
}

// Service is the chunk ingestor. One instance serves all channels; the
// buffer layer serializes writers per channel.
type Service struct {
	rt       *runtime.Runtime
	logger   logpkg.Logger
	recorder persist.Recorder
	clk      clock.Clock
}

// New returns an ingest Service.
func New(rt *runtime.Runtime, logger logpkg.Logger, recorder persist.Recorder, clk clock.Clock) *Service {
	if recorder == nil {
		recorder = persist.Noop{}
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		rt:       rt,
		logger:   logger.With(logpkg.Component("ingest")),
		recorder: recorder,
		clk:      clk,
	}
}

// Ingest validates and stores one chunk. Session identity is derived
// from (source, target) continuity: the current session is reused when
// the pair matches and the channel has seen a chunk within the stale
// threshold; otherwise a new session starts. Rapid repeats from the
// same pair coalesce into one session.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	cfg := s.rt.Config()
	if !cfg.ChannelAllowed(req.Channel) {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownChannel, req.Channel)
	}
	if req.SourceID <= 0 {
		return Result{}, invalidf("source_id", "must be a positive radio id")
	}
	if req.TargetID <= 0 {
		return Result{}, invalidf("target_id", "must be a positive talkgroup id")
	}
	if req.Sequence < 0 {
		return Result{}, invalidf("sequence", "must be >= 0")
	}
	if req.ChunkData == "" {
		return Result{}, invalidf("chunk_data", "missing")
	}
	payload, err := base64.StdEncoding.DecodeString(req.ChunkData)
	if err != nil {
		return Result{}, invalidf("chunk_data", "not valid base64")
	}
	if len(payload) == 0 {
		return Result{}, invalidf("chunk_data", "empty payload")
	}
	if cfg.MaxChunkBytes > 0 && len(payload) > cfg.MaxChunkBytes {
		return Result{}, invalidf("chunk_data", "payload exceeds %d bytes", cfg.MaxChunkBytes)
	}

	buf, err := s.rt.Buffer(req.Channel)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownChannel, req.Channel)
	}

	now := s.clk.Now()
	nowMs := now.UnixMilli()
	seq := uint64(req.Sequence)

	// Derivation runs under the buffer's writer lock so concurrent
	// producers serialize: each sees the state the previous append
	// published, and LastSeq can never regress.
	var reuse bool
	var rolled chunkbuf.SessionMeta
	var rolledOver bool
	next, err := buf.AppendWith(ctx, seq, payload, func(prev chunkbuf.SessionMeta, hasPrev bool) chunkbuf.SessionMeta {
		reuse = hasPrev &&
			prev.SourceID == req.SourceID &&
			prev.TargetID == req.TargetID &&
			nowMs-prev.LastUpdateMs < cfg.StaleThresholdMs
		if reuse {
			next := prev
			next.LastUpdateMs = nowMs
			if seq > next.LastSeq {
				next.LastSeq = seq
			}
			next.Persist = next.Persist || req.Persist
			return next
		}
		if hasPrev && prev.Persist {
			rolled, rolledOver = prev, true
		}
		return chunkbuf.SessionMeta{
			ID:           mintSessionID(req.SourceID, req.TargetID, nowMs),
			Channel:      req.Channel,
			SourceID:     req.SourceID,
			TargetID:     req.TargetID,
			StartMs:      nowMs,
			LastUpdateMs: nowMs,
			LastSeq:      seq,
			Persist:      req.Persist,
		}
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if rolledOver {
		s.forwardSession(rolled)
	}

	s.logger.Debug("chunk stored",
		logpkg.Int("channel", req.Channel),
		logpkg.Str("session", next.ID),
		logpkg.Uint64("seq", seq),
		logpkg.Int("bytes", len(payload)),
		logpkg.Bool("new_session", !reuse))

	return Result{Received: true, Channel: req.Channel, Sequence: req.Sequence, Size: len(payload)}, nil
}

// forwardSession hands a finished session to the persistence backend in
// the background. Failures are logged; ingest never waits on or fails
// with the backend.
func (s *Service) forwardSession(sess chunkbuf.SessionMeta) {
	rec := persist.TransmissionRecord{
		RadioID:     sess.SourceID,
		TalkgroupID: sess.TargetID,
		Timeslot:    sess.Channel,
		StartTime:   time.UnixMilli(sess.StartMs).UTC().Format("2006-01-02 15:04:05"),
		EndTime:     time.UnixMilli(sess.LastUpdateMs).UTC().Format("2006-01-02 15:04:05"),
		Duration:    float64(sess.LastUpdateMs-sess.StartMs) / 1000.0,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.recorder.RecordTransmission(ctx, rec); err != nil {
			s.logger.Warn("transmission record dropped",
				logpkg.Str("session", sess.ID),
				logpkg.Err(err))
		}
	}()
}

func mintSessionID(sourceID, targetID, nowMs int64) string {
	return fmt.Sprintf("%d-%d-%d", sourceID, targetID, nowMs)
}
