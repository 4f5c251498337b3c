// Package dispatch runs one delivery loop per connected listener,
// replaying buffered chunks as a named event stream with its own
// cursor, keepalives, and hard connection timeout.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cris-deitos/EasyDispatch/internal/chunkbuf"
	"github.com/cris-deitos/EasyDispatch/internal/runtime"
	"github.com/cris-deitos/EasyDispatch/pkg/clock"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

// Service spawns listener loops over the runtime's channel buffers.
type Service struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
	clk    clock.Clock
}

// New returns a dispatch Service.
func New(rt *runtime.Runtime, logger logpkg.Logger, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{rt: rt, logger: logger.With(logpkg.Component("dispatch")), clk: clk}
}

// cursor is per-listener delivery state. No two listeners share one.
type cursor struct {
	sessionID string
	lastSeq   int64 // -1 before any chunk of the session was delivered
	active    bool
	matched   bool // session passed the listener's filter
}

// Stream delivers events for one listener until the context ends, the
// connection ages out, or an unrecoverable read error occurs. filterExpr
// is an optional CEL expression over session fields; invalid input is
// reported as an error event before any connected event.
func (s *Service) Stream(ctx context.Context, channel int, filterExpr string, sink Sink) error {
	if !s.rt.Config().ChannelAllowed(channel) {
		err := fmt.Errorf("dispatch: unknown channel %d", channel)
		_ = sink.Send(EventError, ErrorPayload{Error: err.Error()})
		sink.Flush()
		return err
	}
	filter, err := newCELFilter(filterExpr)
	if err != nil {
		_ = sink.Send(EventError, ErrorPayload{Error: "invalid filter: " + err.Error()})
		sink.Flush()
		return fmt.Errorf("dispatch: compile filter: %w", err)
	}
	buf, err := s.rt.Buffer(channel)
	if err != nil {
		_ = sink.Send(EventError, ErrorPayload{Error: err.Error()})
		sink.Flush()
		return err
	}

	cfg := s.rt.Config()
	connID := uuid.NewString()
	logger := s.logger.With(logpkg.Str("conn", connID), logpkg.Int("channel", channel))

	if err := sink.Send(EventConnected, ConnectedPayload{
		Channel: channel,
		Message: "listening on channel " + fmt.Sprint(channel),
	}); err != nil {
		return nil
	}
	sink.Flush()
	logger.Info("listener connected")

	start := s.clk.Now()
	deadline := start.Add(cfg.ConnTimeout())
	// a non-positive interval disables keepalives instead of spinning
	// the catch-up loop below
	keepEvery := cfg.KeepaliveInterval()
	nextKeepalive := start.Add(keepEvery)
	cur := cursor{lastSeq: -1}

	for {
		now := s.clk.Now()

		if !now.Before(deadline) {
			_ = sink.Send(EventTimeout, TimeoutPayload{Message: "connection timeout reached"})
			sink.Flush()
			logger.Info("listener timed out", logpkg.Dur("age", now.Sub(start)))
			return nil
		}
		if keepEvery > 0 && !now.Before(nextKeepalive) {
			if err := sink.Send(EventKeepalive, KeepalivePayload{Timestamp: s.timestamp(now)}); err != nil {
				return nil
			}
			sink.Flush()
			for !nextKeepalive.After(now) {
				nextKeepalive = nextKeepalive.Add(keepEvery)
			}
		}

		if done, err := s.step(buf, channel, &cur, filter, sink, now, cfg.StaleThresholdMs, logger); done {
			return err
		}

		select {
		case <-ctx.Done():
			_ = sink.Send(EventDisconnected, DisconnectedPayload{Message: "stream closed"})
			sink.Flush()
			logger.Info("listener disconnected")
			return nil
		case <-buf.WriteSignal():
		case <-s.clk.After(cfg.PollInterval()):
		}
	}
}

// step runs one poll iteration: session boundary detection, then chunk
// catch-up. Returns done=true when the loop must terminate.
func (s *Service) step(buf *chunkbuf.Buffer, channel int, cur *cursor, filter celFilter, sink Sink, now time.Time, staleMs int64, logger logpkg.Logger) (bool, error) {
	snap, ok := buf.State()
	if !ok {
		return false, nil
	}

	switch {
	case snap.ID != cur.sessionID:
		cur.sessionID = snap.ID
		cur.lastSeq = -1
		cur.active = true
		cur.matched = filter.Eval(channel, snap.SourceID, snap.TargetID, snap.ID)
		if !cur.matched {
			return false, nil
		}
		if err := sink.Send(EventTransmissionStart, TransmissionStartPayload{
			SessionID: snap.ID,
			Channel:   channel,
			SourceID:  snap.SourceID,
			TargetID:  snap.TargetID,
			Timestamp: s.timestamp(time.UnixMilli(snap.StartMs)),
		}); err != nil {
			return true, nil
		}
		sink.Flush()

	case cur.active && now.UnixMilli()-snap.LastUpdateMs > staleMs:
		// keep the session id so a stale snapshot is not re-announced
		if cur.matched {
			if err := sink.Send(EventTransmissionEnd, TransmissionEndPayload{SessionID: cur.sessionID}); err != nil {
				return true, nil
			}
			sink.Flush()
		}
		cur.active = false

	case !cur.active && now.UnixMilli()-snap.LastUpdateMs <= staleMs:
		// same session revived after this cursor ended it; announce it
		// again and resume from the existing cursor position
		cur.active = true
		if cur.matched {
			if err := sink.Send(EventTransmissionStart, TransmissionStartPayload{
				SessionID: snap.ID,
				Channel:   channel,
				SourceID:  snap.SourceID,
				TargetID:  snap.TargetID,
				Timestamp: s.timestamp(time.UnixMilli(snap.StartMs)),
			}); err != nil {
				return true, nil
			}
			sink.Flush()
		}

	case cur.active && cur.matched:
		sent := 0
		for seq := cur.lastSeq + 1; seq <= int64(snap.LastSeq); seq++ {
			payload, err := buf.Get(snap.ID, uint64(seq))
			if err != nil {
				if errors.Is(err, chunkbuf.ErrNotFound) {
					// evicted or never written, skip and move on
					cur.lastSeq = seq
					continue
				}
				_ = sink.Send(EventError, ErrorPayload{Error: "read failure"})
				sink.Flush()
				logger.Error("buffer read failed", logpkg.Err(err))
				return true, err
			}
			if err := sink.Send(EventAudioChunk, AudioChunkPayload{
				Sequence: seq,
				Chunk:    base64.StdEncoding.EncodeToString(payload),
				Size:     len(payload),
			}); err != nil {
				return true, nil
			}
			cur.lastSeq = seq
			sent++
		}
		if sent > 0 {
			sink.Flush()
		}
	}
	return false, nil
}

func (s *Service) timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
