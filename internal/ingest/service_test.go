package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cfgpkg "github.com/cris-deitos/EasyDispatch/internal/config"
	"github.com/cris-deitos/EasyDispatch/internal/persist"
	"github.com/cris-deitos/EasyDispatch/internal/runtime"
	pebblestore "github.com/cris-deitos/EasyDispatch/internal/storage/pebble"
	"github.com/cris-deitos/EasyDispatch/pkg/clock"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

type capturingRecorder struct {
	ch chan persist.TransmissionRecord
}

func (c *capturingRecorder) RecordTransmission(_ context.Context, rec persist.TransmissionRecord) error {
	c.ch <- rec
	return nil
}

func testLogger() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithOutput(logpkg.NewWriterOutput(io.Discard)))
}

func newTestService(t *testing.T, clk clock.Clock, rec persist.Recorder) (*Service, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return New(rt, testLogger(), rec, clk), rt
}

func chunkReq(channel int, src, tgt, seq int64) Request {
	return Request{
		Channel:   channel,
		SourceID:  src,
		TargetID:  tgt,
		ChunkData: base64.StdEncoding.EncodeToString([]byte("opus-frame")),
		Sequence:  seq,
	}
}

func TestIngestStoresChunk(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)

	res, err := svc.Ingest(context.Background(), chunkReq(1, 100, 5, 0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Received || res.Channel != 1 || res.Sequence != 0 || res.Size != len("opus-frame") {
		t.Fatalf("unexpected result: %+v", res)
	}

	buf, err := rt.Buffer(1)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	state, ok := buf.State()
	if !ok {
		t.Fatalf("state must be set after first chunk")
	}
	if state.SourceID != 100 || state.TargetID != 5 || state.Channel != 1 {
		t.Fatalf("state mismatch: %+v", state)
	}
	if state.ID != "100-5-1000000" {
		t.Fatalf("session id: %q", state.ID)
	}
	payload, err := buf.Get(state.ID, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(payload) != "opus-frame" {
		t.Fatalf("payload: %q", payload)
	}
}

func TestIngestValidation(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, _ := newTestService(t, clk, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"zero source", chunkReq(1, 0, 5, 0), "source_id"},
		{"negative target", chunkReq(1, 100, -1, 0), "target_id"},
		{"negative sequence", chunkReq(1, 100, 5, -1), "sequence"},
		{"missing data", Request{Channel: 1, SourceID: 100, TargetID: 5}, "chunk_data"},
		{"bad base64", Request{Channel: 1, SourceID: 100, TargetID: 5, ChunkData: "!!!not-base64!!!"}, "chunk_data"},
		{"empty payload", Request{Channel: 1, SourceID: 100, TargetID: 5, ChunkData: ""}, "chunk_data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var ve *ValidationError
			errors.As(err, &ve)
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestIngestRejectsUnknownChannel(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, _ := newTestService(t, clk, nil)
	_, err := svc.Ingest(context.Background(), chunkReq(9, 100, 5, 0))
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
	if IsValidation(err) {
		t.Fatalf("unknown channel is not a field validation error")
	}
}

func TestIngestRejectsOversizedPayload(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	big := strings.Repeat("a", rt.Config().MaxChunkBytes+1)
	req := Request{
		Channel:   1,
		SourceID:  100,
		TargetID:  5,
		ChunkData: base64.StdEncoding.EncodeToString([]byte(big)),
	}
	_, err := svc.Ingest(context.Background(), req)
	if !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestSessionCoalescesWithinStaleThreshold(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 0)); err != nil {
		t.Fatalf("ingest 0: %v", err)
	}
	clk.Advance(4 * time.Second)
	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 1)); err != nil {
		t.Fatalf("ingest 1: %v", err)
	}

	buf, _ := rt.Buffer(1)
	state, _ := buf.State()
	if state.ID != "100-5-1000000" {
		t.Fatalf("chunks within the stale threshold must share a session, got %q", state.ID)
	}
	if state.LastSeq != 1 {
		t.Fatalf("last seq = %d, want 1", state.LastSeq)
	}
	if state.LastUpdateMs != 1_000_000+4000 {
		t.Fatalf("last update = %d", state.LastUpdateMs)
	}
}

func TestSessionRollsOverAfterStaleThreshold(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 0)); err != nil {
		t.Fatalf("ingest 0: %v", err)
	}
	clk.Advance(6 * time.Second)
	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 0)); err != nil {
		t.Fatalf("ingest after gap: %v", err)
	}

	buf, _ := rt.Buffer(1)
	state, _ := buf.State()
	if state.ID != "100-5-1006000" {
		t.Fatalf("stale gap must start a new session, got %q", state.ID)
	}
	if state.StartMs != 1_006_000 {
		t.Fatalf("start ms = %d", state.StartMs)
	}
}

func TestSessionRollsOverOnSpeakerChange(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := svc.Ingest(ctx, chunkReq(1, 200, 5, 0)); err != nil {
		t.Fatalf("ingest new speaker: %v", err)
	}

	buf, _ := rt.Buffer(1)
	state, _ := buf.State()
	if state.SourceID != 200 {
		t.Fatalf("source = %d", state.SourceID)
	}
	if state.ID != "200-5-1001000" {
		t.Fatalf("speaker change must start a new session, got %q", state.ID)
	}
}

func TestLastSeqNeverDecreases(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	ctx := context.Background()

	for _, seq := range []int64{0, 5, 3} {
		if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, seq)); err != nil {
			t.Fatalf("ingest seq %d: %v", seq, err)
		}
		clk.Advance(time.Second)
	}

	buf, _ := rt.Buffer(1)
	state, _ := buf.State()
	if state.LastSeq != 5 {
		t.Fatalf("out-of-order seq must not roll LastSeq back, got %d", state.LastSeq)
	}
	// the late chunk is still stored and fetchable
	if _, err := buf.Get(state.ID, 3); err != nil {
		t.Fatalf("late chunk must be retained: %v", err)
	}
}

func TestConcurrentIngestKeepsLastSeqMonotonic(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	svc, rt := newTestService(t, clk, nil)
	ctx := context.Background()

	buf, err := rt.Buffer(1)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}

	// Two producers race chunks of the same session; whichever commits
	// second must not publish a LastSeq below the one already written.
	for round := int64(0); round < 20; round++ {
		lo, hi := round*200+1, round*200+100
		var wg sync.WaitGroup
		for _, seq := range []int64{hi, lo} {
			wg.Add(1)
			go func(seq int64) {
				defer wg.Done()
				if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, seq)); err != nil {
					t.Errorf("ingest seq %d: %v", seq, err)
				}
			}(seq)
		}
		wg.Wait()

		state, ok := buf.State()
		if !ok {
			t.Fatalf("round %d: state missing", round)
		}
		if state.LastSeq < uint64(hi) {
			t.Fatalf("round %d: last seq regressed to %d, want >= %d", round, state.LastSeq, hi)
		}
		for _, seq := range []int64{hi, lo} {
			if _, err := buf.Get(state.ID, uint64(seq)); err != nil {
				t.Fatalf("round %d: chunk %d missing: %v", round, seq, err)
			}
		}
	}
}

func TestRolloverForwardsPersistedSession(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	rec := &capturingRecorder{ch: make(chan persist.TransmissionRecord, 1)}
	svc, _ := newTestService(t, clk, rec)
	ctx := context.Background()

	first := chunkReq(1, 100, 5, 0)
	first.Persist = true
	if _, err := svc.Ingest(ctx, first); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clk.Advance(2 * time.Second)
	second := chunkReq(1, 100, 5, 1)
	second.Persist = true
	if _, err := svc.Ingest(ctx, second); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clk.Advance(10 * time.Second)
	if _, err := svc.Ingest(ctx, chunkReq(1, 200, 5, 0)); err != nil {
		t.Fatalf("ingest rollover: %v", err)
	}

	select {
	case got := <-rec.ch:
		if got.RadioID != 100 || got.TalkgroupID != 5 || got.Timeslot != 1 {
			t.Fatalf("record identity mismatch: %+v", got)
		}
		if got.Duration != 2.0 {
			t.Fatalf("duration = %v, want 2.0", got.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rollover must forward the finished persisted session")
	}
}

func TestRolloverSkipsUnpersistedSession(t *testing.T) {
	clk := clock.NewVirtual(time.UnixMilli(1_000_000))
	rec := &capturingRecorder{ch: make(chan persist.TransmissionRecord, 1)}
	svc, _ := newTestService(t, clk, rec)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, chunkReq(1, 100, 5, 0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	clk.Advance(10 * time.Second)
	if _, err := svc.Ingest(ctx, chunkReq(1, 200, 5, 0)); err != nil {
		t.Fatalf("ingest rollover: %v", err)
	}

	select {
	case got := <-rec.ch:
		t.Fatalf("unpersisted session must not be forwarded, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
