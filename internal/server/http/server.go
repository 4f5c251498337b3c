// Package httpserver exposes the relay over HTTP: JSON ingest for
// producers, an SSE event stream for listeners, and small inspection
// endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cris-deitos/EasyDispatch/internal/dispatch"
	"github.com/cris-deitos/EasyDispatch/internal/ingest"
	"github.com/cris-deitos/EasyDispatch/internal/persist"
	"github.com/cris-deitos/EasyDispatch/internal/ratelimit"
	"github.com/cris-deitos/EasyDispatch/internal/runtime"
	"github.com/cris-deitos/EasyDispatch/pkg/clock"
	logpkg "github.com/cris-deitos/EasyDispatch/pkg/log"
)

type Server struct {
	rt       *runtime.Runtime
	ingestor *ingest.Service
	streams  *dispatch.Service
	limiter  *ratelimit.Limiter
	logger   logpkg.Logger
	clk      clock.Clock
	srv      *http.Server
	lis      net.Listener
}

// New wires the HTTP surface over a runtime. clk may be nil for wall
// time; recorder may be nil to disable persistence forwarding.
func New(rt *runtime.Runtime, logger logpkg.Logger, clk clock.Clock, recorder persist.Recorder) *Server {
	if clk == nil {
		clk = clock.System()
	}
	cfg := rt.Config()
	mux := http.NewServeMux()
	s := &Server{
		rt:       rt,
		ingestor: ingest.New(rt, logger, recorder, clk),
		streams:  dispatch.New(rt, logger, clk),
		limiter:  ratelimit.New(cfg.RateLimitWindow(), cfg.RateLimit.Requests, clk),
		logger:   logger.With(logpkg.Component("http")),
		clk:      clk,
	}
	s.srv = &http.Server{Handler: cors(s.withRequestID(s.withAccessLog(mux)))}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/audio/ingest", s.handleIngest)
	mux.HandleFunc("/v1/audio/stream", s.handleStream)
	mux.HandleFunc("/v1/channels", s.handleChannels)
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response code for access logs while keeping
// the underlying Flusher reachable for SSE.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		begin := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", sw.status),
			logpkg.Dur("elapsed", time.Since(begin)))
	})
}

// identity keys the rate-limit bucket: the bearer token when present,
// otherwise the remote host.
func identity(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); tok != "" {
			return tok
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestReq struct {
	Channel   int    `json:"channel"`
	SourceID  int64  `json:"source_id"`
	TargetID  int64  `json:"target_id"`
	ChunkData string `json:"chunk_data"`
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp,omitempty"`
	Persist   bool   `json:"persist,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := identity(r)
	dec := s.limiter.Admit(id)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter/time.Second)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ingestReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	res, err := s.ingestor.Ingest(r.Context(), ingest.Request{
		Channel:   req.Channel,
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		ChunkData: req.ChunkData,
		Sequence:  req.Sequence,
		Timestamp: req.Timestamp,
		Persist:   req.Persist,
	})
	if err != nil {
		switch {
		case ingest.IsValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ingest.ErrUnknownChannel):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("ingest failed", logpkg.Err(err))
			writeError(w, http.StatusInternalServerError, "storage failure")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channel, err := strconv.Atoi(r.URL.Query().Get("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel must be an integer")
		return
	}
	filter := r.URL.Query().Get("filter")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := sseSink{w: w}
	if err := s.streams.Stream(r.Context(), channel, filter, sink); err != nil {
		s.logger.Debug("stream ended with error", logpkg.Err(err))
	}
}

type channelInfo struct {
	Channel   int    `json:"channel"`
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
	SourceID  int64  `json:"source_id,omitempty"`
	TargetID  int64  `json:"target_id,omitempty"`
	LastSeq   uint64 `json:"last_sequence,omitempty"`
	Chunks    int    `json:"chunks"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.rt.Config()
	staleMs := cfg.StaleThresholdMs
	nowMs := s.clk.Now().UnixMilli()
	out := make([]channelInfo, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		info := channelInfo{Channel: ch}
		buf, err := s.rt.Buffer(ch)
		if err == nil {
			info.Chunks = buf.Len()
			if meta, ok := buf.State(); ok {
				info.SessionID = meta.ID
				info.SourceID = meta.SourceID
				info.TargetID = meta.TargetID
				info.LastSeq = meta.LastSeq
				info.Active = nowMs-meta.LastUpdateMs <= staleMs
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}
