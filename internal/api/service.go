// Package api is the node's client boundary: transaction submission and
// lookup over HTTP, and a websocket stream of mempool notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/zmlAEQ/aequa-mempool/internal/coordinator"
	"github.com/zmlAEQ/aequa-mempool/internal/mempool"
	"github.com/zmlAEQ/aequa-mempool/internal/p2p/wire"
	"github.com/zmlAEQ/aequa-mempool/pkg/bus"
	"github.com/zmlAEQ/aequa-mempool/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-mempool/pkg/logger"
	"github.com/zmlAEQ/aequa-mempool/pkg/metrics"
	"github.com/zmlAEQ/aequa-mempool/pkg/trace"
)

// Mempool is what the API needs from the coordinator.
type Mempool interface {
	Submit(ctx context.Context, txn *mempool.Txn) (coordinator.SubmissionStatus, error)
	GetByHash(ctx context.Context, hash string) (*mempool.Txn, bool, error)
	Peers(ctx context.Context) ([]coordinator.PeerStatus, error)
}

type Config struct {
	Addr string
	// RatePerSec and Burst limit submissions node-wide; zero disables.
	RatePerSec float64
	Burst      int
	// MaxBodyBytes bounds a submission body.
	MaxBodyBytes int64
	// EventBuffer is the per-websocket-client queue length.
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{Addr: ":4600", RatePerSec: 200, Burst: 400, MaxBodyBytes: 1 << 20, EventBuffer: 64}
}

// Service serves the API and implements lifecycle.Service.
type Service struct {
	cfg     Config
	mp      Mempool
	events  bus.Subscriber
	limiter *rate.Limiter
	hub     *hub

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

var _ lifecycle.Service = (*Service)(nil)

// New builds the API. events may be nil, in which case /v1/events streams
// nothing.
func New(cfg Config, mp Mempool, events bus.Subscriber) *Service {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	s := &Service{cfg: cfg, mp: mp, events: events, hub: newHub(cfg.EventBuffer)}
	if cfg.RatePerSec > 0 && os.Getenv("AEQUA_API_NO_RATE_LIMIT") != "1" {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	return s
}

func (s *Service) Name() string { return "api" }

// Handler returns the routed API, for tests and embedding.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("POST /v1/tx", wrapMetrics("submit", http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /v1/tx/{hash}", wrapMetrics("get_tx", http.HandlerFunc(s.handleGetTx)))
	mux.Handle("GET /v1/peers", wrapMetrics("peers", http.HandlerFunc(s.handlePeers)))
	mux.HandleFunc("GET /v1/events", s.hub.serveWS)
	return mux
}

func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorJ("api_serve", map[string]any{"result": "error", "err": err.Error()})
		}
	}()
	if s.events != nil {
		go s.hub.run(s.events)
	}
	logger.InfoJ("api_start", map[string]any{"addr": ln.Addr().String()})
	return nil
}

// Addr is the bound listen address once started.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return multierr.Append(srv.Shutdown(ctx), s.hub.close())
}

type submitResponse struct {
	Hash    string `json:"hash"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, traceID := trace.Ensure(withHeaderTrace(r))
	w.Header().Set("X-Trace-ID", traceID)
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, submitResponse{Status: "rate_limited"})
		return
	}
	var wtx wire.Txn
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&wtx); err != nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Status: "bad_request", Message: err.Error()})
		return
	}
	if wtx.Type == "" {
		wtx.Type = wire.TypeTxnV1
	}
	tx := wtx.ToInternal()
	if tx == nil {
		writeJSON(w, http.StatusBadRequest, submitResponse{Status: "bad_request", Message: "unsupported type " + strconv.Quote(wtx.Type)})
		return
	}
	st, err := s.mp.Submit(ctx, tx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, submitResponse{Hash: tx.Hash(), Status: "unavailable", Message: err.Error()})
		return
	}
	writeJSON(w, statusHTTP(st.Code), submitResponse{Hash: tx.Hash(), Status: string(st.Code), Message: st.Message})
}

func statusHTTP(c coordinator.StatusCode) int {
	switch c {
	case coordinator.StatusAccepted:
		return http.StatusAccepted
	case coordinator.StatusInvalid:
		return http.StatusBadRequest
	case coordinator.StatusDuplicate, coordinator.StatusOldNonce:
		return http.StatusConflict
	case coordinator.StatusPoolFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Service) handleGetTx(w http.ResponseWriter, r *http.Request) {
	tx, ok, err := s.mp.GetByHash(r.Context(), r.PathValue("hash"))
	switch {
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		writeJSON(w, http.StatusOK, wire.TxFromInternal(tx))
	}
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	ps, err := s.mp.Peers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func withHeaderTrace(r *http.Request) context.Context {
	if id := r.Header.Get("X-Trace-ID"); id != "" {
		return trace.WithTraceID(r.Context(), id)
	}
	return r.Context()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func wrapMetrics(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &respRec{ResponseWriter: w, code: 200}
		h.ServeHTTP(rr, r)
		metrics.Inc("api_requests_total", map[string]string{"route": route, "code": strconv.Itoa(rr.code)})
		metrics.ObserveSummary("api_latency_ms", map[string]string{"route": route}, float64(time.Since(start).Milliseconds()))
		logger.DebugJ("api_request", map[string]any{"route": route, "code": rr.code, "latency_ms": time.Since(start).Milliseconds(), "trace_id": rr.Header().Get("X-Trace-ID")})
	})
}

type respRec struct {
	http.ResponseWriter
	code int
}

func (r *respRec) WriteHeader(c int) { r.code = c; r.ResponseWriter.WriteHeader(c) }
