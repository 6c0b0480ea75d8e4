package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/helix/pkg/bus"
	"github.com/openquant/helix/pkg/ingest"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/metrics"
	"github.com/openquant/helix/pkg/store"
	"github.com/openquant/helix/pkg/types"
)

// storeProbeTimeout bounds the store ping on the health endpoints
const storeProbeTimeout = 2 * time.Second

// defaultDeadLetterLimit caps /deadletters responses without a limit param
const defaultDeadLetterLimit = 100

// HealthResponse is the /health payload: the bus's live snapshot plus the
// persistence and ingestion probes.
type HealthResponse struct {
	Status    string     `json:"status"` // "healthy" or "unhealthy"
	Timestamp time.Time  `json:"timestamp"`
	Version   string     `json:"version,omitempty"`
	Uptime    string     `json:"uptime"`
	Bus       bus.Health `json:"bus"`
	Store     string     `json:"store"`
	Ingest    string     `json:"ingest"`
}

// ReadyResponse is the /ready payload
type ReadyResponse struct {
	Status    string    `json:"status"` // "ready" or "not_ready"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// DeadLetterEntry is the wire form of one dead-lettered event
type DeadLetterEntry struct {
	EventID    string            `json:"event_id"`
	Type       types.EventType   `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Symbol     string            `json:"symbol,omitempty"`
	Timeframe  types.Timeframe   `json:"timeframe,omitempty"`
	Reason     string            `json:"reason"`
	DivertedAt string            `json:"diverted_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeadLetterResponse is the /deadletters payload
type DeadLetterResponse struct {
	Count  int               `json:"count"`
	Events []DeadLetterEntry `json:"events"`
}

// Server exposes the engine's operational surface: Prometheus exposition,
// health and readiness computed from the live components, and dead-letter
// readback.
type Server struct {
	srv       *http.Server
	bus       *bus.Bus
	store     store.Store
	ingest    *ingest.Service
	version   string
	startTime time.Time
	logger    zerolog.Logger
}

// NewServer creates the API server on addr. ing may be nil when no venues
// are configured.
func NewServer(addr string, b *bus.Bus, st store.Store, ing *ingest.Service, version string) *Server {
	s := &Server{
		bus:       b,
		store:     st,
		ingest:    ing,
		version:   version,
		startTime: time.Now(),
		logger:    log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/deadletters", s.handleDeadLetters)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("API server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// storeStatus pings the persistence port with a bounded deadline
func (s *Server) storeStatus(ctx context.Context) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, storeProbeTimeout)
	defer cancel()

	if err := s.store.HealthCheck(probeCtx); err != nil {
		return "unhealthy: " + err.Error(), false
	}
	return "ok", true
}

// ingestStatus reports the ingestion pipeline state
func (s *Server) ingestStatus() (string, bool) {
	if s.ingest == nil {
		return "disabled", true
	}
	if s.ingest.Running() {
		return "streaming", true
	}
	return "stopped", false
}

// handleHealth reports overall health: the bus snapshot (running flag,
// queue usage, subscription counts, DLQ depth) plus the store and ingest
// probes. Unhealthy responses carry 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	busHealth := s.bus.HealthCheck()
	storeMsg, storeOK := s.storeStatus(r.Context())
	ingestMsg, ingestOK := s.ingestStatus()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).String(),
		Bus:       busHealth,
		Store:     storeMsg,
		Ingest:    ingestMsg,
	}

	code := http.StatusOK
	if busHealth.Status != "running" || !storeOK || !ingestOK {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleReady gates readiness on the components that must be live before
// the engine can do useful work: running bus workers and a reachable store.
// A configured ingest pipeline must be streaming.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Timestamp: time.Now().UTC()}

	if busHealth := s.bus.HealthCheck(); busHealth.Status != "running" {
		resp.Status = "not_ready"
		resp.Message = "waiting for event bus workers"
	} else if _, ok := s.storeStatus(r.Context()); !ok {
		resp.Status = "not_ready"
		resp.Message = "waiting for store"
	} else if _, ok := s.ingestStatus(); !ok {
		resp.Status = "not_ready"
		resp.Message = "waiting for ingest streams"
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleLive is a bare process liveness check
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleDeadLetters returns up to limit dead-lettered events without
// mutating the queue.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	events := s.bus.DeadLetterEvents(limit)
	entries := make([]DeadLetterEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, DeadLetterEntry{
			EventID:    ev.EventID.String(),
			Type:       ev.Type,
			Timestamp:  ev.Timestamp,
			Symbol:     ev.Symbol,
			Timeframe:  ev.Timeframe,
			Reason:     ev.Metadata[types.MetaDeadLetterReason],
			DivertedAt: ev.Metadata[types.MetaDeadLetterTimestamp],
			Metadata:   ev.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, DeadLetterResponse{Count: len(entries), Events: entries})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
