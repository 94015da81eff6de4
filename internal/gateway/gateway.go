// Package gateway exposes the admin HTTP API and the websocket event stream.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/signalpipe/internal/bus"
	"github.com/basket/signalpipe/internal/capture"
	"github.com/basket/signalpipe/internal/otel"
	"github.com/basket/signalpipe/internal/parsing"
	"github.com/basket/signalpipe/internal/persistence"
	"github.com/basket/signalpipe/internal/registry"
	"github.com/basket/signalpipe/internal/retention"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Store    *persistence.Store
	Registry *registry.Registry
	Capture  *capture.Controller
	Queue    *parsing.Queue
	Sweeper  *retention.Sweeper
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means "same-origin only" (no cross-origin WebSockets).
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otel.Metrics // may be nil
	Tracer  trace.Tracer  // may be nil
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	// REST API endpoints.
	mux.HandleFunc("/api/strategies", s.handleStrategies)
	mux.HandleFunc("/api/strategies/", s.handleStrategyByID)
	mux.HandleFunc("/api/capture", s.handleCaptureState)
	mux.HandleFunc("/api/capture/", s.handleCaptureCommand)
	mux.HandleFunc("/api/status", s.handleStatus)
	return s.instrument(mux)
}

// instrument records per-request duration and traces requests when telemetry
// is configured.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountRunningStrategies(r.Context()); err != nil {
		dbOK = false
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"capture":            s.cfg.Capture.Status(),
		"queue":              s.cfg.Queue.Status(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	running, err := s.cfg.Store.CountRunningStrategies(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := map[string]any{
		"capture":      s.cfg.Capture.Status(),
		"queue":        s.cfg.Queue.Status(),
		"running":      running,
		"active_limit": s.cfg.Registry.ActiveLimit(),
	}
	if s.cfg.Sweeper != nil {
		payload["next_sweep_at"] = s.cfg.Sweeper.NextRunTime(time.Now())
	}
	writeJSON(w, http.StatusOK, payload)
}

// --- strategy handlers ---

type createStrategyRequest struct {
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	Activate  bool   `json:"activate"`
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.cfg.Registry.List(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
	case http.MethodPost:
		var req createStrategyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		st, err := s.cfg.Registry.Create(r.Context(), req.Name, req.ChannelID, req.Activate)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStrategyByID routes /api/strategies/{id}, /api/strategies/{id}/{action}
// and /api/strategies/{id}/signals.
func (s *Server) handleStrategyByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/strategies/")
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid strategy id", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			st, err := s.cfg.Registry.Get(r.Context(), id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		case http.MethodDelete:
			if err := s.cfg.Registry.Delete(r.Context(), id); err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if parts[1] == "signals" {
		s.handleStrategySignals(w, r, id)
		return
	}
	s.handleStrategyAction(w, r, id, parts[1])
}

type strategyActionRequest struct {
	Name      string `json:"name,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func (s *Server) handleStrategyAction(w http.ResponseWriter, r *http.Request, id int64, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var st *persistence.Strategy
	var err error
	switch action {
	case "activate":
		st, err = s.cfg.Registry.Activate(r.Context(), id)
	case "pause":
		st, err = s.cfg.Registry.Pause(r.Context(), id)
	case "resume":
		st, err = s.cfg.Registry.Resume(r.Context(), id)
	case "deactivate":
		st, err = s.cfg.Registry.Deactivate(r.Context(), id)
	case "rename":
		var req strategyActionRequest
		if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		st, err = s.cfg.Registry.Rename(r.Context(), id, req.Name)
	case "rebind":
		var req strategyActionRequest
		if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		st, err = s.cfg.Registry.Rebind(r.Context(), id, req.ChannelID)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStrategySignals(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The strategy must exist; signals of a deleted strategy are hidden here.
	if _, err := s.cfg.Registry.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var newerThan time.Time
	if v := r.URL.Query().Get("newer_than"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "newer_than must be RFC3339", http.StatusBadRequest)
			return
		}
		newerThan = t
	}
	var statuses []persistence.SignalStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			switch st := persistence.SignalStatus(strings.TrimSpace(raw)); st {
			case persistence.SignalStatusPending, persistence.SignalStatusParsed, persistence.SignalStatusFailed:
				statuses = append(statuses, st)
			default:
				http.Error(w, "unknown status filter", http.StatusBadRequest)
				return
			}
		}
	}

	signals, err := s.cfg.Store.SignalsForStrategy(r.Context(), id, limit, newerThan, statuses...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts, err := s.cfg.Store.CountSignals(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals, "counts": counts})
}

// --- capture handlers ---

func (s *Server) handleCaptureState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Capture.Status())
}

func (s *Server) handleCaptureCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	command := strings.TrimPrefix(r.URL.Path, "/api/capture/")
	var state capture.Status
	var err error
	switch command {
	case "start":
		state = s.cfg.Capture.Start()
	case "stop":
		state = s.cfg.Capture.Stop()
	case "pause":
		state, err = s.cfg.Capture.Pause()
	case "resume":
		state, err = s.cfg.Capture.Resume()
	case "clear":
		var deleted int64
		deleted, err = s.cfg.Capture.ClearHistory(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"state": s.cfg.Capture.Status(), "deleted": deleted})
			return
		}
	default:
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, parsing.ErrQueueSaturated):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
