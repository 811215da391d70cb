package xcalld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xcallvote/core/lifecycle"
	"xcallvote/core/policy"
	"xcallvote/observability"
	"xcallvote/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

var allowedMethods = map[string]struct{}{"voteYes": {}, "voteNo": {}}

// LifecycleReader serves lifecycle snapshots. storage.Journal satisfies it.
type LifecycleReader interface {
	Get(ctx context.Context, id string) (lifecycle.Lifecycle, error)
	List(ctx context.Context, limit int) ([]lifecycle.Lifecycle, error)
}

// PolicyReader reads the destination ledger state.
type PolicyReader interface {
	Read(ctx context.Context) (policy.State, error)
}

// ServerConfig captures the dependencies of the admin API.
type ServerConfig struct {
	Dispatcher *Dispatcher
	Journal    LifecycleReader
	Policy     PolicyReader
	Auth       *Authenticator
	Limiter    *RateLimiter
	Endpoints  lifecycle.Endpoints
	Logger     *slog.Logger
	// Metrics serves /metrics. Defaults to the global prometheus registry.
	Metrics http.Handler
}

// Server exposes the admin API.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	router http.Handler
}

// NewServer validates cfg and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("journal required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("policy reader required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, logger: logger}
	srv.router = srv.buildRouter()
	return srv, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.cfg.Metrics)

	r.Route("/v1", func(api chi.Router) {
		if s.cfg.Limiter != nil {
			api.Use(s.cfg.Limiter.Middleware)
		}
		api.Use(s.cfg.Auth.Middleware)
		api.Post("/calls", s.handleCreateCall)
		api.Get("/calls", s.handleListCalls)
		api.Get("/calls/{id}", s.handleGetCall)
		api.Post("/campaigns", s.handleCreateCampaign)
		api.Get("/campaigns/{id}", s.handleGetCampaign)
		api.Get("/policy", s.handlePolicy)
		api.Get("/status", s.handleStatus)
		api.Post("/pause", s.handlePause)
		api.Post("/resume", s.handleResume)
	})
	return r
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("xcalld", r.Method+" "+route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callRequest struct {
	Method      string `json:"method"`
	UseRollback bool   `json:"useRollback"`
	// Fee overrides the origin xCall fee, denominated in loop.
	Fee string `json:"fee,omitempty"`
}

type accepted struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, err := normaliseMethod(req.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run := lifecycle.Request{Method: method, UseRollback: req.UseRollback}
	if fee := strings.TrimSpace(req.Fee); fee != "" {
		parsed, ok := new(big.Int).SetString(fee, 0)
		if !ok || parsed.Sign() < 0 {
			http.Error(w, "fee must be a non-negative integer", http.StatusBadRequest)
			return
		}
		run.Fee = parsed
	}
	id, err := s.cfg.Dispatcher.EnqueueCall(run)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.logger.Info("lifecycle queued", slog.String("id", id), slog.String("method", method))
	writeJSON(w, http.StatusAccepted, accepted{ID: id, State: StateQueued})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	lc, err := s.cfg.Journal.Get(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, lc)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("journal lookup failed", slog.String("id", id), slog.Any("error", err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if state, ok := s.cfg.Dispatcher.CallState(id); ok {
		writeJSON(w, http.StatusOK, accepted{ID: id, State: state})
		return
	}
	http.Error(w, "lifecycle not found", http.StatusNotFound)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxListLimit)
	}
	list, err := s.cfg.Journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal list failed", slog.Any("error", err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []lifecycle.Lifecycle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lifecycles": list})
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, err := normaliseMethod(req.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Method = method
	if req.MaxCalls < 0 || req.Parallelism < 0 {
		http.Error(w, "maxCalls and parallelism must not be negative", http.StatusBadRequest)
		return
	}
	id, err := s.cfg.Dispatcher.EnqueueCampaign(req)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.logger.Info("campaign queued", slog.String("id", id), slog.String("method", method))
	writeJSON(w, http.StatusAccepted, accepted{ID: id, State: StateQueued})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	status, ok := s.cfg.Dispatcher.Campaign(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type policyResponse struct {
	policy.State
	Breached  bool     `json:"breached"`
	Remaining *big.Int `json:"remaining"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	state, err := s.cfg.Policy.Read(r.Context())
	if err != nil {
		s.logger.Warn("policy read failed", slog.Any("error", err))
		http.Error(w, "policy read failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{State: state, Breached: state.Breached(), Remaining: state.Remaining()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dispatcher": s.cfg.Dispatcher.Status(),
		"endpoints":  s.cfg.Endpoints,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Dispatcher.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Dispatcher.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrPaused):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func normaliseMethod(raw string) (string, error) {
	method := strings.TrimSpace(raw)
	if method == "" {
		return "voteYes", nil
	}
	if _, ok := allowedMethods[method]; !ok {
		return "", fmt.Errorf("unsupported method %q", method)
	}
	return method, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
