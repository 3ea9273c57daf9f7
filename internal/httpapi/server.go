package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/antoniostano/converse/internal/chat"
	"github.com/antoniostano/converse/internal/config"
	"github.com/antoniostano/converse/internal/observability"
	"github.com/antoniostano/converse/internal/store"
	"github.com/antoniostano/converse/internal/stream"
)

type Server struct {
	cfg         config.Config
	store       store.Store
	coordinator *stream.Coordinator
	metrics     *observability.Metrics
	log         *zap.Logger
	limiter     *rate.Limiter
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, st store.Store, coordinator *stream.Coordinator, metrics *observability.Metrics, log *zap.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.StreamRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.StreamRatePerSec), cfg.StreamRateBurst)
	}
	return &Server{
		cfg:         cfg,
		store:       st,
		coordinator: coordinator,
		metrics:     metrics,
		log:         log,
		limiter:     limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/chats", func(r chi.Router) {
		r.Post("/", s.handleCreateChat)
		r.Get("/", s.handleListChats)
		r.Get("/ws", s.handleStreamWS)
		r.With(s.rateLimit).Post("/stream", s.handleStreamSSE)
		r.With(s.rateLimit).Post("/{id}/stream", s.handleStreamSSE)
		r.Get("/{id}/messages", s.handleHistoryPage)
		r.Delete("/{id}", s.handleDeleteChat)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// A store round trip is the readiness signal; listing is the
	// cheapest call every backend supports.
	if _, err := s.store.Conversations(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many streaming requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondKindError maps the error taxonomy onto HTTP statuses.
func respondKindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, chat.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, chat.ErrBackendUnavailable):
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	case errors.Is(err, chat.ErrUpstreamGeneration):
		respondError(w, http.StatusBadGateway, "upstream_generation_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
