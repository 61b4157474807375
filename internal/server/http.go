// Package server exposes the retrieval pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/recall/internal/auth"
	"github.com/knoguchi/recall/internal/embedder"
	"github.com/knoguchi/recall/internal/retriever"
	"github.com/knoguchi/recall/internal/vectorstore"
)

// HTTPServer wraps the chi router and http.Server serving the retrieval
// API.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	orch   *retriever.Orchestrator
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port           int
	AdminAPIKey    string
	Logger         *slog.Logger
	AllowedOrigins []string
}

// NewHTTPServer creates the HTTP server and mounts all routes.
func NewHTTPServer(orch *retriever.Orchestrator, cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &HTTPServer{
		router: router,
		orch:   orch,
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.With(auth.RequireAPIKey(cfg.AdminAPIKey)).Post("/clear", s.handleCacheClear)
		})
	})

	return s
}

// retrieveRequest is the body of POST /v1/retrieve.
type retrieveRequest struct {
	Query               string  `json:"query"`
	TopK                int     `json:"top_k,omitempty"`
	SimilarityThreshold float32 `json:"similarity_threshold,omitempty"`
	UseCache            *bool   `json:"use_cache,omitempty"`
	ForceRefresh        bool    `json:"force_refresh,omitempty"`
}

func (s *HTTPServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	opts := retriever.Options{
		TopK:                req.TopK,
		SimilarityThreshold: req.SimilarityThreshold,
		ForceRefresh:        req.ForceRefresh,
	}
	if req.UseCache != nil && !*req.UseCache {
		opts.BypassCache = true
	}

	result, err := s.orch.Retrieve(r.Context(), req.Query, opts)
	if err != nil {
		s.writeRetrieveError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeRetrieveError maps pipeline failures to HTTP statuses and stable
// reason codes.
func (s *HTTPServer) writeRetrieveError(w http.ResponseWriter, r *http.Request, err error) {
	var embErr *embedder.Error
	var storeErr *vectorstore.Error

	switch {
	case errors.Is(err, retriever.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty")
	case errors.As(err, &embErr):
		s.logger.Error("embedding backend failure", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusBadGateway, "embedding_unavailable", "embedding backend failed")
	case errors.As(err, &storeErr):
		s.logger.Error("vector store failure", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusBadGateway, "vector_store_unavailable", "vector store query failed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request cancelled or timed out")
	default:
		s.logger.Error("retrieve failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *HTTPServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.CacheStats())
}

func (s *HTTPServer) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.orch.CacheClear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying chi router, mainly for tests.
func (s *HTTPServer) Router() *chi.Mux {
	return s.router
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
