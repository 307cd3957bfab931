package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/crawler"
	"github.com/JakeFAU/sitesearch/internal/dispatcher"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Indexer is the launcher behind the indexing endpoints.
type Indexer interface {
	StartAll(ctx context.Context) error
	StopAll() error
	IndexPage(rawURL string) error
	IsRunning() bool
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router  chi.Router
	indexer Indexer
	sites   crawler.SiteStore
	pages   crawler.PageStore
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	indexer Indexer,
	sites crawler.SiteStore,
	pages crawler.PageStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		indexer: indexer,
		sites:   sites,
		pages:   pages,
		logger:  logger.Named("api"),
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/startIndexing", s.startIndexing)
		r.Get("/stopIndexing", s.stopIndexing)
		r.Post("/indexPage", s.indexPage)
		r.Get("/statistics", s.statistics)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type resultResponse struct {
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

type statisticsResponse struct {
	Result     bool       `json:"result"`
	Statistics statistics `json:"statistics"`
}

type statistics struct {
	Total    totalStatistics  `json:"total"`
	Detailed []siteStatistics `json:"detailed"`
}

type totalStatistics struct {
	Sites    int  `json:"sites"`
	Pages    int  `json:"pages"`
	Indexing bool `json:"indexing"`
}

type siteStatistics struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	StatusTime int64  `json:"status_time"`
	Error      string `json:"error,omitempty"`
	Pages      int    `json:"pages"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sites.ListSites(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startIndexing(w http.ResponseWriter, r *http.Request) {
	err := s.indexer.StartAll(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resultResponse{Result: true})
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		s.writeJSON(w, http.StatusOK, resultResponse{Error: dispatcher.ErrAlreadyRunning.Error()})
	case errors.Is(err, dispatcher.ErrNoSites):
		s.writeError(w, http.StatusBadRequest, dispatcher.ErrNoSites.Error())
	default:
		s.logger.Error("start indexing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) stopIndexing(w http.ResponseWriter, _ *http.Request) {
	err := s.indexer.StopAll()
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resultResponse{Result: true})
	case errors.Is(err, dispatcher.ErrNotRunning):
		s.writeError(w, http.StatusBadRequest, dispatcher.ErrNotRunning.Error())
	default:
		s.logger.Error("stop indexing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) indexPage(w http.ResponseWriter, r *http.Request) {
	// FormValue covers both the query string and a urlencoded body.
	target := r.FormValue("url")
	err := s.indexer.IndexPage(target)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resultResponse{Result: true})
	case errors.Is(err, dispatcher.ErrEmptyURL),
		errors.Is(err, dispatcher.ErrInvalidURL),
		errors.Is(err, dispatcher.ErrOutOfScope):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("index page failed", zap.String("url", target), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		s.logger.Error("list sites failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list sites")
		return
	}
	total, err := s.pages.CountAll(ctx)
	if err != nil {
		s.logger.Error("count pages failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to count pages")
		return
	}

	detailed := make([]siteStatistics, 0, len(sites))
	for _, site := range sites {
		count, err := s.pages.CountBySite(ctx, site.ID)
		if err != nil {
			s.logger.Error("count site pages failed", zap.Int64("site_id", site.ID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to count pages")
			return
		}
		detailed = append(detailed, siteStatistics{
			URL:        site.URL,
			Name:       site.Name,
			Status:     string(site.Status),
			StatusTime: site.StatusTime.UnixMilli(),
			Error:      site.LastError,
			Pages:      count,
		})
	}

	s.writeJSON(w, http.StatusOK, statisticsResponse{
		Result: true,
		Statistics: statistics{
			Total: totalStatistics{
				Sites:    len(sites),
				Pages:    total,
				Indexing: s.indexer.IsRunning(),
			},
			Detailed: detailed,
		},
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(resultResponse{Error: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(resultResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, resultResponse{Error: msg})
}
