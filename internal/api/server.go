// Package api exposes the HTTP interface for crawl submission, status,
// results and live progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/config"
	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
	"github.com/JakeFAU/crawl-digest/internal/orchestrator"
	"github.com/JakeFAU/crawl-digest/internal/progress"
)

const maxBodyBytes = 1 << 20

// Service is the orchestrator surface the handlers depend on.
type Service interface {
	Submit(ctx context.Context, request crawler.CrawlRequest) (string, error)
	Status(ctx context.Context, id string) (crawler.CrawlTask, error)
	Result(ctx context.Context, id string) ([]crawler.CrawlResult, error)
	Subscribe(ctx context.Context, id string) (<-chan progress.Message, func(), error)
	Models(ctx context.Context) []string
	StoredResults(ctx context.Context) ([]crawler.CrawlResult, error)
	StoredResult(ctx context.Context, id string) (crawler.CrawlResult, error)
	Ready() bool
	StoreHealth(ctx context.Context) error
	BackendHealth() []orchestrator.BackendHealth
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router    chi.Router
	svc       Service
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Streaming routes
// skip the request timeout so progress streams can outlive it.
func NewServer(svc Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:       svc,
		heartbeat: time.Duration(cfg.Progress.HeartbeatSeconds) * time.Second,
		logger:    logger.Named("api"),
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

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/progress/{task_id}", s.progress)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Post("/crawl", s.submit)
			r.Post("/crawl-many", s.submitMany)
			r.Get("/status/{task_id}", s.status)
			r.Get("/results/{task_id}", s.results)
			r.Get("/models", s.models)
			r.Get("/stored-results", s.storedResults)
			r.Get("/stored-results/{result_id}", s.storedResult)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz needs one usable backend and a reachable result store.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	status, code := "ready", http.StatusOK
	if !s.svc.Ready() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	store := "ok"
	if err := s.svc.StoreHealth(r.Context()); err != nil {
		s.logger.Warn("result store health check failed", zap.Error(err))
		store = err.Error()
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"backends":     s.svc.BackendHealth(),
		"result_store": store,
	})
}

type crawlRequest struct {
	URL          string   `json:"url"`
	URLs         []string `json:"urls"`
	Depth        int      `json:"depth"`
	MaxPages     int      `json:"max_pages"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	UseSitemap   bool     `json:"use_sitemap"`
}

func (c crawlRequest) toCrawlRequest() crawler.CrawlRequest {
	urls := make([]string, 0, len(c.URLs)+1)
	if strings.TrimSpace(c.URL) != "" {
		urls = append(urls, c.URL)
	}
	urls = append(urls, c.URLs...)
	return crawler.CrawlRequest{
		URLs:         urls,
		Depth:        c.Depth,
		MaxPages:     c.MaxPages,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		UseSitemap:   c.UseSitemap,
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCrawlRequest(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, req.toCrawlRequest())
}

// submitMany requires the urls list; a lone url field is not enough.
func (s *Server) submitMany(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCrawlRequest(w, r)
	if !ok {
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls: no URLs provided")
		return
	}
	req.URL = ""
	s.enqueue(w, r, req.toCrawlRequest())
}

func decodeCrawlRequest(w http.ResponseWriter, r *http.Request) (crawlRequest, bool) {
	var req crawlRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return crawlRequest{}, false
	}
	return req, true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, req crawler.CrawlRequest) {
	taskID, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(crawler.TaskStatusQueued),
	})
}

type statusResponse struct {
	TaskID       string             `json:"task_id"`
	Status       crawler.TaskStatus `json:"status"`
	Backend      string             `json:"backend,omitempty"`
	Logs         []crawler.LogEntry `json:"logs"`
	CurrentURL   string             `json:"current_url,omitempty"`
	PagesCrawled int                `json:"pages_crawled"`
	Reason       string             `json:"reason,omitempty"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Status(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	logs := task.Logs
	if logs == nil {
		logs = []crawler.LogEntry{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TaskID:       task.ID,
		Status:       task.Status,
		Backend:      task.Backend,
		Logs:         logs,
		CurrentURL:   task.CurrentURL,
		PagesCrawled: task.PagesCrawled,
		Reason:       string(task.Reason),
		Error:        task.Error,
		CreatedAt:    task.CreatedAt,
		FinishedAt:   task.FinishedAt,
	})
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	results, err := s.svc.Result(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "results": results})
}

func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.svc.Models(r.Context())})
}

func (s *Server) storedResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.StoredResults(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) storedResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.StoredResult(r.Context(), chi.URLParam(r, "result_id"))
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps orchestrator errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var notDone *crawler.NotCompletedError
	switch {
	case errors.Is(err, crawler.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &notDone):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"status": string(notDone.Status),
		})
	case errors.Is(err, crawler.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
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

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
