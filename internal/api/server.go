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

	"github.com/crawlkit/linkwalk/internal/config"
	"github.com/crawlkit/linkwalk/internal/crawl"
	"github.com/crawlkit/linkwalk/internal/metrics"
	queuememory "github.com/crawlkit/linkwalk/internal/queue/memory"
)

// enqueueTimeout bounds run submission so a saturated queue turns into a
// fast 503 instead of a hanging request.
const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the run store and the per-kind queues.
type Server struct {
	router     chi.Router
	runs       crawl.RunStore
	crawlQueue crawl.Enqueuer
	fetchQueue crawl.Enqueuer
	idGen      crawl.IDGenerator
	clock      crawl.Clock
	progress   *ProgressHandler
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil progress
// handler mounts the progress routes in degraded (503) mode.
func NewServer(
	runs crawl.RunStore,
	crawlQueue crawl.Enqueuer,
	fetchQueue crawl.Enqueuer,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	progress *ProgressHandler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = NewProgressHandler(nil, logger)
	}
	s := &Server{
		runs:       runs,
		crawlQueue: crawlQueue,
		fetchQueue: fetchQueue,
		idGen:      idGen,
		clock:      clock,
		progress:   progress,
		cfg:        cfg,
		logger:     logger,
	}

	requestTimeout := cfg.RequestTimeout()
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Server.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.Server.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Get("/{run_id}", s.getCrawl)
		})
		r.Route("/fetches", func(r chi.Router) {
			r.Post("/", s.submitFetch)
			r.Get("/{run_id}", s.getFetch)
		})
		r.Route("/progress", func(r chi.Router) {
			r.Get("/runs", s.progress.ListRuns)
			r.Get("/runs/{run_id}", s.progress.GetRun)
			r.Get("/runs/{run_id}/sites", s.progress.ListRunSites)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// In-memory dependencies are always ready; downstream checks can hang
	// the probe, so they stay out of the hot path.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON")
		return
	}
	if req.StartURL == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "start_url is required")
		return
	}
	params := crawl.RunParameters{
		Kind: crawl.KindCrawl,
		Crawl: &crawl.CrawlRequest{
			StartURL: req.StartURL,
			MaxLinks: req.MaxLinks,
		},
	}
	s.submitRun(w, r, params, s.crawlQueue)
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "url is required")
		return
	}
	params := crawl.RunParameters{
		Kind:    crawl.KindHTTPGet,
		HTTPGet: &crawl.HTTPGetRequest{URL: req.URL},
	}
	s.submitRun(w, r, params, s.fetchQueue)
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, params crawl.RunParameters, q crawl.Enqueuer) {
	runID, err := s.enqueueRun(r.Context(), params, q)
	if err != nil {
		if errors.Is(err, queuememory.ErrQueueFull) || errors.Is(err, queuememory.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, codeQueueFull, "run queue is full, retry later")
			return
		}
		s.logger.Error("run submission failed",
			zap.String("kind", string(params.Kind)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to submit run")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:  runID,
		Status: string(crawl.RunStatusQueued),
	})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	s.getRun(w, r, crawl.KindCrawl)
}

func (s *Server) getFetch(w http.ResponseWriter, r *http.Request) {
	s.getRun(w, r, crawl.KindHTTPGet)
}

// getRun loads the run document. An id belonging to the other kind is
// reported as not found so the two collections stay disjoint.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request, kind crawl.RunKind) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil || run.Kind != kind {
		writeError(w, http.StatusNotFound, codeNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) enqueueRun(ctx context.Context, params crawl.RunParameters, q crawl.Enqueuer) (string, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := s.clock.Now()
	run := crawl.Run{
		ID:         runID,
		Kind:       params.Kind,
		Status:     crawl.RunStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawl.QueueItem{
		RunID:     runID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := q.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return runID, nil
}

type crawlSubmitRequest struct {
	StartURL string `json:"start_url"`
	MaxLinks int    `json:"max_links"`
}

type fetchSubmitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// Error codes used in the error envelope.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeNotFound       = "not_found"
	codeQueueFull      = "queue_full"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

type errorPayload struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestIDFrom(r.Context())),
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
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, codeUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorPayload{Error: errorDetail{Code: code, Message: msg}})
}
