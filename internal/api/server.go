// Package api exposes the HTTP interface for the crawl service. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs/{date} to launch a run, /resume to continue one.
//   - GET /v1/runs/{date} for run status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siftlabs/sentiment-crawler/internal/metrics"
	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
	"github.com/siftlabs/sentiment-crawler/internal/workflow"
)

// RunDriver is satisfied by workflow.Driver.
type RunDriver interface {
	StartRun(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error)
	ResumeRun(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error)
	RunStatus(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error)
}

// Server wires HTTP handlers to the run driver.
type Server struct {
	router chi.Router
	driver RunDriver
	log    *zap.Logger

	mu       sync.Mutex
	inFlight map[pipeline.RunDate]struct{}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(driver RunDriver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		driver:   driver,
		log:      log,
		inFlight: make(map[pipeline.RunDate]struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs/{date}", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Post("/resume", s.resumeRun)
			r.Get("/", s.runStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, s.driver.StartRun, "start")
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, s.driver.ResumeRun, "resume")
}

// launch kicks the long-running driver call off in the background and
// answers 202 immediately; progress is visible through run status.
func (s *Server) launch(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, pipeline.RunDate) (pipeline.CrawlRun, error), verb string) {
	date, err := pipeline.ParseRunDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.claim(date) {
		writeError(w, http.StatusConflict, "run already in flight for "+string(date))
		return
	}

	go func() {
		defer s.release(date)
		run, err := fn(context.Background(), date)
		if err != nil {
			s.log.Error("run "+verb+" failed",
				zap.String("run_date", string(date)),
				zap.Error(err),
			)
			return
		}
		s.log.Info("run "+verb+" finished",
			zap.String("run_date", string(date)),
			zap.String("state", string(run.State)),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_date": string(date), "status": "accepted"})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	date, err := pipeline.ParseRunDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.driver.RunStatus(r.Context(), date)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "no run for "+string(date))
			return
		}
		s.log.Error("run status failed", zap.String("run_date", string(date)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) claim(date pipeline.RunDate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[date]; busy {
		return false
	}
	s.inFlight[date] = struct{}{}
	return true
}

func (s *Server) release(date pipeline.RunDate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, date)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ RunDriver = (*workflow.Driver)(nil)
