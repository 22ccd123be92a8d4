// Package server runs optimization jobs behind an HTTP API. Jobs are
// submitted as problem files, run in the background and report progress over
// server-sent events.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwbudde/envopt/internal/config"
	"github.com/cwbudde/envopt/internal/session"
	"github.com/cwbudde/envopt/internal/store"
	"github.com/cwbudde/envopt/internal/telemetry"
)

// maxProblemSize caps the body of a job submission.
const maxProblemSize = 4 << 20

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	store      *store.FSStore
	registry   *prometheus.Registry
	addr       string
	dataDir    string
	server     *http.Server
}

// NewServer creates a server whose jobs write to dataDir.
func NewServer(addr, dataDir string) (*Server, error) {
	fs, err := store.NewFSStore(dataDir)
	if err != nil {
		return nil, err
	}
	reg := telemetry.NewRegistry()
	s := &Server{
		jobManager: NewJobManager(telemetry.NewMetrics(reg)),
		store:      fs,
		registry:   reg,
		addr:       addr,
		dataDir:    dataDir,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/checkpoints", s.handleListCheckpoints)
	mux.Handle("/metrics", telemetry.Handler(s.registry))

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr, "data_dir", s.dataDir)
	return s.server.ListenAndServe()
}

// Shutdown cancels unfinished jobs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.jobManager.CancelAll()
	return s.server.Shutdown(ctx)
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "job ID required")
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	if sub == "cancel" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleCancelJob(w, r, jobID)
		return
	}
	if sub == "" && r.Method == http.MethodDelete {
		s.handleDeleteJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "trace":
		s.handleGetTrace(w, r, jobID)
	case session.BestLayout + ".svg":
		s.handleGetLayout(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleCreateJob handles POST /api/v1/jobs. The body is a problem file in
// YAML or JSON. Output settings of the file are replaced by the server's.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProblemSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read problem: %v", err)
		return
	}
	problem, err := config.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	problem.Output.Dir = s.dataDir
	if !slices.Contains(problem.Output.Recorders, config.RecorderMetrics) {
		problem.Output.Recorders = append(problem.Output.Recorders, config.RecorderMetrics)
	}

	job, err := s.jobManager.CreateJob(problem)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	go runJob(context.Background(), s.jobManager, job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}

	response := map[string]any{
		"id":             job.ID,
		"name":           job.Name,
		"state":          job.State,
		"config":         job.Config,
		"bestParams":     job.BestParams,
		"bestFitness":    job.BestFitness,
		"initialFitness": job.InitialFitness,
		"rounds":         job.Rounds,
		"evaluations":    job.Evaluations,
		"stopReason":     job.StopReason,
		"elapsed":        job.Elapsed().Seconds(),
		"evalsPerSecond": evalsPerSecond(job),
		"startTime":      job.StartTime,
		"endTime":        job.EndTime,
		"error":          job.Error,
	}
	writeJSON(w, http.StatusOK, response)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "cancelling"})
}

// handleDeleteJob handles DELETE /api/v1/jobs/:id. A finished job is
// removed together with its run directory.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}
	if err := s.jobManager.RemoveJob(jobID); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	if err := s.store.DeleteCheckpoint(jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}
	records, err := store.ReadTrace(s.dataDir, jobID)
	if errors.Is(err, store.ErrNotFound) {
		records = []store.RoundRecord{}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetLayout handles GET /api/v1/jobs/:id/best.svg, the drawing of the
// best layout written when the run ends.
func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		writeError(w, http.StatusNotFound, "job not found: %s", jobID)
		return
	}
	path := filepath.Join(s.store.RunDir(jobID), session.BestLayout+".svg")
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "no layout yet")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// handleListCheckpoints handles GET /api/v1/checkpoints. It lists every run in
// the data directory, including runs started by the CLI.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	infos, err := s.store.ListCheckpoints()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
