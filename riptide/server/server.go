// Package server exposes a read-mostly JSON API over a queue: job
// status, per-user job listings, lane depth, and cancellation. It is the
// ops surface, not the application API; authorization is the embedding
// application's problem.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/riptideq/riptide/riptide"
	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/job"
	"github.com/riptideq/riptide/riptide/metrics"
)

type Server struct {
	queue *riptide.Queue
	port  int
}

func New(queue *riptide.Queue, port int) *Server {
	return &Server{queue: queue, port: port}
}

// Handler returns the API as an http.Handler, mountable on any mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/users/{id}/jobs", s.handleUserJobs)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) Start() error {
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.Handler())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if r.Body != nil {
		// An empty or absent body means an internal caller; ownership is
		// then the caller's responsibility.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	cancelled, err := s.queue.CancelJob(r.Context(), r.PathValue("id"), body.UserID)
	if err != nil {
		if errors.IsOwnership(err) {
			writeError(w, http.StatusForbidden, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleUserJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %q", v))
			return
		}
		limit = n
	}

	jobs, err := s.queue.GetUserJobs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": r.PathValue("id"),
		"jobs":    jobs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.queue.Store().IsHealthy(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
