// Package httpapi is the job control surface consumed by the UI: create,
// confirm-login, cancel, retry, query, resume-analysis, stall listing and a
// live event feed. Control operations do not act on the scheduler directly;
// they publish durable commands so a request accepted just before a restart
// is still honoured after it.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/chartrec/cmdq"
	"github.com/hazyhaar/chartrec/progress"
	"github.com/hazyhaar/chartrec/registry"
	"github.com/hazyhaar/chartrec/scheduler"
	"github.com/hazyhaar/chartrec/store"
)

// Options configures the API server.
type Options struct {
	// AuthUser and AuthHash enable HTTP Basic auth when both are set.
	// AuthHash is a bcrypt hash of the password.
	AuthUser string
	AuthHash string

	// StallThreshold is the default threshold for GET /jobs/stalled.
	// Default: 10m.
	StallThreshold time.Duration

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.StallThreshold <= 0 {
		o.StallThreshold = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server exposes the control surface over chi.
type Server struct {
	reg   *registry.Registry
	st    *store.Store
	q     *cmdq.Q
	sched *scheduler.Scheduler
	bus   *progress.Broadcaster
	opts  Options
	log   *slog.Logger
}

// New wires the API server.
func New(reg *registry.Registry, st *store.Store, q *cmdq.Q,
	sched *scheduler.Scheduler, bus *progress.Broadcaster, opts Options) *Server {
	opts.defaults()
	return &Server{reg: reg, st: st, q: q, sched: sched, bus: bus,
		opts: opts, log: opts.Logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.opts.AuthUser != "" && s.opts.AuthHash != "" {
		r.Use(s.basicAuth)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/stalled", s.handleStalledJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/confirm", s.handleConfirm)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Post("/jobs/{id}/force-fail", s.handleForceFail)
		r.Get("/jobs/{id}/resume-analysis", s.handleResumeAnalysis)
		r.Get("/patients/{prn}", s.handleGetPatient)
		r.Get("/patients/{prn}/conflicts", s.handlePatientConflicts)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.AuthUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.opts.AuthHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="chartrec"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCreateJob validates and creates a job, then queues its start command.
// POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var sp registry.Spec
	if err := json.NewDecoder(r.Body).Decode(&sp); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := s.reg.Create(r.Context(), sp)
	if errors.Is(err, registry.ErrInvalidJob) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		s.log.Error("httpapi: create job failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if _, err := s.q.Publish(r.Context(), job.ID, cmdq.KindStart, ""); err != nil {
		s.log.Error("httpapi: queue start failed", "job_id", job.ID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.reg.List(r.Context())
	if err != nil {
		s.log.Error("httpapi: list jobs failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// POST /api/v1/jobs/{id}/confirm
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.publishCommand(w, r, cmdq.KindConfirmLogin, "")
}

// POST /api/v1/jobs/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.publishCommand(w, r, cmdq.KindCancel, "")
}

// RetryRequest is the body for POST /api/v1/jobs/{id}/retry.
type RetryRequest struct {
	Mode string `json:"mode"` // "resume" (default) or "restart"
}

// POST /api/v1/jobs/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	switch req.Mode {
	case "", "resume", "restart":
	default:
		http.Error(w, "mode must be resume or restart", http.StatusBadRequest)
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := s.reg.Get(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if registry.Status(job.Status) != registry.StatusFailed {
		http.Error(w, fmt.Sprintf("job is %s; only FAILED jobs can be retried", job.Status),
			http.StatusConflict)
		return
	}
	s.publishCommand(w, r, cmdq.KindRetry, req.Mode)
}

// POST /api/v1/jobs/{id}/force-fail
func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	s.publishCommand(w, r, cmdq.KindForceFail, "")
}

// publishCommand checks the job exists, then queues the command. Accepted
// means queued, not yet applied; callers observe the effect by polling.
func (s *Server) publishCommand(w http.ResponseWriter, r *http.Request, kind cmdq.Kind, payload string) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.reg.Get(r.Context(), jobID); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	id, err := s.q.Publish(r.Context(), jobID, kind, payload)
	if err != nil {
		s.log.Error("httpapi: queue command failed", "job_id", jobID, "kind", kind, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"command":    string(kind),
		"command_id": id,
	})
}

// GET /api/v1/jobs/{id}/resume-analysis
func (s *Server) handleResumeAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.sched.ResumeAnalysis(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("httpapi: resume analysis failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// GET /api/v1/jobs/stalled?threshold=10m
func (s *Server) handleStalledJobs(w http.ResponseWriter, r *http.Request) {
	threshold := s.opts.StallThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = d
	}
	jobs, err := s.reg.Stalled(r.Context(), time.Now().UTC().Add(-threshold))
	if err != nil {
		s.log.Error("httpapi: stalled listing failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

// GET /api/v1/patients/{prn}
func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetPatient(r.Context(), chi.URLParam(r, "prn"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Patient not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// GET /api/v1/patients/{prn}/conflicts
func (s *Server) handlePatientConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.st.ConflictsForPRN(r.Context(), chi.URLParam(r, "prn"))
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	respondJSON(w, http.StatusOK, conflicts)
}

// handleEvents streams progress events as server-sent events.
// GET /api/v1/events?job_id=job_...
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	var events <-chan progress.Event
	var cancel func()
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		events, cancel = s.bus.SubscribeJob(jobID, 256)
	} else {
		events, cancel = s.bus.Subscribe(256)
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
