package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

// jobRequest is the create/update body for scheduled jobs. Pointer fields
// distinguish "omitted" from zero so PATCH can be partial and create can
// apply defaults.
type jobRequest struct {
	Name         *string            `json:"name"`
	Description  *string            `json:"description"`
	Schedule     *maestro.Schedule  `json:"schedule"`
	Config       *maestro.JobConfig `json:"config"`
	Enabled      *bool              `json:"enabled"`
	Retries      *int               `json:"retries"`
	RetryDelayMs *int64             `json:"retryDelayMs"`
	TimeoutMs    *int64             `json:"timeoutMs"`
	Tags         []string           `json:"tags"`
	Metadata     map[string]any     `json:"metadata"`
}

// requireScheduler answers 501 when the scheduler is disabled.
func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.sched == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is disabled")
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	filter := maestro.JobFilter{Tag: r.URL.Query().Get("tag")}
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		enabled := raw == "true"
		filter.Enabled = &enabled
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []maestro.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Schedule == nil || req.Config == nil {
		writeError(w, http.StatusBadRequest, "schedule and config are required")
		return
	}

	now := maestro.NowMillis()
	job := maestro.ScheduledJob{
		ID:           maestro.NewID(),
		Name:         *req.Name,
		Schedule:     *req.Schedule,
		Config:       *req.Config,
		Enabled:      true,
		Retries:      s.cfg.Scheduler.DefaultRetries,
		RetryDelayMs: 5000,
		TimeoutMs:    s.cfg.Scheduler.DefaultTimeoutMs,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	applyJobRequest(&job, req)

	if err := validateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	applyJobRequest(&job, req)
	if req.Tags != nil {
		job.Tags = req.Tags
	}
	if req.Metadata != nil {
		job.Metadata = req.Metadata
	}
	if err := validateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.store.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.store.SetJobEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeErr(w, err)
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), maestro.ExecutionFilter{
		JobID: jobID,
		Limit: queryInt(r, "limit", 20),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if execs == nil {
		execs = []maestro.JobExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	execID, err := s.sched.RunNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executionId": execID, "status": "pending"})
}

// applyJobRequest copies every present field of req onto job.
func applyJobRequest(job *maestro.ScheduledJob, req jobRequest) {
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.Config != nil {
		job.Config = *req.Config
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Retries != nil {
		job.Retries = *req.Retries
	}
	if req.RetryDelayMs != nil {
		job.RetryDelayMs = *req.RetryDelayMs
	}
	if req.TimeoutMs != nil {
		job.TimeoutMs = *req.TimeoutMs
	}
}

func validateJob(job maestro.ScheduledJob) error {
	switch job.Schedule.Kind {
	case maestro.ScheduleCron:
		if _, err := maestro.ParseCron(job.Schedule.Expr); err != nil {
			return err
		}
	case maestro.ScheduleInterval:
		if job.Schedule.IntervalMs <= 0 {
			return maestro.E(maestro.CodeValidation, "interval_ms must be positive")
		}
	case maestro.ScheduleOnce:
		if job.Schedule.At <= 0 {
			return maestro.E(maestro.CodeValidation, "at must be a unix ms timestamp")
		}
	default:
		return maestro.E(maestro.CodeValidation, "unknown schedule kind %q", job.Schedule.Kind)
	}

	switch job.Config.Kind {
	case maestro.JobTask:
		if job.Config.Message == "" {
			return maestro.E(maestro.CodeValidation, "task job needs a message")
		}
	case maestro.JobWorkflow:
		if job.Config.WorkflowID == "" {
			return maestro.E(maestro.CodeValidation, "workflow job needs a workflow_id")
		}
	case maestro.JobWebhook:
		if job.Config.URL == "" {
			return maestro.E(maestro.CodeValidation, "webhook job needs a url")
		}
	case maestro.JobCommand:
		if job.Config.Command == "" {
			return maestro.E(maestro.CodeValidation, "command job needs a command")
		}
	default:
		return maestro.E(maestro.CodeValidation, "unknown job kind %q", job.Config.Kind)
	}
	return nil
}
