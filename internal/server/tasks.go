package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message  string `json:"message"`
		Language string `json:"language,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	message := req.Message
	if req.Language != "" {
		message += "\n\nRespond in " + req.Language + "."
	}

	result, err := s.orch.HandleMessage(r.Context(), message, userID(r.Context()), maestro.Callbacks{})
	resp := map[string]any{
		"taskId":   result.TaskID,
		"status":   result.Status,
		"duration": result.DurationMs,
	}
	if result.Summary != "" {
		resp["summary"] = result.Summary
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filter := maestro.TaskFilter{
		Phase:  maestro.TaskPhase(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	tasks, err := s.store.ListTasksByUser(r.Context(), userID(r.Context()), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []maestro.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if task.UserID != userID(r.Context()) {
		writeError(w, http.StatusForbidden, "task belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "no running task with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := s.store.CountTasks(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}

	scheduler := map[string]any{"totalJobs": 0, "enabledJobs": 0, "executionsToday": 0}
	if s.sched != nil {
		jobs, err := s.store.ListJobs(ctx, maestro.JobFilter{})
		if err != nil {
			writeErr(w, err)
			return
		}
		enabled := 0
		for _, j := range jobs {
			if j.Enabled {
				enabled++
			}
		}
		midnight := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
		execs, err := s.store.ListExecutions(ctx, maestro.ExecutionFilter{Since: midnight})
		if err != nil {
			writeErr(w, err)
			return
		}
		scheduler["totalJobs"] = len(jobs)
		scheduler["enabledJobs"] = enabled
		scheduler["executionsToday"] = len(execs)
	}

	workflows := 0
	if s.engine != nil {
		if workflows, err = s.store.CountWorkflows(ctx); err != nil {
			writeErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		// Vector memory is not part of this build; the block stays for
		// response-shape compatibility.
		"memory": map[string]any{"total": 0, "byType": map[string]int{}},
		"agents": map[string]any{
			"total":  s.agents.Len(),
			"active": s.orch.ActiveAgents(),
		},
		"scheduler": scheduler,
		"workflows": map[string]any{"total": workflows},
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.Infos()})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
