package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/maestro"
)

type workflowRequest struct {
	Name      *string                `json:"name"`
	Inputs    map[string]string      `json:"inputs"`
	Nodes     []maestro.WorkflowNode `json:"nodes"`
	Edges     []maestro.WorkflowEdge `json:"edges"`
	Variables map[string]any         `json:"variables"`
	Metadata  map[string]any         `json:"metadata"`
}

func (s *Server) requireEngine(w http.ResponseWriter) bool {
	if s.engine == nil {
		writeError(w, http.StatusNotImplemented, "workflows are disabled")
		return false
	}
	return true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	defs, err := s.store.ListWorkflows(r.Context(), userID(r.Context()), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	if defs == nil {
		defs = []maestro.WorkflowDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := maestro.NowMillis()
	def := maestro.WorkflowDefinition{
		ID:        maestro.NewID(),
		Name:      *req.Name,
		Version:   1,
		UserID:    userID(r.Context()),
		Inputs:    req.Inputs,
		Nodes:     req.Nodes,
		Edges:     req.Edges,
		Variables: req.Variables,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := maestro.ValidateWorkflow(&def); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SaveWorkflow(r.Context(), def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	def, err := s.getOwnedWorkflow(w, r)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	def, err := s.getOwnedWorkflow(w, r)
	if err != nil {
		return
	}
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Name != nil {
		def.Name = *req.Name
	}
	if req.Inputs != nil {
		def.Inputs = req.Inputs
	}
	if req.Nodes != nil {
		def.Nodes = req.Nodes
	}
	if req.Edges != nil {
		def.Edges = req.Edges
	}
	if req.Variables != nil {
		def.Variables = req.Variables
	}
	if req.Metadata != nil {
		def.Metadata = req.Metadata
	}
	def.Version++
	def.UpdatedAt = maestro.NowMillis()

	if err := maestro.ValidateWorkflow(&def); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SaveWorkflow(r.Context(), def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	if _, err := s.getOwnedWorkflow(w, r); err != nil {
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	def, err := s.getOwnedWorkflow(w, r)
	if err != nil {
		return
	}
	var req struct {
		Input map[string]any `json:"input"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	exec, err := s.engine.ExecuteAsync(r.Context(), def.ID, req.Input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	def, err := s.getOwnedWorkflow(w, r)
	if err != nil {
		return
	}
	execs, err := s.store.ListWorkflowExecutions(r.Context(), def.ID, queryInt(r, "limit", 20))
	if err != nil {
		writeErr(w, err)
		return
	}
	if execs == nil {
		execs = []maestro.WorkflowExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": workflowTemplates()})
}

// getOwnedWorkflow loads the workflow in the id route param and checks it
// belongs to the caller. The error response is already written on failure.
func (s *Server) getOwnedWorkflow(w http.ResponseWriter, r *http.Request) (maestro.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return def, err
	}
	if def.UserID != "" && def.UserID != userID(r.Context()) {
		err := maestro.E(maestro.CodeForbidden, "workflow belongs to another user")
		writeErr(w, err)
		return def, err
	}
	return def, nil
}
