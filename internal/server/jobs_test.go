package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nevindra/maestro"
)

func jobBody(extra map[string]any) map[string]any {
	body := map[string]any{
		"name":     "nightly report",
		"schedule": map[string]any{"kind": "cron", "expr": "0 2 * * *"},
		"config":   map[string]any{"kind": "task", "message": "compile the nightly report"},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOpt{scheduler: true})

	status, job := f.do(t, http.MethodPost, "/api/scheduler/jobs/", f.token, jobBody(nil))
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d: %v", status, job)
	}
	id, _ := job["id"].(string)
	if id == "" {
		t.Fatal("created job has no id")
	}
	if job["enabled"] != true {
		t.Errorf("enabled = %v, want default true", job["enabled"])
	}
	if job["retries"] != 3.0 {
		t.Errorf("retries = %v, want scheduler default", job["retries"])
	}

	status, got := f.do(t, http.MethodGet, "/api/scheduler/jobs/"+id, f.token, nil)
	if status != http.StatusOK || got["name"] != "nightly report" {
		t.Fatalf("get: status = %d, name = %v", status, got["name"])
	}

	status, updated := f.do(t, http.MethodPatch, "/api/scheduler/jobs/"+id, f.token,
		map[string]any{"name": "weekly report", "retries": 1})
	if status != http.StatusOK {
		t.Fatalf("patch: status = %d: %v", status, updated)
	}
	if updated["name"] != "weekly report" || updated["retries"] != 1.0 {
		t.Errorf("patch result = %v", updated)
	}

	status, toggled := f.do(t, http.MethodPost, "/api/scheduler/jobs/"+id+"/toggle", f.token,
		map[string]any{"enabled": false})
	if status != http.StatusOK || toggled["enabled"] != false {
		t.Fatalf("toggle: status = %d: %v", status, toggled)
	}

	status, execs := f.do(t, http.MethodGet, "/api/scheduler/jobs/"+id+"/executions", f.token, nil)
	if status != http.StatusOK {
		t.Fatalf("executions: status = %d", status)
	}
	if rows, _ := execs["executions"].([]any); len(rows) != 0 {
		t.Errorf("executions = %v, want empty", rows)
	}

	status, _ = f.do(t, http.MethodDelete, "/api/scheduler/jobs/"+id, f.token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete: status = %d", status)
	}
	status, _ = f.do(t, http.MethodGet, "/api/scheduler/jobs/"+id, f.token, nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", status)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, fixtureOpt{scheduler: true})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{
			"schedule": map[string]any{"kind": "cron", "expr": "0 2 * * *"},
			"config":   map[string]any{"kind": "task", "message": "m"},
		}},
		{"missing schedule", map[string]any{
			"name":   "j",
			"config": map[string]any{"kind": "task", "message": "m"},
		}},
		{"bad cron", jobBody(map[string]any{
			"schedule": map[string]any{"kind": "cron", "expr": "not a cron"},
		})},
		{"zero interval", jobBody(map[string]any{
			"schedule": map[string]any{"kind": "interval"},
		})},
		{"unknown schedule kind", jobBody(map[string]any{
			"schedule": map[string]any{"kind": "lunar"},
		})},
		{"task without message", jobBody(map[string]any{
			"config": map[string]any{"kind": "task"},
		})},
		{"webhook without url", jobBody(map[string]any{
			"config": map[string]any{"kind": "webhook"},
		})},
		{"unknown job kind", jobBody(map[string]any{
			"config": map[string]any{"kind": "teleport"},
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/api/scheduler/jobs/", f.token, tc.body)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d: %v", status, body)
			}
		})
	}
}

func TestListJobsFilters(t *testing.T) {
	f := newFixture(t, fixtureOpt{scheduler: true})

	f.do(t, http.MethodPost, "/api/scheduler/jobs/", f.token, jobBody(map[string]any{
		"name": "reports", "tags": []string{"reports"},
	}))
	status, created := f.do(t, http.MethodPost, "/api/scheduler/jobs/", f.token, jobBody(map[string]any{
		"name": "cleanup", "tags": []string{"maintenance"},
	}))
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d", status)
	}
	id, _ := created["id"].(string)
	f.do(t, http.MethodPost, "/api/scheduler/jobs/"+id+"/toggle", f.token, map[string]any{"enabled": false})

	status, body := f.do(t, http.MethodGet, "/api/scheduler/jobs/?enabled=true", f.token, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("enabled jobs = %d, want 1", len(jobs))
	}

	status, body = f.do(t, http.MethodGet, "/api/scheduler/jobs/?tag=maintenance", f.token, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	jobs, _ = body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("tagged jobs = %d, want 1", len(jobs))
	}
}

func TestRunJobNow(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	f := newFixture(t, fixtureOpt{scheduler: true})
	status, created := f.do(t, http.MethodPost, "/api/scheduler/jobs/", f.token, jobBody(map[string]any{
		"name":   "ping",
		"config": map[string]any{"kind": "webhook", "url": hook.URL},
	}))
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d: %v", status, created)
	}
	id, _ := created["id"].(string)

	status, run := f.do(t, http.MethodPost, "/api/scheduler/jobs/"+id+"/run", f.token, nil)
	if status != http.StatusOK {
		t.Fatalf("run: status = %d: %v", status, run)
	}
	execID, _ := run["executionId"].(string)
	if execID == "" {
		t.Fatal("no executionId")
	}

	waitUntil(t, 5*time.Second, func() bool {
		execs, err := f.store.ListExecutions(context.Background(), maestro.ExecutionFilter{JobID: id})
		if err != nil || len(execs) == 0 {
			return false
		}
		return execs[0].Status == maestro.ExecCompleted
	})
	if hits.Load() == 0 {
		t.Error("webhook was never called")
	}
}

func TestRunUnknownJob(t *testing.T) {
	f := newFixture(t, fixtureOpt{scheduler: true})
	status, _ := f.do(t, http.MethodPost, "/api/scheduler/jobs/nope/run", f.token, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d", status)
	}
}

func TestSchedulerDisabled(t *testing.T) {
	f := newFixture(t, fixtureOpt{})
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/scheduler/jobs/"},
		{http.MethodPost, "/api/scheduler/jobs/"},
		{http.MethodGet, "/api/scheduler/jobs/x"},
		{http.MethodPost, "/api/scheduler/jobs/x/run"},
	}
	for _, p := range paths {
		var body any
		if p.method == http.MethodPost {
			body = map[string]any{}
		}
		status, _ := f.do(t, p.method, p.path, f.token, body)
		if status != http.StatusNotImplemented {
			t.Errorf("%s %s: status = %d, want 501", p.method, p.path, status)
		}
	}
}
