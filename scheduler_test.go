package maestro

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type stubTaskRunner struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	release chan struct{} // when set, HandleMessage blocks until closed
}

func (r *stubTaskRunner) HandleMessage(ctx context.Context, message, userID string, cb Callbacks) (ExecutionResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		}
	}
	if r.fail {
		return ExecutionResult{}, E(CodeStepFailed, "runner failed")
	}
	return ExecutionResult{TaskID: "t1", Status: "completed", Summary: "ran: " + message}, nil
}

func (r *stubTaskRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubWorkflowRunner struct {
	exec WorkflowExecution
	err  error
}

func (r *stubWorkflowRunner) Execute(context.Context, string, map[string]any) (*WorkflowExecution, error) {
	if r.err != nil {
		return nil, r.err
	}
	e := r.exec
	return &e, nil
}

// waitUntil polls cond every few milliseconds until it holds or the deadline
// passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func intervalJob(id string, intervalMs int64) ScheduledJob {
	return ScheduledJob{
		ID:        id,
		Name:      id,
		Schedule:  Schedule{Kind: ScheduleInterval, IntervalMs: intervalMs},
		Config:    JobConfig{Kind: JobTask, Message: "work for " + id},
		Enabled:   true,
		CreatedAt: NowMillis(),
	}
}

func completedRows(t *testing.T, store *memStore, jobID string) []JobExecution {
	t.Helper()
	execs, err := store.ListExecutions(context.Background(), ExecutionFilter{JobID: jobID, Status: ExecCompleted})
	if err != nil {
		t.Fatal(err)
	}
	return execs
}

func TestTickRunsDueCronJob(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{}
	s := NewScheduler(store, runner, nil)

	job := intervalJob("j1", 60_000)
	job.Schedule = Schedule{Kind: ScheduleCron, Expr: "* * * * *"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitUntil(t, time.Second, func() bool { return len(completedRows(t, store, "j1")) == 1 })

	rows := completedRows(t, store, "j1")
	if rows[0].Result != "ran: work for j1" {
		t.Errorf("result = %q", rows[0].Result)
	}
	if rows[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", rows[0].RetryCount)
	}
}

func TestTickWindowCatchesMissedMinute(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{}
	s := NewScheduler(store, runner, nil)

	job := intervalJob("j1", 0)
	job.Schedule = Schedule{Kind: ScheduleCron, Expr: "0 10 * * *"}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	t1 := time.Date(2025, 3, 3, 9, 59, 30, 0, time.UTC)
	s.Tick(context.Background(), t1)
	if runner.callCount() != 0 {
		t.Fatal("job ran before its minute")
	}

	// The next tick lands after 10:00; the window (09:59, 10:00] must catch
	// the missed boundary.
	t2 := time.Date(2025, 3, 3, 10, 0, 30, 0, time.UTC)
	s.Tick(context.Background(), t2)
	waitUntil(t, time.Second, func() bool { return runner.callCount() == 1 })
}

func TestTickIntervalAndOnce(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{}
	s := NewScheduler(store, runner, nil)
	ctx := context.Background()

	if err := store.CreateJob(ctx, intervalJob("int", 60_000)); err != nil {
		t.Fatal(err)
	}
	once := intervalJob("once", 0)
	once.CreatedAt = NowMillis() - 5000
	once.Schedule = Schedule{Kind: ScheduleOnce, At: NowMillis() - 1000}
	if err := store.CreateJob(ctx, once); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, time.Second, func() bool {
		return len(completedRows(t, store, "int")) == 1 && len(completedRows(t, store, "once")) == 1
	})

	// Immediately ticking again runs neither: the interval has not elapsed
	// and a once job never repeats.
	s.Tick(ctx, time.Now())
	time.Sleep(50 * time.Millisecond)
	if n := runner.callCount(); n != 2 {
		t.Errorf("runner calls = %d, want 2", n)
	}
}

func TestTickOnceWithPastFireTimeNeverRuns(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{}
	s := NewScheduler(store, runner, nil)
	ctx := context.Background()

	// The fire time predates the job itself, so no tick may run it.
	stale := intervalJob("stale", 0)
	stale.Schedule = Schedule{Kind: ScheduleOnce, At: stale.CreatedAt - 60_000}
	if err := store.CreateJob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	s.Tick(ctx, time.Now().Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	if n := runner.callCount(); n != 0 {
		t.Errorf("runner calls = %d, want none for a stale once job", n)
	}
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	runner := &stubTaskRunner{release: release}
	s := NewScheduler(store, runner, nil, WithMaxConcurrent(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateJob(ctx, intervalJob(id, 60_000)); err != nil {
			t.Fatal(err)
		}
	}

	s.Tick(ctx, time.Now())
	if got := s.Running(); got != 2 {
		t.Fatalf("Running() = %d, want 2 (third job deferred)", got)
	}

	close(release)
	waitUntil(t, time.Second, func() bool { return s.Running() == 0 })

	// The deferred job is still eligible on the next tick.
	s.Tick(ctx, time.Now())
	waitUntil(t, time.Second, func() bool { return runner.callCount() == 3 })
}

func TestSchedulerRetriesCreateNewRows(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{fail: true}
	s := NewScheduler(store, runner, nil, WithJobRetryDelay(time.Millisecond))
	ctx := context.Background()

	job := intervalJob("j1", 60_000)
	job.Retries = 2
	job.RetryDelayMs = 1
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, 2*time.Second, func() bool {
		execs, _ := store.ListExecutions(ctx, ExecutionFilter{JobID: "j1", Status: ExecFailed})
		return len(execs) == 3
	})

	execs, _ := store.ListExecutions(ctx, ExecutionFilter{JobID: "j1"})
	seen := make(map[int]bool)
	for _, e := range execs {
		if e.Status != ExecFailed {
			t.Errorf("execution %s status = %s, want failed", e.ID, e.Status)
		}
		seen[e.RetryCount] = true
	}
	for want := 0; want <= 2; want++ {
		if !seen[want] {
			t.Errorf("no execution row with retry count %d", want)
		}
	}
}

func TestSchedulerJobTimeout(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{release: make(chan struct{})} // never released
	s := NewScheduler(store, runner, nil, WithJobRetries(0))
	ctx := context.Background()

	job := intervalJob("slow", 60_000)
	job.TimeoutMs = 20
	job.Retries = 0
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, time.Second, func() bool {
		execs, _ := store.ListExecutions(ctx, ExecutionFilter{JobID: "slow", Status: ExecTimeout})
		return len(execs) == 1
	})
}

func TestRunNow(t *testing.T) {
	store := newMemStore()
	runner := &stubTaskRunner{}
	s := NewScheduler(store, runner, nil)
	ctx := context.Background()

	// A disabled far-future job still runs ad hoc.
	job := intervalJob("adhoc", 0)
	job.Schedule = Schedule{Kind: ScheduleOnce, At: NowMillis() + 1<<40}
	job.Enabled = false
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	execID, err := s.RunNow(ctx, "adhoc")
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, time.Second, func() bool {
		execs, _ := store.ListExecutions(ctx, ExecutionFilter{JobID: "adhoc", Status: ExecCompleted})
		return len(execs) == 1 && execs[0].ID == execID
	})

	if _, err := s.RunNow(ctx, "missing"); CodeOf(err) != CodeNotFound {
		t.Errorf("RunNow(missing) code = %v, want NOT_FOUND", CodeOf(err))
	}
}

func TestDispatchWebhook(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	store := newMemStore()
	s := NewScheduler(store, nil, nil)
	ctx := context.Background()

	job := intervalJob("hook", 60_000)
	job.Config = JobConfig{Kind: JobWebhook, URL: srv.URL}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, time.Second, func() bool { return len(completedRows(t, store, "hook")) == 1 })
	if gotMethod != http.MethodPost {
		t.Errorf("webhook method = %q, want POST", gotMethod)
	}
}

func TestDispatchWorkflowFailure(t *testing.T) {
	store := newMemStore()
	wf := &stubWorkflowRunner{exec: WorkflowExecution{ID: "e1", Status: WorkflowFailed, Error: "node x failed"}}
	s := NewScheduler(store, nil, wf, WithJobRetries(0))
	ctx := context.Background()

	job := intervalJob("wf", 60_000)
	job.Config = JobConfig{Kind: JobWorkflow, WorkflowID: "w1"}
	job.Retries = 0
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, time.Second, func() bool {
		execs, _ := store.ListExecutions(ctx, ExecutionFilter{JobID: "wf", Status: ExecFailed})
		return len(execs) == 1
	})
}

func TestDispatchCommand(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, nil, nil)
	ctx := context.Background()

	job := intervalJob("cmd", 60_000)
	job.Config = JobConfig{Kind: JobCommand, Command: "echo hello"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.Tick(ctx, time.Now())
	waitUntil(t, 2*time.Second, func() bool { return len(completedRows(t, store, "cmd")) == 1 })
	rows := completedRows(t, store, "cmd")
	if rows[0].Result != "hello\n" {
		t.Errorf("command result = %q", rows[0].Result)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, &stubTaskRunner{}, nil, WithTick(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
