package maestro

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultTick          = time.Minute
	defaultMaxConcurrent = 10
	defaultJobRetries    = 3
	defaultJobRetryDelay = 5 * time.Second
	defaultJobTimeout    = 5 * time.Minute
)

// TaskRunner executes a task job. Satisfied by *Orchestrator.
type TaskRunner interface {
	HandleMessage(ctx context.Context, message, userID string, cb Callbacks) (ExecutionResult, error)
}

// WorkflowRunner executes a workflow job. Satisfied by *WorkflowEngine.
type WorkflowRunner interface {
	Execute(ctx context.Context, workflowID string, input map[string]any) (*WorkflowExecution, error)
}

// JobHook observes execution lifecycle transitions.
type JobHook func(job ScheduledJob, exec JobExecution)

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	tick          time.Duration
	maxConcurrent int
	retries       int
	retryDelay    time.Duration
	timeout       time.Duration
	logger        *slog.Logger
	httpClient    *http.Client
	onStart       JobHook
	onComplete    JobHook
	onFail        JobHook
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithTick sets the polling interval. Default: 1 minute.
func WithTick(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.tick = d }
}

// WithMaxConcurrent caps simultaneously running executions. Default: 10.
func WithMaxConcurrent(n int) SchedulerOption {
	return func(c *schedulerConfig) { c.maxConcurrent = n }
}

// WithJobRetries sets the default retry count for jobs that do not set their
// own. Default: 3.
func WithJobRetries(n int) SchedulerOption {
	return func(c *schedulerConfig) { c.retries = n }
}

// WithJobRetryDelay sets the default delay before a retry execution. Default: 5 s.
func WithJobRetryDelay(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.retryDelay = d }
}

// WithJobTimeout sets the default per-execution timeout. Default: 5 minutes.
func WithJobTimeout(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.timeout = d }
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// WithWebhookClient sets the HTTP client used by webhook jobs.
func WithWebhookClient(client *http.Client) SchedulerOption {
	return func(c *schedulerConfig) { c.httpClient = client }
}

// WithOnJobStart registers a hook called when an execution enters running.
func WithOnJobStart(h JobHook) SchedulerOption {
	return func(c *schedulerConfig) { c.onStart = h }
}

// WithOnJobComplete registers a hook called when an execution completes.
func WithOnJobComplete(h JobHook) SchedulerOption {
	return func(c *schedulerConfig) { c.onComplete = h }
}

// WithOnJobFail registers a hook called when an execution fails or times out.
func WithOnJobFail(h JobHook) SchedulerOption {
	return func(c *schedulerConfig) { c.onFail = h }
}

// Scheduler polls the store for due jobs and launches executions, bounded by
// a global concurrency cap. Retries run as separate execution rows linked by
// retryCount; the failed row keeps its terminal status.
type Scheduler struct {
	store     Store
	tasks     TaskRunner
	workflows WorkflowRunner

	tick          time.Duration
	maxConcurrent int
	retries       int
	retryDelay    time.Duration
	timeout       time.Duration
	logger        *slog.Logger
	httpClient    *http.Client
	onStart       JobHook
	onComplete    JobHook
	onFail        JobHook

	mu       sync.Mutex
	running  map[string]struct{} // execution id -> present while running
	lastTick time.Time

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler. tasks and workflows may be nil when the
// deployment never uses the corresponding job kind; dispatching such a job
// fails the execution.
func NewScheduler(store Store, tasks TaskRunner, workflows WorkflowRunner, opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{
		tick:          defaultTick,
		maxConcurrent: defaultMaxConcurrent,
		retries:       defaultJobRetries,
		retryDelay:    defaultJobRetryDelay,
		timeout:       defaultJobTimeout,
		logger:        nopLogger,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:         store,
		tasks:         tasks,
		workflows:     workflows,
		tick:          cfg.tick,
		maxConcurrent: cfg.maxConcurrent,
		retries:       cfg.retries,
		retryDelay:    cfg.retryDelay,
		timeout:       cfg.timeout,
		logger:        cfg.logger,
		httpClient:    cfg.httpClient,
		onStart:       cfg.onStart,
		onComplete:    cfg.onComplete,
		onFail:        cfg.onFail,
		running:       make(map[string]struct{}),
	}
}

// Running reports the number of currently running executions.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start begins the tick loop. Blocks until ctx is cancelled, then waits for
// in-flight executions to finish. Returns nil on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		s.Tick(ctx, time.Now())
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-time.After(s.tick):
		}
	}
}

// Tick performs one poll cycle at the given instant: load enabled jobs,
// evaluate each schedule, and launch due jobs up to the concurrency cap.
// Jobs skipped for capacity stay eligible on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	enabled := true
	jobs, err := s.store.ListJobs(ctx, JobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("scheduler: list jobs", "error", err)
		return
	}

	s.mu.Lock()
	prev := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	for _, job := range jobs {
		due, err := s.shouldRun(ctx, job, prev, now)
		if err != nil {
			s.logger.Warn("scheduler: schedule check failed", "job", job.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.mu.Lock()
		atCap := len(s.running) >= s.maxConcurrent
		s.mu.Unlock()
		if atCap {
			s.logger.Warn("scheduler: at capacity, deferring job", "job", job.ID)
			continue
		}
		s.launch(ctx, job, now, 0)
	}
}

// shouldRun evaluates a job's schedule against the window (prev, now].
func (s *Scheduler) shouldRun(ctx context.Context, job ScheduledJob, prev, now time.Time) (bool, error) {
	switch job.Schedule.Kind {
	case ScheduleCron:
		p, err := ParseCron(job.Schedule.Expr)
		if err != nil {
			return false, err
		}
		return cronDue(p, prev, now), nil

	case ScheduleInterval:
		if job.Schedule.IntervalMs <= 0 {
			return false, E(CodeValidation, "job %s: non-positive interval", job.ID)
		}
		last, ok, err := s.lastExecution(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return now.UnixMilli()-last.ScheduledAt >= job.Schedule.IntervalMs, nil

	case ScheduleOnce:
		if now.UnixMilli() < job.Schedule.At {
			return false, nil
		}
		// A fire time that was already in the past when the job was created
		// is a misconfiguration, not a missed run. It never fires.
		if job.Schedule.At < job.CreatedAt {
			return false, nil
		}
		_, ok, err := s.lastExecution(ctx, job.ID)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, E(CodeValidation, "job %s: unknown schedule kind %q", job.ID, job.Schedule.Kind)
	}
}

// cronDue reports whether any minute in (prev, now] matches. On the first
// tick (prev zero) only the current minute is considered.
func cronDue(p *ParsedCron, prev, now time.Time) bool {
	nowMin := now.UTC().Truncate(time.Minute)
	if prev.IsZero() {
		return p.Matches(nowMin)
	}
	for t := prev.UTC().Truncate(time.Minute).Add(time.Minute); !t.After(nowMin); t = t.Add(time.Minute) {
		if p.Matches(t) {
			return true
		}
	}
	return false
}

// lastExecution returns the most recent execution row for a job, if any.
func (s *Scheduler) lastExecution(ctx context.Context, jobID string) (JobExecution, bool, error) {
	execs, err := s.store.ListExecutions(ctx, ExecutionFilter{JobID: jobID, Limit: 1})
	if err != nil {
		return JobExecution{}, false, err
	}
	if len(execs) == 0 {
		return JobExecution{}, false, nil
	}
	return execs[0], true, nil
}

// launch records a pending execution and runs it asynchronously. retryCount
// is zero for scheduled runs and increments on retry rows.
func (s *Scheduler) launch(ctx context.Context, job ScheduledJob, now time.Time, retryCount int) {
	exec := JobExecution{
		ID:          NewID(),
		JobID:       job.ID,
		Status:      ExecPending,
		ScheduledAt: now.UnixMilli(),
		RetryCount:  retryCount,
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		s.logger.Error("scheduler: insert execution", "job", job.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.running[exec.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, exec.ID)
			s.mu.Unlock()
		}()
		s.execute(ctx, job, exec)
	}()
}

// RunNow triggers an ad-hoc execution of a job, bypassing its schedule but
// honouring the concurrency cap.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	atCap := len(s.running) >= s.maxConcurrent
	s.mu.Unlock()
	if atCap {
		return "", E(CodeValidation, "scheduler at capacity")
	}
	now := time.Now()
	exec := JobExecution{
		ID:          NewID(),
		JobID:       job.ID,
		Status:      ExecPending,
		ScheduledAt: now.UnixMilli(),
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.running[exec.ID] = struct{}{}
	s.mu.Unlock()
	// The execution outlives the triggering request.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, exec.ID)
			s.mu.Unlock()
		}()
		s.execute(runCtx, job, exec)
	}()
	return exec.ID, nil
}

// execute runs one execution to a terminal status, racing the dispatch
// against the job timeout, then schedules a retry row when attempts remain.
func (s *Scheduler) execute(ctx context.Context, job ScheduledJob, exec JobExecution) {
	started := time.Now()
	exec.Status = ExecRunning
	exec.StartedAt = started.UnixMilli()
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("scheduler: update execution", "execution", exec.ID, "error", err)
	}
	if s.onStart != nil {
		s.onStart(job, exec)
	}

	timeout := s.timeout
	if job.TimeoutMs > 0 {
		timeout = time.Duration(job.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := s.dispatch(runCtx, job)
	cancel()

	completed := time.Now()
	exec.CompletedAt = completed.UnixMilli()
	exec.DurationMs = completed.Sub(started).Milliseconds()

	switch {
	case err == nil:
		exec.Status = ExecCompleted
		exec.Result = result
	case runCtx.Err() == context.DeadlineExceeded:
		exec.Status = ExecTimeout
		exec.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		exec.Status = ExecFailed
		exec.Error = err.Error()
	}
	if uerr := s.store.UpdateExecution(ctx, exec); uerr != nil {
		s.logger.Error("scheduler: update execution", "execution", exec.ID, "error", uerr)
	}

	if exec.Status == ExecCompleted {
		s.logger.Info("scheduler: job completed", "job", job.ID, "execution", exec.ID, "duration_ms", exec.DurationMs)
		if s.onComplete != nil {
			s.onComplete(job, exec)
		}
		return
	}

	s.logger.Warn("scheduler: job failed", "job", job.ID, "execution", exec.ID, "status", exec.Status, "error", exec.Error)
	if s.onFail != nil {
		s.onFail(job, exec)
	}
	s.maybeRetry(ctx, job, exec)
}

// maybeRetry schedules a new execution row after the retry delay when the
// job has attempts remaining. The failed row keeps its terminal status.
func (s *Scheduler) maybeRetry(ctx context.Context, job ScheduledJob, exec JobExecution) {
	retries := job.Retries
	if retries < 0 {
		retries = s.retries
	}
	if exec.RetryCount >= retries {
		return
	}
	delay := s.retryDelay
	if job.RetryDelayMs > 0 {
		delay = time.Duration(job.RetryDelayMs) * time.Millisecond
	}
	s.logger.Info("scheduler: retrying job", "job", job.ID, "attempt", exec.RetryCount+1, "delay", delay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.launch(ctx, job, time.Now(), exec.RetryCount+1)
	}()
}

// dispatch runs the job payload and returns a textual result.
func (s *Scheduler) dispatch(ctx context.Context, job ScheduledJob) (string, error) {
	switch job.Config.Kind {
	case JobTask:
		if s.tasks == nil {
			return "", E(CodeValidation, "job %s: no task runner configured", job.ID)
		}
		res, err := s.tasks.HandleMessage(ctx, job.Config.Message, "scheduler", Callbacks{})
		if err != nil {
			return "", err
		}
		return res.Summary, nil

	case JobWorkflow:
		if s.workflows == nil {
			return "", E(CodeValidation, "job %s: no workflow runner configured", job.ID)
		}
		we, err := s.workflows.Execute(ctx, job.Config.WorkflowID, job.Config.Input)
		if err != nil {
			return "", err
		}
		if we.Status == WorkflowFailed {
			return "", E(CodeStepFailed, "workflow %s failed: %s", job.Config.WorkflowID, we.Error)
		}
		return fmt.Sprintf("workflow execution %s %s", we.ID, we.Status), nil

	case JobWebhook:
		return s.runWebhook(ctx, job.Config)

	case JobCommand:
		return s.runCommand(ctx, job.Config)

	default:
		return "", E(CodeValidation, "job %s: unknown config kind %q", job.ID, job.Config.Kind)
	}
}

// runWebhook issues the configured HTTP request and expects a 2xx status.
func (s *Scheduler) runWebhook(ctx context.Context, cfg JobConfig) (string, error) {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return "", E(CodeValidation, "webhook request: %v", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", E(CodeStepFailed, "webhook %s: status %d", cfg.URL, resp.StatusCode)
	}
	return string(data), nil
}

// runCommand executes a shell command with optional working directory. The
// timeout is inherited from the execution context.
func (s *Scheduler) runCommand(ctx context.Context, cfg JobConfig) (string, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return "", E(CodeValidation, "command job: empty command")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command failed: %w: %s", err, truncateRunes(string(out), 2000))
	}
	return string(out), nil
}
