// Package engine executes agent runs: it spawns the Claude Code CLI as
// an isolated external process, enforces the run's sandbox policy,
// streams and persists its output incrementally, derives live metrics,
// and owns the run state machine end to end.
//
// All status writes for a run funnel through this package. The scheduler
// re-enters paused or future-dated work through StartPending/Resume; it
// never writes run status on its own except through the engine's
// reconciliation hook.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/claude"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

const defaultResumeBuffer = 5 * time.Minute

// ErrTooManyRuns is returned when the optional admission limit is reached.
var ErrTooManyRuns = errors.New("maximum concurrent runs reached")

// Config tunes the execution engine.
type Config struct {
	// BinaryPath is the agent CLI to execute. Default: "claude".
	BinaryPath string

	// ResumeBuffer is added to a detected usage-limit reset timestamp
	// before it becomes resume-eligible, to avoid racing the provider's
	// clock. Default: 5 minutes.
	ResumeBuffer time.Duration

	// MaxConcurrentRuns caps admissions. 0 = unlimited.
	MaxConcurrentRuns int

	// CancelGrace bounds the wait between SIGTERM and SIGKILL.
	CancelGrace time.Duration
}

func (c Config) binary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return "claude"
}

func (c Config) resumeBuffer() time.Duration {
	if c.ResumeBuffer > 0 {
		return c.ResumeBuffer
	}
	return defaultResumeBuffer
}

// StartOptions describes a run to start or schedule.
type StartOptions struct {
	AgentID     uuid.UUID
	ProjectPath string
	Task        string // Empty = agent's default task.
	Model       string // Empty = agent's configured model.
	AutoResume  bool
}

// Engine is the execution orchestrator.
type Engine struct {
	agents     AgentStore
	runs       RunStore
	outputs    OutputStore
	violations ViolationStore

	launcher *Launcher
	registry *Registry
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	cfg      Config

	liveMu sync.Mutex
	live   map[int64]*liveBuffer

	rootCtx    context.Context
	rootCancel context.CancelFunc
	executors  sync.WaitGroup
}

// New creates an Engine. The registry and stores are passed in as
// explicitly constructed singletons so tests get isolated instances.
// tracer may be nil (tracing disabled).
func New(
	agents AgentStore,
	runs RunStore,
	outputs OutputStore,
	violations ViolationStore,
	registry *Registry,
	metrics *Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		agents:     agents,
		runs:       runs,
		outputs:    outputs,
		violations: violations,
		launcher:   NewLauncher(sandbox.CompilerFor(runtime.GOOS), logger),
		registry:   registry,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
		cfg:        cfg,
		live:       make(map[int64]*liveBuffer),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Registry exposes the process registry for listing and reconciliation.
func (e *Engine) Registry() *Registry { return e.registry }

// ProbeBinary reports whether the configured agent CLI is executable.
// Used as a readiness check: a gone binary means no run can start.
func (e *Engine) ProbeBinary(ctx context.Context) error {
	return e.launcher.Probe(ctx, e.cfg.binary())
}

// Start launches a run immediately. Errors before the row exists
// (unknown agent, unusable binary, admission limit) are returned
// directly; anything after is captured into the row's terminal state.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (int64, error) {
	agent, err := e.agents.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return 0, err
	}

	if err := e.launcher.Probe(ctx, e.cfg.binary()); err != nil {
		return 0, err
	}
	if e.cfg.MaxConcurrentRuns > 0 && e.registry.Count() >= e.cfg.MaxConcurrentRuns {
		return 0, ErrTooManyRuns
	}

	n := e.newRunFor(agent, opts, domain.RunPending, nil)
	runID, err := e.runs.CreateRun(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("creating run row: %w", err)
	}

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	e.launch(run, agent, "")
	return runID, nil
}

// Schedule creates a future-dated run picked up by the scheduler sweep.
func (e *Engine) Schedule(ctx context.Context, opts StartOptions, startAt time.Time) (int64, error) {
	agent, err := e.agents.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return 0, err
	}
	startAt = startAt.UTC()
	n := e.newRunFor(agent, opts, domain.RunScheduled, &startAt)
	runID, err := e.runs.CreateRun(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("creating scheduled run row: %w", err)
	}
	e.logger.InfoContext(ctx, "run scheduled",
		slog.Int64("run_id", runID),
		slog.Time("start_at", startAt),
	)
	return runID, nil
}

// StartPending executes an already-Pending run row. Used by the
// scheduler after promoting a Scheduled row, and for recurring
// schedule firings. Failures after this point land in the row.
func (e *Engine) StartPending(ctx context.Context, runID int64) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunPending {
		return fmt.Errorf("%w: run %d is %s, not pending", domain.ErrInvalidTransition, runID, run.Status)
	}

	agent, err := e.agents.GetAgent(ctx, run.AgentID)
	if err != nil {
		// The row exists; capture the failure there.
		e.failRun(runID, fmt.Sprintf("agent no longer exists: %v", err))
		return nil
	}
	if err := e.launcher.Probe(ctx, e.cfg.binary()); err != nil {
		e.failRun(runID, err.Error())
		return nil
	}

	// Resume chains reuse the parent's provider session when known.
	session := ""
	if run.ParentRunID != nil {
		if parent, perr := e.runs.GetRun(ctx, *run.ParentRunID); perr == nil {
			session = parent.SessionID
		}
	}

	e.launch(run, agent, session)
	return nil
}

// Resume creates a new run continuing a usage-limit-paused one. The
// paused row is untouched: it stays PausedUsageLimit as the historical
// record, and the child points back via parent_run_id.
func (e *Engine) Resume(ctx context.Context, runID int64) (int64, error) {
	parent, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if parent.Status != domain.RunPausedUsageLimit {
		return 0, fmt.Errorf("%w: cannot resume run %d in status %s", domain.ErrInvalidTransition, runID, parent.Status)
	}

	agent, err := e.agents.GetAgent(ctx, parent.AgentID)
	if err != nil {
		return 0, err
	}
	if err := e.launcher.Probe(ctx, e.cfg.binary()); err != nil {
		return 0, err
	}
	if e.cfg.MaxConcurrentRuns > 0 && e.registry.Count() >= e.cfg.MaxConcurrentRuns {
		return 0, ErrTooManyRuns
	}

	childID, err := e.runs.CreateRun(ctx, domain.NewRun{
		AgentID:     parent.AgentID,
		AgentName:   parent.AgentName,
		AgentIcon:   parent.AgentIcon,
		Task:        parent.Task,
		Model:       parent.Model,
		ProjectPath: parent.ProjectPath,
		Status:      domain.RunPending,
		AutoResume:  parent.AutoResume,
		ResumeCount: parent.ResumeCount + 1,
		ParentRunID: &parent.ID,
		Sandboxed:   parent.Sandboxed,
	})
	if err != nil {
		return 0, fmt.Errorf("creating resume run row: %w", err)
	}

	// The child carries the flag now; the parent must never be
	// auto-resumed a second time.
	if err := e.runs.ClearAutoResume(ctx, parent.ID); err != nil {
		e.logger.Warn("clearing auto-resume flag failed",
			slog.Int64("run_id", parent.ID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "resuming paused run",
		slog.Int64("parent_run_id", parent.ID),
		slog.Int64("run_id", childID),
		slog.Int("resume_count", parent.ResumeCount+1),
	)

	child, err := e.runs.GetRun(ctx, childID)
	if err != nil {
		return 0, err
	}
	e.launch(child, agent, parent.SessionID)
	return childID, nil
}

// Cancel stops a run. Terminal runs are a no-op, not an error.
// Cancellation is cooperative at the process boundary: signal, bounded
// wait, force-kill; the executor records the Cancelled status once the
// process is confirmed dead.
func (e *Engine) Cancel(ctx context.Context, runID int64) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled, domain.RunPausedUsageLimit:
		return nil
	case domain.RunScheduled, domain.RunPending:
		// No process yet; the row transition is the whole cancellation.
		return e.runs.MarkTerminal(ctx, runID, domain.RunCancelled, "cancelled before start", time.Now().UTC())
	case domain.RunRunning:
		e.registry.Cancel(ctx, runID)
		return nil
	}
	return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, run.Status)
}

// ListActive returns in-flight runs from the registry, no DB round trip.
func (e *Engine) ListActive() []RegistryEntry {
	return e.registry.ListActive()
}

// GetRunWithMetrics returns a run and its metrics recomputed from the
// persisted output records (the source of truth).
func (e *Engine) GetRunWithMetrics(ctx context.Context, runID int64) (*domain.AgentRun, claude.RunMetrics, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, claude.RunMetrics{}, err
	}
	records, err := e.outputs.ReadOutput(ctx, runID)
	if err != nil {
		return nil, claude.RunMetrics{}, fmt.Errorf("reading output for run %d: %w", runID, err)
	}
	return run, claude.ComputeMetrics(records, run.Model), nil
}

// GetLiveOutput returns the run's buffered output text. Falls back to
// the persisted records when the run is no longer in flight.
func (e *Engine) GetLiveOutput(ctx context.Context, runID int64) (string, error) {
	e.liveMu.Lock()
	buf, ok := e.live[runID]
	e.liveMu.Unlock()
	if ok {
		return buf.text(), nil
	}

	records, err := e.outputs.ReadOutput(ctx, runID)
	if err != nil {
		return "", err
	}
	var sb []byte
	for _, rec := range records {
		if rec.Stream != domain.StreamStdout {
			continue
		}
		sb = append(sb, rec.Line...)
		sb = append(sb, '\n')
	}
	return string(sb), nil
}

// Subscribe follows a run's output: buffered records replayed first,
// then new ones in order. ok=false means the run is not in flight.
func (e *Engine) Subscribe(runID int64) (<-chan domain.OutputRecord, func(), bool) {
	e.liveMu.Lock()
	buf, ok := e.live[runID]
	e.liveMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ch, cancel := buf.subscribe()
	return ch, cancel, true
}

// MarkProcessLost transitions a Running row whose process is gone to
// Failed. Called by the scheduler's reconciliation sweep after restarts.
func (e *Engine) MarkProcessLost(ctx context.Context, runID int64) error {
	return e.runs.MarkTerminal(ctx, runID, domain.RunFailed,
		"process lost (application restarted while run was active)", time.Now().UTC())
}

// Shutdown stops accepting work and waits for executors up to ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	e.rootCancel()
	done := make(chan struct{})
	go func() {
		e.executors.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown timed out with executors still running")
	}
}

// --- internals ---

func (e *Engine) newRunFor(agent *domain.Agent, opts StartOptions, status domain.RunStatus, startAt *time.Time) domain.NewRun {
	task := opts.Task
	if task == "" {
		task = agent.DefaultTask
	}
	model := opts.Model
	if model == "" {
		model = agent.Model
	}
	return domain.NewRun{
		AgentID:          agent.ID,
		AgentName:        agent.Name,
		AgentIcon:        agent.Icon,
		Task:             task,
		Model:            model,
		ProjectPath:      opts.ProjectPath,
		Status:           status,
		ScheduledStartAt: startAt,
		AutoResume:       opts.AutoResume,
		Sandboxed:        agent.SandboxEnabled,
	}
}

// launch spawns the executor goroutine for a Pending run.
func (e *Engine) launch(run *domain.AgentRun, agent *domain.Agent, resumeSession string) {
	e.executors.Add(1)
	go func() {
		defer e.executors.Done()
		e.execute(run, agent, resumeSession)
	}()
}

// execute owns one run from spawn to terminal state. Every failure past
// this point is captured into the row, not thrown: callers may be
// polling, not awaiting.
func (e *Engine) execute(run *domain.AgentRun, agent *domain.Agent, resumeSession string) {
	ctx := e.rootCtx
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.execute",
			trace.WithAttributes(
				attribute.Int64("run.id", run.ID),
				attribute.String("agent.name", run.AgentName),
			),
		)
		defer span.End()
	}

	policy := sandbox.BuildPolicy(sandbox.Permissions{
		SandboxEnabled:  agent.SandboxEnabled,
		EnableFileRead:  agent.EnableFileRead,
		EnableFileWrite: agent.EnableFileWrite,
		EnableNetwork:   agent.EnableNetwork,
	}, run.ProjectPath)
	if policy == nil {
		e.logger.Warn("run executing WITHOUT sandbox",
			slog.Int64("run_id", run.ID),
			slog.String("agent", run.AgentName),
		)
	}

	args := buildArgs(run, agent, resumeSession)
	handle, err := e.launcher.Launch(policy, e.cfg.binary(), args, run.ProjectPath, os.Environ())
	if err != nil {
		e.failRun(run.ID, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	now := time.Now().UTC()
	if err := e.runs.MarkRunning(ctx, run.ID, handle.PID, now); err != nil {
		// The row could not record the transition; don't leave an
		// orphan process behind.
		e.logger.Error("marking run running failed, killing process",
			slog.Int64("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		_ = handle.Kill()
		_, _ = handle.Wait()
		e.failRun(run.ID, fmt.Sprintf("recording running state failed: %v", err))
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	e.registry.Register(&RegistryEntry{
		RunID:       run.ID,
		PID:         handle.PID,
		AgentName:   run.AgentName,
		Task:        run.Task,
		ProjectPath: run.ProjectPath,
		StartedAt:   now,
		handle:      handle,
		cancel:      cancelRun,
	})

	buf := newLiveBuffer()
	e.liveMu.Lock()
	e.live[run.ID] = buf
	e.liveMu.Unlock()

	if e.metrics != nil {
		e.metrics.RunsStarted.WithLabelValues(boolLabel(policy != nil)).Inc()
		e.metrics.ActiveRuns.Inc()
	}

	sp := newStreamProcessor(run.ID, e.outputs, e.violations, buf, e.metrics, e.logger)
	res := sp.process(runCtx, handle, func(sid string) {
		if err := e.runs.SetSessionID(context.Background(), run.ID, sid); err != nil {
			e.logger.Warn("persisting session id failed",
				slog.Int64("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	cancelled := runCtx.Err() != nil && res.UsageLimitReset == nil
	final := e.finalize(run.ID, res, cancelled)

	e.registry.Unregister(run.ID)
	buf.close()
	e.liveMu.Lock()
	delete(e.live, run.ID)
	e.liveMu.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveRuns.Dec()
		e.metrics.RunsFinished.WithLabelValues(string(final)).Inc()
		e.metrics.RunDuration.Observe(time.Since(now).Seconds())
		e.metrics.TokensStreamed.Add(float64(res.Usage.Total()))
	}

	e.logger.Info("run finished",
		slog.Int64("run_id", run.ID),
		slog.String("status", string(final)),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("tokens", res.Usage.Total()),
	)
}

// finalize decides and records the terminal state.
// Precedence: usage limit > cancellation > crash > exit code.
// A usage-limit marker wins even over a non-zero exit: the run is
// PausedUsageLimit, never Failed.
func (e *Engine) finalize(runID int64, res *StreamResult, cancelled bool) domain.RunStatus {
	ctx := context.Background()
	now := time.Now().UTC()

	switch {
	case res.UsageLimitReset != nil:
		resetAt := res.UsageLimitReset.Add(e.cfg.resumeBuffer())
		if err := e.runs.MarkPaused(ctx, runID, resetAt, now); err != nil {
			e.logger.Error("marking run paused failed",
				slog.Int64("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
		return domain.RunPausedUsageLimit

	case cancelled:
		e.markTerminal(runID, domain.RunCancelled, "cancelled by user", now)
		return domain.RunCancelled

	case res.WaitErr != nil:
		e.markTerminal(runID, domain.RunFailed, fmt.Sprintf("process crashed: %v", res.WaitErr), now)
		return domain.RunFailed

	case res.ExitCode == 0:
		e.markTerminal(runID, domain.RunCompleted, "", now)
		return domain.RunCompleted

	default:
		e.markTerminal(runID, domain.RunFailed, fmt.Sprintf("process exited with code %d", res.ExitCode), now)
		return domain.RunFailed
	}
}

func (e *Engine) markTerminal(runID int64, status domain.RunStatus, reason string, at time.Time) {
	if err := e.runs.MarkTerminal(context.Background(), runID, status, reason, at); err != nil {
		e.logger.Error("recording terminal state failed",
			slog.Int64("run_id", runID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) failRun(runID int64, reason string) {
	e.markTerminal(runID, domain.RunFailed, reason, time.Now().UTC())
	if e.metrics != nil {
		e.metrics.RunsFinished.WithLabelValues(string(domain.RunFailed)).Inc()
	}
}

// buildArgs assembles the CLI invocation for a run.
func buildArgs(run *domain.AgentRun, agent *domain.Agent, resumeSession string) []string {
	var args []string
	if resumeSession != "" {
		args = append(args, "--resume", resumeSession)
	}
	args = append(args,
		"-p", run.Task,
		"--system-prompt", agent.SystemPrompt,
		"--model", run.Model,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	)
	return args
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
