// Package scheduler runs the background sweep that drives time-based run
// transitions: promoting due scheduled runs, auto-resuming usage-limited
// runs after their reset time, firing recurring schedules, and failing
// runs whose process disappeared across a restart.
//
// The sweep is the only component that re-enters paused or future-dated
// work; all resulting state changes still go through the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

const (
	defaultPollInterval = 30 * time.Second
	// defaultReconcileGrace keeps the reconciler away from runs that
	// transitioned to Running moments ago: the row is written before the
	// process registers, and the sweep must not race that window.
	defaultReconcileGrace = time.Minute
)

// Executor is the engine surface the scheduler drives.
type Executor interface {
	Start(ctx context.Context, opts engine.StartOptions) (int64, error)
	StartPending(ctx context.Context, runID int64) error
	Resume(ctx context.Context, runID int64) (int64, error)
	MarkProcessLost(ctx context.Context, runID int64) error
}

// ProcessTable answers whether a run's process is registered in this
// process lifetime.
type ProcessTable interface {
	Has(runID int64) bool
}

// RunStore is the run persistence surface the sweep queries.
type RunStore interface {
	FindRuns(ctx context.Context, f domain.RunFilter) ([]domain.AgentRun, error)
	PromoteScheduled(ctx context.Context, id int64) (bool, error)
}

// ScheduleStore is the persistence interface for recurring schedules.
type ScheduleStore interface {
	ListEnabledSchedules(ctx context.Context) ([]domain.RunSchedule, error)
	UpdateSchedule(ctx context.Context, s *domain.RunSchedule) error
}

// Config tunes the sweep loop.
type Config struct {
	PollInterval   time.Duration
	ReconcileGrace time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

func (c Config) reconcileGrace() time.Duration {
	if c.ReconcileGrace > 0 {
		return c.ReconcileGrace
	}
	return defaultReconcileGrace
}

// Scheduler is the background sweeper. Safe for a single instance per
// process; overlapping ticks are skipped, not queued.
type Scheduler struct {
	executor  Executor
	procs     ProcessTable
	runs      RunStore
	schedules ScheduleStore // Optional; nil disables recurring schedules.
	metrics   *Metrics
	logger    *slog.Logger
	cfg       Config

	parser   cron.Parser
	inFlight atomic.Bool
}

// New creates a Scheduler. schedules may be nil when recurring schedules
// are not configured.
func New(
	executor Executor,
	procs ProcessTable,
	runs RunStore,
	schedules ScheduleStore,
	metrics *Metrics,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		executor:  executor,
		procs:     procs,
		runs:      runs,
		schedules: schedules,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the sweep loop. Returns a cancel function. The first
// sweep runs immediately so restarts reconcile orphaned rows without
// waiting a full poll interval.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "run scheduler started",
			slog.String("poll_interval", s.cfg.pollInterval().String()),
		)

		s.Sweep(ctx)

		ticker := time.NewTicker(s.cfg.pollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("run scheduler stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one full pass. Exported so the API can trigger an
// out-of-band sweep after creating near-term scheduled work.
func (s *Scheduler) Sweep(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("sweep still in flight, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	now := start.UTC()

	s.promoteDueRuns(ctx, now)
	s.resumeDueRuns(ctx, now)
	s.fireRecurringSchedules(ctx, now)
	s.reconcileLostRuns(ctx, now)

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// promoteDueRuns starts scheduled runs whose start time has arrived.
// PromoteScheduled is a conditional claim, so a concurrent cancel (or a
// second sweeper) loses cleanly.
func (s *Scheduler) promoteDueRuns(ctx context.Context, now time.Time) {
	due, err := s.runs.FindRuns(ctx, domain.RunFilter{
		Statuses:     []domain.RunStatus{domain.RunScheduled},
		ScheduledDue: &now,
	})
	if err != nil {
		s.sweepError(ctx, "listing due scheduled runs", err)
		return
	}

	for i := range due {
		run := &due[i]
		claimed, err := s.runs.PromoteScheduled(ctx, run.ID)
		if err != nil {
			s.sweepError(ctx, "promoting scheduled run", err)
			continue
		}
		if !claimed {
			continue
		}

		s.logger.InfoContext(ctx, "starting scheduled run",
			slog.Int64("run_id", run.ID),
			slog.String("agent", run.AgentName),
		)
		if err := s.executor.StartPending(ctx, run.ID); err != nil {
			s.sweepError(ctx, "starting promoted run", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RunsPromoted.Inc()
		}
	}
}

// resumeDueRuns creates resume runs for auto-resume runs whose buffered
// usage-limit reset time has passed. Resume clears the flag, so each
// paused run is auto-resumed at most once.
func (s *Scheduler) resumeDueRuns(ctx context.Context, now time.Time) {
	auto := true
	due, err := s.runs.FindRuns(ctx, domain.RunFilter{
		Statuses:   []domain.RunStatus{domain.RunPausedUsageLimit},
		ResetDue:   &now,
		AutoResume: &auto,
	})
	if err != nil {
		s.sweepError(ctx, "listing resume-due runs", err)
		return
	}

	for i := range due {
		run := &due[i]
		childID, err := s.executor.Resume(ctx, run.ID)
		if err != nil {
			s.sweepError(ctx, fmt.Sprintf("auto-resuming run %d", run.ID), err)
			continue
		}
		s.logger.InfoContext(ctx, "auto-resumed usage-limited run",
			slog.Int64("run_id", run.ID),
			slog.Int64("resume_run_id", childID),
		)
		if s.metrics != nil {
			s.metrics.RunsResumed.Inc()
		}
	}
}

// fireRecurringSchedules starts a run for each enabled schedule whose
// next-run time has arrived, then advances it to the next cron slot.
func (s *Scheduler) fireRecurringSchedules(ctx context.Context, now time.Time) {
	if s.schedules == nil {
		return
	}
	list, err := s.schedules.ListEnabledSchedules(ctx)
	if err != nil {
		s.sweepError(ctx, "listing schedules", err)
		return
	}

	for i := range list {
		sched := &list[i]
		if sched.NextRunAt == nil {
			// Never fired; seed the slot without firing.
			s.advanceSchedule(ctx, sched, nil, "")
			continue
		}
		if sched.NextRunAt.After(now) {
			continue
		}
		s.fireSchedule(ctx, sched)
	}
}

func (s *Scheduler) fireSchedule(ctx context.Context, sched *domain.RunSchedule) {
	s.logger.InfoContext(ctx, "firing recurring schedule",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("cron", sched.CronExpression),
	)

	runID, err := s.executor.Start(ctx, engine.StartOptions{
		AgentID:     sched.AgentID,
		ProjectPath: sched.ProjectPath,
		Task:        sched.Task,
		Model:       sched.Model,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ScheduleFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "recurring schedule failed to start run",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		s.advanceSchedule(ctx, sched, nil, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.SchedulesFired.Inc()
	}
	s.advanceSchedule(ctx, sched, &runID, "")
}

// advanceSchedule records the firing result and moves NextRunAt to the
// next cron slot. A bad expression disables the schedule instead of
// refiring it every sweep.
func (s *Scheduler) advanceSchedule(ctx context.Context, sched *domain.RunSchedule, runID *int64, errMsg string) {
	spec, err := s.parser.Parse(sched.CronExpression)
	if err != nil {
		sched.Enabled = false
		sched.LastError = fmt.Sprintf("invalid cron expression %q: %v", sched.CronExpression, err)
		s.logger.ErrorContext(ctx, "disabling schedule with invalid cron expression",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("cron", sched.CronExpression),
		)
	} else {
		next := spec.Next(time.Now().UTC())
		sched.NextRunAt = &next
		sched.LastError = errMsg
	}
	if runID != nil {
		sched.LastRunID = runID
	}
	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		s.sweepError(ctx, "updating schedule", err)
	}
}

// reconcileLostRuns fails Running rows with no registered process: the
// application restarted while the run was active and the child is gone.
// Rows that just started are skipped to avoid racing registration.
func (s *Scheduler) reconcileLostRuns(ctx context.Context, now time.Time) {
	running, err := s.runs.FindRuns(ctx, domain.RunFilter{
		Statuses: []domain.RunStatus{domain.RunRunning},
	})
	if err != nil {
		s.sweepError(ctx, "listing running runs", err)
		return
	}

	grace := s.cfg.reconcileGrace()
	for i := range running {
		run := &running[i]
		if s.procs.Has(run.ID) {
			continue
		}
		if run.ProcessStartedAt != nil && now.Sub(*run.ProcessStartedAt) < grace {
			continue
		}

		s.logger.WarnContext(ctx, "running run has no live process, marking failed",
			slog.Int64("run_id", run.ID),
			slog.String("agent", run.AgentName),
		)
		if err := s.executor.MarkProcessLost(ctx, run.ID); err != nil {
			s.sweepError(ctx, "marking run process lost", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RunsLost.Inc()
		}
	}
}

func (s *Scheduler) sweepError(ctx context.Context, what string, err error) {
	if s.metrics != nil {
		s.metrics.SweepErrors.Inc()
	}
	s.logger.ErrorContext(ctx, "sweep step failed",
		slog.String("step", what),
		slog.String("error", err.Error()),
	)
}

// ComputeNextRunFrom computes the first firing of a cron expression
// after a reference time. Used by the HTTP API when creating schedules.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return spec.Next(from), nil
}
