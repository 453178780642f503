package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

type fakeExecutor struct {
	mu        sync.Mutex
	started   []engine.StartOptions
	pending   []int64
	resumed   []int64
	lost      []int64
	resumeErr error
}

func (f *fakeExecutor) Start(_ context.Context, opts engine.StartOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts)
	return int64(1000 + len(f.started)), nil
}

func (f *fakeExecutor) StartPending(_ context.Context, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, runID)
	return nil
}

func (f *fakeExecutor) Resume(_ context.Context, runID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return 0, f.resumeErr
	}
	f.resumed = append(f.resumed, runID)
	return runID + 500, nil
}

func (f *fakeExecutor) MarkProcessLost(_ context.Context, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, runID)
	return nil
}

type fakeRunStore struct {
	runs     []domain.AgentRun
	promoted map[int64]bool // pre-claimed run ids lose the promotion
}

func (f *fakeRunStore) FindRuns(_ context.Context, filter domain.RunFilter) ([]domain.AgentRun, error) {
	var out []domain.AgentRun
	for _, r := range f.runs {
		match := false
		for _, st := range filter.Statuses {
			if r.Status == st {
				match = true
			}
		}
		if !match {
			continue
		}
		if filter.ScheduledDue != nil && (r.ScheduledStartAt == nil || r.ScheduledStartAt.After(*filter.ScheduledDue)) {
			continue
		}
		if filter.ResetDue != nil && (r.UsageLimitResetAt == nil || r.UsageLimitResetAt.After(*filter.ResetDue)) {
			continue
		}
		if filter.AutoResume != nil && r.AutoResume != *filter.AutoResume {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRunStore) PromoteScheduled(_ context.Context, id int64) (bool, error) {
	if f.promoted == nil {
		f.promoted = make(map[int64]bool)
	}
	if f.promoted[id] {
		return false, nil
	}
	f.promoted[id] = true
	return true, nil
}

type fakeProcs struct{ live map[int64]bool }

func (f *fakeProcs) Has(runID int64) bool { return f.live[runID] }

type fakeScheduleStore struct {
	schedules []domain.RunSchedule
	updated   []domain.RunSchedule
}

func (f *fakeScheduleStore) ListEnabledSchedules(_ context.Context) ([]domain.RunSchedule, error) {
	var out []domain.RunSchedule
	for _, s := range f.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeScheduleStore) UpdateSchedule(_ context.Context, s *domain.RunSchedule) error {
	f.updated = append(f.updated, *s)
	return nil
}

func newTestScheduler(exec *fakeExecutor, procs *fakeProcs, runs *fakeRunStore, schedules ScheduleStore) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if procs == nil {
		procs = &fakeProcs{}
	}
	return New(exec, procs, runs, schedules, nil, logger, Config{})
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSweep_PromotesDueScheduledRuns(t *testing.T) {
	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()
	runs := &fakeRunStore{runs: []domain.AgentRun{
		{ID: 1, Status: domain.RunScheduled, ScheduledStartAt: &past},
		{ID: 2, Status: domain.RunScheduled, ScheduledStartAt: &future},
		{ID: 3, Status: domain.RunCompleted},
	}}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, runs, nil)

	s.Sweep(context.Background())

	if len(exec.pending) != 1 || exec.pending[0] != 1 {
		t.Fatalf("expected only run 1 to start, got %v", exec.pending)
	}
}

func TestSweep_LostPromotionClaimSkipsStart(t *testing.T) {
	past := time.Now().Add(-time.Minute).UTC()
	runs := &fakeRunStore{
		runs:     []domain.AgentRun{{ID: 1, Status: domain.RunScheduled, ScheduledStartAt: &past}},
		promoted: map[int64]bool{1: true}, // another sweeper got there first
	}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, runs, nil)

	s.Sweep(context.Background())

	if len(exec.pending) != 0 {
		t.Fatalf("expected no starts after lost claim, got %v", exec.pending)
	}
}

func TestSweep_AutoResumesDuePausedRuns(t *testing.T) {
	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()
	runs := &fakeRunStore{runs: []domain.AgentRun{
		{ID: 10, Status: domain.RunPausedUsageLimit, UsageLimitResetAt: &past, AutoResume: true},
		{ID: 11, Status: domain.RunPausedUsageLimit, UsageLimitResetAt: &future, AutoResume: true},
		{ID: 12, Status: domain.RunPausedUsageLimit, UsageLimitResetAt: &past, AutoResume: false},
	}}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, runs, nil)

	s.Sweep(context.Background())

	if len(exec.resumed) != 1 || exec.resumed[0] != 10 {
		t.Fatalf("expected only run 10 to resume, got %v", exec.resumed)
	}
}

func TestSweep_ResumeErrorDoesNotStopSweep(t *testing.T) {
	past := time.Now().Add(-time.Minute).UTC()
	runs := &fakeRunStore{runs: []domain.AgentRun{
		{ID: 10, Status: domain.RunPausedUsageLimit, UsageLimitResetAt: &past, AutoResume: true},
		{ID: 20, Status: domain.RunRunning, ProcessStartedAt: timePtr(time.Now().Add(-time.Hour).UTC())},
	}}
	exec := &fakeExecutor{resumeErr: errors.New("boom")}
	s := newTestScheduler(exec, nil, runs, nil)

	s.Sweep(context.Background())

	// The reconcile step after the failing resume still ran.
	if len(exec.lost) != 1 || exec.lost[0] != 20 {
		t.Fatalf("expected run 20 marked lost despite resume error, got %v", exec.lost)
	}
}

func TestSweep_ReconcilesLostRuns(t *testing.T) {
	old := time.Now().Add(-time.Hour).UTC()
	recent := time.Now().Add(-time.Second).UTC()
	// 20 is gone and old enough; 21 is still registered; 22 started
	// inside the grace window.
	runs := &fakeRunStore{runs: []domain.AgentRun{
		{ID: 20, Status: domain.RunRunning, ProcessStartedAt: &old},
		{ID: 21, Status: domain.RunRunning, ProcessStartedAt: &old},
		{ID: 22, Status: domain.RunRunning, ProcessStartedAt: &recent},
	}}
	exec := &fakeExecutor{}
	procs := &fakeProcs{live: map[int64]bool{21: true}}
	s := newTestScheduler(exec, procs, runs, nil)

	s.Sweep(context.Background())

	if len(exec.lost) != 1 || exec.lost[0] != 20 {
		t.Fatalf("expected only run 20 marked lost, got %v", exec.lost)
	}
}

func TestSweep_FiresDueRecurringSchedule(t *testing.T) {
	agentID := uuid.New()
	due := time.Now().Add(-time.Minute).UTC()
	schedules := &fakeScheduleStore{schedules: []domain.RunSchedule{{
		ID:             uuid.New(),
		AgentID:        agentID,
		Task:           "nightly build",
		ProjectPath:    "/srv/project",
		CronExpression: "0 2 * * *",
		Enabled:        true,
		NextRunAt:      &due,
	}}}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, &fakeRunStore{}, schedules)

	s.Sweep(context.Background())

	if len(exec.started) != 1 {
		t.Fatalf("expected one run started, got %d", len(exec.started))
	}
	if exec.started[0].AgentID != agentID || exec.started[0].Task != "nightly build" {
		t.Fatalf("unexpected start options: %+v", exec.started[0])
	}
	if len(schedules.updated) != 1 {
		t.Fatalf("expected schedule update, got %d", len(schedules.updated))
	}
	upd := schedules.updated[0]
	if upd.NextRunAt == nil || !upd.NextRunAt.After(time.Now()) {
		t.Fatalf("expected next run advanced into the future, got %v", upd.NextRunAt)
	}
	if upd.LastRunID == nil {
		t.Fatal("expected last run id recorded")
	}
}

func TestSweep_SeedsScheduleWithoutFiring(t *testing.T) {
	schedules := &fakeScheduleStore{schedules: []domain.RunSchedule{{
		ID:             uuid.New(),
		CronExpression: "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      nil, // never fired
	}}}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, &fakeRunStore{}, schedules)

	s.Sweep(context.Background())

	if len(exec.started) != 0 {
		t.Fatalf("expected no runs started while seeding, got %d", len(exec.started))
	}
	if len(schedules.updated) != 1 || schedules.updated[0].NextRunAt == nil {
		t.Fatal("expected schedule seeded with a next run time")
	}
}

func TestSweep_DisablesInvalidCronExpression(t *testing.T) {
	due := time.Now().Add(-time.Minute).UTC()
	schedules := &fakeScheduleStore{schedules: []domain.RunSchedule{{
		ID:             uuid.New(),
		CronExpression: "not a cron",
		Enabled:        true,
		NextRunAt:      &due,
	}}}
	exec := &fakeExecutor{}
	s := newTestScheduler(exec, nil, &fakeRunStore{}, schedules)

	s.Sweep(context.Background())

	if len(schedules.updated) != 1 {
		t.Fatalf("expected one schedule update, got %d", len(schedules.updated))
	}
	upd := schedules.updated[0]
	if upd.Enabled {
		t.Fatal("expected schedule disabled after invalid cron expression")
	}
	if upd.LastError == "" {
		t.Fatal("expected last error recorded")
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("0 2 * * *", from)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	if _, err := ComputeNextRunFrom("bogus", from); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
