package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "kazi.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func newStoredAgent(t *testing.T, s *Store) *domain.Agent {
	t.Helper()
	a := &domain.Agent{
		Name:           "builder-" + uuid.NewString()[:8],
		SystemPrompt:   "You build things.",
		DefaultTask:    "build",
		Model:          "claude-sonnet-4-5",
		SandboxEnabled: true,
		EnableFileRead: true,
	}
	if err := s.Agents().CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestAgentCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	got, err := s.Agents().GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Name != a.Name || !got.SandboxEnabled || !got.EnableFileRead || got.EnableFileWrite {
		t.Fatalf("agent round trip mismatch: %+v", got)
	}

	got.Model = "claude-opus-4-1"
	got.EnableNetwork = true
	if err := s.Agents().UpdateAgent(ctx, got); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	got2, _ := s.Agents().GetAgent(ctx, a.ID)
	if got2.Model != "claude-opus-4-1" || !got2.EnableNetwork {
		t.Fatalf("update not persisted: %+v", got2)
	}

	list, err := s.Agents().ListAgents(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 agent, got %d (err=%v)", len(list), err)
	}

	if err := s.Agents().DeleteAgent(ctx, a.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := s.Agents().GetAgent(ctx, a.ID); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	runID, err := s.Runs().CreateRun(ctx, domain.NewRun{
		AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model, Status: domain.RunPending,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.Outputs().AppendOutput(ctx, domain.OutputRecord{
		RunID: runID, Seq: 0, Line: "hello", Stream: domain.StreamStdout, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append output: %v", err)
	}
	if err := s.Violations().RecordViolation(ctx, &domain.SandboxViolation{
		RunID: runID, Operation: "file-write", Resource: "/etc/passwd", OccurredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record violation: %v", err)
	}

	if err := s.Agents().DeleteAgent(ctx, a.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}

	if _, err := s.Runs().GetRun(ctx, runID); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected run deleted, got %v", err)
	}
	records, _ := s.Outputs().ReadOutput(ctx, runID)
	if len(records) != 0 {
		t.Fatalf("expected outputs deleted, got %d", len(records))
	}
	vs, _ := s.Violations().ListViolations(ctx, runID)
	if len(vs) != 0 {
		t.Fatalf("expected violations deleted, got %d", len(vs))
	}
}

func TestRunLifecycleTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	runID, err := s.Runs().CreateRun(ctx, domain.NewRun{
		AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model,
		Status: domain.RunPending, Sandboxed: true,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	if err := s.Runs().MarkRunning(ctx, runID, 4242, started); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	run, _ := s.Runs().GetRun(ctx, runID)
	if run.Status != domain.RunRunning || run.PID == nil || *run.PID != 4242 {
		t.Fatalf("running state mismatch: %+v", run)
	}

	// Running is not Pending anymore; a second claim must fail.
	if err := s.Runs().MarkRunning(ctx, runID, 4243, started); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.Runs().SetSessionID(ctx, runID, "sess-9"); err != nil {
		t.Fatalf("set session: %v", err)
	}

	done := time.Now().UTC()
	if err := s.Runs().MarkTerminal(ctx, runID, domain.RunCompleted, "", done); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	run, _ = s.Runs().GetRun(ctx, runID)
	if run.Status != domain.RunCompleted || run.PID != nil || run.CompletedAt == nil || run.SessionID != "sess-9" {
		t.Fatalf("terminal state mismatch: %+v", run)
	}
}

func TestMarkPausedAndClearAutoResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	runID, _ := s.Runs().CreateRun(ctx, domain.NewRun{
		AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model,
		Status: domain.RunPending, AutoResume: true,
	})
	_ = s.Runs().MarkRunning(ctx, runID, 1, time.Now().UTC())

	resetAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.Runs().MarkPaused(ctx, runID, resetAt, time.Now().UTC()); err != nil {
		t.Fatalf("mark paused: %v", err)
	}
	run, _ := s.Runs().GetRun(ctx, runID)
	if run.Status != domain.RunPausedUsageLimit || run.UsageLimitResetAt == nil {
		t.Fatalf("paused state mismatch: %+v", run)
	}
	if !run.UsageLimitResetAt.UTC().Equal(resetAt) {
		t.Fatalf("expected reset %v, got %v", resetAt, run.UsageLimitResetAt.UTC())
	}

	if err := s.Runs().ClearAutoResume(ctx, runID); err != nil {
		t.Fatalf("clear auto-resume: %v", err)
	}
	run, _ = s.Runs().GetRun(ctx, runID)
	if run.AutoResume {
		t.Fatal("expected auto-resume cleared")
	}
}

func TestPromoteScheduledClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	startAt := time.Now().Add(-time.Minute).UTC()
	runID, _ := s.Runs().CreateRun(ctx, domain.NewRun{
		AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model,
		Status: domain.RunScheduled, ScheduledStartAt: &startAt,
	})

	claimed, err := s.Runs().PromoteScheduled(ctx, runID)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, got claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.Runs().PromoteScheduled(ctx, runID)
	if err != nil || claimed {
		t.Fatalf("expected second claim to lose, got claimed=%v err=%v", claimed, err)
	}
	run, _ := s.Runs().GetRun(ctx, runID)
	if run.Status != domain.RunPending {
		t.Fatalf("expected pending after promotion, got %s", run.Status)
	}
}

func TestFindRunsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()

	id1, _ := s.Runs().CreateRun(ctx, domain.NewRun{AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model, Status: domain.RunScheduled, ScheduledStartAt: &past})
	_, _ = s.Runs().CreateRun(ctx, domain.NewRun{AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model, Status: domain.RunScheduled, ScheduledStartAt: &future})
	id3, _ := s.Runs().CreateRun(ctx, domain.NewRun{AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model, Status: domain.RunPending, AutoResume: true})

	now := time.Now().UTC()
	due, err := s.Runs().FindRuns(ctx, domain.RunFilter{
		Statuses:     []domain.RunStatus{domain.RunScheduled},
		ScheduledDue: &now,
	})
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(due) != 1 || due[0].ID != id1 {
		t.Fatalf("expected only run %d due, got %+v", id1, due)
	}

	auto := true
	autos, err := s.Runs().FindRuns(ctx, domain.RunFilter{AutoResume: &auto})
	if err != nil {
		t.Fatalf("find auto-resume: %v", err)
	}
	if len(autos) != 1 || autos[0].ID != id3 {
		t.Fatalf("expected only run %d auto-resume, got %+v", id3, autos)
	}

	all, err := s.Runs().FindRuns(ctx, domain.RunFilter{
		AgentID:  &a.ID,
		Statuses: []domain.RunStatus{domain.RunScheduled, domain.RunPending},
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("find limited: %v", err)
	}
	if len(all) != 2 || all[0].ID < all[1].ID {
		t.Fatalf("expected 2 runs newest first, got %+v", all)
	}
}

func TestOutputUpsertAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	runID, _ := s.Runs().CreateRun(ctx, domain.NewRun{
		AgentID: a.ID, AgentName: a.Name, Task: "t", Model: a.Model, Status: domain.RunPending,
	})

	now := time.Now().UTC()
	for seq, line := range []string{"first", "second", "third"} {
		if err := s.Outputs().AppendOutput(ctx, domain.OutputRecord{
			RunID: runID, Seq: int64(seq), Line: line, Stream: domain.StreamStdout, CreatedAt: now,
		}); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	// Rewriting seq 1 overwrites rather than duplicating.
	if err := s.Outputs().AppendOutput(ctx, domain.OutputRecord{
		RunID: runID, Seq: 1, Line: "second-rewritten", Stream: domain.StreamStdout, CreatedAt: now,
	}); err != nil {
		t.Fatalf("rewrite seq 1: %v", err)
	}

	records, err := s.Outputs().ReadOutput(ctx, runID)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[1].Line != "second-rewritten" {
		t.Fatalf("expected rewritten line, got %q", records[1].Line)
	}
	for i, rec := range records {
		if rec.Seq != int64(i) {
			t.Fatalf("record %d out of order: seq %d", i, rec.Seq)
		}
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newStoredAgent(t, s)

	sched := &domain.RunSchedule{
		AgentID:        a.ID,
		Task:           "nightly",
		Model:          a.Model,
		ProjectPath:    "/srv/project",
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}
	if err := s.Schedules().CreateSchedule(ctx, sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	got, err := s.Schedules().GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.CronExpression != "0 2 * * *" || !got.Enabled {
		t.Fatalf("schedule round trip mismatch: %+v", got)
	}

	next := time.Now().Add(time.Hour).UTC()
	lastRun := int64(77)
	got.NextRunAt = &next
	got.LastRunID = &lastRun
	got.Enabled = false
	if err := s.Schedules().UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("update schedule: %v", err)
	}

	enabled, err := s.Schedules().ListEnabledSchedules(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("expected no enabled schedules, got %d", len(enabled))
	}
	all, _ := s.Schedules().ListSchedules(ctx)
	if len(all) != 1 || all[0].LastRunID == nil || *all[0].LastRunID != 77 {
		t.Fatalf("unexpected schedule list: %+v", all)
	}

	if err := s.Schedules().DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if _, err := s.Schedules().GetSchedule(ctx, sched.ID); err == nil {
		t.Fatal("expected error getting deleted schedule")
	}
}
