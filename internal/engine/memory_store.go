package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// InMemoryStore implements all engine store interfaces using in-memory
// maps. Used when no database is configured, and by tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	agents     map[uuid.UUID]*domain.Agent
	runs       map[int64]*domain.AgentRun
	outputs    map[int64][]domain.OutputRecord // keyed by run id, seq-ordered on read
	violations map[int64][]domain.SandboxViolation
	nextRunID  int64
	nextVioID  int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents:     make(map[uuid.UUID]*domain.Agent),
		runs:       make(map[int64]*domain.AgentRun),
		outputs:    make(map[int64][]domain.OutputRecord),
		violations: make(map[int64][]domain.SandboxViolation),
	}
}

// --- AgentStore ---

func (s *InMemoryStore) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already exists", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, id uuid.UUID) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *InMemoryStore) ListAgents(_ context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.Agent
	for _, a := range s.agents {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) UpdateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; !exists {
		return domain.ErrAgentNotFound
	}
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	s.agents[a.ID] = &cp
	return nil
}

func (s *InMemoryStore) DeleteAgent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return domain.ErrAgentNotFound
	}
	delete(s.agents, id)
	// Cascade, mirroring the foreign-key behavior of the SQL backends.
	for runID, r := range s.runs {
		if r.AgentID == id {
			delete(s.runs, runID)
			delete(s.outputs, runID)
			delete(s.violations, runID)
		}
	}
	return nil
}

// --- RunStore ---

func (s *InMemoryStore) CreateRun(_ context.Context, n domain.NewRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	run := &domain.AgentRun{
		ID:               s.nextRunID,
		AgentID:          n.AgentID,
		AgentName:        n.AgentName,
		AgentIcon:        n.AgentIcon,
		Task:             n.Task,
		Model:            n.Model,
		ProjectPath:      n.ProjectPath,
		Status:           n.Status,
		ScheduledStartAt: n.ScheduledStartAt,
		AutoResume:       n.AutoResume,
		ResumeCount:      n.ResumeCount,
		ParentRunID:      n.ParentRunID,
		Sandboxed:        n.Sandboxed,
		CreatedAt:        time.Now().UTC(),
	}
	s.runs[run.ID] = run
	return run.ID, nil
}

func (s *InMemoryStore) GetRun(_ context.Context, id int64) (*domain.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) FindRuns(_ context.Context, f domain.RunFilter) ([]domain.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []domain.AgentRun
	for _, r := range s.runs {
		if !runMatches(r, f) {
			continue
		}
		result = append(result, *r)
	}
	// Newest first, matching the SQL backends' ORDER BY id DESC.
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func runMatches(r *domain.AgentRun, f domain.RunFilter) bool {
	if f.AgentID != nil && r.AgentID != *f.AgentID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if r.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ScheduledDue != nil {
		if r.ScheduledStartAt == nil || r.ScheduledStartAt.After(*f.ScheduledDue) {
			return false
		}
	}
	if f.ResetDue != nil {
		if r.UsageLimitResetAt == nil || r.UsageLimitResetAt.After(*f.ResetDue) {
			return false
		}
	}
	if f.AutoResume != nil && r.AutoResume != *f.AutoResume {
		return false
	}
	return true
}

func (s *InMemoryStore) MarkRunning(_ context.Context, id int64, pid int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if err := domain.ValidateTransition(r.Status, domain.RunRunning); err != nil {
		return err
	}
	r.Status = domain.RunRunning
	r.PID = &pid
	r.ProcessStartedAt = &startedAt
	return nil
}

func (s *InMemoryStore) MarkTerminal(_ context.Context, id int64, status domain.RunStatus, reason string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	r.Status = status
	r.PID = nil
	r.FailureReason = reason
	r.CompletedAt = &completedAt
	return nil
}

func (s *InMemoryStore) MarkPaused(_ context.Context, id int64, resetAt time.Time, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	r.Status = domain.RunPausedUsageLimit
	r.PID = nil
	r.UsageLimitResetAt = &resetAt
	r.CompletedAt = &completedAt
	return nil
}

func (s *InMemoryStore) PromoteScheduled(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, domain.ErrRunNotFound
	}
	if r.Status != domain.RunScheduled {
		return false, nil
	}
	r.Status = domain.RunPending
	return true, nil
}

func (s *InMemoryStore) SetSessionID(_ context.Context, id int64, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	r.SessionID = sessionID
	return nil
}

func (s *InMemoryStore) ClearAutoResume(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	r.AutoResume = false
	return nil
}

// --- OutputStore ---

func (s *InMemoryStore) AppendOutput(_ context.Context, rec domain.OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.outputs[rec.RunID]
	// Upsert on (run_id, seq).
	for i := range records {
		if records[i].Seq == rec.Seq {
			records[i] = rec
			return nil
		}
	}
	s.outputs[rec.RunID] = append(records, rec)
	return nil
}

func (s *InMemoryStore) ReadOutput(_ context.Context, runID int64) ([]domain.OutputRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.outputs[runID]
	result := make([]domain.OutputRecord, len(records))
	copy(result, records)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// --- ViolationStore ---

func (s *InMemoryStore) RecordViolation(_ context.Context, v *domain.SandboxViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVioID++
	v.ID = s.nextVioID
	s.violations[v.RunID] = append(s.violations[v.RunID], *v)
	return nil
}

func (s *InMemoryStore) ListViolations(_ context.Context, runID int64) ([]domain.SandboxViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.violations[runID]
	result := make([]domain.SandboxViolation, len(vs))
	copy(result, vs)
	return result, nil
}

// Compile-time checks.
var _ AgentStore = (*InMemoryStore)(nil)
var _ RunStore = (*InMemoryStore)(nil)
var _ OutputStore = (*InMemoryStore)(nil)
var _ ViolationStore = (*InMemoryStore)(nil)
