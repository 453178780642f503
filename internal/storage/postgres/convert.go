package postgres

import (
	"github.com/jkaninda/kazi/internal/domain"
)

// --- Agent ---

func toAgentModel(a *domain.Agent) AgentModel {
	return AgentModel{
		ID:              a.ID,
		Name:            a.Name,
		Icon:            a.Icon,
		SystemPrompt:    a.SystemPrompt,
		DefaultTask:     a.DefaultTask,
		Model:           a.Model,
		SandboxEnabled:  a.SandboxEnabled,
		EnableFileRead:  a.EnableFileRead,
		EnableFileWrite: a.EnableFileWrite,
		EnableNetwork:   a.EnableNetwork,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toAgentDomain(m *AgentModel) *domain.Agent {
	return &domain.Agent{
		ID:              m.ID,
		Name:            m.Name,
		Icon:            m.Icon,
		SystemPrompt:    m.SystemPrompt,
		DefaultTask:     m.DefaultTask,
		Model:           m.Model,
		SandboxEnabled:  m.SandboxEnabled,
		EnableFileRead:  m.EnableFileRead,
		EnableFileWrite: m.EnableFileWrite,
		EnableNetwork:   m.EnableNetwork,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// --- AgentRun ---

func toRunDomain(m *AgentRunModel) *domain.AgentRun {
	return &domain.AgentRun{
		ID:                m.ID,
		AgentID:           m.AgentID,
		AgentName:         m.AgentName,
		AgentIcon:         m.AgentIcon,
		Task:              m.Task,
		Model:             m.Model,
		ProjectPath:       m.ProjectPath,
		SessionID:         m.SessionID,
		Status:            domain.RunStatus(m.Status),
		PID:               m.PID,
		ProcessStartedAt:  m.ProcessStartedAt,
		ScheduledStartAt:  m.ScheduledStartAt,
		UsageLimitResetAt: m.UsageLimitResetAt,
		AutoResume:        m.AutoResume,
		ResumeCount:       m.ResumeCount,
		ParentRunID:       m.ParentRunID,
		FailureReason:     m.FailureReason,
		Sandboxed:         m.Sandboxed,
		CreatedAt:         m.CreatedAt,
		CompletedAt:       m.CompletedAt,
	}
}

// --- Output ---

func toOutputModel(rec domain.OutputRecord) RunOutputModel {
	return RunOutputModel{
		RunID:     rec.RunID,
		Seq:       rec.Seq,
		Line:      rec.Line,
		Stream:    rec.Stream,
		CreatedAt: rec.CreatedAt,
	}
}

func toOutputDomain(m *RunOutputModel) domain.OutputRecord {
	return domain.OutputRecord{
		RunID:     m.RunID,
		Seq:       m.Seq,
		Line:      m.Line,
		Stream:    m.Stream,
		CreatedAt: m.CreatedAt,
	}
}

// --- SandboxViolation ---

func toViolationModel(v *domain.SandboxViolation) SandboxViolationModel {
	return SandboxViolationModel{
		ID:         v.ID,
		RunID:      v.RunID,
		Operation:  v.Operation,
		Resource:   v.Resource,
		Reason:     v.Reason,
		OccurredAt: v.OccurredAt,
	}
}

func toViolationDomain(m *SandboxViolationModel) domain.SandboxViolation {
	return domain.SandboxViolation{
		ID:         m.ID,
		RunID:      m.RunID,
		Operation:  m.Operation,
		Resource:   m.Resource,
		Reason:     m.Reason,
		OccurredAt: m.OccurredAt,
	}
}

// --- RunSchedule ---

func toScheduleModel(s *domain.RunSchedule) RunScheduleModel {
	return RunScheduleModel{
		ID:             s.ID,
		AgentID:        s.AgentID,
		Task:           s.Task,
		Model:          s.Model,
		ProjectPath:    s.ProjectPath,
		CronExpression: s.CronExpression,
		Enabled:        s.Enabled,
		NextRunAt:      s.NextRunAt,
		LastRunID:      s.LastRunID,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func toScheduleDomain(m *RunScheduleModel) *domain.RunSchedule {
	return &domain.RunSchedule{
		ID:             m.ID,
		AgentID:        m.AgentID,
		Task:           m.Task,
		Model:          m.Model,
		ProjectPath:    m.ProjectPath,
		CronExpression: m.CronExpression,
		Enabled:        m.Enabled,
		NextRunAt:      m.NextRunAt,
		LastRunID:      m.LastRunID,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
