package postgres

import (
	"time"

	"github.com/google/uuid"
)

// AgentModel maps to the "agents" table.
type AgentModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null;uniqueIndex"`
	Icon         string
	SystemPrompt string `gorm:"type:text"`
	DefaultTask  string `gorm:"type:text"`
	Model        string `gorm:"not null"`

	SandboxEnabled  bool `gorm:"not null;default:true"`
	EnableFileRead  bool `gorm:"not null;default:true"`
	EnableFileWrite bool `gorm:"not null;default:false"`
	EnableNetwork   bool `gorm:"not null;default:false"`

	Runs []AgentRunModel `gorm:"foreignKey:AgentID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AgentModel) TableName() string { return "agents" }

// AgentRunModel maps to the "agent_runs" table.
// Agent name/icon/model are denormalized so run history survives agent edits.
type AgentRunModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	AgentID     uuid.UUID `gorm:"type:uuid;not null;index"`
	AgentName   string    `gorm:"not null"`
	AgentIcon   string
	Task        string `gorm:"type:text;not null"`
	Model       string `gorm:"not null"`
	ProjectPath string `gorm:"not null"`
	SessionID   string `gorm:"index"`
	Status      string `gorm:"not null;index"`

	PID              *int `gorm:"column:pid"`
	ProcessStartedAt *time.Time

	ScheduledStartAt  *time.Time `gorm:"index"`
	UsageLimitResetAt *time.Time `gorm:"index"`
	AutoResume        bool       `gorm:"not null;default:false"`
	ResumeCount       int        `gorm:"not null;default:0"`
	ParentRunID       *int64     `gorm:"index"`

	FailureReason string `gorm:"type:text"`
	Sandboxed     bool   `gorm:"not null;default:false"`

	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (AgentRunModel) TableName() string { return "agent_runs" }

// RunOutputModel maps to the "run_outputs" table.
// Composite primary key (run_id, seq) makes appends idempotent: a
// rewritten sequence number upserts instead of duplicating.
type RunOutputModel struct {
	RunID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Seq       int64  `gorm:"primaryKey;autoIncrement:false"`
	Line      string `gorm:"type:text;not null"`
	Stream    string `gorm:"not null"`
	CreatedAt time.Time
}

func (RunOutputModel) TableName() string { return "run_outputs" }

// SandboxViolationModel maps to the "sandbox_violations" table.
// Append-only — violations are an audit record, never mutated.
type SandboxViolationModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	RunID      int64  `gorm:"not null;index"`
	Operation  string `gorm:"not null"`
	Resource   string `gorm:"type:text"`
	Reason     string
	OccurredAt time.Time
}

func (SandboxViolationModel) TableName() string { return "sandbox_violations" }

// RunScheduleModel maps to the "run_schedules" table.
type RunScheduleModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Task           string    `gorm:"type:text"`
	Model          string
	ProjectPath    string
	CronExpression string     `gorm:"not null"`
	Enabled        bool       `gorm:"not null;default:true;index"`
	NextRunAt      *time.Time `gorm:"index"`
	LastRunID      *int64
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RunScheduleModel) TableName() string { return "run_schedules" }
