package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/kazi/internal/engine"
	"github.com/jkaninda/kazi/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *DB

	mu         sync.Mutex
	agents     engine.AgentStore
	runs       engine.RunStore
	outputs    engine.OutputStore
	violations engine.ViolationStore
	schedules  storage.ScheduleStore
}

// NewStore wraps an open connection as a storage.Store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(_ context.Context) error {
	return AutoMigrate(s.db.GormDB())
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors (created lazily on first access) ---

func (s *Store) Agents() engine.AgentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = NewAgentRepository(s.db.GormDB())
	}
	return s.agents
}

func (s *Store) Runs() engine.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewRunRepository(s.db.GormDB())
	}
	return s.runs
}

func (s *Store) Outputs() engine.OutputStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputs == nil {
		s.outputs = NewOutputRepository(s.db.GormDB())
	}
	return s.outputs
}

func (s *Store) Violations() engine.ViolationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.violations == nil {
		s.violations = NewViolationRepository(s.db.GormDB())
	}
	return s.violations
}

func (s *Store) Schedules() storage.ScheduleStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedules == nil {
		s.schedules = NewScheduleRepository(s.db.GormDB())
	}
	return s.schedules
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
