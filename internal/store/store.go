package store

import (
	"context"
	"errors"

	"github.com/joescharf/forge/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// RunListFilter specifies filters for listing agent runs.
type RunListFilter struct {
	State models.AgentState
	// Open selects runs that have not ended.
	Open  bool
	Limit int
}

// Store defines the persistence interface for forge.
type Store interface {
	// Agent runs
	CreateAgentRun(ctx context.Context, run *models.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListAgentRuns(ctx context.Context, filter RunListFilter) ([]*models.AgentRun, error)
	UpdateAgentRun(ctx context.Context, run *models.AgentRun) error
	DeleteAgentRun(ctx context.Context, id string) error
	PruneAgentRuns(ctx context.Context, keep int) (int64, error)

	// Agent logs
	AddAgentLogs(ctx context.Context, logs []models.LogEntry) error
	ListAgentLogs(ctx context.Context, runID string, limit int) ([]models.LogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
