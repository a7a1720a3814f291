package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Agent runs ---

func TestAgentRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.AgentRun{UserRequest: "create a button component"}
	require.NoError(t, s.CreateAgentRun(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.StartedAt.IsZero())
	assert.Equal(t, models.AgentIdle, run.State)

	got, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "create a button component", got.UserRequest)
	assert.Nil(t, got.EndedAt)

	ended := time.Now().UTC()
	got.State = models.AgentCompleted
	got.PlanSummary = "Create Button"
	got.StepsTotal = 1
	got.StepsCompleted = 1
	got.RetryCount = 1
	got.EndedAt = &ended
	require.NoError(t, s.UpdateAgentRun(ctx, got))

	updated, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentCompleted, updated.State)
	assert.Equal(t, "Create Button", updated.PlanSummary)
	assert.Equal(t, 1, updated.StepsCompleted)
	assert.Equal(t, 1, updated.RetryCount)
	require.NotNil(t, updated.EndedAt)
	assert.WithinDuration(t, ended, *updated.EndedAt, time.Second)

	require.NoError(t, s.DeleteAgentRun(ctx, run.ID))
	_, err = s.GetAgentRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAgentRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateAgentRun(ctx, &models.AgentRun{ID: "nope"}), ErrNotFound)
	assert.ErrorIs(t, s.DeleteAgentRun(ctx, "nope"), ErrNotFound)
}

func seedRuns(t *testing.T, s *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ended := base.Add(time.Hour)
	runs := []*models.AgentRun{
		{ID: "r1", UserRequest: "one", State: models.AgentCompleted, StartedAt: base, EndedAt: &ended},
		{ID: "r2", UserRequest: "two", State: models.AgentFailed, StartedAt: base.Add(time.Minute), EndedAt: &ended},
		{ID: "r3", UserRequest: "three", State: models.AgentExecuting, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		require.NoError(t, s.CreateAgentRun(ctx, r))
	}
}

func TestListAgentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRuns(t, s)

	ids := func(runs []*models.AgentRun) []string {
		out := make([]string, len(runs))
		for i, r := range runs {
			out[i] = r.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter RunListFilter
		want   []string
	}{
		{name: "all newest first", want: []string{"r3", "r2", "r1"}},
		{name: "limit", filter: RunListFilter{Limit: 2}, want: []string{"r3", "r2"}},
		{name: "by state", filter: RunListFilter{State: models.AgentFailed}, want: []string{"r2"}},
		{name: "open only", filter: RunListFilter{Open: true}, want: []string{"r3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListAgentRuns(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(runs))
		})
	}
}

func TestPruneAgentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRuns(t, s)
	require.NoError(t, s.AddAgentLogs(ctx, []models.LogEntry{{RunID: "r1", Level: models.LogInfo, Message: "old"}}))

	n, err := s.PruneAgentRuns(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.ListAgentRuns(ctx, RunListFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	logs, err := s.ListAgentLogs(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs, "logs are removed with their run")
}

// --- Agent logs ---

func TestAgentLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRuns(t, s)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := []models.LogEntry{
		{ID: "l1", RunID: "r1", Level: models.LogInfo, Message: "Starting agent loop...", Timestamp: base},
		{ID: "l2", RunID: "r1", Level: models.LogStep, Message: "Analyzing request...", Timestamp: base.Add(time.Second)},
		{ID: "l3", RunID: "r1", Level: models.LogSuccess, Message: "Agent loop completed successfully", Timestamp: base.Add(2 * time.Second)},
		{ID: "l4", RunID: "r2", Level: models.LogError, Message: "boom", Timestamp: base},
	}
	require.NoError(t, s.AddAgentLogs(ctx, logs))
	require.NoError(t, s.AddAgentLogs(ctx, logs[:1]), "re-adding stored entries is a no-op")

	got, err := s.ListAgentLogs(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Starting agent loop...", got[0].Message)
	assert.Equal(t, models.LogSuccess, got[2].Level)
	assert.True(t, got[0].Timestamp.Equal(base))

	tail, err := s.ListAgentLogs(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "l2", tail[0].ID)
	assert.Equal(t, "l3", tail[1].ID)

	require.NoError(t, s.AddAgentLogs(ctx, nil))
}

func TestAgentLogs_RequireRun(t *testing.T) {
	s := newTestStore(t)
	err := s.AddAgentLogs(context.Background(), []models.LogEntry{{RunID: "missing", Level: models.LogInfo, Message: "x"}})
	assert.Error(t, err)
}
