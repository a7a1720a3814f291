package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forge/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; the API and the agent runner both
	// write history concurrently.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Agent runs ---

const runColumns = `id, user_request, state, plan_summary, steps_total, steps_completed, retry_count, error, started_at, ended_at`

func (s *SQLiteStore) CreateAgentRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.State == "" {
		run.State = models.AgentIdle
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserRequest, string(run.State), run.PlanSummary,
		run.StepsTotal, run.StepsCompleted, run.RetryCount, run.Error,
		run.StartedAt.UTC(), nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListAgentRuns(ctx context.Context, filter RunListFilter) ([]*models.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Open {
		conditions = append(conditions, "ended_at IS NULL")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateAgentRun(ctx context.Context, run *models.AgentRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET state=?, plan_summary=?, steps_total=?, steps_completed=?, retry_count=?, error=?, ended_at=? WHERE id=?`,
		string(run.State), run.PlanSummary, run.StepsTotal, run.StepsCompleted,
		run.RetryCount, run.Error, nullTime(run.EndedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// DeleteAgentRun removes a run and, through the foreign key, its logs.
func (s *SQLiteStore) DeleteAgentRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM agent_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent run %s: %w", id, ErrNotFound)
	}
	return nil
}

// PruneAgentRuns deletes all but the keep most recent runs.
func (s *SQLiteStore) PruneAgentRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_runs WHERE id NOT IN (
			SELECT id FROM agent_runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune agent runs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.AgentRun, error) {
	run := &models.AgentRun{}
	var state string
	var endedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.UserRequest, &state, &run.PlanSummary,
		&run.StepsTotal, &run.StepsCompleted, &run.RetryCount, &run.Error,
		&run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	run.State = models.AgentState(state)
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return run, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- Agent logs ---

// AddAgentLogs stores log entries in one transaction. Entries already stored
// are skipped.
func (s *SQLiteStore) AddAgentLogs(ctx context.Context, logs []models.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO agent_logs (id, run_id, level, message, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, l := range logs {
		id := l.ID
		if id == "" {
			id = newULID()
		}
		ts := l.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, id, l.RunID, string(l.Level), l.Message, ts.UTC()); err != nil {
			return fmt.Errorf("insert log for run %s: %w", l.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit logs: %w", err)
	}
	return nil
}

// ListAgentLogs returns a run's logs oldest first. A positive limit keeps the
// most recent entries.
func (s *SQLiteStore) ListAgentLogs(ctx context.Context, runID string, limit int) ([]models.LogEntry, error) {
	query := `SELECT id, run_id, level, message, created_at FROM agent_logs WHERE run_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []models.LogEntry
	for rows.Next() {
		var l models.LogEntry
		var level string
		if err := rows.Scan(&l.ID, &l.RunID, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		l.Level = models.LogLevel(level)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}
