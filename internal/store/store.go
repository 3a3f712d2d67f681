// Package store journals executed actions and state snapshots to Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// ActionEntry is one executed action.
type ActionEntry struct {
	ID          string
	Kind        string
	Description string
	Reason      string
	Status      string
	ErrorCode   string
	Verified    bool
	Duration    time.Duration
	ExecutedAt  time.Time
}

// Iteration is everything journaled for one loop pass.
type Iteration struct {
	RunID    string
	Number   int
	Scene    string
	Branch   string
	Snapshot jsoniter.RawMessage
	Actions  []ActionEntry
}

// Store provides the Postgres journal.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS action_journal (
    id          UUID PRIMARY KEY,
    run_id      TEXT NOT NULL,
    iteration   INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    description TEXT NOT NULL,
    reason      TEXT NOT NULL,
    status      TEXT NOT NULL,
    error_code  TEXT NOT NULL,
    verified    BOOLEAN NOT NULL,
    duration_ms BIGINT NOT NULL,
    executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS action_journal_run_idx ON action_journal (run_id, executed_at);
CREATE TABLE IF NOT EXISTS snapshots (
    run_id     TEXT NOT NULL,
    iteration  INTEGER NOT NULL,
    scene      TEXT NOT NULL,
    branch     TEXT NOT NULL,
    state      JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, iteration)
);`

const sqlInsertSnapshot = `
        INSERT INTO snapshots (run_id, iteration, scene, branch, state, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id, iteration) DO UPDATE SET
            scene = EXCLUDED.scene,
            branch = EXCLUDED.branch,
            state = EXCLUDED.state;
    `

var journalColumns = []string{"id", "run_id", "iteration", "kind", "description", "reason", "status", "error_code", "verified", "duration_ms", "executed_at"}

// Connect opens a pool for url and wraps it.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the journal tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return nil
}

// RecordIteration writes the iteration's actions and snapshot in one transaction.
func (s *Store) RecordIteration(ctx context.Context, it Iteration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if len(it.Actions) > 0 {
		if err := s.persistActions(ctx, tx, it); err != nil {
			return err
		}
	}

	state := it.Snapshot
	if len(state) == 0 || string(state) == "null" {
		state = jsoniter.RawMessage("{}")
	}
	if _, err := tx.Exec(ctx, sqlInsertSnapshot, it.RunID, it.Number, it.Scene, it.Branch, []byte(state), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistActions(ctx context.Context, tx pgx.Tx, it Iteration) error {
	rows := make([][]any, len(it.Actions))
	for i, a := range it.Actions {
		id := a.ID
		if id == "" {
			id = uuid.NewString()
		}
		rows[i] = []any{
			id, it.RunID, it.Number,
			a.Kind, a.Description, a.Reason,
			a.Status, a.ErrorCode, a.Verified,
			a.Duration.Milliseconds(),
			a.ExecutedAt.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"action_journal"}, journalColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy actions: %w", err)
	}
	if int(n) != len(it.Actions) {
		return fmt.Errorf("mismatch in copied actions count: expected %d, got %d", len(it.Actions), n)
	}
	return nil
}

// RecentActions returns up to limit actions of a run, newest first.
func (s *Store) RecentActions(ctx context.Context, runID string, limit int) ([]ActionEntry, error) {
	query := `
        SELECT id, kind, description, reason, status, error_code, verified, duration_ms, executed_at
        FROM action_journal
        WHERE run_id = $1
        ORDER BY executed_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []ActionEntry
	for rows.Next() {
		var (
			a  ActionEntry
			ms int64
		)
		if err := rows.Scan(&a.ID, &a.Kind, &a.Description, &a.Reason, &a.Status, &a.ErrorCode, &a.Verified, &ms, &a.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// LatestRun returns the run id of the most recent snapshot, or "" if none.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id FROM snapshots ORDER BY created_at DESC LIMIT 1;`)
	if err != nil {
		return "", fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	var id string
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan run row: %w", err)
		}
	}
	return id, rows.Err()
}
