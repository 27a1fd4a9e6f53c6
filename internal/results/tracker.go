package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"taskrelay/internal/domain"
)

// EnsureSchema creates the tracker tables if they don't exist.
func EnsureSchema(db *sqlx.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS invocation_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  invocation_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_invocation ON invocation_attempts(invocation_id);
CREATE TABLE IF NOT EXISTS invocation_results (
  invocation_id TEXT PRIMARY KEY,
  final_state TEXT NOT NULL CHECK(final_state IN ('succeeded','failed','exhausted')),
  attempt INTEGER NOT NULL,
  output BLOB,
  error TEXT NOT NULL DEFAULT '',
  completed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_completed ON invocation_results(completed_at);
`
	_, err := db.Exec(schema)
	return err
}

// Tracker records execution outcomes. Writes are invocation-scoped, so
// unrelated invocations never contend; reads may run while other
// invocations execute.
type Tracker interface {
	// RecordAttempt appends one execution outcome to the audit trail.
	RecordAttempt(ctx context.Context, id string, attempt int, execErr error) error

	// Finalize writes the immutable terminal record. Exactly one terminal
	// record exists per invocation; later calls for the same id are rejected.
	Finalize(ctx context.Context, id string, state domain.State, attempt int, output json.RawMessage, execErr error) error

	// Get returns the terminal record, or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.ResultRecord, error)

	// Attempts returns the audit trail for an invocation, oldest first.
	Attempts(ctx context.Context, id string) ([]domain.AttemptRecord, error)

	// PruneOlderThan evicts terminal records completed before the cutoff.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type sqliteTracker struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Tracker {
	return &sqliteTracker{db: db}
}

func (t *sqliteTracker) RecordAttempt(ctx context.Context, id string, attempt int, execErr error) error {
	errText := ""
	success := 1
	if execErr != nil {
		errText = execErr.Error()
		success = 0
	}
	_, err := t.db.ExecContext(ctx, `
INSERT INTO invocation_attempts (invocation_id, attempt, success, error, finished_at)
VALUES (?, ?, ?, ?, ?)`, id, attempt, success, errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (t *sqliteTracker) Finalize(ctx context.Context, id string, state domain.State, attempt int, output json.RawMessage, execErr error) error {
	if !state.Terminal() {
		return fmt.Errorf("finalize %s: %q is not a terminal state", id, state)
	}
	errText := ""
	if execErr != nil {
		errText = execErr.Error()
	}
	var out []byte
	if output != nil {
		out = []byte(output)
	}
	_, err := t.db.ExecContext(ctx, `
INSERT INTO invocation_results (invocation_id, final_state, attempt, output, error, completed_at)
VALUES (?, ?, ?, ?, ?, ?)`, id, string(state), attempt, out, errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	return nil
}

func (t *sqliteTracker) Get(ctx context.Context, id string) (domain.ResultRecord, error) {
	var rec domain.ResultRecord
	err := t.db.GetContext(ctx, &rec, `
SELECT invocation_id, final_state, attempt, output, error, completed_at
FROM invocation_results WHERE invocation_id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultRecord{}, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ResultRecord{}, fmt.Errorf("get result: %w", err)
	}
	return rec, nil
}

func (t *sqliteTracker) Attempts(ctx context.Context, id string) ([]domain.AttemptRecord, error) {
	var recs []domain.AttemptRecord
	err := t.db.SelectContext(ctx, &recs, `
SELECT invocation_id, attempt, success, error, finished_at
FROM invocation_attempts WHERE invocation_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return recs, nil
}

func (t *sqliteTracker) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	_, err := t.db.ExecContext(ctx, `
DELETE FROM invocation_attempts WHERE invocation_id IN
  (SELECT invocation_id FROM invocation_results WHERE completed_at < ?)`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	res, err := t.db.ExecContext(ctx, `DELETE FROM invocation_results WHERE completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
