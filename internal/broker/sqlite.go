package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

// EnsureSchema creates the broker tables if they don't exist.
func EnsureSchema(db *sqlx.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS invocations (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL,
  queue TEXT NOT NULL,
  payload BLOB NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  not_before DATETIME NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('pending','running','retry_scheduled')) DEFAULT 'pending',
  lease_until DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_ready ON invocations(queue, state, not_before);
CREATE INDEX IF NOT EXISTS idx_invocations_lease ON invocations(state, lease_until);
`
	_, err := db.Exec(schema)
	return err
}

// Broker is the durable mailbox between producers and workers. It owns the
// pending/running/retry_scheduled transitions; terminal outcomes belong to
// the result tracker.
type Broker interface {
	// Enqueue creates a pending invocation for a registered task. An empty
	// queue routes to the task's default queue. delay shifts eligibility.
	Enqueue(ctx context.Context, taskName, queue string, payload json.RawMessage, delay time.Duration) (string, error)

	// Dequeue claims one ready invocation from the given queues, marking it
	// running under a lease. At most one caller wins a given invocation. If
	// nothing becomes ready within blockTimeout it returns (nil, nil).
	Dequeue(ctx context.Context, queues []string, blockTimeout time.Duration) (*domain.Invocation, error)

	// Ack removes an invocation that reached a terminal outcome from the
	// active set. The terminal record itself belongs to the result tracker.
	Ack(ctx context.Context, id string) error

	// Requeue records a failed execution. It bumps the attempt count and
	// either reschedules after delay or, when the attempt budget is used up,
	// removes the invocation and returns domain.ErrExhausted.
	Requeue(ctx context.Context, id string, delay time.Duration) (int, error)

	// RecoverExpired returns running invocations whose lease has lapsed to
	// the pending state so another worker can claim them.
	RecoverExpired(ctx context.Context, now time.Time) (int, error)

	// Get returns the live invocation, or domain.ErrNotFound once it has
	// left the active set.
	Get(ctx context.Context, id string) (domain.Invocation, error)

	// Stats counts active invocations per state.
	Stats(ctx context.Context) (map[domain.State]int, error)
}

// Options tunes the SQLite broker.
type Options struct {
	// Lease is how long a claimed invocation stays owned before it is
	// considered abandoned. Defaults to 60s.
	Lease time.Duration

	// PollInterval is the dequeue re-check cadence while blocking.
	// Defaults to 100ms.
	PollInterval time.Duration
}

type sqliteBroker struct {
	db   *sqlx.DB
	reg  *registry.Registry
	opts Options
}

// New returns a SQLite-backed broker. The registry validates task names at
// enqueue time and supplies per-task policy defaults.
func New(db *sqlx.DB, reg *registry.Registry, opts Options) Broker {
	if opts.Lease == 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &sqliteBroker{db: db, reg: reg, opts: opts}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrBrokerUnavailable, op, err)
}

func (b *sqliteBroker) Enqueue(ctx context.Context, taskName, queue string, payload json.RawMessage, delay time.Duration) (string, error) {
	def, err := b.reg.Resolve(taskName)
	if err != nil {
		return "", err
	}
	if queue == "" {
		queue = def.Queue
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	if delay < 0 {
		delay = 0
	}

	id := "inv_" + uuid.NewString()
	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, `
INSERT INTO invocations (id, task_name, queue, payload, attempt, max_attempts, not_before, state, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?, 'pending', ?, ?)
`, id, taskName, queue, []byte(payload), def.MaxAttempts, now.Add(delay), now, now)
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return id, nil
}

func (b *sqliteBroker) Dequeue(ctx context.Context, queues []string, blockTimeout time.Duration) (*domain.Invocation, error) {
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	deadline := time.Now().Add(blockTimeout)
	for {
		inv, err := b.claim(ctx, queues, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if inv != nil {
			return inv, nil
		}
		if !time.Now().Add(b.opts.PollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.opts.PollInterval):
		}
	}
}

// claim atomically transitions the oldest ready invocation to running.
// Eligibility order is not_before then insertion order within a queue.
func (b *sqliteBroker) claim(ctx context.Context, queues []string, now time.Time) (*domain.Invocation, error) {
	tx, err := b.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sqlx.In(`
SELECT id, task_name, queue, payload, attempt, max_attempts, not_before, state, lease_until, created_at, updated_at
FROM invocations
WHERE state IN ('pending','retry_scheduled') AND not_before <= ? AND queue IN (?)
ORDER BY not_before ASC, rowid ASC
LIMIT 1
`, now, queues)
	if err != nil {
		return nil, unavailable("dequeue", err)
	}

	var inv domain.Invocation
	err = tx.GetContext(ctx, &inv, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}

	leaseUntil := now.Add(b.opts.Lease)
	_, err = tx.ExecContext(ctx,
		`UPDATE invocations SET state='running', lease_until=?, updated_at=? WHERE id=?`,
		leaseUntil, now, inv.ID)
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, unavailable("dequeue", err)
	}

	inv.State = domain.StateRunning
	inv.LeaseUntil = &leaseUntil
	inv.UpdatedAt = now
	return &inv, nil
}

func (b *sqliteBroker) Ack(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM invocations WHERE id=?`, id)
	if err != nil {
		return unavailable("ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (b *sqliteBroker) Requeue(ctx context.Context, id string, delay time.Duration) (int, error) {
	tx, err := b.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, unavailable("requeue", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempt, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM invocations WHERE id=?`, id).
		Scan(&attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("requeue %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("requeue", err)
	}

	attempt++
	now := time.Now().UTC()
	if attempt > maxAttempts {
		if _, err = tx.ExecContext(ctx, `DELETE FROM invocations WHERE id=?`, id); err != nil {
			return attempt, unavailable("requeue", err)
		}
		if err = tx.Commit(); err != nil {
			return attempt, unavailable("requeue", err)
		}
		return attempt, fmt.Errorf("requeue %s after attempt %d: %w", id, attempt, domain.ErrExhausted)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE invocations
SET attempt=?, state='retry_scheduled', not_before=?, lease_until=NULL, updated_at=?
WHERE id=?`, attempt, now.Add(delay), now, id)
	if err != nil {
		return attempt, unavailable("requeue", err)
	}
	if err = tx.Commit(); err != nil {
		return attempt, unavailable("requeue", err)
	}
	return attempt, nil
}

func (b *sqliteBroker) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
UPDATE invocations
SET state='pending', lease_until=NULL, updated_at=?
WHERE state='running' AND lease_until < ?`, now.UTC(), now.UTC())
	if err != nil {
		return 0, unavailable("recover", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *sqliteBroker) Get(ctx context.Context, id string) (domain.Invocation, error) {
	var inv domain.Invocation
	err := b.db.GetContext(ctx, &inv, `
SELECT id, task_name, queue, payload, attempt, max_attempts, not_before, state, lease_until, created_at, updated_at
FROM invocations WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invocation{}, fmt.Errorf("invocation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Invocation{}, unavailable("get", err)
	}
	return inv, nil
}

func (b *sqliteBroker) Stats(ctx context.Context) (map[domain.State]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM invocations GROUP BY state`)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	defer rows.Close()

	stats := make(map[domain.State]int)
	for rows.Next() {
		var state domain.State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, unavailable("stats", err)
		}
		stats[state] = n
	}
	return stats, rows.Err()
}
