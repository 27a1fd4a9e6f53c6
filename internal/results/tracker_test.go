package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskrelay/internal/domain"
)

func newTestTracker(t *testing.T) Tracker {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "test.db"))
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRecordAttemptAndList(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, "inv_1", 1, errors.New("smtp timeout")))
	require.NoError(t, tr.RecordAttempt(ctx, "inv_1", 2, nil))
	require.NoError(t, tr.RecordAttempt(ctx, "inv_other", 1, nil))

	recs, err := tr.Attempts(ctx, "inv_1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.False(t, recs[0].Success)
	assert.Equal(t, "smtp timeout", recs[0].Error)
	assert.Equal(t, 2, recs[1].Attempt)
	assert.True(t, recs[1].Success)
}

func TestFinalizeAndGet(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	out := json.RawMessage(`{"delivered_to":"a@b.com"}`)
	require.NoError(t, tr.Finalize(ctx, "inv_1", domain.StateSucceeded, 3, out, nil))

	rec, err := tr.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, rec.FinalState)
	assert.Equal(t, 3, rec.Attempt)
	assert.JSONEq(t, string(out), string(rec.Output))
	assert.Empty(t, rec.Error)
	assert.WithinDuration(t, time.Now(), rec.CompletedAt, time.Minute)
}

func TestFinalizeWithError(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Finalize(ctx, "inv_1", domain.StateExhausted, 3, nil, errors.New("boom")))

	rec, err := tr.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExhausted, rec.FinalState)
	assert.Equal(t, "boom", rec.Error)
	assert.Empty(t, rec.Output)
}

func TestFinalizeRejectsNonTerminal(t *testing.T) {
	tr := newTestTracker(t)
	err := tr.Finalize(context.Background(), "inv_1", domain.StateRunning, 1, nil, nil)
	require.Error(t, err)
}

func TestFinalizeIsWriteOnce(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Finalize(ctx, "inv_1", domain.StateSucceeded, 1, nil, nil))
	err := tr.Finalize(ctx, "inv_1", domain.StateFailed, 2, nil, errors.New("late"))
	require.Error(t, err, "terminal records are immutable")

	rec, err := tr.Get(ctx, "inv_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, rec.FinalState)
}

func TestGetNotFound(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Get(context.Background(), "inv_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPruneOlderThan(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordAttempt(ctx, "inv_1", 1, nil))
	require.NoError(t, tr.Finalize(ctx, "inv_1", domain.StateSucceeded, 1, nil, nil))

	// A cutoff in the past keeps everything.
	_, err := tr.PruneOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = tr.Get(ctx, "inv_1")
	require.NoError(t, err)

	// A future cutoff evicts the record and its audit trail.
	_, err = tr.PruneOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = tr.Get(ctx, "inv_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	recs, err := tr.Attempts(ctx, "inv_1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
