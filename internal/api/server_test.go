package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskrelay/internal/backoff"
	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
	"taskrelay/internal/results"
)

type fixture struct {
	handler http.Handler
	broker  broker.Broker
	tracker results.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "test.db"))
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, broker.EnsureSchema(db))
	require.NoError(t, results.EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Definition{
		Name: "send_welcome_email",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
		Queue:       "email",
		MaxAttempts: 3,
		Backoff:     backoff.Fixed(0),
	}))

	b := broker.New(db, reg, broker.Options{})
	tracker := results.New(db)
	return &fixture{handler: NewServer(b, tracker), broker: b, tracker: tracker}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/invocations",
		`{"task_name":"send_welcome_email","payload":{"to":"a@b.com"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.ID, "inv_")

	inv, err := f.broker.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "email", inv.Queue)
	assert.Equal(t, domain.StatePending, inv.State)
}

func TestEnqueueUnknownTask(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/invocations", `{"task_name":"unregistered_task"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown task")

	stats, err := f.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats, "rejected enqueue must not create an invocation")
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/invocations", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/invocations", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/invocations", `{"task_name":"send_welcome_email","delay_seconds":-5}`).Code)
}

func TestStatusLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Enqueue(ctx, "send_welcome_email", "", json.RawMessage(`{"to":"a@b.com"}`), 0)
	require.NoError(t, err)

	rr := f.do(http.MethodGet, "/api/invocations/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StatePending), resp["state"])
	assert.Equal(t, "send_welcome_email", resp["task_name"])
}

func TestStatusTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Enqueue(ctx, "send_welcome_email", "", json.RawMessage(`{"to":"a@b.com"}`), 0)
	require.NoError(t, err)
	_, err = f.broker.Dequeue(ctx, []string{"email"}, 0)
	require.NoError(t, err)

	out := json.RawMessage(`{"delivered_to":"a@b.com"}`)
	require.NoError(t, f.tracker.Finalize(ctx, id, domain.StateSucceeded, 1, out, nil))
	require.NoError(t, f.broker.Ack(ctx, id))

	rr := f.do(http.MethodGet, "/api/invocations/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StateSucceeded), resp["state"])
	assert.NotEmpty(t, resp["completed_at"])
	assert.NotNil(t, resp["output"])
}

func TestStatusNotFound(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/api/invocations/inv_missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tracker.RecordAttempt(ctx, "inv_1", 1, fmt.Errorf("smtp down")))
	require.NoError(t, f.tracker.RecordAttempt(ctx, "inv_1", 2, nil))

	rr := f.do(http.MethodGet, "/api/invocations/inv_1/attempts", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var recs []domain.AttemptRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "smtp down", recs[0].Error)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.broker.Enqueue(ctx, "send_welcome_email", "", json.RawMessage(`{"to":"a@b.com"}`), 0)
	require.NoError(t, err)

	rr := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "taskrelay_up 1")
	assert.Contains(t, rr.Body.String(), `taskrelay_invocations{state="pending"} 1`)
}
