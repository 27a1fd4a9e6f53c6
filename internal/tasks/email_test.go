package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

type fakeMailer struct {
	mu    sync.Mutex
	sent  []string // "to|subject"
	fail  error
	bodys []string
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, to+"|"+subject)
	m.bodys = append(m.bodys, body)
	return nil
}

func emailRegistry(t *testing.T, mailer Mailer) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, RegisterEmailTasks(reg, mailer))
	return reg
}

func TestEmailTaskPolicies(t *testing.T) {
	reg := emailRegistry(t, &fakeMailer{})

	for _, name := range []string{TaskSendWelcomeEmail, TaskSendVerificationEmail, TaskSendPasswordResetEmail} {
		def, err := reg.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, EmailQueue, def.Queue, name)
		assert.Equal(t, 3, def.MaxAttempts, name)
		assert.NotNil(t, def.Backoff, name)
	}
}

func TestWelcomeEmail(t *testing.T) {
	mailer := &fakeMailer{}
	reg := emailRegistry(t, mailer)
	def, err := reg.Resolve(TaskSendWelcomeEmail)
	require.NoError(t, err)

	out, err := def.Handler(context.Background(),
		json.RawMessage(`{"to":"a@b.com","user_name":"Ada"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered_to":"a@b.com"}`, string(out))

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "a@b.com|Welcome!", mailer.sent[0])
	assert.Contains(t, mailer.bodys[0], "Ada")
}

func TestVerificationEmailIncludesToken(t *testing.T) {
	mailer := &fakeMailer{}
	reg := emailRegistry(t, mailer)
	def, err := reg.Resolve(TaskSendVerificationEmail)
	require.NoError(t, err)

	_, err = def.Handler(context.Background(),
		json.RawMessage(`{"to":"a@b.com","token":"tok-123"}`))
	require.NoError(t, err)
	require.Len(t, mailer.bodys, 1)
	assert.Contains(t, mailer.bodys[0], "tok-123")
}

func TestEmailPayloadValidation(t *testing.T) {
	reg := emailRegistry(t, &fakeMailer{})

	tests := []struct {
		name    string
		task    string
		payload string
	}{
		{"malformed json", TaskSendWelcomeEmail, `{`},
		{"missing to", TaskSendWelcomeEmail, `{"user_name":"Ada"}`},
		{"missing token", TaskSendVerificationEmail, `{"to":"a@b.com"}`},
		{"missing reset token", TaskSendPasswordResetEmail, `{"to":"a@b.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := reg.Resolve(tt.task)
			require.NoError(t, err)
			_, err = def.Handler(context.Background(), json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, domain.IsPermanent(err), "bad payloads must not be retried")
		})
	}
}

func TestMailerFailureIsRetryable(t *testing.T) {
	mailer := &fakeMailer{fail: errors.New("connection refused")}
	reg := emailRegistry(t, mailer)
	def, err := reg.Resolve(TaskSendWelcomeEmail)
	require.NoError(t, err)

	_, err = def.Handler(context.Background(), json.RawMessage(`{"to":"a@b.com"}`))
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err), "delivery failures are transient")
}

func TestRegisterBuiltins(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg, LogMailer{}))
	assert.ElementsMatch(t, []string{
		TaskSendWelcomeEmail,
		TaskSendVerificationEmail,
		TaskSendPasswordResetEmail,
		TaskDeliverWebhook,
	}, reg.Names())
}
