package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"time"

	"taskrelay/internal/backoff"
	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

// Task names for the outbound email pipeline.
const (
	TaskSendWelcomeEmail       = "send_welcome_email"
	TaskSendVerificationEmail  = "send_verification_email"
	TaskSendPasswordResetEmail = "send_password_reset_email"

	// EmailQueue routes all email invocations to dedicated workers.
	EmailQueue = "email"
)

// Mailer delivers a single message. Implementations must be safe for
// concurrent use; the dispatch pipeline may deliver the same invocation
// more than once.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends through a plain SMTP relay.
type SMTPMailer struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, to, subject, body)
	if err := smtp.SendMail(m.Addr, m.Auth, m.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// EmailPayload is the wire format shared by the email tasks. Token is unused
// by the welcome email.
type EmailPayload struct {
	To       string `json:"to"`
	UserName string `json:"user_name,omitempty"`
	Token    string `json:"token,omitempty"`
}

// RegisterEmailTasks registers the three outbound email tasks on the email
// queue: 3 attempts each, exponential backoff from one minute.
func RegisterEmailTasks(reg *registry.Registry, mailer Mailer) error {
	emailDef := func(name string, handler registry.Handler) registry.Definition {
		return registry.Definition{
			Name:        name,
			Handler:     handler,
			Queue:       EmailQueue,
			MaxAttempts: 3,
			Backoff:     backoff.Exponential(time.Minute, 15*time.Minute),
			Timeout:     30 * time.Second,
		}
	}

	defs := []registry.Definition{
		emailDef(TaskSendWelcomeEmail, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			p, err := parseEmailPayload(raw, false)
			if err != nil {
				return nil, err
			}
			body := fmt.Sprintf("Hi %s,\n\nWelcome aboard! Your account is ready.\n", displayName(p))
			return deliver(ctx, mailer, p.To, "Welcome!", body)
		}),
		emailDef(TaskSendVerificationEmail, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			p, err := parseEmailPayload(raw, true)
			if err != nil {
				return nil, err
			}
			body := fmt.Sprintf("Hi %s,\n\nVerify your email with this token: %s\n", displayName(p), p.Token)
			return deliver(ctx, mailer, p.To, "Verify your email", body)
		}),
		emailDef(TaskSendPasswordResetEmail, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			p, err := parseEmailPayload(raw, true)
			if err != nil {
				return nil, err
			}
			body := fmt.Sprintf("Hi %s,\n\nReset your password with this token: %s\n", displayName(p), p.Token)
			return deliver(ctx, mailer, p.To, "Password reset", body)
		}),
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// parseEmailPayload rejects malformed payloads permanently: retrying a
// payload that cannot be parsed can never succeed.
func parseEmailPayload(raw json.RawMessage, needToken bool) (EmailPayload, error) {
	var p EmailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, domain.Permanent(fmt.Errorf("invalid email payload: %w", err))
	}
	if p.To == "" {
		return p, domain.Permanent(fmt.Errorf("email payload missing %q", "to"))
	}
	if needToken && p.Token == "" {
		return p, domain.Permanent(fmt.Errorf("email payload missing %q", "token"))
	}
	return p, nil
}

func displayName(p EmailPayload) string {
	if p.UserName != "" {
		return p.UserName
	}
	return "there"
}

func deliver(ctx context.Context, mailer Mailer, to, subject, body string) (json.RawMessage, error) {
	if err := mailer.Send(ctx, to, subject, body); err != nil {
		return nil, err
	}
	out, _ := json.Marshal(map[string]string{"delivered_to": to})
	return out, nil
}
