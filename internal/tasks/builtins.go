package tasks

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog/log"

	"taskrelay/internal/config"
	"taskrelay/internal/registry"
)

// LogMailer logs instead of delivering. Used in development and by the api
// process, which registers tasks only to validate enqueue requests.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, to, subject, body string) error {
	log.Info().Str("to", to).Str("subject", subject).Msg("mail delivery skipped (log mailer)")
	return nil
}

// NewMailer builds the mailer selected by configuration: SMTP when a host is
// set, the logging mailer otherwise.
func NewMailer(cfg config.EmailConfig) Mailer {
	if cfg.Host == "" {
		return LogMailer{}
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPMailer{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		From: cfg.From,
		Auth: auth,
	}
}

// RegisterBuiltins populates the registry with every task taskrelay ships.
// All processes must register the same set so policies agree.
func RegisterBuiltins(reg *registry.Registry, mailer Mailer) error {
	if err := RegisterEmailTasks(reg, mailer); err != nil {
		return err
	}
	return RegisterWebhookTask(reg, nil)
}
