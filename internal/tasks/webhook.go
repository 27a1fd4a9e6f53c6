package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskrelay/internal/backoff"
	"taskrelay/internal/domain"
	"taskrelay/internal/registry"
)

// TaskDeliverWebhook posts CRM event notifications to external endpoints.
const TaskDeliverWebhook = "deliver_webhook"

// WebhookPayload describes one outbound HTTP delivery.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// RegisterWebhookTask registers the webhook delivery task. Pass nil to use
// http.DefaultClient.
func RegisterWebhookTask(reg *registry.Registry, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	return reg.Register(registry.Definition{
		Name:        TaskDeliverWebhook,
		Handler:     webhookHandler(client),
		Queue:       "default",
		MaxAttempts: 5,
		Backoff:     backoff.Exponential(10*time.Second, 5*time.Minute),
		Timeout:     30 * time.Second,
	})
}

func webhookHandler(client *http.Client) registry.Handler {
	return func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var p WebhookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, domain.Permanent(fmt.Errorf("invalid webhook payload: %w", err))
		}
		if p.URL == "" {
			return nil, domain.Permanent(fmt.Errorf("webhook payload missing %q", "url"))
		}
		if p.Method == "" {
			p.Method = http.MethodPost
		}

		var body io.Reader
		if len(p.Body) > 0 {
			body = bytes.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
		if err != nil {
			return nil, domain.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		if len(p.Body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range p.Headers {
			req.Header.Set(key, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
			if retryableStatus(resp.StatusCode) {
				return nil, err
			}
			return nil, domain.Permanent(err)
		}

		out, _ := json.Marshal(map[string]int{"status_code": resp.StatusCode})
		return out, nil
	}
}

// retryableStatus treats server errors and throttling as transient; other
// client errors won't change on retry.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
