package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinic/visit-queue/internal/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookSink POSTs each event as JSON. The event id doubles as the
// Idempotency-Key so the receiver can drop redeliveries.
type WebhookSink struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookSink returns nil when url is blank.
func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, event store.OutboxEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.EventID)
	req.Header.Set("X-Event-Type", event.Type)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected event: status %d", resp.StatusCode)
	}
	return nil
}
