package activation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/sethvargo/go-retry"
)

const (
	webhookRetries = 2
	webhookBackoff = 100 * time.Millisecond
)

// WebhookSink POSTs analysis events to an HTTP endpoint, retrying with backoff.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSink(url string, headers map[string]string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hdr := make(map[string]string, len(headers))
	for k, v := range headers {
		hdr[k] = v
	}
	return &WebhookSink{
		url:     url,
		headers: hdr,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook:" + s.url }

func (s *WebhookSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	b := retry.WithMaxRetries(webhookRetries, retry.NewExponential(webhookBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		return s.post(ctx, ev, payload)
	})
}

// post makes one delivery attempt. Transport errors, 429 and 5xx are retryable.
func (s *WebhookSink) post(ctx context.Context, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ImageGuard-Request-ID", ev.RequestID)
	req.Header.Set("X-ImageGuard-Event-Version", ev.Version)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("post: %w", err))
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body)))
	default:
		return fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body))
	}
}

func (s *WebhookSink) Close(context.Context) error {
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
