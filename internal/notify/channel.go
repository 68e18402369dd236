package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/restockwatch/core/internal/domain"
)

// LogChannel writes every delivery as a structured log line. It always
// succeeds; its purpose is operator visibility, not an end-user surface.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel returns a LogChannel writing through logger.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, subscriberRef string, event domain.Event) error {
	c.logger.Info().
		Str("subscriber", subscriberRef).
		Str("kind", string(event.Kind)).
		Str("product_key", event.ProductKey).
		Str("product_name", event.ProductName).
		Msg("stock notification")
	return nil
}

// WebhookChannel POSTs the event payload as JSON to a configured URL,
// mirroring the teacher's outbound-call shape (internal/http.Client) for a
// delivery transport. Each Send makes a single POST; a failed delivery is
// not retried.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel returns a WebhookChannel posting to url. client may
// be nil to use a new http.Client with a 10s timeout.
func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{url: url, client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, subscriberRef string, event domain.Event) error {
	body, err := json.Marshal(struct {
		SubscriberRef string `json:"subscriber_ref"`
		domain.Event
	}{SubscriberRef: subscriberRef, Event: event})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
