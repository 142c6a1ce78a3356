package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tradesim/pkg/utils"
)

// LogChannel writes events to the structured log. Always enabled in
// simulation runs; doubles as the audit trail.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, accountID string, eventType EventType, payload interface{}) error {
	c.logger.Info().
		Str("event", "notification").
		Str("account_id", accountID).
		Str("event_type", string(eventType)).
		Interface("payload", payload).
		Msg("Event published")
	return nil
}

// WebhookChannel POSTs events as JSON to a configured URL with bounded
// retry.
type WebhookChannel struct {
	url    string
	client *http.Client
	retry  utils.RetryConfig
}

// NewWebhookChannel creates a webhook channel for the URL.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		retry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
		},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, accountID string, eventType EventType, payload interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"account_id": accountID,
		"event_type": eventType,
		"payload":    payload,
		"timestamp":  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return utils.Retry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
