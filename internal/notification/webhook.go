package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	source string
	client *http.Client
	log    *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier. source is included in every
// payload so a shared endpoint can tell gateways apart.
func NewWebhookNotifier(url, source string, log *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		source: source,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

type webhookPayload struct {
	Source  string `json:"source"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Source:  w.source,
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	w.log.Debug("webhook alert sent", zap.String("title", alert.Title))
	return nil
}
