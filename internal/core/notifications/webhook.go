package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/solotto/solotto/internal/core/domain"
)

// Sender delivers one notification to its recipient.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// WebhookSender posts notifications as JSON to a delivery endpoint.
type WebhookSender struct {
	URL    string
	client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL: url,
		// Bounded timeout so a slow endpoint never blocks the dispatcher.
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookEnvelope struct {
	Recipient string                     `json:"recipient"`
	Type      string                     `json:"type"`
	Content   domain.NotificationContent `json:"content"`
	SentAt    time.Time                  `json:"sent_at"`
}

func (s *WebhookSender) Send(ctx context.Context, n domain.Notification) error {
	if s.URL == "" {
		return fmt.Errorf("notification webhook URL is not configured")
	}

	body, err := json.Marshal(webhookEnvelope{
		Recipient: n.Recipient,
		Type:      n.Type,
		Content:   n.Content,
		SentAt:    time.Now(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Solotto-Notifier/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delivery endpoint returned %d", resp.StatusCode)
}
