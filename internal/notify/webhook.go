package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"distressguard/internal/model"
)

// Webhook posts alerts to an SMS/email gateway.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

type webhookRecipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type webhookPayload struct {
	Alert      model.Alert        `json:"alert"`
	Message    string             `json:"message"`
	Recipients []webhookRecipient `json:"recipients"`
}

func NewWebhook(url, token string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *Webhook) Notify(ctx context.Context, alert model.Alert) error {
	recipients := make([]webhookRecipient, 0, len(alert.Recipients))
	for _, c := range alert.Recipients {
		recipients = append(recipients, webhookRecipient{Name: c.Name, Phone: c.Phone, Email: c.Email})
	}
	body, err := json.Marshal(webhookPayload{Alert: alert, Message: Render(alert), Recipients: recipients})
	if err != nil {
		return wrap("webhook", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return wrap("webhook", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return wrap("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wrap("webhook", fmt.Errorf("gateway returned %d", resp.StatusCode))
	}
	if w.logger != nil {
		w.logger.Info("alert posted to gateway", "alert_id", alert.ID, "recipients", len(recipients))
	}
	return nil
}
