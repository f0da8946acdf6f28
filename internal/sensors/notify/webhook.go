package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type webhookPayload struct {
	MsgType    string      `json:"msgtype"`
	Text       webhookText `json:"text"`
	Subject    string      `json:"subject"`
	Recipients []string    `json:"recipients"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookTransport posts alerts to a chat-style webhook endpoint.
type WebhookTransport struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook transport.
type WebhookOption func(*WebhookTransport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *WebhookTransport) {
		if client != nil {
			w.client = client
		}
	}
}

// NewWebhookTransport constructs a webhook transport.
func NewWebhookTransport(url string, opts ...WebhookOption) (*WebhookTransport, error) {
	if url == "" {
		return nil, errors.New("webhook transport: empty url")
	}
	w := &WebhookTransport{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Send posts the rendered alert as a text message.
func (w *WebhookTransport) Send(ctx context.Context, recipients []string, subject, body string) error {
	if w == nil || w.url == "" {
		return errors.New("webhook transport: empty url")
	}
	payload := webhookPayload{
		MsgType:    "text",
		Text:       webhookText{Content: subject + "\n" + body},
		Subject:    subject,
		Recipients: recipients,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook transport: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
