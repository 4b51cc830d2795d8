package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"companion-voice/internal/config"
)

// SMSSender delivers one text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender delivers one email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// HTTPSMSClient posts messages to the SMS collaborator service.
type HTTPSMSClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewSMSClient returns nil when no endpoint is configured, which disables
// the SMS leg.
func NewSMSClient(cfg config.SMSConfig) *HTTPSMSClient {
	if cfg.Endpoint == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSMSClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPSMSClient) SendSMS(ctx context.Context, to, body string) error {
	return postJSON(ctx, c.client, c.endpoint, c.apiKey, map[string]string{
		"to":   to,
		"body": body,
	})
}

// HTTPEmailClient posts messages to the email collaborator service.
type HTTPEmailClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewEmailClient(cfg config.EmailConfig) *HTTPEmailClient {
	if cfg.Endpoint == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEmailClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPEmailClient) SendEmail(ctx context.Context, to, subject, body string) error {
	return postJSON(ctx, c.client, c.endpoint, c.apiKey, map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
}

func postJSON(ctx context.Context, client *http.Client, endpoint, apiKey string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: collaborator returned %d", resp.StatusCode)
	}
	return nil
}
