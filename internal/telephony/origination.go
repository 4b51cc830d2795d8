package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"companion-voice/internal/config"
	"companion-voice/internal/schedule"
)

const defaultCarrierBaseURL = "https://api.twilio.com"

// Carrier places outbound calls through the carrier REST API. Implements
// the scheduler's Originator.
type Carrier struct {
	accountSID string
	authToken  string
	from       string
	answerURL  string
	baseURL    string
	client     *http.Client
}

func NewCarrier(cfg config.CarrierConfig, publicBaseURL string, timeout time.Duration) *Carrier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Carrier{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		answerURL:  strings.TrimRight(publicBaseURL, "/") + "/v1/carrier/outbound",
		baseURL:    defaultCarrierBaseURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the client at a test server.
func (c *Carrier) WithBaseURL(base string) *Carrier {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// Place starts an outbound call and returns the carrier call id. The answer
// webhook receives the schedule or reminder id so the gate can attach the
// right context when the callee picks up.
func (c *Carrier) Place(ctx context.Context, call schedule.OriginateCall) (string, error) {
	if call.To == "" {
		return "", errors.New("telephony: destination number required")
	}
	answer, err := url.Parse(c.answerURL)
	if err != nil {
		return "", err
	}
	q := answer.Query()
	q.Set("line_id", call.LineID)
	if call.ReminderID != "" {
		q.Set("reminder_id", call.ReminderID)
	}
	if call.ScheduleID != "" {
		q.Set("schedule_id", call.ScheduleID)
	}
	answer.RawQuery = q.Encode()

	form := url.Values{}
	form.Set("To", call.To)
	form.Set("From", c.from)
	form.Set("Url", answer.String())

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("telephony: carrier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Sid string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Sid == "" {
		return "", errors.New("telephony: carrier response missing call sid")
	}
	return out.Sid, nil
}
