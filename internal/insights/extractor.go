package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Extractor is the fallback insight pipeline: when a call completes without
// the agent ever logging insights, a buffered conversation summary is sent
// to a general-purpose LLM and the structured reply is parsed strictly.
//
// Malformed model output fails closed: nothing is stored. This is a
// secondary, weaker pipeline and a skipped extraction is preferable to a
// guessed one.

var ErrMalformedOutput = errors.New("insights: malformed model output")

// Completer abstracts the external LLM call.
type Completer interface {
	Complete(ctx context.Context, prompt string) ([]byte, error)
}

type Extractor struct {
	completer Completer
	svc       *Service
	log       *slog.Logger

	// MinDuration mirrors the tool-path gate: very short calls produce
	// noise, not insight.
	MinDuration time.Duration
}

func NewExtractor(completer Completer, svc *Service, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{completer: completer, svc: svc, log: log, MinDuration: 2 * time.Minute}
}

// extractionPayload is the exact shape the model must return.
type extractionPayload struct {
	Mood            float64         `json:"mood"`
	Engagement      float64         `json:"engagement"`
	SocialNeed      float64         `json:"social_need"`
	Topics          []WeightedTopic `json:"topics"`
	Concerns        []Concern       `json:"concerns"`
	FollowUp        bool            `json:"follow_up"`
	FollowUpReasons []string        `json:"follow_up_reasons"`
	Confidence      float64         `json:"confidence"`
}

// parseModelOutput validates raw model output against the expected schema.
// Unknown fields, out-of-range scores and bad severities all fail closed.
func parseModelOutput(raw []byte) (extractionPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p extractionPayload
	if err := dec.Decode(&p); err != nil {
		return extractionPayload{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if dec.More() {
		return extractionPayload{}, fmt.Errorf("%w: trailing content", ErrMalformedOutput)
	}
	for _, score := range []float64{p.Mood, p.Engagement, p.SocialNeed, p.Confidence} {
		if score < 0 || score > 1 {
			return extractionPayload{}, fmt.Errorf("%w: score out of range", ErrMalformedOutput)
		}
	}
	for _, c := range p.Concerns {
		switch c.Severity {
		case "low", "medium", "high":
		default:
			return extractionPayload{}, fmt.Errorf("%w: bad severity %q", ErrMalformedOutput, c.Severity)
		}
	}
	return p, nil
}

// ExtractParams identify the call the summary belongs to.
type ExtractParams struct {
	SessionID string
	AccountID string
	LineID    string
	Duration  time.Duration
	Summary   string
}

// Extract runs the fallback pipeline. All failures are logged and swallowed;
// the caller runs asynchronously after call completion and has nobody to
// report to.
func (e *Extractor) Extract(ctx context.Context, p ExtractParams) {
	if p.Duration < e.MinDuration || p.Summary == "" {
		return
	}
	already, err := e.svc.HasForSession(ctx, p.SessionID)
	if err != nil || already {
		return
	}

	raw, err := e.completer.Complete(ctx, p.Summary)
	if err != nil {
		e.log.Warn("fallback insight completion failed", "session_id", p.SessionID, "err", err)
		return
	}
	parsed, err := parseModelOutput(raw)
	if err != nil {
		e.log.Warn("fallback insight output rejected", "session_id", p.SessionID, "err", err)
		return
	}

	_, err = e.svc.Log(ctx, Insights{
		SessionID:       p.SessionID,
		AccountID:       p.AccountID,
		LineID:          p.LineID,
		Mood:            parsed.Mood,
		Engagement:      parsed.Engagement,
		SocialNeed:      parsed.SocialNeed,
		Topics:          parsed.Topics,
		Concerns:        parsed.Concerns,
		FollowUp:        parsed.FollowUp,
		FollowUpReasons: parsed.FollowUpReasons,
		Confidence:      parsed.Confidence,
	}, nil)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		e.log.Warn("fallback insight store failed", "session_id", p.SessionID, "err", err)
	}
}

// HTTPCompleter calls a completion endpoint with a bounded timeout.
type HTTPCompleter struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func (h *HTTPCompleter) Complete(ctx context.Context, prompt string) ([]byte, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("insights: completion endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Content, nil
}
