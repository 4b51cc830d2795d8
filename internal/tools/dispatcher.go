package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/insights"
	"companion-voice/internal/lines"
	"companion-voice/internal/memories"
	"companion-voice/internal/ratelimit"
	"companion-voice/internal/reminders"
	"companion-voice/internal/safety"
	"companion-voice/internal/sanitize"
)

// Call is one tool invocation from the agent.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is the JSON object returned to the agent. Success results carry a
// "spoken" hint the agent reads back to the caller; failures carry a code
// and a message the agent can paraphrase.
type Result map[string]any

func ok(spoken string, data map[string]any) Result {
	r := Result{"success": true}
	if spoken != "" {
		r["spoken"] = spoken
	}
	for k, v := range data {
		r[k] = v
	}
	return r
}

func fail(code, message string) Result {
	return Result{"success": false, "code": code, "message": message}
}

// Failure codes shared across handlers.
const (
	codeUnknownTool  = "unknown_tool"
	codeInvalidArgs  = "invalid_args"
	codeForbidden    = "forbidden"
	codeNotFound     = "not_found"
	codeNotPermitted = "not_permitted"
	codeInternal     = "internal_error"
)

// SafetyNotifier delivers high-tier alerts to trusted contacts. It must not
// block; delivery runs on its own goroutine.
type SafetyNotifier interface {
	NotifyHighTier(ctx context.Context, accountID, lineID, sessionID string)
}

// Upgrades creates and delivers a plan-upgrade checkout link.
type Upgrades interface {
	SendUpgradeLink(ctx context.Context, account lines.Account) (delivery string, err error)
}

type Config struct {
	MinReminderLead    time.Duration
	SnoozesPerReminder int
	DefaultTimezone    string

	// MinInsightsCallDuration gates log_call_insights; very short calls
	// produce noise.
	MinInsightsCallDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinReminderLead <= 0 {
		c.MinReminderLead = 5 * time.Minute
	}
	if c.SnoozesPerReminder <= 0 {
		c.SnoozesPerReminder = 3
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "America/New_York"
	}
	if c.MinInsightsCallDuration <= 0 {
		c.MinInsightsCallDuration = 2 * time.Minute
	}
	return c
}

// Dispatcher routes agent tool calls through a uniform contract: resolve
// the session, authorize against its line, run the handler, then record a
// sanitized tool_call event and bump the session's invocation counter.
type Dispatcher struct {
	calls     *calls.Manager
	lines     lines.Repository
	reminders reminders.Repository
	memories  *memories.Service
	insights  *insights.Service
	safety    *safety.Registry
	limiter   *ratelimit.Limiter
	audit     *audit.Service
	notifier  SafetyNotifier
	upgrades  Upgrades

	cfg   Config
	log   *slog.Logger
	clock func() time.Time
}

type DispatcherParams struct {
	Calls     *calls.Manager
	Lines     lines.Repository
	Reminders reminders.Repository
	Memories  *memories.Service
	Insights  *insights.Service
	Safety    *safety.Registry
	Limiter   *ratelimit.Limiter
	Audit     *audit.Service
	Notifier  SafetyNotifier
	Upgrades  Upgrades
	Config    Config
	Log       *slog.Logger
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	return &Dispatcher{
		calls:     p.Calls,
		lines:     p.Lines,
		reminders: p.Reminders,
		memories:  p.Memories,
		insights:  p.Insights,
		safety:    p.Safety,
		limiter:   p.Limiter,
		audit:     p.Audit,
		notifier:  p.Notifier,
		upgrades:  p.Upgrades,
		cfg:       p.Config.withDefaults(),
		log:       p.Log,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func unmarshalArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("tools: empty arguments")
	}
	return json.Unmarshal(raw, v)
}

// invocation bundles what every handler needs.
type invocation struct {
	session calls.Session
	line    lines.Line
	account lines.Account
	args    json.RawMessage
}

type handlerFunc func(ctx context.Context, inv invocation) (Result, map[string]any)

// Dispatch runs one tool call end to end. It never returns an error to the
// agent transport; every outcome is a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, call Call) Result {
	name := sanitize.CanonicalTool(call.Name)
	handler := d.handler(name)
	if handler == nil {
		d.log.Warn("unknown tool invoked", "tool", call.Name, "session_id", sessionID)
		return fail(codeUnknownTool, "That isn't something I can do.")
	}

	session, err := d.calls.GetByID(ctx, sessionID)
	if err != nil {
		d.log.Error("tool call for unknown session", "session_id", sessionID, "tool", name)
		return fail(codeInternal, "Something went wrong.")
	}
	if session.Status.Terminal() {
		return fail(codeInternal, "This call has already ended.")
	}

	line, err := d.lines.GetLine(ctx, session.LineID)
	if err != nil {
		return fail(codeInternal, "Something went wrong.")
	}
	account, err := d.lines.GetAccount(ctx, line.AccountID)
	if err != nil {
		return fail(codeInternal, "Something went wrong.")
	}

	inv := invocation{session: session, line: line, account: account, args: call.Args}
	result, eventFields := handler(ctx, inv)

	payload := map[string]any{"tool": name, "success": result["success"]}
	if code, found := result["code"]; found {
		payload["errorCode"] = code
	}
	for k, v := range eventFields {
		payload[k] = v
	}
	d.calls.RecordEvent(ctx, sessionID, sanitize.EventToolCall, payload, calls.RecordOpts{})
	if _, err := d.calls.IncrementToolInvocations(ctx, sessionID); err != nil {
		d.log.Warn("tool invocation counter failed", "session_id", sessionID, "err", err)
	}
	return result
}

func (d *Dispatcher) handler(name string) handlerFunc {
	switch name {
	case "set_reminder":
		return d.setReminder
	case "snooze_reminder":
		return d.snoozeReminder
	case "edit_reminder":
		return d.editReminder
	case "pause_reminder":
		return d.pauseReminder
	case "resume_reminder":
		return d.resumeReminder
	case "cancel_reminder":
		return d.cancelReminder
	case "store_memory":
		return d.storeMemory
	case "update_memory":
		return d.updateMemory
	case "forget_memory":
		return d.forgetMemory
	case "mark_private":
		return d.markPrivate
	case "log_safety_concern":
		return d.logSafetyConcern
	case "choose_overage_action":
		return d.chooseOverageAction
	case "request_upgrade":
		return d.requestUpgrade
	case "log_call_insights":
		return d.logCallInsights
	default:
		return nil
	}
}
