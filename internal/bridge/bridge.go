package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"companion-voice/internal/agent"
	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/insights"
	"companion-voice/internal/lines"
	"companion-voice/internal/safety"
	"companion-voice/internal/sanitize"
	"companion-voice/internal/tools"
)

// AgentConn is the slice of the agent connection the bridge uses. Satisfied
// by *agent.Conn; tests substitute a scripted fake.
type AgentConn interface {
	SendAudio(payload string) error
	InjectSystemMessage(text string) error
	SendToolResult(callID string, output any) error
	Events() <-chan agent.Event
	Close() error
}

// AgentDialer opens an agent connection configured for one call.
type AgentDialer func(ctx context.Context, sc agent.SessionConfig) (AgentConn, error)

// ToolDispatcher executes one model tool invocation.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, sessionID string, call tools.Call) tools.Result
}

// InsightExtractor runs the fallback insight pipeline when the agent never
// logged insights during the call. Satisfied by *insights.Extractor.
type InsightExtractor interface {
	Extract(ctx context.Context, p insights.ExtractParams)
}

const (
	// optOutWindow is how long a second 9 keypress counts as confirmation.
	optOutWindow = 30 * time.Second

	// optOutGoodbye is how long the agent gets to say goodbye after a
	// confirmed opt-out before the bridge hangs up.
	optOutGoodbye = 10 * time.Second

	watchdogTick = time.Second

	// criticalMinutes is the trial-minutes floor at which the agent is asked
	// to mention the limit, ahead of the hard wrap-up at zero.
	criticalMinutes = 2

	// maxTranscriptBytes bounds the buffered agent transcript kept for the
	// insight-extraction fallback.
	maxTranscriptBytes = 16 << 10
)

// Bridge relays media between one carrier stream and one agent connection.
// A single goroutine owns all mutable state; carrier frames and agent events
// arrive over channels, so no field needs a lock.
type Bridge struct {
	session calls.Session
	cc      CallContext

	carrier CarrierWriter
	agent   AgentConn
	calls   *calls.Manager
	lines   lines.Repository
	tools   ToolDispatcher
	safety  *safety.Registry
	guard   calls.LineGuard
	audit   *audit.Service
	extract InsightExtractor
	log     *slog.Logger
	clock   func() time.Time

	streamSid   string
	graceWindow time.Duration

	frames chan Frame

	// DTMF opt-out state.
	optOutPending  bool
	optOutDeadline time.Time

	// Minutes watchdog state.
	minutesCritical bool
	minutesWarned   bool
	hangupAt        time.Time
	hangupReason    string

	transcript strings.Builder

	finished bool
}

// BridgeParams wires one call's bridge.
type BridgeParams struct {
	Session calls.Session
	Context CallContext

	Carrier CarrierWriter
	Agent   AgentConn
	Calls   *calls.Manager
	Lines   lines.Repository
	Tools   ToolDispatcher
	Safety  *safety.Registry
	Guard   calls.LineGuard
	Audit   *audit.Service
	Extract InsightExtractor
	Log     *slog.Logger

	StreamSid   string
	GraceWindow time.Duration
}

func NewBridge(p BridgeParams) *Bridge {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	grace := p.GraceWindow
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Bridge{
		session:     p.Session,
		cc:          p.Context,
		carrier:     p.Carrier,
		agent:       p.Agent,
		calls:       p.Calls,
		lines:       p.Lines,
		tools:       p.Tools,
		safety:      p.Safety,
		guard:       p.Guard,
		audit:       p.Audit,
		extract:     p.Extract,
		log:         log.With("session_id", p.Session.ID, "line_id", p.Session.LineID),
		clock:       time.Now,
		streamSid:   p.StreamSid,
		graceWindow: grace,
		frames:      make(chan Frame, 64),
	}
}

func (b *Bridge) WithClock(clock func() time.Time) *Bridge {
	b.clock = clock
	return b
}

// Frames is where the carrier reader delivers parsed frames. Closing it
// tells the bridge the caller hung up.
func (b *Bridge) Frames() chan<- Frame { return b.frames }

// Run owns the call until teardown. It returns after the session has been
// finalized exactly once.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	agentEvents := b.agent.Events()
	for {
		select {
		case <-ctx.Done():
			b.finish(ctx, "server_shutdown", false)
			return
		case f, ok := <-b.frames:
			if !ok {
				b.finish(ctx, "caller_hangup", false)
				return
			}
			if done := b.handleFrame(ctx, f); done {
				return
			}
		case ev, ok := <-agentEvents:
			if !ok {
				b.finish(ctx, "agent_disconnected", true)
				return
			}
			if done := b.handleAgentEvent(ctx, ev); done {
				return
			}
		case <-ticker.C:
			if done := b.tick(ctx, b.clock()); done {
				return
			}
		}
	}
}

func (b *Bridge) handleFrame(ctx context.Context, f Frame) (done bool) {
	switch f.Event {
	case FrameMedia:
		if f.Media == nil {
			return false
		}
		if err := b.agent.SendAudio(f.Media.Payload); err != nil {
			b.log.Warn("audio forward failed", "err", err)
		}
	case FrameDTMF:
		if f.DTMF != nil {
			b.handleDTMF(ctx, f.DTMF.Digit)
		}
	case FrameStop:
		b.finish(ctx, "caller_hangup", false)
		return true
	}
	return false
}

func (b *Bridge) handleAgentEvent(ctx context.Context, ev agent.Event) (done bool) {
	switch ev.Type {
	case agent.EventAudio:
		if err := b.carrier.WriteMedia(b.streamSid, ev.Audio); err != nil {
			b.log.Warn("carrier write failed", "err", err)
			b.finish(ctx, "carrier_write_failed", true)
			return true
		}
	case agent.EventSpeechStarted:
		// Barge-in: the caller started talking, flush queued agent audio
		// so the interruption lands immediately.
		if err := b.carrier.WriteClear(b.streamSid); err != nil {
			b.log.Warn("carrier clear failed", "err", err)
		}
	case agent.EventToolCall:
		b.handleToolCall(ctx, ev)
	case agent.EventTranscript:
		if ev.Message == "" {
			break
		}
		if b.safety != nil {
			if tier := safety.ScanBackstop(ev.Message); tier != safety.TierNone {
				b.safety.Get(b.session.ID).Record(safety.SourceBackstop, tier)
				b.log.Warn("backstop triggered", "tier", string(tier))
			}
		}
		if b.transcript.Len() < maxTranscriptBytes {
			if b.transcript.Len() > 0 {
				b.transcript.WriteByte('\n')
			}
			b.transcript.WriteString(ev.Message)
		}
	case agent.EventError:
		b.log.Warn("agent error frame", "message", ev.Message)
		b.calls.RecordEvent(ctx, b.session.ID, sanitize.EventError, map[string]any{
			"code":             "agent_error",
			"source":           "agent",
			"fallback_message": "I'm having a little trouble hearing. Let's keep going.",
		}, calls.RecordOpts{})
	case agent.EventClosed:
		if ev.Message != "" {
			b.log.Warn("agent connection lost", "message", ev.Message)
			b.finish(ctx, "agent_disconnected", true)
		} else {
			b.finish(ctx, "agent_ended", false)
		}
		return true
	}
	return false
}

func (b *Bridge) handleToolCall(ctx context.Context, ev agent.Event) {
	result := b.tools.Dispatch(ctx, b.session.ID, tools.Call{
		ID:   ev.ToolCallID,
		Name: ev.ToolName,
		Args: ev.ToolArgs,
	})
	if err := b.agent.SendToolResult(ev.ToolCallID, result); err != nil {
		b.log.Warn("tool result send failed", "tool", ev.ToolName, "err", err)
		return
	}
	if end, _ := result["end_call"].(bool); end {
		b.scheduleHangup("caller_requested_end", optOutGoodbye)
	}
}

// handleDTMF runs the keypad machine. 1 repeats the last response, 0 asks
// for help, 9 pressed twice inside the window opts the line out of calls.
func (b *Bridge) handleDTMF(ctx context.Context, digit string) {
	now := b.clock()
	action := "ignored"

	switch digit {
	case "1":
		action = "repeat"
		b.inject("The caller pressed 1 on the keypad. Repeat what you just said, slowly and clearly.")
	case "0":
		action = "help"
		b.inject("The caller pressed 0 on the keypad. Briefly explain how this service works: " +
			"you can chat, set reminders, and remember things. Mention that pressing 9 twice stops future calls.")
	case "9":
		if b.optOutPending && now.Before(b.optOutDeadline) {
			action = "opt_out_confirmed"
			b.confirmOptOut(ctx)
		} else {
			action = "opt_out_requested"
			b.optOutPending = true
			b.optOutDeadline = now.Add(optOutWindow)
			b.inject("The caller pressed 9, which starts an opt-out from future calls. " +
				"Tell them that pressing 9 again within thirty seconds will stop all calls, " +
				"and that they can ignore this if it was a mistake.")
		}
	}

	b.calls.RecordEvent(ctx, b.session.ID, sanitize.EventDTMF, map[string]any{
		"digit":  digit,
		"action": action,
	}, calls.RecordOpts{})
}

func (b *Bridge) confirmOptOut(ctx context.Context) {
	b.optOutPending = false
	if err := b.lines.SetDoNotCall(ctx, b.session.LineID, true); err != nil {
		b.log.Error("opt-out persist failed", "err", err)
		return
	}
	if b.audit != nil {
		_ = b.audit.Append(ctx, audit.Event{
			Type:      audit.EventTypeOptOut,
			AccountID: b.session.AccountID,
			LineID:    b.session.LineID,
			SessionID: b.session.ID,
			Message:   "opt-out confirmed by keypad",
		})
	}
	b.inject("The caller confirmed they no longer want these calls. Say a warm, brief goodbye " +
		"and confirm the calls will stop.")
	b.scheduleHangup("caller_opt_out", optOutGoodbye)
}

// tick drives the deadlines: pending opt-out expiry, trial-minutes
// exhaustion, and any scheduled hangup.
func (b *Bridge) tick(ctx context.Context, now time.Time) (done bool) {
	if b.optOutPending && !now.Before(b.optOutDeadline) {
		b.optOutPending = false
	}

	b.checkMinutes(now)

	if !b.hangupAt.IsZero() && !now.Before(b.hangupAt) {
		b.finish(ctx, b.hangupReason, false)
		return true
	}
	return false
}

func (b *Bridge) checkMinutes(now time.Time) {
	if b.minutesWarned || b.session.TestCall {
		return
	}
	if b.cc.Account.Status != lines.AccountStatusTrial {
		return
	}
	connectedAt := b.session.CreatedAt
	if b.session.ConnectedAt != nil {
		connectedAt = *b.session.ConnectedAt
	}
	elapsedMin := int(now.Sub(connectedAt) / time.Minute)
	remaining := b.cc.Account.MinutesRemaining() - elapsedMin
	if remaining <= 0 {
		b.minutesWarned = true
		b.inject("The trial calling minutes for this account have just run out. Wrap up the " +
			"conversation warmly in the next sentence or two and say goodbye.")
		b.scheduleHangup("trial_minutes_exhausted", b.graceWindow)
		return
	}
	if remaining <= criticalMinutes && !b.minutesCritical {
		b.minutesCritical = true
		b.inject("Only a couple of trial calling minutes remain on this account. Mention " +
			"that naturally in the conversation without ending the call.")
	}
}

// scheduleHangup keeps the earliest deadline; a wrap-up already underway is
// never pushed later.
func (b *Bridge) scheduleHangup(reason string, after time.Duration) {
	at := b.clock().Add(after)
	if !b.hangupAt.IsZero() && b.hangupAt.Before(at) {
		return
	}
	b.hangupAt = at
	b.hangupReason = reason
}

func (b *Bridge) inject(text string) {
	if err := b.agent.InjectSystemMessage(text); err != nil {
		b.log.Warn("system message inject failed", "err", err)
	}
}

// finish tears the call down exactly once: close both legs, release the
// line guard, flush the safety summary, and finalize the session.
func (b *Bridge) finish(ctx context.Context, reason string, failed bool) {
	if b.finished {
		return
	}
	b.finished = true

	ctx = context.WithoutCancel(ctx)

	if err := b.agent.Close(); err != nil {
		b.log.Debug("agent close", "err", err)
	}
	b.carrier.Close()

	if b.safety != nil {
		summary := b.safety.Remove(b.session.ID)
		if summary.ModelHighest != safety.TierNone || summary.BackstopHighest != safety.TierNone {
			tier := summary.ModelHighest
			if summary.BackstopHighest.Exceeds(tier) {
				tier = summary.BackstopHighest
			}
			b.calls.RecordEvent(ctx, b.session.ID, sanitize.EventSafetyTier, map[string]any{
				"tier":         string(tier),
				"source":       "summary",
				"action_taken": "logged",
			}, calls.RecordOpts{})
		}
	}

	if b.guard != nil {
		b.guard.Release(ctx, b.session.LineID)
	}

	var (
		final calls.Session
		err   error
	)
	if failed && b.session.ConnectedAt == nil {
		final, err = b.calls.Fail(ctx, b.session.ID, reason)
	} else {
		final, err = b.calls.Complete(ctx, b.session.ID, reason)
	}
	if err != nil {
		b.log.Error("session finalize failed", "reason", reason, "err", err)
		return
	}

	// Stamp the line only after a call actually connected and completed, so
	// a rejected or failed dial still counts as "never called" for context.
	if final.Status == calls.StatusCompleted && final.ConnectedAt != nil {
		if err := b.lines.TouchLastCall(ctx, final.LineID, b.clock().UTC()); err != nil {
			b.log.Warn("touch last call failed", "err", err)
		}
	}

	if b.extract != nil && final.Status == calls.StatusCompleted && !final.TestCall {
		summary := b.transcript.String()
		go b.extract.Extract(ctx, insights.ExtractParams{
			SessionID: final.ID,
			AccountID: final.AccountID,
			LineID:    final.LineID,
			Duration:  time.Duration(final.SecondsConnected) * time.Second,
			Summary:   summary,
		})
	}

	b.log.Info("call finished", "reason", reason)
}
