package telephony

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"companion-voice/internal/auth"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/ratelimit"
)

// Gate decides whether an inbound call is connected to the agent or spoken
// a goodbye and hung up. On accept it creates the call session and mints
// the stream token the media endpoint will demand.
type Gate struct {
	lines   lines.Repository
	limiter *ratelimit.Limiter
	calls   *calls.Manager
	guard   calls.LineGuard
	tokens  *auth.StreamTokens
	log     *slog.Logger
	clock   func() time.Time
}

type GateParams struct {
	Lines   lines.Repository
	Limiter *ratelimit.Limiter
	Calls   *calls.Manager
	Guard   calls.LineGuard
	Tokens  *auth.StreamTokens
	Log     *slog.Logger
}

func NewGate(p GateParams) *Gate {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	return &Gate{
		lines:   p.Lines,
		limiter: p.Limiter,
		calls:   p.Calls,
		guard:   p.Guard,
		tokens:  p.Tokens,
		log:     p.Log,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// DecideInbound runs the admission checks in order. The first failing check
// wins; a rejection never reveals which internal rule fired beyond the
// spoken wording.
func (g *Gate) DecideInbound(ctx context.Context, from, to, carrierCallID, clientIP string) (Decision, error) {
	line, err := g.lines.GetLineByPhone(ctx, from)
	if errors.Is(err, lines.ErrNotFound) {
		return Decision{Action: ActionReject, Reason: ReasonUnknownNumber}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if line.DoNotCall {
		return Decision{Action: ActionReject, Reason: ReasonDoNotCall}, nil
	}
	if !line.InboundAllowed {
		return Decision{Action: ActionReject, Reason: ReasonInboundDisabled}, nil
	}
	if !line.Enabled || !line.Verified {
		return Decision{Action: ActionReject, Reason: ReasonLineUnavailable}, nil
	}

	account, err := g.lines.GetAccount(ctx, line.AccountID)
	if err != nil {
		return Decision{}, err
	}
	if !account.Callable() {
		return Decision{Action: ActionReject, Reason: ReasonNotCallable}, nil
	}
	if account.SpendingCapReached() {
		return Decision{Action: ActionReject, Reason: ReasonSpendingCap}, nil
	}
	if account.Status == lines.AccountStatusTrial && account.MinutesRemaining() == 0 {
		return Decision{Action: ActionReject, Reason: ReasonTrialExhausted}, nil
	}

	if g.limiter != nil {
		if d := g.limiter.CheckRequest(ctx, from, clientIP, account.ID); !d.Allowed {
			g.log.Info("inbound call rate limited",
				"line_id", line.ID, "scope", d.Scope, "reset_at", d.ResetAt)
			return Decision{Action: ActionReject, Reason: ReasonRateLimited}, nil
		}
	}

	if g.guard != nil {
		ok, err := g.guard.Acquire(ctx, line.ID)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Action: ActionReject, Reason: ReasonLineBusy}, nil
		}
	}

	session, err := g.calls.Create(ctx, calls.CreateParams{
		AccountID:     account.ID,
		LineID:        line.ID,
		Direction:     calls.DirectionInbound,
		CarrierCallID: carrierCallID,
	})
	if err != nil {
		g.releaseGuard(ctx, line.ID)
		return Decision{}, err
	}

	token, err := g.tokens.Issue(g.clock().UTC(), session.ID, line.ID)
	if err != nil {
		g.releaseGuard(ctx, line.ID)
		return Decision{}, err
	}

	return Decision{Action: ActionAccept, SessionID: session.ID, StreamToken: token}, nil
}

// TokenForOutbound mints the stream token for an answered outbound call.
func (g *Gate) TokenForOutbound(ctx context.Context, carrierCallID string) (token, sessionID string, err error) {
	session, err := g.calls.GetByCarrierCallID(ctx, carrierCallID)
	if err != nil {
		return "", "", err
	}
	if session.Status != calls.StatusInitiated {
		return "", "", errors.New("telephony: session not awaiting answer")
	}
	token, err = g.tokens.Issue(g.clock().UTC(), session.ID, session.LineID)
	if err != nil {
		return "", "", err
	}
	return token, session.ID, nil
}

func (g *Gate) releaseGuard(ctx context.Context, lineID string) {
	if g.guard != nil {
		g.guard.Release(ctx, lineID)
	}
}
