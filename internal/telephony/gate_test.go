package telephony

import (
	"context"
	"testing"
	"time"

	"companion-voice/internal/auth"
	"companion-voice/internal/calls"
	"companion-voice/internal/lines"
	"companion-voice/internal/ratelimit"
)

type gateFixture struct {
	gate  *Gate
	lines *lines.MemoryRepo
	guard *calls.MemoryLineGuard
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	tokens, err := auth.NewStreamTokens("test-secret-test-secret-test-secret", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewStreamTokens: %v", err)
	}
	f := &gateFixture{
		lines: lines.NewMemoryRepo(),
		guard: calls.NewMemoryLineGuard(),
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{
		Phone:   ratelimit.Rule{Limit: 2, Window: time.Hour},
		IP:      ratelimit.Rule{Limit: 100, Window: time.Hour},
		Account: ratelimit.Rule{Limit: 100, Window: time.Hour},
	}, nil, nil)
	f.gate = NewGate(GateParams{
		Lines:   f.lines,
		Limiter: limiter,
		Calls:   calls.NewManager(calls.NewMemoryRepo(), nil),
		Guard:   f.guard,
		Tokens:  tokens,
	})

	f.lines.PutLine(lines.Line{
		ID: "line-1", AccountID: "acct-1", PhoneNumber: "+15550100",
		InboundAllowed: true, Enabled: true, Verified: true,
	})
	f.lines.PutAccount(lines.Account{
		ID: "acct-1", Status: lines.AccountStatusActive, IncludedMinutes: 100,
	})
	return f
}

func TestGateAcceptsKnownCaller(t *testing.T) {
	f := newGateFixture(t)

	d, err := f.gate.DecideInbound(context.Background(), "+15550100", "+15550999", "CA1", "203.0.113.9")
	if err != nil {
		t.Fatalf("DecideInbound: %v", err)
	}
	if d.Action != ActionAccept {
		t.Fatalf("Action = %q (%q), want accept", d.Action, d.Reason)
	}
	if d.SessionID == "" || d.StreamToken == "" {
		t.Fatalf("accept decision missing session or token: %+v", d)
	}

	// The line is now busy; a second simultaneous call is rejected.
	d, err = f.gate.DecideInbound(context.Background(), "+15550100", "+15550999", "CA2", "203.0.113.9")
	if err != nil {
		t.Fatalf("DecideInbound: %v", err)
	}
	if d.Action != ActionReject || d.Reason != ReasonLineBusy {
		t.Fatalf("second call = %q/%q, want reject/line_busy", d.Action, d.Reason)
	}
}

func TestGateAdmissionLeavesLineUnstamped(t *testing.T) {
	f := newGateFixture(t)

	d, err := f.gate.DecideInbound(context.Background(), "+15550100", "+15550999", "CA1", "203.0.113.9")
	if err != nil {
		t.Fatalf("DecideInbound: %v", err)
	}
	if d.Action != ActionAccept {
		t.Fatalf("Action = %q, want accept", d.Action)
	}

	// The stamp belongs to call completion; a caller whose very first call
	// is still in progress must still read as a first-time caller.
	line, err := f.lines.GetLine(context.Background(), "line-1")
	if err != nil {
		t.Fatalf("GetLine: %v", err)
	}
	if line.LastCallAt != nil {
		t.Fatalf("admission stamped last_call_at = %v, want nil", line.LastCallAt)
	}
}

func TestGateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *gateFixture)
		from   string
		want   RejectReason
	}{
		{"unknown caller", func(*gateFixture) {}, "+15550199", ReasonUnknownNumber},
		{"do not call", func(f *gateFixture) {
			f.putLine(func(l *lines.Line) { l.DoNotCall = true })
		}, "+15550100", ReasonDoNotCall},
		{"inbound disabled", func(f *gateFixture) {
			f.putLine(func(l *lines.Line) { l.InboundAllowed = false })
		}, "+15550100", ReasonInboundDisabled},
		{"line disabled", func(f *gateFixture) {
			f.putLine(func(l *lines.Line) { l.Enabled = false })
		}, "+15550100", ReasonLineUnavailable},
		{"canceled account", func(f *gateFixture) {
			f.lines.PutAccount(lines.Account{ID: "acct-1", Status: lines.AccountStatusCanceled})
		}, "+15550100", ReasonNotCallable},
		{"spending cap", func(f *gateFixture) {
			f.lines.PutAccount(lines.Account{
				ID: "acct-1", Status: lines.AccountStatusActive,
				SpendingCapMinor: 1000, SpentMinor: 1000,
			})
		}, "+15550100", ReasonSpendingCap},
		{"trial out of minutes", func(f *gateFixture) {
			f.lines.PutAccount(lines.Account{
				ID: "acct-1", Status: lines.AccountStatusTrial,
				IncludedMinutes: 60, MinutesUsed: 60,
			})
		}, "+15550100", ReasonTrialExhausted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newGateFixture(t)
			tc.mutate(f)

			d, err := f.gate.DecideInbound(context.Background(), tc.from, "+15550999", "CA1", "203.0.113.9")
			if err != nil {
				t.Fatalf("DecideInbound: %v", err)
			}
			if d.Action != ActionReject || d.Reason != tc.want {
				t.Fatalf("decision = %q/%q, want reject/%q", d.Action, d.Reason, tc.want)
			}
		})
	}
}

func (f *gateFixture) putLine(mutate func(l *lines.Line)) {
	line, _ := f.lines.GetLine(context.Background(), "line-1")
	mutate(&line)
	f.lines.PutLine(line)
}

func TestGateRateLimitsRepeatCallers(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := f.gate.DecideInbound(ctx, "+15550100", "+15550999", "CA1", "203.0.113.9")
		if err != nil || d.Action != ActionAccept {
			t.Fatalf("call %d: %+v, %v", i, d, err)
		}
		f.guard.Release(ctx, "line-1")
	}

	d, err := f.gate.DecideInbound(ctx, "+15550100", "+15550999", "CA3", "203.0.113.9")
	if err != nil {
		t.Fatalf("DecideInbound: %v", err)
	}
	if d.Action != ActionReject || d.Reason != ReasonRateLimited {
		t.Fatalf("decision = %q/%q, want reject/rate_limited", d.Action, d.Reason)
	}
}
