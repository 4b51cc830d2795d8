package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"time"

	"companion-voice/internal/audit"
)

// Limiter enforces windowed admission limits per phone, IP, account and
// call session.
//
// Design rules, deliberately asymmetric with the encryption service:
//  1. Fail open. If the backing store is unreachable the request is allowed
//     and the bypass is audit-logged with a reason code, because availability
//     of the calling feature outranks strict enforcement.
//  2. When several scopes apply, evaluation order is phone -> ip -> account;
//     the first blocking scope wins, otherwise the most restrictive
//     remaining count is reported.
//  3. Loopback and private-network callers bypass outside production only.
//  4. Every decision, allowed or blocked, is audit-logged with its scope.

type Scope string

const (
	ScopePhone   Scope = "phone"
	ScopeIP      Scope = "ip"
	ScopeAccount Scope = "account"
	ScopeSession Scope = "session"
)

const ReasonStoreUnavailable = "backing_store_unavailable"

// Store is the counter backend. Incr bumps the counter for key, starting a
// new window with the given TTL when none is active, and returns the count
// within the current window plus its reset time.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Rule is one scope's window configuration.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Phone   Rule
	IP      Rule
	Account Rule
	Session Rule

	// Production disables the private-network bypass unconditionally.
	Production bool
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed   bool
	Scope     Scope
	Remaining int
	ResetAt   time.Time

	// BypassReason is set when the request was allowed without counting
	// (store outage or non-production private caller).
	BypassReason string
}

type Limiter struct {
	store Store
	cfg   Config
	audit *audit.Service
	log   *slog.Logger
}

func New(store Store, cfg Config, auditSvc *audit.Service, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, cfg: cfg, audit: auditSvc, log: log}
}

func (l *Limiter) rule(scope Scope) Rule {
	switch scope {
	case ScopePhone:
		return l.cfg.Phone
	case ScopeIP:
		return l.cfg.IP
	case ScopeAccount:
		return l.cfg.Account
	case ScopeSession:
		return l.cfg.Session
	default:
		return Rule{}
	}
}

// Check evaluates a single scope for a key.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string) Decision {
	r := l.rule(scope)
	if r.Limit <= 0 || r.Window <= 0 || key == "" {
		return Decision{Allowed: true, Scope: scope, Remaining: -1}
	}

	count, resetAt, err := l.store.Incr(ctx, string(scope)+":"+key, r.Window)
	if err != nil {
		l.log.Warn("rate limit store unavailable, failing open", "scope", scope, "err", err)
		l.logDecision(ctx, audit.EventTypeRateLimitBypass, scope, key, ReasonStoreUnavailable)
		return Decision{Allowed: true, Scope: scope, Remaining: -1, BypassReason: ReasonStoreUnavailable}
	}

	d := Decision{Scope: scope, ResetAt: resetAt}
	if count > int64(r.Limit) {
		d.Allowed = false
		d.Remaining = 0
		l.logDecision(ctx, audit.EventTypeRateLimitBlocked, scope, key, "")
		return d
	}
	d.Allowed = true
	d.Remaining = r.Limit - int(count)
	l.logDecision(ctx, audit.EventTypeRateLimitAllowed, scope, key, "")
	return d
}

// CheckRequest evaluates the phone, IP and account scopes in order for one
// inbound request. Empty keys skip their scope.
func (l *Limiter) CheckRequest(ctx context.Context, phone, ip, accountID string) Decision {
	if ip != "" && !l.cfg.Production && isPrivateOrLoopback(ip) {
		l.logDecision(ctx, audit.EventTypeRateLimitBypass, ScopeIP, ip, "private_network")
		return Decision{Allowed: true, Scope: ScopeIP, Remaining: -1, BypassReason: "private_network"}
	}

	checks := []struct {
		scope Scope
		key   string
	}{
		{ScopePhone, phone},
		{ScopeIP, ip},
		{ScopeAccount, accountID},
	}

	most := Decision{Allowed: true, Remaining: -1}
	for _, c := range checks {
		if c.key == "" {
			continue
		}
		d := l.Check(ctx, c.scope, c.key)
		if !d.Allowed {
			return d
		}
		if d.Remaining >= 0 && (most.Remaining < 0 || d.Remaining < most.Remaining) {
			most = d
		}
	}
	return most
}

func (l *Limiter) logDecision(ctx context.Context, typ audit.EventType, scope Scope, key, reason string) {
	if l.audit == nil {
		return
	}
	if err := l.audit.LogRateLimit(ctx, typ, string(scope), key, reason); err != nil {
		l.log.Warn("rate limit audit failed", "scope", scope, "err", err)
	}
}

func isPrivateOrLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}
