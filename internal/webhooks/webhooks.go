// Package webhooks exposes the internal collaborator endpoints. They are
// called by trusted backend jobs, never by end users, and are authenticated
// with a shared secret rather than per-user credentials.
package webhooks

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"companion-voice/internal/audit"
	"companion-voice/internal/calls"
	"companion-voice/internal/insights"
	"companion-voice/internal/lines"
	"companion-voice/internal/notify"
	"companion-voice/internal/schedule"
	"companion-voice/internal/tools"
	"companion-voice/pkg/logger"
)

const secretHeader = "X-Internal-Secret"

// RequireInternalSecret rejects requests whose shared-secret header does not
// match. Comparison is constant time; an empty configured secret rejects
// everything rather than opening the endpoints.
func RequireInternalSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(secretHeader)
		if secret == "" || got == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// Handler serves the collaborator triggers.
type Handler struct {
	lines     lines.Repository
	sessions  calls.Repository
	schedules schedule.Repository
	insights  *insights.Service
	upgrades  tools.Upgrades
	email     notify.EmailSender
	audit     *audit.Service

	anomalyCallsPerDay int
	clock              func() time.Time
}

type HandlerParams struct {
	Lines     lines.Repository
	Sessions  calls.Repository
	Schedules schedule.Repository
	Insights  *insights.Service
	Upgrades  tools.Upgrades
	Email     notify.EmailSender
	Audit     *audit.Service

	AnomalyCallsPerDay int
}

func NewHandler(p HandlerParams) *Handler {
	perDay := p.AnomalyCallsPerDay
	if perDay <= 0 {
		perDay = 20
	}
	return &Handler{
		lines:              p.Lines,
		sessions:           p.Sessions,
		schedules:          p.Schedules,
		insights:           p.Insights,
		upgrades:           p.Upgrades,
		email:              p.Email,
		audit:              p.Audit,
		anomalyCallsPerDay: perDay,
		clock:              time.Now,
	}
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// Register mounts the collaborator routes behind the shared-secret guard.
func (h *Handler) Register(r gin.IRouter, secret string) {
	grp := r.Group("/internal", RequireInternalSecret(secret))
	grp.POST("/upgrade", h.TriggerUpgrade)
	grp.POST("/weekly-summary", h.TriggerWeeklySummary)
	grp.POST("/anomaly-check", h.TriggerAnomalyCheck)
	grp.POST("/missed-calls", h.TriggerMissedCalls)
}

type accountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

type lineRequest struct {
	LineID string `json:"line_id" binding:"required"`
}

// TriggerUpgrade sends a plan-upgrade checkout link to the account's
// billing contact, mirroring what the in-call request_upgrade tool does.
func (h *Handler) TriggerUpgrade(c *gin.Context) {
	log := logger.FromGin(c)

	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	account, err := h.lines.GetAccount(c.Request.Context(), req.AccountID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	delivery, err := h.upgrades.SendUpgradeLink(c.Request.Context(), account)
	if err != nil {
		log.Error("upgrade trigger failed", "account_id", req.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upgrade link delivery failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": delivery})
}

// TriggerWeeklySummary aggregates the line's last seven days of calls,
// refreshes its insight baseline, and mails the account's billing contact.
func (h *Handler) TriggerWeeklySummary(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	var req lineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line_id is required"})
		return
	}

	line, err := h.lines.GetLine(ctx, req.LineID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "line not found"})
		return
	}

	since := h.clock().UTC().AddDate(0, 0, -7)
	sessions, err := h.sessions.ListCompletedSince(ctx, line.ID, since)
	if err != nil {
		log.Error("weekly summary session list failed", "line_id", line.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}

	var seconds int
	for _, s := range sessions {
		seconds += s.SecondsConnected
	}

	if h.insights != nil {
		if _, err := h.insights.RecomputeBaseline(ctx, line.ID); err != nil {
			log.Warn("baseline recompute failed", "line_id", line.ID, "err", err)
		}
	}

	h.mailBillingContact(c, line.AccountID, "Weekly companion call summary",
		fmt.Sprintf("This week: %d calls, about %d minutes of conversation.", len(sessions), seconds/60))

	c.JSON(http.StatusOK, gin.H{"calls": len(sessions), "minutes": seconds / 60})
}

// TriggerAnomalyCheck flags lines whose daily call volume spikes past the
// configured ceiling, a pattern that often means repeated redials in
// distress or a misbehaving schedule.
func (h *Handler) TriggerAnomalyCheck(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	var req lineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line_id is required"})
		return
	}

	line, err := h.lines.GetLine(ctx, req.LineID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "line not found"})
		return
	}

	since := h.clock().UTC().Add(-24 * time.Hour)
	sessions, err := h.sessions.ListCompletedSince(ctx, line.ID, since)
	if err != nil {
		log.Error("anomaly session list failed", "line_id", line.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "anomaly check failed"})
		return
	}

	anomalous := len(sessions) > h.anomalyCallsPerDay
	if anomalous {
		if h.audit != nil {
			_ = h.audit.Append(ctx, audit.Event{
				Type:      audit.EventTypeRateLimitBlocked,
				AccountID: line.AccountID,
				LineID:    line.ID,
				Scope:     "anomaly",
				Key:       line.ID,
				Message:   fmt.Sprintf("%d calls in 24h exceeds %d", len(sessions), h.anomalyCallsPerDay),
			})
		}
		h.mailBillingContact(c, line.AccountID, "Unusual calling activity",
			fmt.Sprintf("This line made %d calls in the last day, more than the expected %d. "+
				"It may be worth checking in.", len(sessions), h.anomalyCallsPerDay))
	}

	c.JSON(http.StatusOK, gin.H{"anomalous": anomalous, "calls": len(sessions)})
}

// TriggerMissedCalls reports scheduled calls that did not go through on
// their last attempt so the family learns the line has gone quiet.
func (h *Handler) TriggerMissedCalls(c *gin.Context) {
	ctx := c.Request.Context()

	var req lineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "line_id is required"})
		return
	}

	line, err := h.lines.GetLine(ctx, req.LineID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "line not found"})
		return
	}

	schedules, err := h.schedules.ListByLine(ctx, line.ID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "schedule list failed"})
		return
	}

	since := h.clock().UTC().AddDate(0, 0, -7)
	missed := 0
	for _, s := range schedules {
		if s.LastRunAt == nil || s.LastRunAt.Before(since) {
			continue
		}
		if s.LastResult != "" && s.LastResult != schedule.ResultPlaced {
			missed++
		}
	}

	if missed > 0 {
		h.mailBillingContact(c, line.AccountID, "Scheduled calls are not connecting",
			fmt.Sprintf("%d scheduled companion calls did not connect this week.", missed))
	}
	c.JSON(http.StatusOK, gin.H{"missed": missed})
}

func (h *Handler) mailBillingContact(c *gin.Context, accountID, subject, body string) {
	log := logger.FromGin(c)
	if h.email == nil {
		return
	}
	account, err := h.lines.GetAccount(c.Request.Context(), accountID)
	if err != nil || account.BillingEmail == "" {
		return
	}
	if err := h.email.SendEmail(c.Request.Context(), account.BillingEmail, subject, body); err != nil {
		log.Warn("billing contact mail failed", "account_id", accountID, "err", err)
	}
}
