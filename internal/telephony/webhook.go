package telephony

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"companion-voice/pkg/logger"
)

// InboundForm captures the subset of voice webhook fields this service
// reads. The carrier sends application/x-www-form-urlencoded.
type InboundForm struct {
	CallSid    string
	From       string
	To         string
	Direction  string
	CallStatus string
}

func ParseInboundCall(r *http.Request) (InboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundForm{}, err
	}
	return InboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
	}, nil
}

// WebhookHandler terminates carrier voice webhooks: verify the signature,
// run the admission gate, answer with TwiML.
type WebhookHandler struct {
	Gate *Gate

	// AuthToken verifies the carrier's webhook signature. Empty disables
	// verification; production config rejects an empty token.
	AuthToken string

	// PublicBaseURL reconstructs the signed URL behind proxies.
	PublicBaseURL string

	// StreamURL is the media websocket origin handed to the carrier.
	StreamURL string

	// Disclosure is spoken before connecting; localized by language.
	Disclosure func(language string) string
}

func (h WebhookHandler) HandleInboundCall(c *gin.Context) {
	log := logger.FromGin(c)

	if !h.verifySignature(c) {
		log.Warn("carrier webhook signature rejected", "path", c.Request.URL.Path)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	form, err := ParseInboundCall(c.Request)
	if err != nil || form.From == "" {
		log.Warn("carrier webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	decision, err := h.Gate.DecideInbound(c.Request.Context(), form.From, form.To, form.CallSid, c.ClientIP())
	if err != nil {
		log.Error("inbound gate failed", "err", err)
		decision = Decision{Action: ActionReject, Reason: ReasonInternalError}
	}

	var twiml string
	switch decision.Action {
	case ActionAccept:
		var disclosure string
		if h.Disclosure != nil {
			disclosure = h.Disclosure(defaultLanguage)
		}
		twiml, err = RenderConnect(ConnectParams{
			StreamURL:   h.StreamURL,
			StreamToken: decision.StreamToken,
			Disclosure:  disclosure,
		})
		if err == nil {
			log.Info("inbound call accepted", "session_id", decision.SessionID, "call_sid", form.CallSid)
		}
	default:
		twiml, err = RenderReject(decision.Reason, defaultLanguage)
		if err == nil {
			log.Info("inbound call rejected", "reason", decision.Reason, "call_sid", form.CallSid)
		}
	}
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleOutboundAnswer runs when the callee picks up a call this service
// originated. The session already exists; it only needs its stream token
// and the connect TwiML.
func (h WebhookHandler) HandleOutboundAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	if !h.verifySignature(c) {
		log.Warn("carrier webhook signature rejected", "path", c.Request.URL.Path)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	form, err := ParseInboundCall(c.Request)
	if err != nil || form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	token, sessionID, err := h.Gate.TokenForOutbound(c.Request.Context(), form.CallSid)
	if err != nil {
		log.Error("outbound answer resolution failed", "call_sid", form.CallSid, "err", err)
		twiml, rerr := RenderReject(ReasonInternalError, defaultLanguage)
		if rerr != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Header("Content-Type", "application/xml")
		c.String(http.StatusOK, twiml)
		return
	}

	var disclosure string
	if h.Disclosure != nil {
		disclosure = h.Disclosure(defaultLanguage)
	}
	twiml, err := RenderConnect(ConnectParams{
		StreamURL:   h.StreamURL,
		StreamToken: token,
		Disclosure:  disclosure,
	})
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	log.Info("outbound call answered", "session_id", sessionID, "call_sid", form.CallSid)
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

func (h WebhookHandler) verifySignature(c *gin.Context) bool {
	if h.AuthToken == "" {
		return true
	}
	if err := c.Request.ParseForm(); err != nil {
		return false
	}
	fullURL := h.PublicBaseURL + c.Request.URL.RequestURI()
	return ValidSignature(h.AuthToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature"))
}
