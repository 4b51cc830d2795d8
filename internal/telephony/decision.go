package telephony

// Decision is the outcome of the inbound-call gate. It carries only what
// the TwiML builder needs to execute it.
type Decision struct {
	Action Action `json:"action"`

	// Reason is set on rejections; internal logs and the spoken goodbye
	// both key off it.
	Reason RejectReason `json:"reason,omitempty"`

	// Accept-only fields.
	SessionID   string `json:"session_id,omitempty"`
	StreamToken string `json:"-"`
}

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

type RejectReason string

const (
	ReasonUnknownNumber   RejectReason = "unknown_number"
	ReasonDoNotCall       RejectReason = "do_not_call"
	ReasonInboundDisabled RejectReason = "inbound_disabled"
	ReasonLineUnavailable RejectReason = "line_unavailable"
	ReasonNotCallable     RejectReason = "account_not_callable"
	ReasonSpendingCap     RejectReason = "spending_cap"
	ReasonTrialExhausted  RejectReason = "trial_exhausted"
	ReasonRateLimited     RejectReason = "rate_limited"
	ReasonLineBusy        RejectReason = "line_busy"
	ReasonInternalError   RejectReason = "internal_error"
)

// rejectSpeech maps each rejection to the sentence spoken before hangup.
// Callers are elderly; the wording stays warm and concrete, and never
// mentions billing internals.
var rejectSpeech = map[RejectReason]string{
	ReasonUnknownNumber:   "Sorry, this number isn't set up for calls yet. Please ask your family to check the settings. Goodbye.",
	ReasonDoNotCall:       "This line has asked not to receive calls. Goodbye.",
	ReasonInboundDisabled: "Sorry, this number can't take incoming calls right now. We'll call you at your usual time. Goodbye.",
	ReasonLineUnavailable: "Sorry, this line isn't available right now. Please try again later. Goodbye.",
	ReasonNotCallable:     "Sorry, this account isn't active right now. Please ask your family to check the account. Goodbye.",
	ReasonSpendingCap:     "Sorry, calling is paused on this account for now. Please ask your family to check the account. Goodbye.",
	ReasonTrialExhausted:  "Sorry, the free calling minutes for this month are used up. Please ask your family about the plan. Goodbye.",
	ReasonRateLimited:     "You've reached us quite a few times recently. Let's talk again a little later. Goodbye.",
	ReasonLineBusy:        "It looks like another call is already going. Goodbye.",
	ReasonInternalError:   "Sorry, something went wrong on our end. Please try again in a few minutes. Goodbye.",
}

// SpokenRejection returns the goodbye sentence for a rejection reason.
func SpokenRejection(reason RejectReason) string {
	if msg, ok := rejectSpeech[reason]; ok {
		return msg
	}
	return rejectSpeech[ReasonInternalError]
}
