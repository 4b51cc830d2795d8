// Package notify delivers safety alerts to trusted contacts. Message bodies
// never include call content; contacts learn that a concern was flagged,
// not what was said.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"companion-voice/internal/audit"
	"companion-voice/internal/lines"
)

var errNoChannel = errors.New("notify: contact has no reachable channel")

const (
	alertSubject = "A check-in may be needed"

	alertBody = "During a recent companion call, something came up that suggests " +
		"your family member may need someone to check on them. No call details are " +
		"shared; please reach out to them directly when you can."
)

// Notifier fans a high-tier safety alert out to every consenting trusted
// contact on the account.
type Notifier struct {
	lines lines.Repository
	sms   SMSSender
	email EmailSender
	audit *audit.Service
	log   *slog.Logger
}

type NotifierParams struct {
	Lines lines.Repository
	SMS   SMSSender
	Email EmailSender
	Audit *audit.Service
	Log   *slog.Logger
}

func NewNotifier(p NotifierParams) *Notifier {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{lines: p.Lines, sms: p.SMS, email: p.Email, audit: p.Audit, log: log}
}

// NotifyHighTier alerts the account's trusted contacts. The caller already
// checked consent at dispatch time; it is re-checked here so a consent
// withdrawal between flag and delivery still suppresses the alert.
func (n *Notifier) NotifyHighTier(ctx context.Context, accountID, lineID, sessionID string) {
	account, err := n.lines.GetAccount(ctx, accountID)
	if err != nil {
		n.log.Error("safety alert account load failed", "account_id", accountID, "err", err)
		return
	}
	if !account.TrustedContactConsent {
		n.log.Info("safety alert suppressed, consent withdrawn", "account_id", accountID)
		return
	}

	contacts, err := n.lines.ListTrustedContacts(ctx, accountID)
	if err != nil {
		n.log.Error("trusted contact list failed", "account_id", accountID, "err", err)
		return
	}

	delivered := 0
	for _, c := range contacts {
		if !c.Enabled || !c.NotifyHighTier {
			continue
		}
		channel, err := n.deliver(ctx, c)
		if err != nil {
			n.log.Error("safety alert delivery failed",
				"account_id", accountID, "contact_id", c.ID, "err", err)
			continue
		}
		delivered++
		n.recordDelivery(ctx, accountID, lineID, sessionID, c.ID, channel)
	}

	if delivered == 0 {
		n.log.Warn("safety alert reached no contacts",
			"account_id", accountID, "session_id", sessionID, "contacts", len(contacts))
	}
}

// deliver tries the contact's preferred channel first and falls back to the
// other one; a dead SMS collaborator must not silence the alert.
func (n *Notifier) deliver(ctx context.Context, c lines.TrustedContact) (channel string, err error) {
	smsOK := n.sms != nil && c.Phone != ""
	emailOK := n.email != nil && c.Email != ""

	if c.PreferSMS && smsOK {
		if err = n.sms.SendSMS(ctx, c.Phone, alertBody); err == nil {
			return "sms", nil
		}
		n.log.Warn("sms leg failed, trying email", "contact_id", c.ID, "err", err)
	}

	if emailOK {
		if err = n.email.SendEmail(ctx, c.Email, alertSubject, alertBody); err == nil {
			return "email", nil
		}
	}

	if !c.PreferSMS && smsOK {
		if err = n.sms.SendSMS(ctx, c.Phone, alertBody); err == nil {
			return "sms", nil
		}
	}

	if err == nil {
		err = errNoChannel
	}
	return "", err
}

func (n *Notifier) recordDelivery(ctx context.Context, accountID, lineID, sessionID, contactID, channel string) {
	if n.audit == nil {
		return
	}
	err := n.audit.Append(ctx, audit.Event{
		Type:      audit.EventTypeSafetyNotify,
		AccountID: accountID,
		LineID:    lineID,
		SessionID: sessionID,
		Key:       contactID,
		Message:   channel,
	})
	if err != nil {
		n.log.Warn("safety alert audit append failed", "contact_id", contactID, "err", err)
	}
}
