// Package billing resolves plan upgrades and delivers checkout links.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"companion-voice/internal/lines"
	"companion-voice/internal/notify"
)

var ErrNoDeliveryChannel = errors.New("billing: account has no billing contact")

// Service turns an in-call upgrade request into a checkout link sent to the
// account holder, who is usually a family member rather than the caller.
type Service struct {
	checkout CheckoutCreator
	sms      notify.SMSSender
	email    notify.EmailSender

	publicBaseURL string
	log           *slog.Logger
}

type ServiceParams struct {
	Checkout CheckoutCreator
	SMS      notify.SMSSender
	Email    notify.EmailSender

	PublicBaseURL string
	Log           *slog.Logger
}

func NewService(p ServiceParams) *Service {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		checkout:      p.Checkout,
		sms:           p.SMS,
		email:         p.Email,
		publicBaseURL: strings.TrimRight(p.PublicBaseURL, "/"),
		log:           log,
	}
}

// SendUpgradeLink creates a checkout session for the next plan tier and
// sends it over the account's billing channel. Returns the channel used.
func (s *Service) SendUpgradeLink(ctx context.Context, account lines.Account) (string, error) {
	plan, err := UpgradeTarget(account.PlanID)
	if err != nil {
		return "", err
	}

	url, err := s.checkout.CreateCheckout(ctx, CheckoutParams{
		AccountID:     account.ID,
		Plan:          plan,
		CustomerEmail: account.BillingEmail,
		SuccessURL:    s.publicBaseURL + "/billing/upgraded",
		CancelURL:     s.publicBaseURL + "/billing/canceled",
	})
	if err != nil {
		return "", err
	}

	body := fmt.Sprintf("Your companion calling plan can be upgraded to %s (%d minutes a month). "+
		"Finish here: %s", plan.Name, plan.IncludedMinutes, url)

	if account.BillingPhone != "" && s.sms != nil {
		if err := s.sms.SendSMS(ctx, account.BillingPhone, body); err == nil {
			s.log.Info("upgrade link sent", "account_id", account.ID, "plan_id", plan.ID, "channel", "sms")
			return "sms", nil
		} else {
			s.log.Warn("upgrade sms failed, trying email", "account_id", account.ID, "err", err)
		}
	}

	if account.BillingEmail != "" && s.email != nil {
		if err := s.email.SendEmail(ctx, account.BillingEmail, "Upgrade your companion calling plan", body); err != nil {
			return "", err
		}
		s.log.Info("upgrade link sent", "account_id", account.ID, "plan_id", plan.ID, "channel", "email")
		return "email", nil
	}

	return "", ErrNoDeliveryChannel
}
