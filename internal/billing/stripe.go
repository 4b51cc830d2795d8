package billing

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/client"
)

// CheckoutParams describes one upgrade checkout session.
type CheckoutParams struct {
	AccountID string
	Plan      Plan

	// CustomerEmail prefills the checkout form when known.
	CustomerEmail string

	SuccessURL string
	CancelURL  string
}

// CheckoutCreator opens a hosted checkout and returns its URL.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, p CheckoutParams) (string, error)
}

// StripeCheckout creates subscription checkout sessions through the Stripe
// API.
type StripeCheckout struct {
	api *client.API
}

func NewStripeCheckout(apiKey string) *StripeCheckout {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeCheckout{api: api}
}

func (s *StripeCheckout) CreateCheckout(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.Plan.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("account_id", p.AccountID)
	params.AddMetadata("plan_id", p.Plan.ID)
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: checkout create: %w", err)
	}
	return sess.URL, nil
}
