package billing

import "errors"

// Plan is one subscription tier. PriceID is the Stripe price the checkout
// session subscribes to.
type Plan struct {
	ID              string
	Name            string
	PriceID         string
	IncludedMinutes int
	MonthlyMinor    int64
}

var ErrNoUpgradePath = errors.New("billing: no upgrade available for plan")

// plans are ordered cheapest first; an upgrade moves one step right.
var plans = []Plan{
	{ID: "starter", Name: "Starter", PriceID: "price_starter_monthly", IncludedMinutes: 120, MonthlyMinor: 1900},
	{ID: "family", Name: "Family", PriceID: "price_family_monthly", IncludedMinutes: 300, MonthlyMinor: 3900},
	{ID: "unlimited", Name: "Unlimited", PriceID: "price_unlimited_monthly", IncludedMinutes: 1500, MonthlyMinor: 7900},
}

func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

func PlanByID(id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// UpgradeTarget picks the plan a checkout link should offer. Trial accounts
// and unknown plans start at the cheapest tier; the top tier has no target.
func UpgradeTarget(currentPlanID string) (Plan, error) {
	for i, p := range plans {
		if p.ID != currentPlanID {
			continue
		}
		if i == len(plans)-1 {
			return Plan{}, ErrNoUpgradePath
		}
		return plans[i+1], nil
	}
	return plans[0], nil
}
