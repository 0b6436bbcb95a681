package subscription

import "errors"

// ErrUnknownPlan is returned for plan types outside the catalog.
var ErrUnknownPlan = errors.New("subscription: unknown plan type")

// PlanFree is the only plan the billing cycle never touches.
const PlanFree = "free"

// planPrices is the monthly price catalog in KRW.
var planPrices = map[string]int64{
	PlanFree:   0,
	"pro":      9900,
	"business": 29000,
	"premium":  79000,
}

// PlanPrice returns the monthly price for a plan type.
func PlanPrice(planType string) (int64, error) {
	price, ok := planPrices[planType]
	if !ok {
		return 0, ErrUnknownPlan
	}
	return price, nil
}

// IsBillable reports whether a plan participates in billing cycles.
func IsBillable(planType string) bool {
	price, ok := planPrices[planType]
	return ok && price > 0
}
