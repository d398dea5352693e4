package pricing

// TierID identifies a catalog entry.
type TierID string

const (
	TierRooted     TierID = "rooted"
	TierFlourish   TierID = "flourish"
	TierBloom      TierID = "bloom"
	TierEvaluation TierID = "evaluation"
	TierPayAsYouGo TierID = "pay-as-you-go"
)

const (
	BillingMonthly    = "monthly"
	BillingPayAsYouGo = "pay-as-you-go"
	BillingOneTime    = "one-time"
)

// Tier is a catalog entry. The catalog is loaded once at startup and never
// mutated, so Tier values can be shared freely.
type Tier struct {
	ID                     TierID  `json:"id" mapstructure:"id"`
	Name                   string  `json:"name" mapstructure:"name"`
	Price                  float64 `json:"price" mapstructure:"price"`
	BillingCycle           string  `json:"billing_cycle" mapstructure:"billing_cycle"`
	SessionsPerMonth       int     `json:"sessions_per_month" mapstructure:"sessions_per_month"`
	SessionDurationMinutes int     `json:"session_duration_minutes" mapstructure:"session_duration_minutes"`
}

// Unlimited reports whether the tier has no per-period session cap
// (pay-as-you-go tiers carry sessions_per_month = 0).
func (t Tier) Unlimited() bool { return t.SessionsPerMonth == 0 }

// BundlesEvaluation reports whether an initial evaluation session is included
// in the tier price. Only the rooted and flourish plans bundle it.
func (t Tier) BundlesEvaluation() bool {
	return t.ID == TierRooted || t.ID == TierFlourish
}
