package sessions

import (
	"verdantly-core/pricing"
	"verdantly-core/therapists"
)

const (
	// EvaluationFlatPrice is charged for an initial session when no plan
	// bundles it. It is intentionally exempt from the credential rate cap.
	EvaluationFlatPrice = 195

	// PayAsYouGoDefault is the fallback session rate when the therapist has
	// no hourly rate and the client has no subscription. Kept as a constant
	// rather than a catalog lookup: historical sessions were priced off this
	// value and a catalog edit must not reprice them.
	PayAsYouGoDefault = 125
)

// ComputePrice derives the session price from the therapist's credential and
// hourly rate, the client's subscription tier (nil when none) and the session
// type. Except for the flat initial-evaluation price, the result never
// exceeds the credential's rate cap.
func ComputePrice(credential therapists.Credential, hourlyRate float64, tier *pricing.Tier, sessionType Type) float64 {
	maxRate := credential.MaxRate()

	if sessionType == TypeInitial {
		if tier != nil && tier.BundlesEvaluation() {
			return 0
		}
		return EvaluationFlatPrice
	}

	var price float64
	switch {
	case hourlyRate > 0:
		price = min(hourlyRate, maxRate)
	case tier != nil:
		price = min(tier.Price, maxRate)
	default:
		price = min(PayAsYouGoDefault, maxRate)
	}
	// Clamp once more regardless of the branch taken.
	return min(price, maxRate)
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
