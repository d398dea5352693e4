package sessions

import (
	"testing"

	"verdantly-core/pricing"
	"verdantly-core/therapists"
)

func tier(id pricing.TierID, price float64, sessionsPerMonth int) *pricing.Tier {
	return &pricing.Tier{
		ID:               id,
		Name:             string(id),
		Price:            price,
		BillingCycle:     pricing.BillingMonthly,
		SessionsPerMonth: sessionsPerMonth,
	}
}

func TestComputePrice(t *testing.T) {
	rooted := tier(pricing.TierRooted, 299, 2)
	flourish := tier(pricing.TierFlourish, 439, 4)
	bloom := tier(pricing.TierBloom, 125, 0)

	cases := []struct {
		name       string
		credential therapists.Credential
		hourlyRate float64
		tier       *pricing.Tier
		sessType   Type
		want       float64
	}{
		{"slpa hourly rate clamped", therapists.CredentialSLPA, 90, nil, TypeFollowUp, 55},
		{"slp flourish price clamped", therapists.CredentialSLP, 0, flourish, TypeFollowUp, 75},
		{"initial bundled by rooted", therapists.CredentialSLP, 90, rooted, TypeInitial, 0},
		{"initial bundled by flourish", therapists.CredentialSLPA, 0, flourish, TypeInitial, 0},
		{"initial without subscription", therapists.CredentialSLP, 90, nil, TypeInitial, EvaluationFlatPrice},
		{"initial on non-bundling plan", therapists.CredentialSLPA, 0, bloom, TypeInitial, EvaluationFlatPrice},
		{"hourly rate below cap", therapists.CredentialSLP, 60, nil, TypeFollowUp, 60},
		{"slpa hourly rate below cap", therapists.CredentialSLPA, 40, flourish, TypeAssessment, 40},
		{"tier price below cap", therapists.CredentialSLP, 0, tier("custom", 50, 4), TypeMaintenance, 50},
		{"fallback default clamped slpa", therapists.CredentialSLPA, 0, nil, TypeFollowUp, 55},
		{"fallback default clamped slp", therapists.CredentialSLP, 0, nil, TypeFollowUp, 75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputePrice(tc.credential, tc.hourlyRate, tc.tier, tc.sessType)
			if got != tc.want {
				t.Fatalf("ComputePrice(%s, %.0f, %v, %s) = %.2f, want %.2f",
					tc.credential, tc.hourlyRate, tc.tier, tc.sessType, got, tc.want)
			}
		})
	}
}

// The cap holds for every non-initial combination, whatever the inputs.
func TestComputePriceNeverExceedsCap(t *testing.T) {
	rates := []float64{0, 10, 55, 56, 75, 90, 500}
	tiers := []*pricing.Tier{nil, tier(pricing.TierRooted, 299, 2), tier(pricing.TierFlourish, 439, 4), tier(pricing.TierBloom, 125, 0)}
	types := []Type{TypeFollowUp, TypeAssessment, TypeMaintenance}
	for _, cred := range []therapists.Credential{therapists.CredentialSLP, therapists.CredentialSLPA} {
		for _, rate := range rates {
			for _, tr := range tiers {
				for _, st := range types {
					got := ComputePrice(cred, rate, tr, st)
					if got > cred.MaxRate() {
						t.Fatalf("price %.2f exceeds cap %.2f for cred=%s rate=%.0f tier=%v type=%s",
							got, cred.MaxRate(), cred, rate, tr, st)
					}
				}
			}
		}
	}
}
