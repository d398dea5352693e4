package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_fromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	data := `tiers:
  - id: rooted
    name: Rooted
    price: 299
    billing_cycle: monthly
    sessions_per_month: 2
    session_duration_minutes: 30
  - id: bloom
    name: Bloom
    price: 125
    billing_cycle: pay-as-you-go
    sessions_per_month: 0
    session_duration_minutes: 30
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rooted, ok := c.Get(TierRooted)
	if !ok {
		t.Fatalf("rooted tier missing")
	}
	if rooted.Price != 299 || rooted.SessionsPerMonth != 2 {
		t.Fatalf("unexpected rooted tier: %+v", rooted)
	}
	bloom, _ := c.Get(TierBloom)
	if !bloom.Unlimited() {
		t.Fatalf("bloom should be unlimited")
	}
	if got := len(c.Tiers()); got != 2 {
		t.Fatalf("expected 2 tiers, got %d", got)
	}
}

func TestNewCatalog_rejectsBadConfig(t *testing.T) {
	cases := []struct {
		name  string
		tiers []Tier
	}{
		{"empty", nil},
		{"missing id", []Tier{{Name: "X", BillingCycle: BillingMonthly}}},
		{"bad billing", []Tier{{ID: "x", BillingCycle: "weekly"}}},
		{"negative price", []Tier{{ID: "x", BillingCycle: BillingMonthly, Price: -1}}},
		{"duplicate", []Tier{
			{ID: "x", BillingCycle: BillingMonthly},
			{ID: "x", BillingCycle: BillingMonthly},
		}},
	}
	for _, tc := range cases {
		if _, err := NewCatalog(tc.tiers); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestBundlesEvaluation(t *testing.T) {
	if !(Tier{ID: TierRooted}).BundlesEvaluation() {
		t.Errorf("rooted should bundle the evaluation")
	}
	if !(Tier{ID: TierFlourish}).BundlesEvaluation() {
		t.Errorf("flourish should bundle the evaluation")
	}
	if (Tier{ID: TierBloom}).BundlesEvaluation() {
		t.Errorf("bloom should not bundle the evaluation")
	}
}
