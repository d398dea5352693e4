package pricing

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// Catalog holds the tier definitions for the lifetime of the process.
type Catalog struct {
	tiers map[TierID]Tier
	order []TierID
}

var validBilling = map[string]bool{
	BillingMonthly:    true,
	BillingPayAsYouGo: true,
	BillingOneTime:    true,
}

// NewCatalog builds a catalog from explicit tier definitions.
func NewCatalog(tiers []Tier) (*Catalog, error) {
	c := &Catalog{tiers: map[TierID]Tier{}}
	for _, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("tier without id")
		}
		if _, dup := c.tiers[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.ID)
		}
		if !validBilling[t.BillingCycle] {
			return nil, fmt.Errorf("tier %q: unknown billing cycle %q", t.ID, t.BillingCycle)
		}
		if t.Price < 0 {
			return nil, fmt.Errorf("tier %q: negative price", t.ID)
		}
		if t.SessionsPerMonth < 0 {
			return nil, fmt.Errorf("tier %q: negative sessions_per_month", t.ID)
		}
		c.tiers[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	if len(c.order) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return c, nil
}

// Load reads the catalog from a viper config file (yaml/json/toml). When path
// is empty it looks for pricing.yaml in the working directory.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pricing")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read pricing config: %w", err)
	}
	var cfg struct {
		Tiers []Tier `mapstructure:"tiers"`
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse pricing config: %w", err)
	}
	c, err := NewCatalog(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	log.Printf("[pricing][load] file=%s tiers=%d", v.ConfigFileUsed(), len(cfg.Tiers))
	return c, nil
}

// Get returns a tier by id.
func (c *Catalog) Get(id TierID) (Tier, bool) {
	t, ok := c.tiers[id]
	return t, ok
}

// Tiers returns all tiers in config order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tiers[id])
	}
	return out
}
