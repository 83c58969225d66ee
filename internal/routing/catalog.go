// Package routing picks a model tier per request.
//
// The catalog and policy are immutable values built once at start-up and
// shared by every concurrent request.
package routing

import (
	"fmt"

	"finops-core/internal/domain/entity"
)

// Model describes one catalog tier.
type Model struct {
	Tier      entity.Tier
	ID        string
	CostPer1K float64 // dollars per 1K tokens, input and output alike
	Speed     string
	Quality   float64
}

// Free reports whether calls on this tier cost nothing.
func (m Model) Free() bool { return m.CostPer1K == 0 }

// tierOrder is cheapest first.
var tierOrder = []entity.Tier{entity.TierFast, entity.TierBalanced, entity.TierPremium, entity.TierExpert}

// Catalog is the read-only registry of model tiers.
type Catalog struct {
	models map[entity.Tier]Model
	byID   map[string]entity.Tier
}

// NewCatalog builds a catalog; every tier must be present exactly once.
func NewCatalog(models ...Model) (*Catalog, error) {
	c := &Catalog{
		models: make(map[entity.Tier]Model, len(models)),
		byID:   make(map[string]entity.Tier, len(models)),
	}
	for _, m := range models {
		if _, dup := c.models[m.Tier]; dup {
			return nil, fmt.Errorf("duplicate tier %q", m.Tier)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("tier %q has no model id", m.Tier)
		}
		c.models[m.Tier] = m
		c.byID[m.ID] = m.Tier
	}
	for _, t := range tierOrder {
		if _, ok := c.models[t]; !ok {
			return nil, fmt.Errorf("catalog is missing tier %q", t)
		}
	}
	return c, nil
}

// DefaultCatalog returns the standard four tiers using the given model ids.
func DefaultCatalog(fast, balanced, premium, expert string) (*Catalog, error) {
	return NewCatalog(
		Model{Tier: entity.TierFast, ID: fast, CostPer1K: 0, Speed: "fast", Quality: 0.75},
		Model{Tier: entity.TierBalanced, ID: balanced, CostPer1K: 0.003, Speed: "medium", Quality: 0.85},
		Model{Tier: entity.TierPremium, ID: premium, CostPer1K: 0.015, Speed: "slow", Quality: 0.95},
		Model{Tier: entity.TierExpert, ID: expert, CostPer1K: 0.075, Speed: "slow", Quality: 0.98},
	)
}

// Get returns the model for a tier.
func (c *Catalog) Get(t entity.Tier) (Model, bool) {
	m, ok := c.models[t]
	return m, ok
}

// ByModel resolves a hosted model id back to its tier.
func (c *Catalog) ByModel(id string) (Model, bool) {
	t, ok := c.byID[id]
	if !ok {
		return Model{}, false
	}
	return c.models[t], true
}

// Tiers lists tiers cheapest first.
func (c *Catalog) Tiers() []entity.Tier {
	out := make([]entity.Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Upgrade returns the next more capable tier, or false at the top.
func (c *Catalog) Upgrade(t entity.Tier) (entity.Tier, bool) {
	i := indexOf(t)
	if i < 0 || i == len(tierOrder)-1 {
		return "", false
	}
	return tierOrder[i+1], true
}

// Downgrade returns the next cheaper tier, or false at the bottom.
func (c *Catalog) Downgrade(t entity.Tier) (entity.Tier, bool) {
	i := indexOf(t)
	if i <= 0 {
		return "", false
	}
	return tierOrder[i-1], true
}

// Cheapest is the bottom tier.
func (c *Catalog) Cheapest() entity.Tier { return tierOrder[0] }

func indexOf(t entity.Tier) int {
	for i, o := range tierOrder {
		if o == t {
			return i
		}
	}
	return -1
}
