package routing

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
)

// TierParams are the generation parameters used for a tier.
type TierParams struct {
	Temperature float32
	MaxTokens   int
}

// Policy holds the tunable constants of the router. It is a value so a
// learned policy can replace it without touching control flow.
type Policy struct {
	Params map[entity.Tier]TierParams
	// IrreversibleMarkers flag a tax question that commits to a decision.
	IrreversibleMarkers []string
}

// DefaultPolicy returns the production routing constants.
func DefaultPolicy() Policy {
	return Policy{
		Params: map[entity.Tier]TierParams{
			entity.TierExpert:   {Temperature: 0.1, MaxTokens: 4096},
			entity.TierPremium:  {Temperature: 0.2, MaxTokens: 2048},
			entity.TierBalanced: {Temperature: 0.3, MaxTokens: 2048},
			entity.TierFast:     {Temperature: 0.4, MaxTokens: 1024},
		},
		IrreversibleMarkers: []string{"décision", "decision", "irréversible", "irreversible"},
	}
}

// Router maps a request to a model tier. It holds no mutable state.
type Router struct {
	catalog *Catalog
	policy  Policy
	logger  *zap.Logger
}

func NewRouter(catalog *Catalog, policy Policy, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{catalog: catalog, policy: policy, logger: logger}
}

// Catalog exposes the catalog the router was built with.
func (r *Router) Catalog() *Catalog { return r.catalog }

// Route picks a tier. First match wins, most conservative first.
func (r *Router) Route(req entity.Request) entity.RoutingDecision {
	switch {
	case req.RiskLevel == entity.RiskCritical:
		return r.decide(entity.TierExpert, entity.TierPremium, "critical risk requires the most reliable model")
	case req.Domain == entity.DomainTax && r.irreversible(req.Query):
		return r.decide(entity.TierExpert, entity.TierPremium, "irreversible tax decision")
	case req.RiskLevel == entity.RiskHigh:
		return r.decide(entity.TierPremium, entity.TierBalanced, "high risk")
	case req.RequiresCitations:
		return r.decide(entity.TierPremium, entity.TierBalanced, "citations required")
	case req.Domain == entity.DomainTax:
		return r.decide(entity.TierPremium, entity.TierBalanced, "tax domain")
	case req.RiskLevel == entity.RiskMedium:
		return r.decide(entity.TierBalanced, entity.TierFast, "medium risk")
	case req.UserLevel == entity.UserExpert:
		return r.decide(entity.TierBalanced, entity.TierFast, "expert user")
	default:
		return r.decide(entity.TierFast, "", "low risk, cheapest tier")
	}
}

// AdaptiveRoute adjusts the tier given the outcome of the previous attempt.
// A failure on the cheapest tier forces premium; a success on premium or
// expert with a non-high risk steps down one tier.
func (r *Router) AdaptiveRoute(req entity.Request, previousSuccess bool, previousTier entity.Tier) entity.RoutingDecision {
	if !previousSuccess && previousTier == r.catalog.Cheapest() {
		r.logger.Info("cheap tier failed, upgrading", zap.String("previous", string(previousTier)))
		return r.decide(entity.TierPremium, entity.TierBalanced, "fallback after cheap tier failure")
	}

	highRisk := req.RiskLevel == entity.RiskHigh || req.RiskLevel == entity.RiskCritical
	if previousSuccess && !highRisk && (previousTier == entity.TierPremium || previousTier == entity.TierExpert) {
		down, _ := r.catalog.Downgrade(previousTier)
		fallback, _ := r.catalog.Downgrade(down)
		return r.decide(down, fallback, "cost optimisation after stable success on "+string(previousTier))
	}

	return r.Route(req)
}

// EstimateCost prices a call for the tier Route would pick.
func (r *Router) EstimateCost(req entity.Request, inputTokens, outputTokens int) float64 {
	return r.TierCost(r.Route(req).Tier, inputTokens, outputTokens)
}

// TierCost is (in+out)/1000 × costPer1K, 0 for free or unknown tiers.
func (r *Router) TierCost(t entity.Tier, inputTokens, outputTokens int) float64 {
	m, ok := r.catalog.Get(t)
	if !ok || m.Free() {
		return 0
	}
	return float64(inputTokens+outputTokens) / 1000 * m.CostPer1K
}

// Escalate returns the decision one tier above d, keeping d's tier as the
// fallback. It returns false when d is already at the top.
func (r *Router) Escalate(d entity.RoutingDecision) (entity.RoutingDecision, bool) {
	up, ok := r.catalog.Upgrade(d.Tier)
	if !ok {
		return d, false
	}
	return r.decide(up, d.Tier, fmt.Sprintf("quality escalation from %s", d.Tier)), true
}

// ParallelRoute returns the primary decision and, when abTest is set and the
// primary is premium, the adjacent balanced decision for comparison.
func (r *Router) ParallelRoute(req entity.Request, abTest bool) []entity.RoutingDecision {
	primary := r.Route(req)
	if !abTest || primary.Tier != entity.TierPremium {
		return []entity.RoutingDecision{primary}
	}
	return []entity.RoutingDecision{primary, r.decide(entity.TierBalanced, entity.TierFast, "A/B test: balanced vs premium")}
}

// Decision builds a decision for an explicit tier.
func (r *Router) Decision(t entity.Tier, reasoning string) (entity.RoutingDecision, error) {
	if _, ok := r.catalog.Get(t); !ok {
		return entity.RoutingDecision{}, fmt.Errorf("%w: %s", entity.ErrUnknownTier, t)
	}
	fallback, _ := r.catalog.Downgrade(t)
	return r.decide(t, fallback, reasoning), nil
}

func (r *Router) decide(t, fallback entity.Tier, reasoning string) entity.RoutingDecision {
	m, _ := r.catalog.Get(t)
	p := r.policy.Params[t]
	return entity.RoutingDecision{
		Tier:        t,
		Model:       m.ID,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Reasoning:   reasoning,
		Fallback:    fallback,
	}
}

func (r *Router) irreversible(query string) bool {
	q := strings.ToLower(query)
	for _, m := range r.policy.IrreversibleMarkers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}
