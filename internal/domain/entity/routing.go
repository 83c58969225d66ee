package entity

// Tier names a model class in the catalog.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierPremium  Tier = "premium"
	TierExpert   Tier = "expert"
)

// RoutingDecision is produced fresh per request and lives only as long as the job.
type RoutingDecision struct {
	Tier        Tier    `json:"tier"`
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Reasoning   string  `json:"reasoning"`
	Fallback    Tier    `json:"fallback,omitempty"`
}

// HasFallback reports whether a fallback tier was chosen.
func (d RoutingDecision) HasFallback() bool { return d.Fallback != "" }
