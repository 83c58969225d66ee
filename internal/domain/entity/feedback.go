package entity

import "time"

type InteractionMetadata struct {
	Sector     string  `json:"sector,omitempty"`
	Complexity float64 `json:"complexity"`
	Cost       float64 `json:"cost"`
	DurationMs int64   `json:"duration_ms"`
}

// Interaction is an append-only log record. Rating 0 means unrated.
type Interaction struct {
	ID        string              `json:"id"`
	Query     string              `json:"query"`
	Strategy  string              `json:"strategy"`
	Result    string              `json:"result"`
	Rating    int                 `json:"rating,omitempty"`
	Feedback  string              `json:"feedback,omitempty"`
	Quality   *QualityCheck       `json:"quality,omitempty"`
	Metadata  InteractionMetadata `json:"metadata"`
	Timestamp time.Time           `json:"timestamp"`
}

// Rated reports whether the user left a rating.
func (i Interaction) Rated() bool { return i.Rating > 0 }

// PatternImprovement accumulates a suggestion for one (sector, issue) pair.
type PatternImprovement struct {
	Key          string  `json:"key"`
	Sector       string  `json:"sector"`
	Issue        string  `json:"issue"`
	Suggestion   string  `json:"suggestion"`
	Confidence   float64 `json:"confidence"`
	Applications int     `json:"applications"`
}

// SuccessPattern is extracted from five-star interactions.
type SuccessPattern struct {
	InteractionID string    `json:"interaction_id"`
	QueryClass    string    `json:"query_class"`
	Strategy      string    `json:"strategy"`
	Structure     string    `json:"structure"`
	CreatedAt     time.Time `json:"created_at"`
}

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Insights is the admin export of the feedback loop.
type Insights struct {
	TopIssues          []string `json:"top_issues"`
	RecommendedActions []string `json:"recommended_actions"`
	PerformanceTrend   Trend    `json:"performance_trend"`
	AverageRating      float64  `json:"average_rating"`
	RatedInteractions  int      `json:"rated_interactions"`
}
