package entity

// SearchResult is one knowledge chunk returned by a vector search.
type SearchResult struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Score    float32 `json:"score"`
	Source   string  `json:"source"`
	Category string  `json:"category"`
	Sector   string  `json:"sector,omitempty"`
	Title    string  `json:"title"`
}

// RAGContext is the token-bounded context assembled for a query.
type RAGContext struct {
	Documents     []SearchResult `json:"documents"`
	ContextString string         `json:"context"`
	Sources       []string       `json:"sources"`
	Confidence    float64        `json:"confidence"`
}
