package entity

// Message is one chat turn sent to a hosted model.
type Message struct {
	Role    string `json:"role"` // "system" or "user"
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic model call.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// JSON asks the provider for a JSON-only response.
	JSON bool `json:"json,omitempty"`
}

// Completion is what a hosted model returned.
type Completion struct {
	Text         string         `json:"text"`
	Model        string         `json:"model"` // Which model actually answered?
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Latency      int64          `json:"latency_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTokens is input plus output.
func (c Completion) TotalTokens() int { return c.InputTokens + c.OutputTokens }
