package client

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"finops-core/internal/config"
	"finops-core/internal/domain/entity"
)

const providerName = "gemini"

// NewGenAIClient picks Vertex AI when a project is configured and the
// Gemini API key backend otherwise.
func NewGenAIClient(ctx context.Context, cfg config.GenAIConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		Project:  cfg.Project,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	}
	if cfg.Project == "" {
		cc = &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	}
	return genai.NewClient(ctx, cc)
}

// GeminiClient serves every catalog tier; the model comes with each request.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClientFromClient(c *genai.Client) *GeminiClient {
	return &GeminiClient{client: c}
}

func (g *GeminiClient) Complete(ctx context.Context, req entity.CompletionRequest) (*entity.Completion, error) {
	var system []string
	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}
	if len(contents) == 0 {
		return nil, &entity.ValidationError{Field: "messages", Message: "no user message"}
	}

	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(req.Temperature)}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	// Strict JSON for structured phases
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	result, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, providerError(req.Model, err)
	}

	out := &entity.Completion{
		Text:    result.Text(),
		Model:   req.Model,
		Latency: time.Since(start).Milliseconds(),
	}
	if u := result.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// providerError keeps the HTTP status so retry logic can tell transient
// failures from permanent ones.
func providerError(model string, err error) error {
	pe := &entity.ProviderError{Provider: providerName, Model: model, Err: err}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe.Status = apiErr.Code
	}
	return pe
}
