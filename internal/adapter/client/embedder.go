package client

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"finops-core/internal/domain/entity"
)

type Embedder struct {
	client *genai.Client
	model  string // e.g., "text-embedding-004"
}

func NewEmbedderFromClient(c *genai.Client, model string) *Embedder {
	return &Embedder{
		client: c,
		model:  model,
	}
}

func (e *Embedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), nil)
	if err != nil {
		return nil, providerError(e.model, err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, &entity.ProviderError{Provider: providerName, Model: e.model, Err: errors.New("empty embedding")}
	}
	return res.Embeddings[0].Values, nil
}
