// Package rag retrieves knowledge-base chunks and assembles them into a
// token-bounded prompt context.
package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
)

const (
	defaultTopK     = 5
	defaultMinScore = 0.75

	similarTopK     = 3
	similarMinScore = 0.85
)

type SearchOptions struct {
	Query    string
	TopK     int
	MinScore float32
	Category string
	Sector   string
}

// Search is semantic search over the knowledge collection.
type Search struct {
	embedder repository.Embedder
	store    repository.VectorStore
	logger   *zap.Logger
}

func NewSearch(embedder repository.Embedder, store repository.VectorStore, logger *zap.Logger) *Search {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Search{embedder: embedder, store: store, logger: logger}
}

// Search returns up to TopK chunks scoring at least MinScore. Zero values
// select the defaults (5, 0.75).
func (s *Search) Search(ctx context.Context, opts SearchOptions) ([]entity.SearchResult, error) {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MinScore <= 0 {
		opts.MinScore = defaultMinScore
	}

	vec, err := s.embedder.CreateEmbedding(ctx, opts.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filters := map[string]string{}
	if opts.Category != "" {
		filters["category"] = opts.Category
	}
	if opts.Sector != "" {
		filters["sector"] = opts.Sector
	}

	results, err := s.store.Search(ctx, vec, opts.TopK, opts.MinScore, filters)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	s.logger.Debug("knowledge search", zap.Int("results", len(results)), zap.Int("top_k", opts.TopK))
	return results, nil
}

// FindSimilar looks for chunks that strongly resemble a whole document.
func (s *Search) FindSimilar(ctx context.Context, documentText string, topK int) ([]entity.SearchResult, error) {
	if topK <= 0 {
		topK = similarTopK
	}
	return s.Search(ctx, SearchOptions{Query: documentText, TopK: topK, MinScore: similarMinScore})
}
