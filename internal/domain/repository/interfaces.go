package repository

import (
	"context"

	"finops-core/internal/domain/entity"
)

// CacheStore holds semantic-cache entries. SearchCache returns nil, nil on a miss.
type CacheStore interface {
	SearchCache(ctx context.Context, vector []float32, threshold float32, filters map[string]string) (*entity.CacheHit, error)
	SaveCache(ctx context.Context, entry entity.CacheEntry) error
}

// VectorStore is the knowledge-base collection used for retrieval.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float32, filters map[string]string) ([]entity.SearchResult, error)
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
}

type TokenLimiter interface {
	CheckLimit(ctx context.Context, userID string) (bool, error)
	Increment(ctx context.Context, userID string, tokens int) error
}

// AIProvider performs one hosted model call. Failures are *entity.ProviderError.
type AIProvider interface {
	Complete(ctx context.Context, req entity.CompletionRequest) (*entity.Completion, error)
}

type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// WorkflowStore persists workflow status snapshots for status queries.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, result entity.WorkflowResult) error
	LoadWorkflow(ctx context.Context, id string) (*entity.WorkflowResult, error)
}

// InteractionStore persists the feedback log.
type InteractionStore interface {
	AppendInteraction(ctx context.Context, in entity.Interaction) error
	ListInteractions(ctx context.Context, limit int) ([]entity.Interaction, error)
	SaveSuccessPattern(ctx context.Context, p entity.SuccessPattern) error
}
