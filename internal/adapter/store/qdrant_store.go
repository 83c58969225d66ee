package store

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"finops-core/internal/domain/entity"
)

// QdrantStore backs one collection. The cache collection is used through
// SearchCache/SaveCache, the knowledge collection through Search/Upsert.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
	freshness      time.Duration // 0 disables the created_at filter
	logger         *zap.Logger
}

type QdrantOption func(*QdrantStore)

// WithFreshness drops points older than d at query time.
func WithFreshness(d time.Duration) QdrantOption {
	return func(s *QdrantStore) { s.freshness = d }
}

func WithQdrantLogger(l *zap.Logger) QdrantOption {
	return func(s *QdrantStore) { s.logger = l }
}

func NewQdrantStore(client *qdrant.Client, collectionName string, opts ...QdrantOption) *QdrantStore {
	s := &QdrantStore{
		client:         client,
		collectionName: collectionName,
		logger:         zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// InitCollection creates the collection when missing, then the payload
// indexes used by the filters.
func (s *QdrantStore) InitCollection(ctx context.Context, dim uint64, keywords ...string) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collectionName)
	if err != nil {
		st, ok := status.FromError(err)
		if ok && st.Code() == codes.NotFound {
			// 1. Create the Collection
			err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.collectionName,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     dim,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil {
				return fmt.Errorf("failed to create collection %s: %w", s.collectionName, err)
			}
			s.logger.Info("qdrant collection created", zap.String("collection", s.collectionName), zap.Uint64("dim", dim))
		} else {
			return fmt.Errorf("qdrant collection %s: %w", s.collectionName, err)
		}
	}

	// 2. Payload indexes: created_at for the freshness range, keywords for filters
	s.createIndex(ctx, "created_at", qdrant.FieldType_FieldTypeInteger)
	for _, k := range keywords {
		s.createIndex(ctx, k, qdrant.FieldType_FieldTypeKeyword)
	}
	return nil
}

func (s *QdrantStore) createIndex(ctx context.Context, field string, ft qdrant.FieldType) {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collectionName,
		FieldName:      field,
		FieldType:      ft.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		// Log but don't fail if index already exists
		s.logger.Warn("could not create payload index (might already exist)",
			zap.String("collection", s.collectionName),
			zap.String("field", field),
			zap.Error(err))
	}
}

func (s *QdrantStore) filter(filters map[string]string) *qdrant.Filter {
	var must []*qdrant.Condition
	for key, value := range filters {
		must = append(must, qdrant.NewMatch(key, value))
	}
	if s.freshness > 0 {
		since := time.Now().Add(-s.freshness).Unix()
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "created_at",
					Range: &qdrant.Range{Gte: qdrant.PtrOf(float64(since))},
				},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (s *QdrantStore) query(ctx context.Context, vector []float32, limit int, threshold float32, filters map[string]string) ([]*qdrant.ScoredPoint, error) {
	q := &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         s.filter(filters),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if threshold > 0 {
		q.ScoreThreshold = &threshold
	}
	res, err := s.client.Query(ctx, q)
	if err != nil {
		return nil, &entity.ProviderError{Provider: "qdrant", Err: err}
	}
	return res, nil
}

func (s *QdrantStore) upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return &entity.ProviderError{Provider: "qdrant", Err: err}
	}
	return nil
}

// SearchCache returns the closest cache entry, or nil on a miss.
func (s *QdrantStore) SearchCache(ctx context.Context, vector []float32, threshold float32, filters map[string]string) (*entity.CacheHit, error) {
	res, err := s.query(ctx, vector, 1, threshold, filters)
	if err != nil || len(res) == 0 {
		return nil, err
	}

	hit := res[0]
	payload := hit.Payload
	return &entity.CacheHit{
		Entry: entity.CacheEntry{
			ID:        hit.Id.GetUuid(),
			Query:     payload["query"].GetStringValue(),
			Type:      payload["type"].GetStringValue(),
			Sector:    payload["sector"].GetStringValue(),
			Result:    payload["result"].GetStringValue(),
			CreatedAt: time.Unix(payload["created_at"].GetIntegerValue(), 0),
			TTL:       time.Duration(payload["ttl_seconds"].GetIntegerValue()) * time.Second,
		},
		Score: hit.Score,
	}, nil
}

// SaveCache upserts under the entry id, so an equivalent request overwrites.
func (s *QdrantStore) SaveCache(ctx context.Context, e entity.CacheEntry) error {
	payload := map[string]any{
		"query":       e.Query,
		"type":        e.Type,
		"result":      e.Result,
		"created_at":  e.CreatedAt.Unix(), // Store as Unix integer
		"ttl_seconds": int64(e.TTL / time.Second),
	}
	if e.Sector != "" {
		payload["sector"] = e.Sector
	}
	return s.upsert(ctx, e.ID, e.Vector, payload)
}

// Search returns up to topK knowledge chunks scoring at least minScore.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, minScore float32, filters map[string]string) ([]entity.SearchResult, error) {
	res, err := s.query(ctx, vector, topK, minScore, filters)
	if err != nil {
		return nil, err
	}
	out := make([]entity.SearchResult, 0, len(res))
	for _, p := range res {
		out = append(out, entity.SearchResult{
			ID:       p.Id.GetUuid(),
			Text:     p.Payload["text"].GetStringValue(),
			Score:    p.Score,
			Source:   p.Payload["source"].GetStringValue(),
			Category: p.Payload["category"].GetStringValue(),
			Sector:   p.Payload["sector"].GetStringValue(),
			Title:    p.Payload["title"].GetStringValue(),
		})
	}
	return out, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	return s.upsert(ctx, id, vector, stamped(payload, time.Now()))
}

// stamped returns a copy of payload with created_at set unless present.
func stamped(payload map[string]any, now time.Time) map[string]any {
	fields := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		fields[k] = v
	}
	if _, ok := fields["created_at"]; !ok {
		fields["created_at"] = now.Unix()
	}
	return fields
}
