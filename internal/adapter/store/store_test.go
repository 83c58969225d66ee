package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finops-core/internal/domain/entity"
	"finops-core/internal/feedback"
)

func TestSQLiteInteractionsRoundTrip(t *testing.T) {
	s, err := OpenInteractions(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		in := entity.Interaction{
			ID:        fmt.Sprintf("i-%d", i),
			Query:     "Calcule le BFR",
			Strategy:  "standard",
			Result:    "Recommandations",
			Rating:    i % 6,
			Metadata:  entity.InteractionMetadata{Sector: "btp", Cost: 0.01, DurationMs: 1500},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 4 {
			in.Quality = &entity.QualityCheck{Score: 85, AutoFixable: true}
		}
		require.NoError(t, s.AppendInteraction(ctx, in))
	}

	got, err := s.ListInteractions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"i-2", "i-3", "i-4"}, []string{got[0].ID, got[1].ID, got[2].ID}, "last three, oldest first")
	assert.Equal(t, "btp", got[2].Metadata.Sector)
	assert.True(t, got[2].Timestamp.Equal(base.Add(4*time.Minute)))
	require.NotNil(t, got[2].Quality)
	assert.Equal(t, 85, got[2].Quality.Score)
	assert.Nil(t, got[0].Quality)

	p := entity.SuccessPattern{InteractionID: "i-4", QueryClass: "ratio_analysis", Strategy: "standard", CreatedAt: base}
	require.NoError(t, s.SaveSuccessPattern(ctx, p))
	require.NoError(t, s.SaveSuccessPattern(ctx, p), "saving the same pattern twice replaces it")
}

func TestFeedbackRestoresFromSQLite(t *testing.T) {
	s, err := OpenInteractions(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	first := feedback.NewEngine(feedback.DefaultConfig(), feedback.WithStore(s))
	require.NoError(t, first.LogInteraction(ctx, entity.Interaction{
		ID: "a", Query: "Quelle marge ?", Result: "ok", Rating: 2, Feedback: "trop technique",
		Metadata: entity.InteractionMetadata{Sector: "commerce"},
	}))
	require.NoError(t, first.LogInteraction(ctx, entity.Interaction{ID: "b", Query: "q", Result: "🎯", Rating: 5}))

	second := feedback.NewEngine(feedback.DefaultConfig(), feedback.WithStore(s))
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, first.Improvements(), second.Improvements())
	assert.Len(t, second.SuccessPatterns(), 1)
}

func TestMemoryVectorsCache(t *testing.T) {
	m := NewMemoryVectors()
	ctx := context.Background()

	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "k1", Type: "ratio", Vector: []float32{1, 0}, Result: "r1"}))
	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "k2", Type: "fiscal", Vector: []float32{1, 0}, Result: "r2"}))

	hit, err := m.SearchCache(ctx, []float32{0.9, 0.1}, 0, map[string]string{"type": "ratio"})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "r1", hit.Entry.Result)
	assert.Greater(t, hit.Score, float32(0.99))

	miss, err := m.SearchCache(ctx, []float32{0, 1}, 0.5, nil)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "k1", Type: "ratio", Vector: []float32{1, 0}, Result: "r1-bis"}))
	hit, err = m.SearchCache(ctx, []float32{1, 0}, 0, map[string]string{"type": "ratio"})
	require.NoError(t, err)
	assert.Equal(t, "r1-bis", hit.Entry.Result, "same key overwrites")
	assert.Equal(t, 2, m.Len())

	_, err = m.SearchCache(ctx, []float32{1, 0, 0}, 0, nil)
	assert.Error(t, err)
}

func TestMemoryVectorsSkipsExpiredCache(t *testing.T) {
	m := NewMemoryVectors()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "old", Type: "ratio", Vector: []float32{1, 0}, Result: "stale",
		CreatedAt: now.Add(-48 * time.Hour), TTL: 24 * time.Hour}))
	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "new", Type: "ratio", Vector: []float32{0.95, 0.31}, Result: "fresh",
		CreatedAt: now.Add(-time.Hour), TTL: 24 * time.Hour}))

	hit, err := m.SearchCache(ctx, []float32{1, 0}, 0.85, map[string]string{"type": "ratio"})
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "fresh", hit.Entry.Result, "a closer expired entry does not shadow a fresh one")

	now = now.Add(24 * time.Hour)
	hit, err = m.SearchCache(ctx, []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestStampedCopiesPayload(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := map[string]any{"text": "BFR"}

	got := stamped(payload, now)
	assert.Equal(t, now.Unix(), got["created_at"])
	assert.Equal(t, "BFR", got["text"])
	assert.NotContains(t, payload, "created_at", "caller's map is left alone")

	got = stamped(map[string]any{"created_at": int64(7)}, now)
	assert.Equal(t, int64(7), got["created_at"])
}

func TestMemoryVectorsKnowledge(t *testing.T) {
	m := NewMemoryVectors()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0}, map[string]any{"text": "BFR", "sector": "btp", "title": "Fonds de roulement"}))
	require.NoError(t, m.Upsert(ctx, "b", []float32{0.8, 0.6}, map[string]any{"text": "TVA", "sector": "btp"}))
	require.NoError(t, m.Upsert(ctx, "c", []float32{0, 1}, map[string]any{"text": "IS", "sector": "btp"}))
	require.NoError(t, m.SaveCache(ctx, entity.CacheEntry{ID: "cache", Vector: []float32{1, 0}}))

	res, err := m.Search(ctx, []float32{1, 0}, 5, 0.5, map[string]string{"sector": "btp"})
	require.NoError(t, err)
	require.Len(t, res, 2, "cache entries and low scores are excluded")
	assert.Equal(t, "a", res[0].ID)
	assert.Equal(t, "Fonds de roulement", res[0].Title)
	assert.Equal(t, "b", res[1].ID)

	res, err = m.Search(ctx, []float32{1, 0}, 1, 0, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}
