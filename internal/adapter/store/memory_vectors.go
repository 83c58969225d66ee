package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"finops-core/internal/domain/entity"
)

// MemoryVectors is a brute-force cosine store for local runs without Qdrant.
// It serves both the cache and the knowledge roles.
type MemoryVectors struct {
	mu     sync.RWMutex
	points map[string]memPoint
	now    func() time.Time
}

type memPoint struct {
	vector  []float32
	payload map[string]any
	entry   *entity.CacheEntry
}

func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{points: make(map[string]memPoint), now: time.Now}
}

func (m *MemoryVectors) SearchCache(_ context.Context, vector []float32, threshold float32, filters map[string]string) (*entity.CacheHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var best *entity.CacheHit
	for _, p := range m.points {
		if p.entry == nil || p.entry.Expired(now) || !matches(p.payload, filters) {
			continue
		}
		score, err := cosine(vector, p.vector)
		if err != nil {
			return nil, err
		}
		if score < threshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &entity.CacheHit{Entry: *p.entry, Score: score}
		}
	}
	return best, nil
}

func (m *MemoryVectors) SaveCache(_ context.Context, e entity.CacheEntry) error {
	payload := map[string]any{"type": e.Type}
	if e.Sector != "" {
		payload["sector"] = e.Sector
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[e.ID] = memPoint{vector: e.Vector, payload: payload, entry: &e}
	return nil
}

func (m *MemoryVectors) Search(_ context.Context, vector []float32, topK int, minScore float32, filters map[string]string) ([]entity.SearchResult, error) {
	m.mu.RLock()
	var out []entity.SearchResult
	for id, p := range m.points {
		if p.entry != nil || !matches(p.payload, filters) {
			continue
		}
		score, err := cosine(vector, p.vector)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		if score < minScore {
			continue
		}
		out = append(out, entity.SearchResult{
			ID:       id,
			Text:     str(p.payload["text"]),
			Score:    score,
			Source:   str(p.payload["source"]),
			Category: str(p.payload["category"]),
			Sector:   str(p.payload["sector"]),
			Title:    str(p.payload["title"]),
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryVectors) Upsert(_ context.Context, id string, vector []float32, payload map[string]any) error {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = memPoint{vector: vector, payload: cp}
	return nil
}

// Len is the number of stored points.
func (m *MemoryVectors) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func matches(payload map[string]any, filters map[string]string) bool {
	for k, v := range filters {
		if str(payload[k]) != v {
			return false
		}
	}
	return true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}
