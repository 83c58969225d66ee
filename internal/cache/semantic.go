// Package cache is the semantic cache in front of the pipeline.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
)

// namespace scopes the deterministic entry ids.
var namespace = uuid.MustParse("6f1f0c1e-53a4-4f43-9a0e-6d7b7f3c2a11")

type Options struct {
	Threshold float32
	TTL       time.Duration
}

func DefaultOptions() Options {
	return Options{Threshold: 0.85, TTL: 24 * time.Hour}
}

// Probe is the outcome of a cache lookup. Best is reported even on a miss.
type Probe struct {
	Key    string
	Vector []float32
	Best   float32
	Hit    *entity.CacheHit
}

type Cache struct {
	store    repository.CacheStore
	embedder repository.Embedder
	opts     Options
	group    singleflight.Group
	now      func() time.Time
	logger   *zap.Logger
}

func New(store repository.CacheStore, embedder repository.Embedder, opts Options, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, embedder: embedder, opts: opts, now: time.Now, logger: logger}
}

// Threshold is the inclusive similarity a hit must reach.
func (c *Cache) Threshold() float32 { return c.opts.Threshold }

// Key is the deterministic id of a fingerprint. Re-storing an equivalent
// request overwrites the previous entry.
func Key(query, typ string) string {
	return uuid.NewSHA1(namespace, []byte(fingerprint(query, typ))).String()
}

func fingerprint(query, typ string) string {
	return strings.ToLower(strings.TrimSpace(typ)) + ": " + strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Probe embeds the request and looks up the closest entry. It never writes.
func (c *Cache) Probe(ctx context.Context, query, typ, sector string) (Probe, error) {
	p := Probe{Key: Key(query, typ)}

	vec, err := c.embedder.CreateEmbedding(ctx, fingerprint(query, typ))
	if err != nil {
		return p, fmt.Errorf("embed cache fingerprint: %w", err)
	}
	p.Vector = vec

	best, err := c.store.SearchCache(ctx, vec, 0, filters(typ, sector))
	if err != nil {
		return p, fmt.Errorf("search cache: %w", err)
	}
	if best == nil {
		return p, nil
	}
	p.Best = best.Score
	if best.Score >= c.opts.Threshold && !best.Entry.Expired(c.now()) {
		p.Hit = best
		c.logger.Debug("cache hit", zap.String("key", p.Key), zap.Float32("score", best.Score))
	}
	return p, nil
}

// FindSimilar returns the best entry at or above the threshold, or nil.
func (c *Cache) FindSimilar(ctx context.Context, query, typ, sector string) (*entity.CacheHit, error) {
	p, err := c.Probe(ctx, query, typ, sector)
	if err != nil {
		return nil, err
	}
	return p.Hit, nil
}

// Store writes result under the probe's key. A nil vector is re-embedded.
func (c *Cache) Store(ctx context.Context, query, typ, sector string, vector []float32, result string) error {
	if vector == nil {
		v, err := c.embedder.CreateEmbedding(ctx, fingerprint(query, typ))
		if err != nil {
			return fmt.Errorf("embed cache fingerprint: %w", err)
		}
		vector = v
	}
	entry := entity.CacheEntry{
		ID:        Key(query, typ),
		Query:     query,
		Type:      typ,
		Sector:    sector,
		Vector:    vector,
		Result:    result,
		CreatedAt: c.now(),
		TTL:       c.opts.TTL,
	}
	if err := c.store.SaveCache(ctx, entry); err != nil {
		return fmt.Errorf("save cache entry %s: %w", entry.ID, err)
	}
	return nil
}

// Do runs fn once per key among concurrent callers; the others share its
// result. shared reports whether the result was produced for another caller.
func (c *Cache) Do(key string, fn func() (any, error)) (v any, shared bool, err error) {
	v, err, shared = c.group.Do(key, fn)
	return v, shared, err
}

func filters(typ, sector string) map[string]string {
	f := make(map[string]string, 2)
	if typ != "" {
		f["type"] = typ
	}
	if sector != "" {
		f["sector"] = sector
	}
	return f
}
