package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
	"finops-core/internal/routing"
)

// ResilientProvider retries transient failures of the requested model, then
// falls back once to the model of the next cheaper tier.
type ResilientProvider struct {
	provider   repository.AIProvider
	catalog    *routing.Catalog
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration // cap per completion, retries included
	logger     *zap.Logger
}

func NewResilientProvider(provider repository.AIProvider, catalog *routing.Catalog, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResilientProvider{
		provider:   provider,
		catalog:    catalog,
		maxRetries: 2, // Total 3 attempts for the requested model
		baseDelay:  500 * time.Millisecond,
		timeout:    60 * time.Second,
		logger:     logger,
	}
}

func (r *ResilientProvider) Complete(ctx context.Context, req entity.CompletionRequest) (*entity.Completion, error) {
	// 1. Apply Timeout Layer
	resCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// 2. Try the requested model with retries
	resp, err := r.executeWithRetry(resCtx, req)
	if err == nil {
		return resp, nil
	}

	// 3. Tiered fallback: one attempt on the next cheaper tier
	fallback, ok := r.fallbackModel(req.Model)
	if !ok || resCtx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary model exhausted, switching to fallback",
		zap.String("model", req.Model),
		zap.String("fallback", fallback),
		zap.Error(err))

	req.Model = fallback
	resp, ferr := r.provider.Complete(resCtx, req)
	if ferr != nil {
		return nil, fmt.Errorf("both primary and fallback failed: %w", ferr)
	}

	// 4. Metadata reflects that this came from the fallback
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]any)
	}
	resp.Metadata["fallback_used"] = true
	resp.Metadata["primary_error"] = err.Error()
	return resp, nil
}

func (r *ResilientProvider) executeWithRetry(ctx context.Context, req entity.CompletionRequest) (*entity.Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := r.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !entity.IsTransient(err) || attempt == r.maxRetries {
			break
		}

		wait := r.calculateBackoff(attempt)
		r.logger.Debug("retrying completion", zap.String("model", req.Model), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// fallbackModel is the model one tier below model, if any.
func (r *ResilientProvider) fallbackModel(model string) (string, bool) {
	m, ok := r.catalog.ByModel(model)
	if !ok {
		return "", false
	}
	down, ok := r.catalog.Downgrade(m.Tier)
	if !ok {
		return "", false
	}
	fm, ok := r.catalog.Get(down)
	if !ok || fm.ID == model {
		return "", false
	}
	return fm.ID, true
}

func (r *ResilientProvider) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.baseDelay) * float64(int(1)<<attempt)
	jitter := (rand.Float64() * 0.2) * backoff // 20% jitter
	return time.Duration(backoff + jitter)
}
