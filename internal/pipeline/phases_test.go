package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finops-core/internal/domain/entity"
	"finops-core/internal/routing"
)

func TestParsePlan(t *testing.T) {
	p := ParsePlan(`{"objective": "Mesurer la liquidité", "steps": ["Lire le bilan", " ", "Diviser actif par passif"], "metrics": ["ratio courant"]}`)
	require.True(t, p.OK())
	plan := p.Plan("ignored")
	assert.Equal(t, "Mesurer la liquidité", plan.Objective)
	assert.Equal(t, []string{"Lire le bilan", "Diviser actif par passif"}, plan.Steps)
	assert.Equal(t, "Objectif: Mesurer la liquidité\nÉtapes:\n1. Lire le bilan\n2. Diviser actif par passif\nIndicateurs: ratio courant", plan.Render())

	fenced := ParsePlan("```json\n{\"objective\": \"o\", \"steps\": [\"s\"]}\n```")
	assert.True(t, fenced.OK())
}

func TestParsePlanFallsBack(t *testing.T) {
	for name, raw := range map[string]string{
		"prose":         "Voici mon plan : lire le bilan puis calculer.",
		"unknown field": `{"objective": "o", "steps": ["s"], "mood": "happy"}`,
		"trailing":      `{"objective": "o", "steps": ["s"]} and more`,
		"no steps":      `{"objective": "o", "steps": []}`,
		"no objective":  `{"steps": ["s"]}`,
	} {
		t.Run(name, func(t *testing.T) {
			p := ParsePlan(raw)
			assert.False(t, p.OK())

			var pe *entity.ParseError
			require.ErrorAs(t, p.Err, &pe)
			assert.Equal(t, "plan", pe.What)

			plan := p.Plan("Calcule le BFR")
			assert.Equal(t, "Calcule le BFR", plan.Objective)
			assert.Equal(t, []string{strings.TrimSpace(raw)}, plan.Steps)
		})
	}

	assert.Equal(t, []string{"Analyse directe de la question"}, ParsePlan("").Plan("q").Steps)
}

type recordingProvider struct {
	mu       sync.Mutex
	requests []entity.CompletionRequest
	reply    func(entity.CompletionRequest) (*entity.Completion, error)
}

func (p *recordingProvider) Complete(_ context.Context, req entity.CompletionRequest) (*entity.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.reply(req)
}

func newTestRouter(t *testing.T) *routing.Router {
	t.Helper()
	cat, err := routing.DefaultCatalog("fast-m", "balanced-m", "premium-m", "expert-m")
	require.NoError(t, err)
	return routing.NewRouter(cat, routing.DefaultPolicy(), nil)
}

func TestModelExecutorPhases(t *testing.T) {
	router := newTestRouter(t)
	provider := &recordingProvider{reply: func(req entity.CompletionRequest) (*entity.Completion, error) {
		text := "Analyse\nLe ratio courant est de 1,8.\nRecommandations\nMaintenir."
		if req.JSON {
			text = `{"objective": "Liquidité", "steps": ["Calculer le ratio courant"]}`
		}
		return &entity.Completion{Text: text, Model: req.Model, InputTokens: 600, OutputTokens: 400}, nil
	}}
	exec := NewModelExecutor(provider, router, DefaultPrompts(), nil)

	decision, err := router.Decision(entity.TierPremium, "test")
	require.NoError(t, err)
	tk := Task{
		WorkflowID: "wf",
		Request:    entity.Request{Query: "Calcule le ratio de liquidité", UserLevel: entity.UserBeginner},
		Decision:   decision,
		Context:    "Actif courant 180 000, passif courant 100 000",
	}
	ctx := context.Background()

	plan, err := exec.RunPhase(ctx, entity.Phase1, tk, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.PhaseSuccess, plan.Status)
	assert.Contains(t, plan.Output, "1. Calculer le ratio courant")
	assert.Equal(t, "premium-m", plan.Model)
	assert.Equal(t, 1000, plan.TokensUsed)
	assert.InDelta(t, 0.015, plan.Cost, 1e-9)

	prior := map[entity.Phase]entity.PhaseResult{entity.Phase1: plan}
	research, err := exec.RunPhase(ctx, entity.Phase2, tk, prior)
	require.NoError(t, err)
	assert.Equal(t, "fast-m", research.Model)
	assert.Zero(t, research.Cost, "research runs on the free tier")

	prior[entity.Phase2] = research
	final, err := exec.RunPhase(ctx, entity.Phase3, tk, prior)
	require.NoError(t, err)
	assert.Contains(t, final.Output, "Recommandations")

	require.Len(t, provider.requests, 3)
	first := provider.requests[0]
	assert.True(t, first.JSON)
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].Content, "sans jargon")
	assert.Contains(t, first.Messages[1].Content, "Actif courant 180 000")
	assert.InDelta(t, 0.2, first.Temperature, 1e-6)

	assert.False(t, provider.requests[1].JSON)
	assert.Contains(t, provider.requests[1].Messages[1].Content, "Calculer le ratio courant")

	third := provider.requests[2].Messages[1].Content
	assert.Contains(t, third, "Plan:")
	assert.Contains(t, third, "Recherche:")
}

func TestModelExecutorErrors(t *testing.T) {
	router := newTestRouter(t)
	boom := &entity.ProviderError{Provider: "gemini", Status: 503, Err: errors.New("unavailable")}
	exec := NewModelExecutor(&recordingProvider{reply: func(entity.CompletionRequest) (*entity.Completion, error) {
		return nil, boom
	}}, router, DefaultPrompts(), nil)

	_, err := exec.RunPhase(context.Background(), entity.Phase1, Task{Decision: entity.RoutingDecision{Model: "fast-m", Tier: entity.TierFast}}, nil)
	assert.ErrorIs(t, err, boom)

	empty := NewModelExecutor(&recordingProvider{reply: func(req entity.CompletionRequest) (*entity.Completion, error) {
		return &entity.Completion{Text: "  ", Model: req.Model}, nil
	}}, router, DefaultPrompts(), nil)
	_, err = empty.RunPhase(context.Background(), entity.Phase3, Task{Decision: entity.RoutingDecision{Model: "fast-m", Tier: entity.TierFast}}, nil)
	assert.Error(t, err)

	// an empty plan degrades to the fallback instead of failing
	r, err := empty.RunPhase(context.Background(), entity.Phase1, Task{Request: entity.Request{Query: "q"}, Decision: entity.RoutingDecision{Model: "fast-m", Tier: entity.TierFast}}, nil)
	require.NoError(t, err)
	assert.Contains(t, r.Output, "Objectif: q")
}
