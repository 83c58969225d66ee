package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
	"finops-core/internal/routing"
)

// Task is what every phase of one workflow needs to know.
type Task struct {
	WorkflowID string
	Request    entity.Request
	Complexity entity.Complexity
	Decision   entity.RoutingDecision
	// Context is the compressed document and retrieved knowledge, possibly empty.
	Context string
}

// Executor runs one phase. prior holds the results of the earlier phases.
// A returned error fails the phase; the lane may retry transient errors, so
// RunPhase must be safe to call again.
type Executor interface {
	RunPhase(ctx context.Context, phase entity.Phase, t Task, prior map[entity.Phase]entity.PhaseResult) (entity.PhaseResult, error)
}

// Prompts are the system instructions per phase and per user level. Their
// wording is configuration.
type Prompts struct {
	Plan     string
	Research string
	Validate string
	Levels   map[entity.UserLevel]string
}

func DefaultPrompts() Prompts {
	return Prompts{
		Plan: `Tu planifies une analyse financière. Réponds uniquement avec un objet JSON
{"objective": string, "steps": [string], "metrics": [string], "sources": [string]}.`,
		Research: `Tu exécutes le plan fourni : recherche les références utiles et effectue les calculs demandés.
Donne les chiffres avec leur formule.`,
		Validate: `Tu valides et mets en forme l'analyse finale à partir du plan et de la recherche.
Structure la réponse en sections "Analyse" et "Recommandations", vérifie la cohérence des chiffres.`,
		Levels: map[entity.UserLevel]string{
			entity.UserBeginner:     "Explique simplement, sans jargon, avec un exemple concret.",
			entity.UserIntermediate: "Utilise le vocabulaire comptable courant et justifie les calculs.",
			entity.UserExpert:       "Sois concis et technique, cite les références réglementaires.",
		},
	}
}

// ModelExecutor runs phases against a hosted model. Phase1 and phase3 use the
// routed tier; phase2 runs on the cheapest tier of the catalog.
type ModelExecutor struct {
	provider repository.AIProvider
	router   *routing.Router
	prompts  Prompts
	now      func() time.Time
	logger   *zap.Logger
}

func NewModelExecutor(provider repository.AIProvider, router *routing.Router, prompts Prompts, logger *zap.Logger) *ModelExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelExecutor{provider: provider, router: router, prompts: prompts, now: time.Now, logger: logger}
}

func (e *ModelExecutor) RunPhase(ctx context.Context, phase entity.Phase, t Task, prior map[entity.Phase]entity.PhaseResult) (entity.PhaseResult, error) {
	decision := t.Decision
	if phase == entity.Phase2 {
		d, err := e.router.Decision(e.router.Catalog().Cheapest(), "research runs on the free tier")
		if err != nil {
			return entity.PhaseResult{}, err
		}
		decision = d
	}

	system, user := e.messages(phase, t, prior)
	start := e.now()
	c, err := e.provider.Complete(ctx, entity.CompletionRequest{
		Model: decision.Model,
		Messages: []entity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: decision.Temperature,
		MaxTokens:   decision.MaxTokens,
		JSON:        phase == entity.Phase1,
	})
	if err != nil {
		return entity.PhaseResult{}, err
	}

	out := strings.TrimSpace(c.Text)
	switch phase {
	case entity.Phase1:
		parsed := ParsePlan(c.Text)
		if !parsed.OK() {
			e.logger.Warn("plan not structured, using fallback", zap.String("workflow_id", t.WorkflowID), zap.Error(parsed.Err))
		}
		out = parsed.Plan(t.Request.Query).Render()
	default:
		if out == "" {
			return entity.PhaseResult{}, &entity.ProviderError{Provider: "model", Model: c.Model, Err: fmt.Errorf("empty %s response", phase)}
		}
	}

	tier := decision.Tier
	if m, ok := e.router.Catalog().ByModel(c.Model); ok {
		tier = m.Tier
	}
	return entity.PhaseResult{
		Status:     entity.PhaseSuccess,
		Output:     out,
		DurationMs: e.now().Sub(start).Milliseconds(),
		Model:      c.Model,
		Cost:       e.router.TierCost(tier, c.InputTokens, c.OutputTokens),
		TokensUsed: c.TotalTokens(),
	}, nil
}

func (e *ModelExecutor) messages(phase entity.Phase, t Task, prior map[entity.Phase]entity.PhaseResult) (string, string) {
	level := e.prompts.Levels[t.Request.UserLevel]
	var b strings.Builder

	switch phase {
	case entity.Phase1:
		fmt.Fprintf(&b, "Question: %s\n", t.Request.Query)
		if t.Request.Sector != "" {
			fmt.Fprintf(&b, "Secteur: %s\n", t.Request.Sector)
		}
		if t.Context != "" {
			fmt.Fprintf(&b, "\nContexte:\n%s\n", t.Context)
		}
		return join(e.prompts.Plan, level), b.String()

	case entity.Phase2:
		fmt.Fprintf(&b, "Plan:\n%s\n", prior[entity.Phase1].Output)
		if t.Context != "" {
			fmt.Fprintf(&b, "\nContexte:\n%s\n", t.Context)
		}
		return e.prompts.Research, b.String()

	default:
		fmt.Fprintf(&b, "Question: %s\n\nPlan:\n%s\n", t.Request.Query, prior[entity.Phase1].Output)
		if r := prior[entity.Phase2]; r.Status == entity.PhaseSuccess {
			fmt.Fprintf(&b, "\nRecherche:\n%s\n", r.Output)
		} else if t.Context != "" {
			fmt.Fprintf(&b, "\nContexte:\n%s\n", t.Context)
		}
		return join(e.prompts.Validate, level), b.String()
	}
}

func join(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
