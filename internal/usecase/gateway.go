package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finops-core/internal/cache"
	"finops-core/internal/compress"
	"finops-core/internal/costing"
	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
	"finops-core/internal/feedback"
	"finops-core/internal/pipeline"
	"finops-core/internal/quality"
	"finops-core/internal/rag"
	"finops-core/internal/routing"
)

// maxEscalations bounds quality-driven re-runs per request.
const maxEscalations = 1

// Pipeline is the part of the orchestrator the gateway drives.
type Pipeline interface {
	Submit(ctx context.Context, t pipeline.Task) (string, error)
	Wait(ctx context.Context, id string) (entity.WorkflowResult, error)
	Status(ctx context.Context, id string) (entity.WorkflowResult, error)
	Subscribe(ctx context.Context, id string) (<-chan entity.Event, func(), error)
}

// Deps are the collaborators of the gateway. Limiter and Knowledge are optional.
type Deps struct {
	Limiter    repository.TokenLimiter
	Cache      *cache.Cache
	Predictor  *costing.Predictor
	Router     *routing.Router
	Compressor *compress.Compressor
	Knowledge  *rag.Builder
	Pipeline   Pipeline
	Assessor   *quality.Assessor
	Feedback   *feedback.Engine
	Logger     *zap.Logger
}

// Analysis is the synchronous answer to an intake.
type Analysis struct {
	RequestID  string                  `json:"request_id"`
	Status     entity.WorkflowStatus   `json:"status"`
	Content    string                  `json:"content,omitempty"`
	Cached     bool                    `json:"cached"`
	CacheScore float32                 `json:"cache_score,omitempty"`
	Prediction *costing.Prediction     `json:"prediction,omitempty"`
	Routing    *entity.RoutingDecision `json:"routing,omitempty"`
	Workflow   *entity.WorkflowResult  `json:"workflow,omitempty"`
	Quality    *entity.QualityCheck    `json:"quality,omitempty"`
	Escalated  bool                    `json:"escalated"`
	Sources    []string                `json:"sources,omitempty"`
}

// Submission is the answer to an asynchronous intake.
type Submission struct {
	Status        entity.WorkflowStatus `json:"status"`
	JobID         string                `json:"job_id,omitempty"`
	EstimatedTime int                   `json:"estimated_time_s"`
	Cached        bool                  `json:"cached"`
	Result        *Analysis             `json:"result,omitempty"`
}

// Feedback is a user rating for an earlier analysis.
type Feedback struct {
	RequestID string `json:"request_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type Gateway struct {
	limiter    repository.TokenLimiter
	cache      *cache.Cache
	predictor  *costing.Predictor
	router     *routing.Router
	compressor *compress.Compressor
	knowledge  *rag.Builder
	pipeline   Pipeline
	assessor   *quality.Assessor
	feedback   *feedback.Engine
	logger     *zap.Logger
	now        func() time.Time

	bg     sync.WaitGroup
	recent *recentLog
}

func NewGateway(d Deps) *Gateway {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Gateway{
		limiter:    d.Limiter,
		cache:      d.Cache,
		predictor:  d.Predictor,
		router:     d.Router,
		compressor: d.Compressor,
		knowledge:  d.Knowledge,
		pipeline:   d.Pipeline,
		assessor:   d.Assessor,
		feedback:   d.Feedback,
		logger:     d.Logger,
		now:        time.Now,
		recent:     newRecentLog(1000),
	}
}

// prepared is everything decided before the pipeline starts.
type prepared struct {
	req        entity.Request
	probe      cache.Probe
	features   costing.Features
	prediction costing.Prediction
	decision   entity.RoutingDecision
	task       pipeline.Task
	sources    []string
}

// Analyze runs the whole chain and waits for the final answer. A cache hit
// returns immediately without touching the pipeline.
func (g *Gateway) Analyze(ctx context.Context, in entity.Intake) (*Analysis, error) {
	p, hit, err := g.prepare(ctx, in)
	if err != nil || hit != nil {
		return hit, err
	}

	v, shared, err := g.cache.Do(flightKey(p.req), func() (any, error) {
		res, err := g.execute(ctx, p.task)
		if err != nil {
			return nil, err
		}
		return g.evaluate(ctx, p, res), nil
	})
	if err != nil {
		return nil, err
	}
	a := *v.(*Analysis)
	if shared {
		g.logger.Debug("identical analysis in flight, sharing result", zap.String("request_id", p.req.ID), zap.String("shared_with", a.RequestID))
	}
	return &a, nil
}

// Submit queues the pipeline and returns at once. Quality checks, caching
// and logging happen when the workflow finishes.
func (g *Gateway) Submit(ctx context.Context, in entity.Intake) (*Submission, error) {
	p, hit, err := g.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return &Submission{Status: entity.WorkflowCompleted, Cached: true, Result: hit}, nil
	}

	id, err := g.pipeline.Submit(ctx, p.task)
	if err != nil {
		return nil, fmt.Errorf("submit workflow: %w", err)
	}
	p.task.WorkflowID = id

	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		res, err := g.pipeline.Wait(bgCtx, id)
		if err != nil {
			g.logger.Warn("async workflow not observed", zap.String("workflow_id", id), zap.Error(err))
			return
		}
		g.evaluate(bgCtx, p, res)
	}()

	return &Submission{
		Status:        entity.WorkflowQueued,
		JobID:         id,
		EstimatedTime: estimatedSeconds(p.task.Complexity),
	}, nil
}

func (g *Gateway) Status(ctx context.Context, id string) (entity.WorkflowResult, error) {
	return g.pipeline.Status(ctx, id)
}

func (g *Gateway) Events(ctx context.Context, id string) (<-chan entity.Event, func(), error) {
	return g.pipeline.Subscribe(ctx, id)
}

// RecordFeedback logs a rated copy of an earlier analysis.
func (g *Gateway) RecordFeedback(ctx context.Context, fb Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return &entity.ValidationError{Field: "rating", Message: "must be between 1 and 5"}
	}
	base, ok := g.recent.get(fb.RequestID)
	if !ok {
		return fmt.Errorf("%w: analysis %s", entity.ErrResourceNotFound, fb.RequestID)
	}
	base.ID = uuid.NewString()
	base.Rating = fb.Rating
	base.Feedback = fb.Comment
	base.Timestamp = g.now()
	return g.feedback.LogInteraction(ctx, base)
}

func (g *Gateway) Insights() entity.Insights {
	return g.feedback.GenerateInsights()
}

// Correct offers a user-provided answer to the knowledge base.
func (g *Gateway) Correct(ctx context.Context, query, answer string) (bool, error) {
	if strings.TrimSpace(query) == "" {
		return false, &entity.ValidationError{Field: "query", Message: "must not be empty"}
	}
	return g.feedback.ImproveRAG(ctx, query, answer)
}

// Close waits for background bookkeeping to finish.
func (g *Gateway) Close() {
	g.bg.Wait()
}

func (g *Gateway) prepare(ctx context.Context, in entity.Intake) (*prepared, *Analysis, error) {
	// 1. Validate before anything else runs
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	req := routing.NewRequest(uuid.NewString(), in, g.now())
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	// 2. Check Rate Limits
	if g.limiter != nil {
		allowed, err := g.limiter.CheckLimit(ctx, req.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter check failed: %w", err)
		}
		if !allowed {
			return nil, nil, entity.ErrRateLimitExceeded
		}
	}

	// 3. Semantic Cache Lookup
	probe, err := g.cache.Probe(ctx, req.Query, req.Type, req.Sector)
	if err != nil {
		g.logger.Warn("cache unavailable, continuing without it", zap.String("request_id", req.ID), zap.Error(err))
	}
	if probe.Hit != nil {
		g.logger.Info("served from cache", zap.String("request_id", req.ID), zap.Float32("score", probe.Hit.Score))
		return nil, &Analysis{
			RequestID:  req.ID,
			Status:     entity.WorkflowCompleted,
			Content:    probe.Hit.Entry.Result,
			Cached:     true,
			CacheScore: probe.Hit.Score,
		}, nil
	}

	// 4. Retrieve, predict, route and assemble the input
	p := &prepared{req: req, probe: probe}
	rc := g.retrieve(ctx, req)
	p.features = costing.Features{HasDocument: req.HasDocument(), Sector: req.Sector}
	if len(rc.Documents) > 0 {
		p.features.Similarity = rc.Documents[0].Score
	}
	p.prediction = g.predictor.Predict(req.Query, p.features)
	p.decision = g.router.Route(req)

	var extra string
	extra, p.sources = g.gatherContext(req, rc, p.prediction.Strategy, p.decision)
	p.task = pipeline.Task{
		Request:    req,
		Complexity: complexityFor(p.prediction.Strategy),
		Decision:   p.decision,
		Context:    extra,
	}

	g.logger.Info("request planned",
		zap.String("request_id", req.ID),
		zap.String("strategy", string(p.prediction.Strategy)),
		zap.Float64("complexity", p.prediction.Complexity),
		zap.String("tier", string(p.decision.Tier)),
		zap.String("reason", p.decision.Reasoning))
	return p, nil, nil
}

// retrieve looks up the knowledge base. Failures only cost context.
func (g *Gateway) retrieve(ctx context.Context, req entity.Request) entity.RAGContext {
	if g.knowledge == nil {
		return entity.RAGContext{}
	}
	rc, err := g.knowledge.BuildContext(ctx, rag.BuildOptions{Query: req.Query, Sector: req.Sector})
	if err != nil {
		g.logger.Warn("knowledge retrieval failed", zap.String("request_id", req.ID), zap.Error(err))
		return entity.RAGContext{}
	}
	return rc
}

// gatherContext compresses the attached document and adds the retrieved knowledge.
func (g *Gateway) gatherContext(req entity.Request, rc entity.RAGContext, s costing.Strategy, d entity.RoutingDecision) (string, []string) {
	var parts, sources []string

	if req.HasDocument() {
		doc := g.compressor.Compress(req.Document.ParsedText)
		if m, ok := g.router.Catalog().Get(d.Tier); ok {
			saved := compress.CalculateSavings(req.Document.ParsedText, doc, m.CostPer1K)
			g.logger.Debug("document compressed",
				zap.Int("chars_saved", saved.CharReduction),
				zap.Float64("cost_saved", saved.CostSavings))
		}
		parts = append(parts, "Document:\n"+doc)
	}

	if len(rc.Documents) > 0 {
		text := rc.ContextString
		if s == costing.StrategyRAGOnly {
			texts := make([]string, len(rc.Documents))
			for i, r := range rc.Documents {
				texts[i] = r.Text
			}
			text = strings.Join(g.compressor.CompressForRetrieval(texts), "\n")
		}
		parts = append(parts, "Connaissances:\n"+text)
		sources = rc.Sources
	}
	return strings.Join(parts, "\n\n"), sources
}

func (g *Gateway) execute(ctx context.Context, t pipeline.Task) (entity.WorkflowResult, error) {
	id, err := g.pipeline.Submit(ctx, t)
	if err != nil {
		return entity.WorkflowResult{}, fmt.Errorf("submit workflow: %w", err)
	}
	return g.pipeline.Wait(ctx, id)
}

// evaluate scores a finished workflow, escalates at most maxEscalations
// times, patches the text and records the outcome.
func (g *Gateway) evaluate(ctx context.Context, p *prepared, res entity.WorkflowResult) *Analysis {
	a := &Analysis{
		RequestID:  p.req.ID,
		Status:     res.Status,
		Prediction: &p.prediction,
		Routing:    &p.decision,
		Workflow:   &res,
		Sources:    p.sources,
	}
	if res.Status == entity.WorkflowFailed {
		g.record(p, a, 0)
		return a
	}

	content := res.FinalOutput
	check := g.assessor.Assess(content)
	decision := p.decision
	cost := res.Metrics.Cost
	tokens := res.Metrics.TokensUsed

	for n := 0; n < maxEscalations && g.assessor.ShouldEscalate(check); n++ {
		up, ok := g.router.Escalate(decision)
		if !ok {
			break
		}
		g.logger.Info("escalating after quality check",
			zap.String("request_id", p.req.ID),
			zap.String("to", string(up.Tier)),
			zap.Error(&entity.QualityError{Check: check}))

		t := p.task
		t.WorkflowID = ""
		t.Decision = up
		rerun, err := g.execute(ctx, t)
		if err != nil || rerun.Status == entity.WorkflowFailed {
			g.logger.Warn("escalated run failed, keeping first answer", zap.String("request_id", p.req.ID), zap.Error(err))
			break
		}
		cost += rerun.Metrics.Cost
		tokens += rerun.Metrics.TokensUsed
		res, content, decision = rerun, rerun.FinalOutput, up
		check = g.assessor.Assess(content)
		a.Escalated = true
	}

	if check.AutoFixable {
		content = g.assessor.AutoFix(content, check)
	}
	a.Status = res.Status
	a.Workflow = &res
	a.Routing = &decision
	a.Content = content
	a.Quality = &check

	res.Metrics.Cost, res.Metrics.TokensUsed = cost, tokens
	g.record(p, a, float64(check.Score)/100)
	return a
}

// record does the bookkeeping in the background: cache write, usage,
// predictor learning and the interaction log.
func (g *Gateway) record(p *prepared, a *Analysis, satisfaction float64) {
	var cost float64
	var tokens int
	var duration int64
	if a.Workflow != nil {
		cost = a.Workflow.Metrics.Cost
		tokens = a.Workflow.Metrics.TokensUsed
		duration = a.Workflow.Metrics.DurationMs
	}
	in := entity.Interaction{
		ID:       p.req.ID,
		Query:    p.req.Query,
		Strategy: string(p.prediction.Strategy),
		Result:   a.Content,
		Quality:  a.Quality,
		Metadata: entity.InteractionMetadata{
			Sector:     p.req.Sector,
			Complexity: p.prediction.Complexity,
			Cost:       cost,
			DurationMs: duration,
		},
		Timestamp: g.now(),
	}
	g.recent.put(in)

	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		// context.Background because the request context may already be gone
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if a.Status != entity.WorkflowFailed && a.Content != "" {
			if err := g.cache.Store(bgCtx, p.req.Query, p.req.Type, p.req.Sector, p.probe.Vector, a.Content); err != nil {
				g.logger.Warn("cache write failed", zap.String("request_id", p.req.ID), zap.Error(err))
			}
		}
		if g.limiter != nil && tokens > 0 {
			if err := g.limiter.Increment(bgCtx, p.req.UserID, tokens); err != nil {
				g.logger.Warn("usage update failed", zap.String("user_id", p.req.UserID), zap.Error(err))
			}
		}
		g.predictor.Learn(p.features, cost, satisfaction)
		if err := g.feedback.LogInteraction(bgCtx, in); err != nil {
			g.logger.Warn("interaction not persisted", zap.String("request_id", p.req.ID), zap.Error(err))
		}
	}()
}

// flightKey identifies requests that would produce the same analysis. Two
// callers share a run only when everything that shapes the prompts matches.
func flightKey(r entity.Request) string {
	h := sha256.New()
	var doc string
	if r.Document != nil {
		doc = r.Document.ParsedText
	}
	for _, part := range []string{
		cache.Key(r.Query, r.Type), r.Sector, r.Region, string(r.Domain),
		string(r.UserLevel), string(r.RiskLevel), strconv.FormatBool(r.RequiresCitations), doc,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func complexityFor(s costing.Strategy) entity.Complexity {
	switch s {
	case costing.StrategyRAGOnly, costing.StrategyQuick:
		return entity.ComplexityQuick
	case costing.StrategyComplex:
		return entity.ComplexityComplex
	default:
		return entity.ComplexityStandard
	}
}

func estimatedSeconds(c entity.Complexity) int {
	switch c {
	case entity.ComplexityQuick:
		return 5
	case entity.ComplexityComplex:
		return 35
	default:
		return 20
	}
}

// recentLog keeps the last analyses so a later rating can be attached to them.
type recentLog struct {
	mu    sync.Mutex
	max   int
	order []string
	items map[string]entity.Interaction
}

func newRecentLog(max int) *recentLog {
	return &recentLog{max: max, items: make(map[string]entity.Interaction, max)}
}

func (r *recentLog) put(in entity.Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[in.ID]; !ok {
		r.order = append(r.order, in.ID)
	}
	r.items[in.ID] = in
	for len(r.order) > r.max {
		delete(r.items, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentLog) get(id string) (entity.Interaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.items[id]
	return in, ok
}
