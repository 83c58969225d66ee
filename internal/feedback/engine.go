// Package feedback records interactions and mines them for recurring issues.
package feedback

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
)

const (
	IssueSlowResponse           = "slow_response"
	IssueIncompleteAnalysis     = "incomplete_analysis"
	IssueTooTechnical           = "too_technical"
	IssueMissingRecommendations = "missing_recommendations"
)

var suggestions = map[string]string{
	IssueSlowResponse:           "Utiliser cache RAG pour requêtes similaires",
	IssueIncompleteAnalysis:     "Ajouter checklist automatique des ratios clés",
	IssueTooTechnical:           "Adapter niveau explication selon vocabulaire utilisateur",
	IssueMissingRecommendations: "Forcer section recommandations dans prompt système",
}

const defaultSuggestion = "Revoir prompt pour ce type de requête"

var (
	recommendationMarker = regexp.MustCompile(`(?i)recommandation|recommendation|🎯`)
	incompleteFeedback   = regexp.MustCompile(`(?i)incompl[eèé]t`)
	technicalFeedback    = regexp.MustCompile(`(?i)techni(que|cal)|compliqu[eé]|complexe`)
	ratioQuery           = regexp.MustCompile(`(?i)ratio|marge|rentabilité`)
	subsidyQuery         = regexp.MustCompile(`(?i)subvention|aide|financement`)
	documentQuery        = regexp.MustCompile(`(?i)bilan|compte.*résultat`)
)

// KnowledgeWriter stores accepted corrections in the knowledge base.
type KnowledgeWriter interface {
	AddCorrection(ctx context.Context, query, answer string) error
}

type Config struct {
	SlowThreshold       time.Duration
	Window              int
	TopIssues           int
	BaselineConfidence  float64
	ConfidenceStep      float64
	MaxConfidence       float64
	ActionConfidence    float64
	TrendUp             float64
	TrendDown           float64
	MinAnswer           int
	MaxAnswer           int
	DuplicateSimilarity float64
}

func DefaultConfig() Config {
	return Config{
		SlowThreshold:       45 * time.Second,
		Window:              100,
		TopIssues:           5,
		BaselineConfidence:  0.6,
		ConfidenceStep:      0.05,
		MaxConfidence:       0.95,
		ActionConfidence:    0.8,
		TrendUp:             4.2,
		TrendDown:           3.8,
		MinAnswer:           100,
		MaxAnswer:           2000,
		DuplicateSimilarity: 0.9,
	}
}

// Engine is safe for concurrent use. Mutation is append or increment only.
type Engine struct {
	cfg    Config
	store  repository.InteractionStore
	kb     KnowledgeWriter
	logger *zap.Logger

	mu           sync.RWMutex
	interactions []entity.Interaction
	improvements map[string]*entity.PatternImprovement
	patterns     []entity.SuccessPattern
}

type Option func(*Engine)

// WithStore persists interactions and success patterns.
func WithStore(s repository.InteractionStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithKnowledge lets ImproveRAG write accepted corrections.
func WithKnowledge(kb KnowledgeWriter) Option {
	return func(e *Engine) { e.kb = kb }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		logger:       zap.NewNop(),
		improvements: make(map[string]*entity.PatternImprovement),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LogInteraction appends the interaction. Ratings below 4 are mined for
// issues, five-star ratings produce a success pattern. The in-memory append
// always happens; a store error is returned afterwards.
func (e *Engine) LogInteraction(ctx context.Context, in entity.Interaction) error {
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	e.mu.Lock()
	pattern := e.record(in)
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	if err := e.store.AppendInteraction(ctx, in); err != nil {
		return fmt.Errorf("persist interaction %s: %w", in.ID, err)
	}
	if pattern != nil {
		if err := e.store.SaveSuccessPattern(ctx, *pattern); err != nil {
			return fmt.Errorf("persist success pattern %s: %w", in.ID, err)
		}
	}
	return nil
}

// record must be called with mu held.
func (e *Engine) record(in entity.Interaction) *entity.SuccessPattern {
	e.interactions = append(e.interactions, in)

	if in.Rated() && in.Rating < 4 {
		issues := e.identifyIssues(in)
		e.logger.Info("low rated interaction",
			zap.String("id", in.ID),
			zap.Int("rating", in.Rating),
			zap.Strings("issues", issues))
		for _, issue := range issues {
			e.upsert(in.Metadata.Sector, issue)
		}
	}

	if in.Rating == 5 {
		p := entity.SuccessPattern{
			InteractionID: in.ID,
			QueryClass:    ClassifyQuery(in.Query),
			Strategy:      in.Strategy,
			Structure:     AnalyzeStructure(in.Result),
			CreatedAt:     in.Timestamp,
		}
		e.patterns = append(e.patterns, p)
		return &p
	}
	return nil
}

func (e *Engine) identifyIssues(in entity.Interaction) []string {
	var issues []string
	if time.Duration(in.Metadata.DurationMs)*time.Millisecond > e.cfg.SlowThreshold {
		issues = append(issues, IssueSlowResponse)
	}
	if incompleteFeedback.MatchString(in.Feedback) {
		issues = append(issues, IssueIncompleteAnalysis)
	}
	if technicalFeedback.MatchString(in.Feedback) {
		issues = append(issues, IssueTooTechnical)
	}
	if !recommendationMarker.MatchString(in.Result) {
		issues = append(issues, IssueMissingRecommendations)
	}
	return issues
}

func (e *Engine) upsert(sector, issue string) {
	if sector == "" {
		sector = "general"
	}
	key := sector + ":" + issue
	if existing, ok := e.improvements[key]; ok {
		existing.Applications++
		existing.Confidence = math.Min(e.cfg.MaxConfidence, existing.Confidence+e.cfg.ConfidenceStep)
		return
	}
	suggestion, ok := suggestions[issue]
	if !ok {
		suggestion = defaultSuggestion
	}
	e.improvements[key] = &entity.PatternImprovement{
		Key:          key,
		Sector:       sector,
		Issue:        issue,
		Suggestion:   suggestion,
		Confidence:   e.cfg.BaselineConfidence,
		Applications: 1,
	}
}

// GenerateInsights summarises the most recent window of interactions.
func (e *Engine) GenerateInsights() entity.Insights {
	e.mu.RLock()
	defer e.mu.RUnlock()

	recent := e.interactions
	if len(recent) > e.cfg.Window {
		recent = recent[len(recent)-e.cfg.Window:]
	}
	sum, rated := 0, 0
	for _, in := range recent {
		if in.Rated() {
			sum += in.Rating
			rated++
		}
	}

	out := entity.Insights{
		TopIssues:          []string{},
		RecommendedActions: []string{},
		PerformanceTrend:   entity.TrendStable,
		RatedInteractions:  rated,
	}
	if rated > 0 {
		out.AverageRating = float64(sum) / float64(rated)
		switch {
		case out.AverageRating > e.cfg.TrendUp:
			out.PerformanceTrend = entity.TrendUp
		case out.AverageRating < e.cfg.TrendDown:
			out.PerformanceTrend = entity.TrendDown
		}
	}

	ranked := e.sortedImprovements()
	for i, p := range ranked {
		if i < e.cfg.TopIssues {
			out.TopIssues = append(out.TopIssues, p.Issue+": "+p.Suggestion)
		}
		if p.Confidence > e.cfg.ActionConfidence {
			out.RecommendedActions = append(out.RecommendedActions, p.Suggestion)
		}
	}
	return out
}

// Improvements returns a snapshot ranked by applications.
func (e *Engine) Improvements() []entity.PatternImprovement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedImprovements()
}

func (e *Engine) sortedImprovements() []entity.PatternImprovement {
	out := make([]entity.PatternImprovement, 0, len(e.improvements))
	for _, p := range e.improvements {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Applications != out[j].Applications {
			return out[i].Applications > out[j].Applications
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// SuccessPatterns returns the patterns extracted so far.
func (e *Engine) SuccessPatterns() []entity.SuccessPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]entity.SuccessPattern, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Len is the number of logged interactions.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.interactions)
}

// ImproveRAG accepts a correction when its length is within bounds and no
// logged query is a near duplicate of failedQuery.
func (e *Engine) ImproveRAG(ctx context.Context, failedQuery, correctAnswer string) (bool, error) {
	n := utf8.RuneCountInString(correctAnswer)
	if n < e.cfg.MinAnswer || n > e.cfg.MaxAnswer {
		return false, nil
	}

	e.mu.RLock()
	for _, in := range e.interactions {
		if Jaccard(in.Query, failedQuery) >= e.cfg.DuplicateSimilarity {
			e.mu.RUnlock()
			return false, nil
		}
	}
	e.mu.RUnlock()

	if e.kb != nil {
		if err := e.kb.AddCorrection(ctx, failedQuery, correctAnswer); err != nil {
			return false, fmt.Errorf("add correction: %w", err)
		}
	}
	e.logger.Info("knowledge base correction accepted", zap.String("query", truncate(failedQuery, 50)))
	return true, nil
}

// Restore replays the persisted window of interactions into memory.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	list, err := e.store.ListInteractions(ctx, e.cfg.Window)
	if err != nil {
		return 0, fmt.Errorf("restore interactions: %w", err)
	}
	e.mu.Lock()
	for _, in := range list {
		e.record(in)
	}
	e.mu.Unlock()
	return len(list), nil
}

// ClassifyQuery buckets a query for success-pattern reuse.
func ClassifyQuery(q string) string {
	switch {
	case ratioQuery.MatchString(q):
		return "financial_ratio"
	case subsidyQuery.MatchString(q):
		return "subsidy_search"
	case documentQuery.MatchString(q):
		return "document_analysis"
	default:
		return "general"
	}
}

// AnalyzeStructure describes the layout of a result.
func AnalyzeStructure(result string) string {
	switch {
	case strings.Contains(result, "📊") && strings.Contains(result, "🎯"):
		return "structured"
	case strings.Contains(result, "\n\n"):
		return "paragraphs"
	default:
		return "text"
	}
}

// Jaccard is the token-set similarity of two lower-cased strings.
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(setA)+len(setB)-inter)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = struct{}{}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
