// Package costing predicts the cost and execution strategy of a request
// before any model is called.
package costing

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
)

type Strategy string

const (
	StrategyRAGOnly  Strategy = "rag-only"
	StrategyQuick    Strategy = "quick"
	StrategyStandard Strategy = "standard"
	StrategyComplex  Strategy = "complex"
)

// Features are the request signals the predictor scores.
type Features struct {
	HasDocument bool
	Sector      string
	// Similarity is the best knowledge-base score for the query.
	Similarity float32
}

type Prediction struct {
	EstimatedCost float64  `json:"estimated_cost"`
	EstimatedTime int64    `json:"estimated_time_ms"`
	Strategy      Strategy `json:"strategy"`
	Confidence    float64  `json:"confidence"`
	Complexity    float64  `json:"complexity"`
	Reason        string   `json:"reason"`
}

// Weights are the scoring constants. They are data, not branches.
type Weights struct {
	LongQuery        int
	VeryLongQuery    int
	Families         []*regexp.Regexp
	FamilyWeight     float64
	DocumentWeight   float64
	SectorWeight     float64
	MaxComplexity    float64
	RAGSimilarity    float32
	RAGMaxComplexity float64
	QuickBelow       float64
	ComplexAbove     float64
	// SatisfactionFloor marks an observation as a tuning signal.
	SatisfactionFloor float64
}

// DefaultWeights returns the production scoring constants.
func DefaultWeights() Weights {
	return Weights{
		LongQuery:     500,
		VeryLongQuery: 1000,
		Families: []*regexp.Regexp{
			regexp.MustCompile(`(?i)diagnostic|analyse complète|bilan|compte de résultat`),
			regexp.MustCompile(`(?i)comparaison|benchmark|sectoriel`),
			regexp.MustCompile(`(?i)recommandation|stratégie|plan d'action`),
			regexp.MustCompile(`(?i)subvention|financement|aide|credit impot`),
		},
		FamilyWeight:      0.5,
		DocumentWeight:    1.5,
		SectorWeight:      0.5,
		MaxComplexity:     5,
		RAGSimilarity:     0.85,
		RAGMaxComplexity:  3,
		QuickBelow:        2,
		ComplexAbove:      4,
		SatisfactionFloor: 0.8,
	}
}

// Observation aggregates actual outcomes for one feature fingerprint.
type Observation struct {
	Count            int
	TotalCost        float64
	LastSatisfaction float64
	LowSatisfaction  int
}

type Predictor struct {
	weights Weights
	logger  *zap.Logger

	mu      sync.RWMutex
	history map[string]Observation
}

func NewPredictor(w Weights, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{weights: w, logger: logger, history: make(map[string]Observation)}
}

// Complexity scores a query between 0 and MaxComplexity.
func (p *Predictor) Complexity(query string, f Features) float64 {
	w := p.weights
	score := 0.0

	n := utf8.RuneCountInString(query)
	if n > w.LongQuery {
		score++
	}
	if n > w.VeryLongQuery {
		score++
	}
	for _, re := range w.Families {
		if re.MatchString(query) {
			score += w.FamilyWeight
		}
	}
	if f.HasDocument {
		score += w.DocumentWeight
	}
	if f.Sector != "" {
		score += w.SectorWeight
	}
	return math.Min(score, w.MaxComplexity)
}

// Predict picks the cheapest strategy that is expected to answer well.
func (p *Predictor) Predict(query string, f Features) Prediction {
	w := p.weights
	c := p.Complexity(query, f)

	switch {
	case f.Similarity >= w.RAGSimilarity && c < w.RAGMaxComplexity:
		return Prediction{
			EstimatedCost: 0, EstimatedTime: 500, Strategy: StrategyRAGOnly, Confidence: 0.92, Complexity: c,
			Reason: "similar context already in the knowledge base",
		}
	case c < w.QuickBelow && !f.HasDocument:
		return Prediction{
			EstimatedCost: 0, EstimatedTime: 2000, Strategy: StrategyQuick, Confidence: 0.88, Complexity: c,
			Reason: "simple question, free tier is enough",
		}
	case c > w.ComplexAbove || f.HasDocument:
		return Prediction{
			EstimatedCost: 0.020, EstimatedTime: 30000, Strategy: StrategyComplex, Confidence: 0.95, Complexity: c,
			Reason: "complex analysis with premium validation",
		}
	default:
		return Prediction{
			EstimatedCost: 0.015, EstimatedTime: 15000, Strategy: StrategyStandard, Confidence: 0.90, Complexity: c,
			Reason: "standard three-phase pipeline",
		}
	}
}

// Learn records an observed outcome. Satisfaction is in [0,1]; values below
// the floor are logged as a weight-adjustment signal.
func (p *Predictor) Learn(f Features, actualCost, satisfaction float64) {
	key := fingerprint(f)

	p.mu.Lock()
	o := p.history[key]
	o.Count++
	o.TotalCost += actualCost
	o.LastSatisfaction = satisfaction
	if satisfaction < p.weights.SatisfactionFloor {
		o.LowSatisfaction++
	}
	p.history[key] = o
	p.mu.Unlock()

	if satisfaction < p.weights.SatisfactionFloor {
		p.logger.Warn("suboptimal prediction pattern",
			zap.String("features", key),
			zap.Float64("satisfaction", satisfaction),
			zap.Int("low_count", o.LowSatisfaction))
	}
}

// Observation returns what was learned for a feature set.
func (p *Predictor) Observation(f Features) (Observation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.history[fingerprint(f)]
	return o, ok
}

func fingerprint(f Features) string {
	return fmt.Sprintf("doc=%t|sector=%s|sim=%.2f", f.HasDocument, f.Sector, f.Similarity)
}
