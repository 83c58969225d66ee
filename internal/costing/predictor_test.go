package costing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplexity(t *testing.T) {
	p := NewPredictor(DefaultWeights(), nil)

	tests := []struct {
		name  string
		query string
		f     Features
		want  float64
	}{
		{"plain", "Calcule le ratio de liquidité", Features{}, 0},
		{"one family", "Fais un diagnostic", Features{}, 0.5},
		{"all families", "diagnostic, benchmark, stratégie, subvention", Features{}, 2},
		{"long", strings.Repeat("a", 501), Features{}, 1},
		{"very long", strings.Repeat("a", 1001), Features{}, 2},
		{"document and sector", "q", Features{HasDocument: true, Sector: "btp"}, 2},
		{"capped", strings.Repeat("diagnostic benchmark stratégie subvention ", 30), Features{HasDocument: true, Sector: "btp"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.Complexity(tt.query, tt.f), 1e-9)
		})
	}
}

func TestPredictStrategyOrder(t *testing.T) {
	p := NewPredictor(DefaultWeights(), nil)

	got := p.Predict("Calcule le ratio de liquidité", Features{})
	assert.Equal(t, StrategyQuick, got.Strategy)
	assert.Zero(t, got.EstimatedCost)

	got = p.Predict("Calcule le ratio de liquidité", Features{Similarity: 0.85})
	assert.Equal(t, StrategyRAGOnly, got.Strategy, "similarity at the threshold counts")

	got = p.Predict("q", Features{HasDocument: true})
	assert.Equal(t, StrategyComplex, got.Strategy)

	got = p.Predict("diagnostic benchmark stratégie subvention", Features{})
	assert.Equal(t, StrategyStandard, got.Strategy)
	assert.InDelta(t, 0.015, got.EstimatedCost, 1e-9)

	got = p.Predict("diagnostic benchmark stratégie subvention", Features{HasDocument: true, Sector: "btp", Similarity: 0.99})
	assert.Equal(t, StrategyComplex, got.Strategy, "high complexity bypasses rag-only")
}

func TestLearnAggregatesByFingerprint(t *testing.T) {
	p := NewPredictor(DefaultWeights(), nil)
	f := Features{Sector: "retail"}

	_, ok := p.Observation(f)
	assert.False(t, ok)

	p.Learn(f, 0.01, 0.9)
	p.Learn(f, 0.02, 0.5)

	o, ok := p.Observation(f)
	require.True(t, ok)
	assert.Equal(t, 2, o.Count)
	assert.InDelta(t, 0.03, o.TotalCost, 1e-9)
	assert.Equal(t, 1, o.LowSatisfaction)
	assert.InDelta(t, 0.5, o.LastSatisfaction, 1e-9)
}
