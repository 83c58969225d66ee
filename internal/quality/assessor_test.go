package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finops-core/internal/domain/entity"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("analyse ", n))
}

func messages(c entity.QualityCheck) []string {
	out := make([]string, len(c.Issues))
	for i, is := range c.Issues {
		out[i] = is.Message
	}
	return out
}

func TestAssessNoDigits(t *testing.T) {
	a := NewAssessor(DefaultPenalties())
	for _, content := range []string{
		"",
		"Une recommandation claire. Important.",
		words(150) + " recommandation Important",
		"Le ratio est bon, conseil : continuer. ⚖️",
	} {
		c := a.Assess(content)
		assert.LessOrEqual(t, c.Score, 80)
		assert.Contains(t, messages(c), "Absence de données chiffrées")
	}
}

func TestAssessPerfectAnswer(t *testing.T) {
	a := NewAssessor(DefaultPenalties())
	content := words(120) + " Le ratio de liquidité est de 1,45. Recommandation : réduire les stocks." + Disclaimer

	c := a.Assess(content)
	assert.Equal(t, 100, c.Score)
	assert.Empty(t, c.Issues)
	assert.True(t, c.AutoFixable)
	assert.False(t, a.ShouldEscalate(c))
}

func TestAssessDeductionsAreIndependent(t *testing.T) {
	a := NewAssessor(DefaultPenalties())

	// no digits (-20), ratio without figures (-15), no recommendation (-15),
	// too short (-10), no disclaimer (-5)
	c := a.Assess("Le ratio semble correct.")
	assert.Equal(t, 35, c.Score)
	assert.Len(t, c.Issues, 4)
	assert.True(t, c.AutoFixable)
	assert.True(t, a.ShouldEscalate(c))

	c = a.Assess(words(900) + " 12% conseil Important")
	assert.Equal(t, 95, c.Score)
	assert.Equal(t, []string{"Réponse potentiellement trop verbeuse"}, messages(c))
}

func TestInconsistencyForcesEscalation(t *testing.T) {
	a := NewAssessor(DefaultPenalties())
	inputs := []string{
		words(120) + " Le ratio d'endettement > 150% reste normal. Recommandation : rien. Important",
		words(120) + " Une variation de -12% est un signal positif. conseil. Important",
		words(120) + " La rentabilité tend vers ∞ avec 3 salariés. conseil. Important",
		words(120) + " Le ROE vaut Infinity pour 2024, conseil. Important",
	}
	for _, in := range inputs {
		c := a.Assess(in)
		require.True(t, c.Has(entity.CategoryInconsistency), in)
		assert.False(t, c.AutoFixable)
		assert.True(t, a.ShouldEscalate(c))
		assert.GreaterOrEqual(t, c.Score, 70, "escalation is independent of score")
	}
}

func TestAutoFix(t *testing.T) {
	a := NewAssessor(DefaultPenalties())

	content := words(120) + " Chiffre d'affaires 2024 : 1,2 M."
	c := a.Assess(content)
	require.True(t, c.Has(entity.CategoryRecommendation))

	fixed := a.AutoFix(content, c)
	assert.True(t, strings.HasPrefix(fixed, "📊 **Analyse**"))
	assert.Contains(t, fixed, "🎯 **Recommandations**")
	assert.True(t, strings.HasSuffix(fixed, Disclaimer))
	assert.Contains(t, fixed, "1,2 M", "figures are untouched")

	again := a.Assess(fixed)
	assert.False(t, again.Has(entity.CategoryRecommendation))
	assert.Greater(t, again.Score, c.Score)

	// disclaimer already present: nothing appended
	withDisclaimer := content + " conseil" + Disclaimer
	assert.Equal(t, withDisclaimer, a.AutoFix(withDisclaimer, a.Assess(withDisclaimer)))
}
