// Package quality scores finished analyses and decides on escalation.
package quality

import (
	"regexp"
	"strings"

	"finops-core/internal/domain/entity"
)

const (
	Disclaimer = "\n\n⚖️ **Important** : Cette analyse est indicative et ne remplace pas un avis professionnel."

	structureTemplate = "📊 **Analyse**\n\n%s\n\n🎯 **Recommandations**\n• Action prioritaire à définir"
)

var (
	digitPattern          = regexp.MustCompile(`\d`)
	ratioTerms            = regexp.MustCompile(`(?i)\bratios?\b`)
	ratioFigures          = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*%|\d+[.,]\d+`)
	recommendationPattern = regexp.MustCompile(`(?i)recommandation|conseil`)
	inconsistencyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ratio.*>\s*[1-9]\d{2,}`),
		regexp.MustCompile(`(?i)-\d+%.*positif`),
		regexp.MustCompile(`(?i)infinity|∞|division par z[ée]ro`),
	}
)

// Penalties are the score deductions and word-count bounds.
type Penalties struct {
	MissingNumbers        int
	RatioWithoutFigures   int
	MissingRecommendation int
	TooShort              int
	TooLong               int
	Inconsistency         int
	MissingDisclaimer     int
	MinWords              int
	MaxWords              int
	EscalateBelow         int
}

func DefaultPenalties() Penalties {
	return Penalties{
		MissingNumbers:        20,
		RatioWithoutFigures:   15,
		MissingRecommendation: 15,
		TooShort:              10,
		TooLong:               5,
		Inconsistency:         25,
		MissingDisclaimer:     5,
		MinWords:              100,
		MaxWords:              800,
		EscalateBelow:         70,
	}
}

type Assessor struct {
	p Penalties
}

func NewAssessor(p Penalties) *Assessor {
	return &Assessor{p: p}
}

// Assess scores content. Every check is evaluated independently.
func (a *Assessor) Assess(content string) entity.QualityCheck {
	check := entity.QualityCheck{Score: 100}
	add := func(cat entity.IssueCategory, msg, suggestion string, penalty int) {
		check.Issues = append(check.Issues, entity.QualityIssue{Category: cat, Message: msg})
		check.Suggestions = append(check.Suggestions, suggestion)
		check.Score -= penalty
	}

	if !digitPattern.MatchString(content) {
		add(entity.CategoryNumeric, "Absence de données chiffrées",
			"Ajouter les ratios calculés avec valeurs", a.p.MissingNumbers)
	}
	if ratioTerms.MatchString(content) && !ratioFigures.MatchString(content) {
		add(entity.CategoryRatio, "Mention de ratios sans valeurs",
			"Inclure valeur + interprétation + benchmark", a.p.RatioWithoutFigures)
	}
	if !recommendationPattern.MatchString(content) {
		add(entity.CategoryRecommendation, "Pas d'actions recommandées",
			`Ajouter section "Recommandations" avec priorités`, a.p.MissingRecommendation)
	}

	words := len(strings.Fields(content))
	if words < a.p.MinWords {
		add(entity.CategoryLength, "Réponse trop courte pour une analyse financière",
			"Développer l'analyse avec contexte sectoriel", a.p.TooShort)
	}
	if words > a.p.MaxWords {
		add(entity.CategoryLength, "Réponse potentiellement trop verbeuse",
			"Structurer avec bullet points pour lisibilité", a.p.TooLong)
	}

	if inconsistent(content) {
		add(entity.CategoryInconsistency, "Incohérence détectée dans les calculs",
			"Revérifier les opérations arithmétiques", a.p.Inconsistency)
	}

	// A missing disclaimer costs points but is not an issue.
	if !HasDisclaimer(content) {
		check.Suggestions = append(check.Suggestions, "Ajouter disclaimer sur limites de l'analyse")
		check.Score -= a.p.MissingDisclaimer
	}

	if check.Score < 0 {
		check.Score = 0
	}
	check.AutoFixable = !check.Has(entity.CategoryInconsistency)
	return check
}

// ShouldEscalate reports whether the analysis must be re-run on a higher tier.
func (a *Assessor) ShouldEscalate(check entity.QualityCheck) bool {
	return check.Score < a.p.EscalateBelow || check.Has(entity.CategoryInconsistency)
}

// AutoFix applies the deterministic patches. Figures are never touched.
func (a *Assessor) AutoFix(content string, check entity.QualityCheck) string {
	fixed := content
	if check.Has(entity.CategoryRecommendation) {
		fixed = strings.Replace(structureTemplate, "%s", fixed, 1)
	}
	if !HasDisclaimer(fixed) {
		fixed += Disclaimer
	}
	return fixed
}

// HasDisclaimer reports whether the disclaimer marker is present.
func HasDisclaimer(content string) bool {
	return strings.Contains(content, "⚖️") || strings.Contains(content, "Important")
}

func inconsistent(content string) bool {
	for _, re := range inconsistencyPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
