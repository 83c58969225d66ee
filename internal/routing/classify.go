package routing

import (
	"regexp"
	"strings"
	"time"

	"finops-core/internal/domain/entity"
)

var (
	subsidyPattern    = regexp.MustCompile(`(?i)subvention|aide|financement`)
	taxPattern        = regexp.MustCompile(`(?i)impôt|fiscal|taxe`)
	accountingPattern = regexp.MustCompile(`(?i)ratio|bilan|compte`)

	criticalPattern = regexp.MustCompile(`(?i)décision|critique|urgent`)
	highPattern     = regexp.MustCompile(`(?i)erreur|risque|problème`)
	mediumPattern   = regexp.MustCompile(`(?i)vérification|contrôle`)

	expertTerms       = []string{"ebitda", "wacc", "dcf", "roic", "ev/ebitda", "gaap", "ifrs"}
	intermediateTerms = []string{"ratio", "bilan", "cash flow", "rentabilité"}
)

// Classification is what can be inferred from the query text alone.
type Classification struct {
	Domain            entity.Domain
	RiskLevel         entity.RiskLevel
	UserLevel         entity.UserLevel
	RequiresCitations bool
}

// Classify infers domain, risk, user level and citation needs from keyword
// families. Subsidies win over tax, tax over accounting.
func Classify(query string) Classification {
	c := Classification{
		Domain:            entity.DomainGeneral,
		RiskLevel:         entity.RiskLow,
		UserLevel:         detectUserLevel(query),
		RequiresCitations: strings.Contains(query, "source") || strings.Contains(query, "référence"),
	}

	switch {
	case subsidyPattern.MatchString(query):
		c.Domain = entity.DomainSubsidies
	case taxPattern.MatchString(query):
		c.Domain = entity.DomainTax
	case accountingPattern.MatchString(query):
		c.Domain = entity.DomainAccounting
	}

	switch {
	case criticalPattern.MatchString(query):
		c.RiskLevel = entity.RiskCritical
	case highPattern.MatchString(query):
		c.RiskLevel = entity.RiskHigh
	case mediumPattern.MatchString(query):
		c.RiskLevel = entity.RiskMedium
	}
	return c
}

func detectUserLevel(query string) entity.UserLevel {
	q := strings.ToLower(query)
	for _, t := range expertTerms {
		if strings.Contains(q, t) {
			return entity.UserExpert
		}
	}
	for _, t := range intermediateTerms {
		if strings.Contains(q, t) {
			return entity.UserIntermediate
		}
	}
	return entity.UserBeginner
}

// NewRequest turns a validated intake into an immutable request. Explicit
// options take precedence over inferred values.
func NewRequest(id string, in entity.Intake, now time.Time) entity.Request {
	c := Classify(in.Query)
	req := entity.Request{
		ID:                id,
		UserID:            in.UserID,
		Query:             strings.TrimSpace(in.Query),
		Document:          in.Document,
		Type:              in.Type,
		Sector:            in.Options.Sector,
		Region:            in.Options.Region,
		Domain:            c.Domain,
		UserLevel:         c.UserLevel,
		RiskLevel:         c.RiskLevel,
		RequiresCitations: c.RequiresCitations,
		Timestamp:         now,
	}
	if in.Options.Domain != "" {
		req.Domain = in.Options.Domain
	}
	if in.Options.UserLevel != "" {
		req.UserLevel = in.Options.UserLevel
	}
	if in.Options.RiskLevel != "" {
		req.RiskLevel = in.Options.RiskLevel
	}
	if in.Options.RequiresCitations != nil {
		req.RequiresCitations = *in.Options.RequiresCitations
	}
	return req
}
