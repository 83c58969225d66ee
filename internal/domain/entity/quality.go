package entity

// IssueCategory groups quality issues. Only CategoryInconsistency blocks auto-fix.
type IssueCategory string

const (
	CategoryNumeric        IssueCategory = "numeric"
	CategoryRatio          IssueCategory = "ratio"
	CategoryRecommendation IssueCategory = "recommendation"
	CategoryLength         IssueCategory = "length"
	CategoryInconsistency  IssueCategory = "inconsistency"
)

type QualityIssue struct {
	Category IssueCategory `json:"category"`
	Message  string        `json:"message"`
}

// QualityCheck is computed per response and travels with its Interaction.
type QualityCheck struct {
	Score       int            `json:"score"`
	Issues      []QualityIssue `json:"issues"`
	Suggestions []string       `json:"suggestions"`
	AutoFixable bool           `json:"auto_fixable"`
}

// Has reports whether an issue of the given category was recorded.
func (q QualityCheck) Has(c IssueCategory) bool {
	for _, i := range q.Issues {
		if i.Category == c {
			return true
		}
	}
	return false
}
