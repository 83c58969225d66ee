package entity

import (
	"strings"
	"time"
)

type UserLevel string

const (
	UserBeginner     UserLevel = "beginner"
	UserIntermediate UserLevel = "intermediate"
	UserExpert       UserLevel = "expert"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Domain string

const (
	DomainAccounting Domain = "accounting"
	DomainTax        Domain = "tax"
	DomainSubsidies  Domain = "subsidies"
	DomainGeneral    Domain = "general"
)

// Document is an already-parsed attachment. Upload and OCR happen upstream.
type Document struct {
	AttachmentRef string `json:"attachment_ref"`
	ParsedText    string `json:"parsed_text"`
}

// IntakeOptions are the optional knobs sent with an analysis request.
type IntakeOptions struct {
	Sector            string    `json:"sector,omitempty"`
	Region            string    `json:"region,omitempty"`
	UserLevel         UserLevel `json:"user_level,omitempty"`
	RiskLevel         RiskLevel `json:"risk_level,omitempty"`
	Domain            Domain    `json:"domain,omitempty"`
	RequiresCitations *bool     `json:"requires_citations,omitempty"`
}

// Intake is the wire shape produced by the HTTP layer.
type Intake struct {
	UserID   string        `json:"user_id"`
	Query    string        `json:"query"`
	Document *Document     `json:"document,omitempty"`
	Type     string        `json:"type"`
	Options  IntakeOptions `json:"options"`
}

// Request is the validated, immutable form of an Intake.
type Request struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id,omitempty"`
	Query             string    `json:"query"`
	Document          *Document `json:"document,omitempty"`
	Type              string    `json:"type"`
	Sector            string    `json:"sector,omitempty"`
	Region            string    `json:"region,omitempty"`
	Domain            Domain    `json:"domain"`
	UserLevel         UserLevel `json:"user_level"`
	RiskLevel         RiskLevel `json:"risk_level"`
	RequiresCitations bool      `json:"requires_citations"`
	Timestamp         time.Time `json:"timestamp"`
}

// HasDocument reports whether a non-empty parsed document is attached.
func (r Request) HasDocument() bool {
	return r.Document != nil && strings.TrimSpace(r.Document.ParsedText) != ""
}

// Validate checks the fields every request must carry.
func (in Intake) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return &ValidationError{Field: "query", Message: "must not be empty"}
	}
	switch in.Options.UserLevel {
	case "", UserBeginner, UserIntermediate, UserExpert:
	default:
		return &ValidationError{Field: "options.user_level", Message: "unknown level " + string(in.Options.UserLevel)}
	}
	switch in.Options.RiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return &ValidationError{Field: "options.risk_level", Message: "unknown level " + string(in.Options.RiskLevel)}
	}
	return nil
}
