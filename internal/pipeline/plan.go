package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"finops-core/internal/domain/entity"
)

// Plan is the structured output of phase1.
type Plan struct {
	Objective string   `json:"objective"`
	Steps     []string `json:"steps"`
	Metrics   []string `json:"metrics,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// PlanParse is either a parsed plan or the raw response that failed to parse.
type PlanParse struct {
	parsed *Plan
	Raw    string
	Err    error
}

func (p PlanParse) OK() bool { return p.parsed != nil }

// Plan returns the parsed plan, or a one-step fallback built from the raw
// response when parsing failed.
func (p PlanParse) Plan(query string) Plan {
	if p.parsed != nil {
		return *p.parsed
	}
	step := strings.TrimSpace(p.Raw)
	if step == "" {
		step = "Analyse directe de la question"
	}
	return Plan{Objective: strings.TrimSpace(query), Steps: []string{step}}
}

// ParsePlan decodes a phase1 response against the Plan schema. Unknown
// fields, trailing data and empty objectives or steps are rejected.
func ParsePlan(raw string) PlanParse {
	body := stripFence(strings.TrimSpace(raw))

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return failedParse(raw, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return failedParse(raw, errors.New("trailing data after plan object"))
	}
	if strings.TrimSpace(p.Objective) == "" {
		return failedParse(raw, errors.New("objective is empty"))
	}
	steps := p.Steps[:0]
	for _, s := range p.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return failedParse(raw, errors.New("plan has no steps"))
	}
	p.Steps = steps
	return PlanParse{parsed: &p, Raw: raw}
}

func failedParse(raw string, err error) PlanParse {
	return PlanParse{Raw: raw, Err: &entity.ParseError{What: "plan", Raw: raw, Err: err}}
}

// stripFence removes a single surrounding ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// Render is the plan as handed to later phases.
func (p Plan) Render() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Objectif: %s\nÉtapes:\n", p.Objective)
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	if len(p.Metrics) > 0 {
		fmt.Fprintf(&b, "Indicateurs: %s\n", strings.Join(p.Metrics, ", "))
	}
	if len(p.Sources) > 0 {
		fmt.Fprintf(&b, "Sources: %s\n", strings.Join(p.Sources, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
