package entity

import "time"

type Phase string

const (
	Phase1 Phase = "phase1" // plan
	Phase2 Phase = "phase2" // research / calculate
	Phase3 Phase = "phase3" // validate / format
)

// Phases lists the pipeline phases in execution order.
var Phases = []Phase{Phase1, Phase2, Phase3}

type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseRunning PhaseStatus = "running"
	PhaseSuccess PhaseStatus = "success"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseSuccess || s == PhaseFailed || s == PhaseSkipped
}

type Complexity string

const (
	ComplexityQuick    Complexity = "quick"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

type WorkflowStatus string

const (
	WorkflowQueued    WorkflowStatus = "queued"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowFailed    WorkflowStatus = "failed"
)

// PhaseResult is owned by its workflow; one per phase.
type PhaseResult struct {
	Status     PhaseStatus `json:"status"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
	Model      string      `json:"model,omitempty"`
	Cost       float64     `json:"cost"`
	TokensUsed int         `json:"tokens_used"`
}

// WorkflowMetrics aggregates the phases of one workflow.
type WorkflowMetrics struct {
	DurationMs int64    `json:"duration_ms"`
	TokensUsed int      `json:"tokens_used"`
	ModelsUsed []string `json:"models_used"`
	Cost       float64  `json:"cost"`
}

// WorkflowResult is the status-query shape returned to collaborators.
type WorkflowResult struct {
	WorkflowID  string                `json:"workflow_id"`
	Status      WorkflowStatus        `json:"status"`
	Complexity  Complexity            `json:"complexity"`
	Phases      map[Phase]PhaseResult `json:"phases"`
	FinalOutput string                `json:"final_output,omitempty"`
	Metrics     WorkflowMetrics       `json:"metrics"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Done reports whether the workflow reached a terminal status.
func (r WorkflowResult) Done() bool {
	return r.Status == WorkflowCompleted || r.Status == WorkflowPartial || r.Status == WorkflowFailed
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
)

// Event is streamed to subscribers: zero or more progress events then at most
// one complete event per workflow.
type Event struct {
	Type       EventType       `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	Message    string          `json:"message,omitempty"`
	Result     *WorkflowResult `json:"result,omitempty"`
}
