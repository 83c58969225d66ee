package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Standard domain errors
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded: too many tokens used")
	ErrInternalServer    = errors.New("an internal error occurred")
	ErrInvalidRequest    = errors.New("invalid request parameters")
	ErrResourceNotFound  = errors.New("the requested resource was not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrUnknownTier       = errors.New("model tier not in catalog")
)

// ProviderError reports a failed remote call (model, embedding or vector store).
type ProviderError struct {
	Provider string
	Model    string
	Status   int // HTTP-ish status when known, 0 otherwise
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s provider error (model %s): %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError is returned before any phase starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

// ParseError marks a model response that did not match the expected schema.
// It is always handled where it is produced.
type ParseError struct {
	What string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PipelineError reports that a mandatory upstream phase failed.
type PipelineError struct {
	WorkflowID string
	Phase      Phase
	Reason     string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("workflow %s blocked at %s: %s", e.WorkflowID, e.Phase, e.Reason)
}

// QualityError carries a quality check that demands escalation. It never
// reaches API callers.
type QualityError struct {
	Check QualityCheck
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("quality check failed: score %d, %d issue(s)", e.Check.Score, len(e.Check.Issues))
}

// ErrQueueClosed is returned when work is submitted to a stopped queue.
var ErrQueueClosed = errors.New("job queue is closed")

// IsTransient reports whether a failed remote call is worth retrying:
// rate limits and server-side errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "unavailable")
}
