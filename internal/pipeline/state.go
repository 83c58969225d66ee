// Package pipeline drives the plan → research → validate workflow.
//
// A workflow is an explicit state machine: Begin and Transition are pure
// functions over State, and the orchestrator is the only owner that applies
// them. Phases run as jobs on the per-phase queue lanes.
package pipeline

import (
	"fmt"

	"finops-core/internal/domain/entity"
)

// State is one workflow's phase table plus the phase to run next.
type State struct {
	WorkflowID string
	Complexity entity.Complexity
	Phases     map[entity.Phase]entity.PhaseResult
	// Next is empty once the workflow is finished.
	Next entity.Phase
}

// NewState returns a workflow with every phase pending and phase1 next.
func NewState(id string, c entity.Complexity) State {
	phases := make(map[entity.Phase]entity.PhaseResult, len(entity.Phases))
	for _, p := range entity.Phases {
		phases[p] = entity.PhaseResult{Status: entity.PhasePending}
	}
	return State{WorkflowID: id, Complexity: c, Phases: phases, Next: entity.Phase1}
}

func (s State) Finished() bool { return s.Next == "" }

func (s State) clone() State {
	phases := make(map[entity.Phase]entity.PhaseResult, len(s.Phases))
	for k, v := range s.Phases {
		phases[k] = v
	}
	s.Phases = phases
	return s
}

// Begin marks the next phase as running.
func Begin(s State, phase entity.Phase) (State, error) {
	if phase != s.Next {
		return s, fmt.Errorf("cannot begin %s: next phase is %q", phase, s.Next)
	}
	if st := s.Phases[phase].Status; st != entity.PhasePending {
		return s, fmt.Errorf("cannot begin %s: status is %s", phase, st)
	}
	out := s.clone()
	out.Phases[phase] = entity.PhaseResult{Status: entity.PhaseRunning}
	return out, nil
}

// Transition records the terminal result of the current phase and decides
// what runs next:
//
//	phase1 failed            → finished, phase2 and phase3 blocked
//	phase1 ok, quick         → phase2 skipped, phase3 next
//	phase1 ok                → phase2 next
//	phase2 failed            → finished, phase3 blocked
//	phase2 ok                → phase3 next
//	phase3 (any result)      → finished
//
// The input state is never modified.
func Transition(s State, phase entity.Phase, r entity.PhaseResult) (State, error) {
	if phase != s.Next {
		return s, fmt.Errorf("unexpected result for %s: next phase is %q", phase, s.Next)
	}
	if r.Status != entity.PhaseSuccess && r.Status != entity.PhaseFailed {
		return s, fmt.Errorf("result for %s must be success or failed, got %s", phase, r.Status)
	}

	out := s.clone()
	out.Phases[phase] = r
	failed := r.Status == entity.PhaseFailed

	switch phase {
	case entity.Phase1:
		switch {
		case failed:
			block(out, phase, entity.Phase2, entity.Phase3)
			out.Next = ""
		case s.Complexity == entity.ComplexityQuick:
			out.Phases[entity.Phase2] = entity.PhaseResult{Status: entity.PhaseSkipped}
			out.Next = entity.Phase3
		default:
			out.Next = entity.Phase2
		}
	case entity.Phase2:
		if failed {
			block(out, phase, entity.Phase3)
			out.Next = ""
		} else {
			out.Next = entity.Phase3
		}
	case entity.Phase3:
		out.Next = ""
	default:
		return s, fmt.Errorf("unknown phase %q", phase)
	}
	return out, nil
}

// block marks downstream phases as never attempted.
func block(s State, cause entity.Phase, phases ...entity.Phase) {
	for _, p := range phases {
		s.Phases[p] = entity.PhaseResult{
			Status: entity.PhaseSkipped,
			Error:  (&entity.PipelineError{WorkflowID: s.WorkflowID, Phase: cause, Reason: string(p) + " not attempted"}).Error(),
		}
	}
}

// Classify derives the overall status from a phase table. Skipped phases are
// neutral: they count neither as successes nor as attempts.
//
//	phase3 not successful                  → failed
//	every attempted phase succeeded        → completed
//	two or more successes                  → partial
//	otherwise                              → failed
func Classify(phases map[entity.Phase]entity.PhaseResult) entity.WorkflowStatus {
	if phases[entity.Phase3].Status != entity.PhaseSuccess {
		return entity.WorkflowFailed
	}
	attempted, succeeded := 0, 0
	for _, p := range entity.Phases {
		switch phases[p].Status {
		case entity.PhaseSkipped:
		case entity.PhaseSuccess:
			attempted++
			succeeded++
		default:
			attempted++
		}
	}
	switch {
	case succeeded == attempted:
		return entity.WorkflowCompleted
	case succeeded >= 2:
		return entity.WorkflowPartial
	default:
		return entity.WorkflowFailed
	}
}
