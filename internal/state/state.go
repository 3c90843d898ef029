// Package state defines the canonical shape of workflow state and the pure,
// side-effect-free transforms over it: creation, stage advancement, error
// accumulation, sanitization, and (de)serialization.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seqora/cadence/model"
)

// DefaultPriority is assigned when a caller does not specify one.
const DefaultPriority = 5

// PipelineStages is the declared forward order of the outreach pipeline.
var PipelineStages = []model.Stage{
	model.StageDiscovery,
	model.StageEnrichment,
	model.StageOutreach,
	model.StageProposal,
	model.StageMeeting,
	model.StageCompleted,
}

// stageGraph declares which stages are reachable from each stage. Paused and
// failed are reachable from every non-terminal stage; completed and failed
// are terminal (failed is re-opened only through an explicit retry, which
// bypasses the graph by re-entering a previously completed stage).
var stageGraph = buildStageGraph()

func buildStageGraph() map[model.Stage][]model.Stage {
	g := make(map[model.Stage][]model.Stage)
	for i, s := range PipelineStages {
		if s == model.StageCompleted {
			continue
		}
		next := []model.Stage{PipelineStages[i+1], model.StagePaused, model.StageFailed}
		g[s] = next
	}
	// A paused workflow may resume into any pipeline stage or fail outright.
	resumable := make([]model.Stage, 0, len(PipelineStages)+1)
	resumable = append(resumable, PipelineStages[:len(PipelineStages)-1]...)
	resumable = append(resumable, model.StageFailed)
	g[model.StagePaused] = resumable
	return g
}

// KnownStage reports whether s is a member of the declared stage set.
func KnownStage(s model.Stage) bool {
	switch s {
	case model.StageDiscovery, model.StageEnrichment, model.StageOutreach,
		model.StageProposal, model.StageMeeting, model.StagePaused,
		model.StageCompleted, model.StageFailed:
		return true
	}
	return false
}

// CanAdvance reports whether the declared stage graph allows a move from one
// stage to another.
func CanAdvance(from, to model.Stage) bool {
	for _, next := range stageGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateInitial builds the canonical initial state for a new workflow.
// A workflow id is generated when none is supplied.
func CreateInitial(subject model.SubjectRef, workflowID string) model.WorkflowState {
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	now := time.Now().UTC()
	return model.WorkflowState{
		WorkflowID:    workflowID,
		CurrentStage:  PipelineStages[0],
		StartedAt:     now,
		LastUpdatedAt: now,
		Subject:       subject,
		StagePayloads: make(map[model.Stage]map[string]any),
		Priority:      DefaultPriority,
	}
}

// AdvanceStage moves the current stage into the completed set (unless the
// current stage is terminal) and activates the next stage. The move must be
// permitted by the declared stage graph.
func AdvanceStage(s model.WorkflowState, next model.Stage) (model.WorkflowState, error) {
	if !KnownStage(next) {
		return s, model.NewInvalidTransitionError(
			fmt.Sprintf("unknown stage %q", next),
		)
	}
	if !CanAdvance(s.CurrentStage, next) {
		return s, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot advance from %q to %q", s.CurrentStage, next),
		)
	}

	// Only a forward pipeline move completes the stage being left. Moving
	// into paused or failed interrupts the stage, it does not finish it.
	if next != model.StagePaused && next != model.StageFailed &&
		!s.CurrentStage.Terminal() && s.CurrentStage != model.StagePaused {
		s.CompletedStages = appendStage(s.CompletedStages, s.CurrentStage)
	}
	s.CompletedStages = removeStage(s.CompletedStages, next)
	s.CurrentStage = next
	s.LastUpdatedAt = monotonicNow(s.LastUpdatedAt)
	return s, nil
}

// AppendError appends a record to the error log without changing the stage.
func AppendError(s model.WorkflowState, source, kind, message string) model.WorkflowState {
	s.ErrorLog = append(s.ErrorLog, model.ErrorRecord{
		Source:    source,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	s.LastUpdatedAt = monotonicNow(s.LastUpdatedAt)
	return s
}

// ForceFail moves the workflow to the failed stage without consulting the
// stage graph. Used by the orchestrator when the stage processor errors or a
// workflow is cancelled; the interrupted stage is not recorded as completed.
func ForceFail(s model.WorkflowState) model.WorkflowState {
	s.CompletedStages = removeStage(s.CompletedStages, model.StageFailed)
	s.CurrentStage = model.StageFailed
	s.LastUpdatedAt = monotonicNow(s.LastUpdatedAt)
	return s
}

// Validate checks the core state invariants: a known, non-duplicated stage
// layout, non-negative counters, and well-formed timestamps.
func Validate(s model.WorkflowState) error {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if s.WorkflowID == "" {
		add("workflow_id", "required", "workflow id must not be empty")
	}
	if !KnownStage(s.CurrentStage) {
		add("current_stage", "unknown_stage", fmt.Sprintf("unknown stage %q", s.CurrentStage))
	}
	seen := make(map[model.Stage]bool, len(s.CompletedStages))
	for _, cs := range s.CompletedStages {
		if !KnownStage(cs) {
			add("completed_stages", "unknown_stage", fmt.Sprintf("unknown stage %q", cs))
			continue
		}
		if cs == s.CurrentStage {
			add("completed_stages", "self_reference", "completed stages must not contain the current stage")
		}
		if seen[cs] {
			add("completed_stages", "duplicate", fmt.Sprintf("stage %q listed twice", cs))
		}
		seen[cs] = true
	}
	if s.RetryCount < 0 {
		add("retry_count", "negative", "retry count must not be negative")
	}
	if s.Priority < 1 || s.Priority > 10 {
		add("priority", "out_of_range", "priority must be between 1 and 10")
	}
	if s.StartedAt.IsZero() {
		add("started_at", "required", "started_at must be set")
	}
	if s.LastUpdatedAt.Before(s.StartedAt) {
		add("last_updated_at", "out_of_order", "last_updated_at precedes started_at")
	}
	for i, rec := range s.ErrorLog {
		if rec.Message == "" && rec.Kind == "" {
			add("error_log", "empty_record", fmt.Sprintf("error record %d has neither kind nor message", i))
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// monotonicNow returns the current UTC time, never earlier than prev, so that
// last_updated_at is non-decreasing across mutations.
func monotonicNow(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// appendStage and removeStage always copy: state values share slice backing
// arrays with the caller's copy, and transforms must not mutate their input.
func appendStage(stages []model.Stage, s model.Stage) []model.Stage {
	out := make([]model.Stage, 0, len(stages)+1)
	out = append(out, stages...)
	for _, existing := range out {
		if existing == s {
			return out
		}
	}
	return append(out, s)
}

func removeStage(stages []model.Stage, s model.Stage) []model.Stage {
	out := make([]model.Stage, 0, len(stages))
	for _, existing := range stages {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}
