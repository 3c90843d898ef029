package model

import "time"

// Stage identifies one phase of the outreach pipeline. Exactly one stage is
// active per workflow at any time.
type Stage string

// Pipeline stages, in declared order, plus the out-of-band stages reachable
// from any non-terminal stage.
const (
	StageDiscovery  Stage = "discovery"
	StageEnrichment Stage = "enrichment"
	StageOutreach   Stage = "outreach"
	StageProposal   Stage = "proposal"
	StageMeeting    Stage = "meeting"
	StagePaused     Stage = "paused"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the stage permits no further execution.
// A failed workflow can still be re-opened through an explicit retry.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// SubjectRef is an opaque reference to the business entity the workflow
// concerns. The engine never interprets Data beyond carrying it.
type SubjectRef struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ErrorRecord is one entry in a workflow's append-only error log.
type ErrorRecord struct {
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the canonical, persistable state of one prospect journey.
// Fields outside this schema never survive sanitization.
type WorkflowState struct {
	WorkflowID              string                   `json:"workflow_id"`
	CurrentStage            Stage                    `json:"current_stage"`
	CompletedStages         []Stage                  `json:"completed_stages,omitempty"`
	StartedAt               time.Time                `json:"started_at"`
	LastUpdatedAt           time.Time                `json:"last_updated_at"`
	Subject                 SubjectRef               `json:"subject"`
	StagePayloads           map[Stage]map[string]any `json:"stage_payloads,omitempty"`
	ErrorLog                []ErrorRecord            `json:"error_log,omitempty"`
	RetryCount              int                      `json:"retry_count"`
	HumanInterventionNeeded bool                     `json:"human_intervention_needed"`
	ApprovalPending         bool                     `json:"approval_pending"`
	Paused                  bool                     `json:"paused"`
	PausedAt                *time.Time               `json:"paused_at,omitempty"`
	Priority                int                      `json:"priority"`
	CancelReason            string                   `json:"cancel_reason,omitempty"`
}

// WorkflowSummary is a lightweight projection used in list views.
type WorkflowSummary struct {
	WorkflowID    string    `json:"workflow_id"`
	Stage         Stage     `json:"stage"`
	DisplayName   string    `json:"display_name,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Archived      bool      `json:"archived,omitempty"`
}

// WorkflowStatusView is the orchestrator's status snapshot for one workflow.
type WorkflowStatusView struct {
	WorkflowID              string    `json:"workflow_id"`
	CurrentStage            Stage     `json:"current_stage"`
	CompletedStages         []Stage   `json:"completed_stages,omitempty"`
	Subject                 string    `json:"subject,omitempty"`
	Priority                int       `json:"priority"`
	RetryCount              int       `json:"retry_count"`
	ErrorCount              int       `json:"error_count"`
	Paused                  bool      `json:"paused"`
	ApprovalPending         bool      `json:"approval_pending"`
	HumanInterventionNeeded bool      `json:"human_intervention_needed"`
	StartedAt               time.Time `json:"started_at"`
	LastUpdatedAt           time.Time `json:"last_updated_at"`
}
