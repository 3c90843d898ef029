package model

import "time"

// Event source types.
const (
	EventSourceWorkflow = "workflow"
	EventSourceApproval = "approval"
)

// Workflow lifecycle event types.
const (
	EventWorkflowStarted       = "workflow_started"
	EventWorkflowStageAdvanced = "workflow_stage_advanced"
	EventWorkflowCompleted     = "workflow_completed"
	EventWorkflowFailed        = "workflow_failed"
	EventWorkflowError         = "workflow_error"
	EventWorkflowPaused        = "workflow_paused"
	EventWorkflowResumed       = "workflow_resumed"
	EventWorkflowRetrying      = "workflow_retrying"
	EventWorkflowCancelled     = "workflow_cancelled"
	EventWorkflowArchived      = "workflow_archived"
)

// Approval lifecycle event types.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"
	EventApprovalCancelled = "approval_cancelled"
	EventApprovalExpired   = "approval_expired"
	EventApprovalReminder  = "approval_reminder"
)

// Event is one lifecycle notification fanned out to subscribed listeners.
// Delivery is best-effort, at most once per subscriber per event.
type Event struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}
