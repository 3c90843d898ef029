package model

import "time"

// ApprovalStatus is the lifecycle state of a human decision request.
// Every status other than pending is terminal.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status permits no further transition.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending && s != ""
}

// ApprovalKind categorizes what a human is being asked to approve.
type ApprovalKind string

const (
	ApprovalKindMessageToSend      ApprovalKind = "message_to_send"
	ApprovalKindScheduleChange     ApprovalKind = "schedule_change"
	ApprovalKindDataQuality        ApprovalKind = "data_quality"
	ApprovalKindRetryAuthorization ApprovalKind = "retry_authorization"
	ApprovalKindEscalation         ApprovalKind = "escalation"
)

// ApprovalRequest is one time-bounded human decision point tied to a workflow.
type ApprovalRequest struct {
	ApprovalID      string         `json:"approval_id"`
	WorkflowID      string         `json:"workflow_id"`
	Kind            ApprovalKind   `json:"kind"`
	Payload         map[string]any `json:"payload,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	RequestedBy     string         `json:"requested_by,omitempty"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	Priority        int            `json:"priority"`
	Status          ApprovalStatus `json:"status"`
	RequestedAt     time.Time      `json:"requested_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RespondedAt     *time.Time     `json:"responded_at,omitempty"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
}

// Decision carries a human decision applied to a pending approval request.
type Decision struct {
	Approved        bool           `json:"approved"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
}
