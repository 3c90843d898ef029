// Package store defines the durable key-value persistence contract consumed
// by the persistence service and the approval registry, together with its
// in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// WorkflowRow is the persisted shape of one workflow state. The serialized
// canonical document lives in Document; Stage and DisplayName are denormalized
// from it for query convenience.
type WorkflowRow struct {
	WorkflowID  string
	Stage       string
	DisplayName string
	Document    []byte
	Archived    bool
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowFilter narrows a workflow listing.
type WorkflowFilter struct {
	Stage           string
	IncludeArchived bool
	Limit           int
}

// WorkflowStore persists workflow state documents keyed by workflow id.
type WorkflowStore interface {
	// Upsert inserts the row if absent, otherwise replaces it.
	Upsert(ctx context.Context, row WorkflowRow) error

	// Get retrieves a row by workflow id, archived or not.
	// Returns a typed NOT_FOUND error for unknown ids.
	Get(ctx context.Context, workflowID string) (WorkflowRow, error)

	// Archive sets the soft-delete flag. Archived rows are excluded from
	// default listings but remain loadable by id.
	Archive(ctx context.Context, workflowID string) error

	// List returns rows matching the filter, most recently updated first.
	List(ctx context.Context, filter WorkflowFilter) ([]WorkflowRow, error)
}

// ApprovalRow is the persisted shape of one approval request. Status,
// Priority, AssignedTo, and ExpiresAt are denormalized for the pending-recovery
// query; the full request document lives in Document.
type ApprovalRow struct {
	ApprovalID  string
	WorkflowID  string
	Kind        string
	Status      string
	Priority    int
	AssignedTo  string
	Document    []byte
	RequestedAt time.Time
	ExpiresAt   time.Time
}

// ApprovalStore persists approval requests keyed by approval id.
type ApprovalStore interface {
	// Upsert inserts the row if absent, otherwise replaces it.
	Upsert(ctx context.Context, row ApprovalRow) error

	// Get retrieves a row by approval id.
	// Returns a typed NOT_FOUND error for unknown ids.
	Get(ctx context.Context, approvalID string) (ApprovalRow, error)

	// ListPending returns rows still pending whose expiry is after the cutoff,
	// for reloading the in-memory pending index on process start.
	ListPending(ctx context.Context, cutoff time.Time) ([]ApprovalRow, error)
}
