package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seqora/cadence/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and the
// "memory" driver.
type MemoryWorkflowStore struct {
	mu   sync.RWMutex
	rows map[string]WorkflowRow
}

// NewMemoryWorkflowStore creates an empty in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{rows: make(map[string]WorkflowRow)}
}

// Upsert inserts or replaces a row.
func (s *MemoryWorkflowStore) Upsert(_ context.Context, row WorkflowRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[row.WorkflowID]; ok {
		// Archival survives state re-saves; only Archive flips it on.
		row.Archived = row.Archived || existing.Archived
	}
	s.rows[row.WorkflowID] = row
	return nil
}

// Get retrieves a row by workflow id, archived or not.
func (s *MemoryWorkflowStore) Get(_ context.Context, workflowID string) (WorkflowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[workflowID]
	if !ok {
		return WorkflowRow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return row, nil
}

// Archive sets the soft-delete flag.
func (s *MemoryWorkflowStore) Archive(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[workflowID]
	if !ok {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	row.Archived = true
	s.rows[workflowID] = row
	return nil
}

// List returns rows matching the filter, most recently updated first.
func (s *MemoryWorkflowStore) List(_ context.Context, filter WorkflowFilter) ([]WorkflowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []WorkflowRow
	for _, row := range s.rows {
		if row.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.Stage != "" && row.Stage != filter.Stage {
			continue
		}
		result = append(result, row)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Len returns the total number of rows, archived included. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// MemoryApprovalStore is an in-memory ApprovalStore for tests and the
// "memory" driver.
type MemoryApprovalStore struct {
	mu   sync.RWMutex
	rows map[string]ApprovalRow
}

// NewMemoryApprovalStore creates an empty in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{rows: make(map[string]ApprovalRow)}
}

// Upsert inserts or replaces a row.
func (s *MemoryApprovalStore) Upsert(_ context.Context, row ApprovalRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ApprovalID] = row
	return nil
}

// Get retrieves a row by approval id.
func (s *MemoryApprovalStore) Get(_ context.Context, approvalID string) (ApprovalRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[approvalID]
	if !ok {
		return ApprovalRow{}, model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approvalID),
		)
	}
	return row, nil
}

// ListPending returns pending rows expiring after the cutoff, ordered by
// priority descending then requested_at ascending.
func (s *MemoryApprovalStore) ListPending(_ context.Context, cutoff time.Time) ([]ApprovalRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ApprovalRow
	for _, row := range s.rows {
		if row.Status != string(model.ApprovalPending) {
			continue
		}
		if !row.ExpiresAt.After(cutoff) {
			continue
		}
		result = append(result, row)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}
