// Package persist is the state persistence service: every workflow state
// passes through sanitization, validation, and serialization before it
// reaches the store, and every loaded document is re-sanitized on the way out.
package persist

import (
	"context"

	"go.uber.org/zap"

	"github.com/seqora/cadence/internal/state"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/model"
)

// ListFilter narrows a summary listing.
type ListFilter struct {
	Stage           model.Stage
	IncludeArchived bool
	Limit           int
}

// Service persists canonical workflow state documents.
type Service struct {
	store  store.WorkflowStore
	logger *zap.Logger
}

// NewService creates a persistence service over the given store.
func NewService(st store.WorkflowStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}
}

// Save sanitizes, validates, serializes, and upserts the state. The sanitized
// state is returned so callers can adopt the canonical form. Failures are
// surfaced to the caller, never swallowed.
func (s *Service) Save(ctx context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
	clean := state.Sanitize(ws)
	if err := state.Validate(clean); err != nil {
		return ws, err
	}
	doc, err := state.Serialize(clean)
	if err != nil {
		return ws, err
	}

	row := store.WorkflowRow{
		WorkflowID:  clean.WorkflowID,
		Stage:       string(clean.CurrentStage),
		DisplayName: clean.Subject.DisplayName,
		Document:    doc,
		StartedAt:   clean.StartedAt,
		UpdatedAt:   clean.LastUpdatedAt,
	}
	if err := s.store.Upsert(ctx, row); err != nil {
		s.logger.Error("workflow save failed",
			zap.String("workflow_id", clean.WorkflowID),
			zap.String("stage", string(clean.CurrentStage)),
			zap.Error(err))
		return ws, err
	}

	s.logger.Debug("workflow saved",
		zap.String("workflow_id", clean.WorkflowID),
		zap.String("stage", string(clean.CurrentStage)))
	return clean, nil
}

// Load retrieves and deserializes a state by workflow id. Unknown ids surface
// the store's typed NOT_FOUND error unchanged.
func (s *Service) Load(ctx context.Context, workflowID string) (model.WorkflowState, error) {
	row, err := s.store.Get(ctx, workflowID)
	if err != nil {
		return model.WorkflowState{}, err
	}
	return state.Deserialize(row.Document)
}

// Archive soft-deletes a workflow. Archived workflows remain loadable by id.
func (s *Service) Archive(ctx context.Context, workflowID string) error {
	if err := s.store.Archive(ctx, workflowID); err != nil {
		return err
	}
	s.logger.Info("workflow archived", zap.String("workflow_id", workflowID))
	return nil
}

// List returns summaries of stored workflows, most recently updated first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]model.WorkflowSummary, error) {
	rows, err := s.store.List(ctx, store.WorkflowFilter{
		Stage:           string(filter.Stage),
		IncludeArchived: filter.IncludeArchived,
		Limit:           filter.Limit,
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]model.WorkflowSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, model.WorkflowSummary{
			WorkflowID:    row.WorkflowID,
			Stage:         model.Stage(row.Stage),
			DisplayName:   row.DisplayName,
			StartedAt:     row.StartedAt,
			LastUpdatedAt: row.UpdatedAt,
			Archived:      row.Archived,
		})
	}
	return summaries, nil
}
