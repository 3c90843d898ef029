package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seqora/cadence/model"
)

const workflowSchema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	workflow_id  TEXT PRIMARY KEY,
	stage        TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	document     JSONB NOT NULL,
	archived     BOOLEAN NOT NULL DEFAULT FALSE,
	started_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_states_stage_idx ON workflow_states (stage) WHERE NOT archived;
CREATE INDEX IF NOT EXISTS workflow_states_updated_idx ON workflow_states (updated_at DESC);
`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
// Schema bootstrap is lazy and memoized: the first operation creates the
// table, concurrent first-callers serialize on a single in-process gate.
type PgWorkflowStore struct {
	pool *pgxpool.Pool

	bootstrapOnce sync.Once
	bootstrapErr  error
}

// NewPgWorkflowStore creates a PostgreSQL workflow store over the given pool.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

func (s *PgWorkflowStore) ensureSchema(ctx context.Context) error {
	s.bootstrapOnce.Do(func() {
		_, s.bootstrapErr = s.pool.Exec(ctx, workflowSchema)
	})
	if s.bootstrapErr != nil {
		return model.NewPersistenceError("bootstrap workflow schema: " + s.bootstrapErr.Error())
	}
	return nil
}

// HealthCheck verifies store connectivity. Used by the readiness endpoint.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert inserts or replaces a row. The archived flag is owned by Archive and
// never reset by a state save.
func (s *PgWorkflowStore) Upsert(ctx context.Context, row WorkflowRow) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_states (
			workflow_id, stage, display_name, document, archived, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			display_name = EXCLUDED.display_name,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		row.WorkflowID, row.Stage, row.DisplayName, row.Document,
		row.Archived, row.StartedAt, row.UpdatedAt,
	)
	if err != nil {
		return model.NewPersistenceError("upsert workflow: " + err.Error())
	}
	return nil
}

// Get retrieves a row by workflow id, archived or not.
func (s *PgWorkflowStore) Get(ctx context.Context, workflowID string) (WorkflowRow, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return WorkflowRow{}, err
	}

	var row WorkflowRow
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, stage, display_name, document, archived, started_at, updated_at
		FROM workflow_states
		WHERE workflow_id = $1`,
		workflowID,
	).Scan(
		&row.WorkflowID, &row.Stage, &row.DisplayName, &row.Document,
		&row.Archived, &row.StartedAt, &row.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return WorkflowRow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	if err != nil {
		return WorkflowRow{}, model.NewPersistenceError("query workflow: " + err.Error())
	}
	return row, nil
}

// Archive sets the soft-delete flag.
func (s *PgWorkflowStore) Archive(ctx context.Context, workflowID string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_states SET archived = TRUE WHERE workflow_id = $1`,
		workflowID,
	)
	if err != nil {
		return model.NewPersistenceError("archive workflow: " + err.Error())
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return nil
}

// List returns rows matching the filter, most recently updated first.
func (s *PgWorkflowStore) List(ctx context.Context, filter WorkflowFilter) ([]WorkflowRow, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `SELECT workflow_id, stage, display_name, document, archived, started_at, updated_at
	          FROM workflow_states WHERE TRUE`
	args := []any{}
	argIdx := 1

	if !filter.IncludeArchived {
		query += " AND NOT archived"
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(" AND stage = $%d", argIdx)
		args = append(args, filter.Stage)
		argIdx++
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewPersistenceError("list workflows: " + err.Error())
	}
	defer rows.Close()

	var result []WorkflowRow
	for rows.Next() {
		var row WorkflowRow
		if err := rows.Scan(
			&row.WorkflowID, &row.Stage, &row.DisplayName, &row.Document,
			&row.Archived, &row.StartedAt, &row.UpdatedAt,
		); err != nil {
			return nil, model.NewPersistenceError("scan workflow: " + err.Error())
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("list workflows: " + err.Error())
	}
	return result, nil
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	approval_id  TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 5,
	assigned_to  TEXT NOT NULL DEFAULT '',
	document     JSONB NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS approval_requests_pending_idx
	ON approval_requests (expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS approval_requests_workflow_idx ON approval_requests (workflow_id);
`

// PgApprovalStore is a PostgreSQL-backed ApprovalStore using pgx/v5, with the
// same lazy bootstrap gate as PgWorkflowStore.
type PgApprovalStore struct {
	pool *pgxpool.Pool

	bootstrapOnce sync.Once
	bootstrapErr  error
}

// NewPgApprovalStore creates a PostgreSQL approval store over the given pool.
func NewPgApprovalStore(pool *pgxpool.Pool) *PgApprovalStore {
	return &PgApprovalStore{pool: pool}
}

func (s *PgApprovalStore) ensureSchema(ctx context.Context) error {
	s.bootstrapOnce.Do(func() {
		_, s.bootstrapErr = s.pool.Exec(ctx, approvalSchema)
	})
	if s.bootstrapErr != nil {
		return model.NewPersistenceError("bootstrap approval schema: " + s.bootstrapErr.Error())
	}
	return nil
}

// Upsert inserts or replaces a row.
func (s *PgApprovalStore) Upsert(ctx context.Context, row ApprovalRow) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			approval_id, workflow_id, kind, status, priority, assigned_to,
			document, requested_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (approval_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			document = EXCLUDED.document`,
		row.ApprovalID, row.WorkflowID, row.Kind, row.Status, row.Priority,
		row.AssignedTo, row.Document, row.RequestedAt, row.ExpiresAt,
	)
	if err != nil {
		return model.NewPersistenceError("upsert approval: " + err.Error())
	}
	return nil
}

// Get retrieves a row by approval id.
func (s *PgApprovalStore) Get(ctx context.Context, approvalID string) (ApprovalRow, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return ApprovalRow{}, err
	}

	var row ApprovalRow
	err := s.pool.QueryRow(ctx, `
		SELECT approval_id, workflow_id, kind, status, priority, assigned_to,
		       document, requested_at, expires_at
		FROM approval_requests
		WHERE approval_id = $1`,
		approvalID,
	).Scan(
		&row.ApprovalID, &row.WorkflowID, &row.Kind, &row.Status, &row.Priority,
		&row.AssignedTo, &row.Document, &row.RequestedAt, &row.ExpiresAt,
	)
	if err == pgx.ErrNoRows {
		return ApprovalRow{}, model.NewNotFoundError(
			fmt.Sprintf("approval %q not found", approvalID),
		)
	}
	if err != nil {
		return ApprovalRow{}, model.NewPersistenceError("query approval: " + err.Error())
	}
	return row, nil
}

// ListPending returns pending rows expiring after the cutoff, ordered by
// priority descending then requested_at ascending.
func (s *PgApprovalStore) ListPending(ctx context.Context, cutoff time.Time) ([]ApprovalRow, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT approval_id, workflow_id, kind, status, priority, assigned_to,
		       document, requested_at, expires_at
		FROM approval_requests
		WHERE status = 'pending' AND expires_at > $1
		ORDER BY priority DESC, requested_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, model.NewPersistenceError("list pending approvals: " + err.Error())
	}
	defer rows.Close()

	var result []ApprovalRow
	for rows.Next() {
		var row ApprovalRow
		if err := rows.Scan(
			&row.ApprovalID, &row.WorkflowID, &row.Kind, &row.Status, &row.Priority,
			&row.AssignedTo, &row.Document, &row.RequestedAt, &row.ExpiresAt,
		); err != nil {
			return nil, model.NewPersistenceError("scan approval: " + err.Error())
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewPersistenceError("list pending approvals: " + err.Error())
	}
	return result, nil
}
