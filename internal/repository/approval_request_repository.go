package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// ApprovalRequestRepository manages requests and their action trail.
// A request row and the action describing its latest transition are always
// written together in a single transaction.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const requestColumns = `
	id, workflow_id, data_type, institution_id,
	subject_type, subject_id, submitter_id, submitted_at,
	status, current_level, level_entered_at,
	deadline, completed_at, notes, metadata, priority,
	escalation_count, last_escalated_at, deadline_warned_at,
	version, created_at, updated_at`

// CreateRequest inserts a request at level 1. The partial unique index on
// open (subject_type, subject_id) turns a second open request into
// DUPLICATE_REQUEST.
func (r *ApprovalRequestRepository) CreateRequest(ctx context.Context, req *ApprovalRequest, action *ApprovalAction) error {
	metadataJSON, err := marshalMetadata(req.Metadata)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (workflow_id, data_type, institution_id,
			     subject_type, subject_id, submitter_id, submitted_at,
			     status, current_level, level_entered_at,
			     deadline, notes, metadata, priority, version)
			VALUES ($1, $2, $3,
			        $4, $5, $6, $7,
			        $8, $9, $7,
			        $10, $11, $12, $13, 1)
			RETURNING id, version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.WorkflowID,
			req.DataType,
			req.InstitutionID,
			req.SubjectType,
			req.SubjectID,
			req.SubmitterID,
			req.SubmittedAt,
			req.Status,
			req.CurrentLevel,
			req.Deadline,
			req.Notes,
			metadataJSON,
			req.Priority,
		).Scan(&req.ID, &req.Version, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.Newf(errors.ErrCodeDuplicateRequest,
					"an open approval request already exists for %s %d", req.SubjectType, req.SubjectID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}
		req.LevelEnteredAt = req.SubmittedAt

		if action != nil {
			action.RequestID = req.ID
			return insertAction(ctx, tx, action)
		}
		return nil
	})
}

// GetRequest retrieves a request by its primary key.
func (r *ApprovalRequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// ListRequests returns requests matching filter ordered by submitted_at.
func (r *ApprovalRequestRepository) ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.DataType != "" {
		add("data_type = $%d", filter.DataType)
	}
	if len(filter.InstitutionIDs) > 0 {
		add("institution_id = ANY($%d)", filter.InstitutionIDs)
	}
	if filter.SubmitterID != "" {
		add("submitter_id = $%d", filter.SubmitterID)
	}
	if filter.SubmittedFrom != nil {
		add("submitted_at >= $%d", *filter.SubmittedFrom)
	}
	if filter.SubmittedTo != nil {
		add("submitted_at < $%d", *filter.SubmittedTo)
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ApplyTransition persists the new request state and appends its action in
// one transaction, guarded by the version the caller read.
func (r *ApprovalRequestRepository) ApplyTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, action *ApprovalAction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status            = $3,
			    current_level     = $4,
			    level_entered_at  = $5,
			    completed_at      = $6,
			    escalation_count  = CASE WHEN $7 THEN 0 ELSE escalation_count END,
			    last_escalated_at = CASE WHEN $7 THEN NULL ELSE last_escalated_at END,
			    version           = version + 1,
			    updated_at        = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at, escalation_count, last_escalated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			expectedVersion,
			req.Status,
			req.CurrentLevel,
			req.LevelEnteredAt,
			req.CompletedAt,
			action.Action.EntersLevel(),
		).Scan(&req.Version, &req.UpdatedAt, &req.EscalationCount, &req.LastEscalatedAt)
		if err == pgx.ErrNoRows {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID,
			).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check approval request")
			}
			if !exists {
				return errors.NotFound("approval_request", req.ID)
			}
			return errors.ConcurrentModification("approval_request", req.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}

		action.RequestID = req.ID
		return insertAction(ctx, tx, action)
	})
}

// RecordEscalation stores the escalation counter. It does not bump version:
// escalation is bookkeeping, not a state transition.
func (r *ApprovalRequestRepository) RecordEscalation(ctx context.Context, id string, count int, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests
		SET escalation_count = $2, last_escalated_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, count, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record escalation")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_request", id)
	}
	return nil
}

// MarkDeadlineWarned stamps deadline_warned_at so the warning fires once.
func (r *ApprovalRequestRepository) MarkDeadlineWarned(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_requests
		SET deadline_warned_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark deadline warning")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_request", id)
	}
	return nil
}

// ListSnapshotKeys returns the distinct (institution, data_type) pairs with
// requests submitted before the given instant.
func (r *ApprovalRequestRepository) ListSnapshotKeys(ctx context.Context, before time.Time) ([]SnapshotKey, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT institution_id, data_type
		FROM approval_requests
		WHERE submitted_at < $1
		ORDER BY institution_id, data_type
	`, before)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list snapshot keys")
	}
	defer rows.Close()

	var keys []SnapshotKey
	for rows.Next() {
		var k SnapshotKey
		if err := rows.Scan(&k.InstitutionID, &k.DataType); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan snapshot key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var metadataJSON []byte

	err := row.Scan(
		&req.ID,
		&req.WorkflowID,
		&req.DataType,
		&req.InstitutionID,
		&req.SubjectType,
		&req.SubjectID,
		&req.SubmitterID,
		&req.SubmittedAt,
		&req.Status,
		&req.CurrentLevel,
		&req.LevelEnteredAt,
		&req.Deadline,
		&req.CompletedAt,
		&req.Notes,
		&metadataJSON,
		&req.Priority,
		&req.EscalationCount,
		&req.LastEscalatedAt,
		&req.DeadlineWarnedAt,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &req.Metadata); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request metadata")
	}
	return b, nil
}
