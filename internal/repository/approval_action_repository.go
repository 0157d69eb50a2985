package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// ApprovalActionRepository reads the immutable approval action trail. The
// table has an update/delete-prevention trigger; inserts happen only inside
// ApprovalRequestRepository transactions.
type ApprovalActionRepository struct {
	db *database.DB
}

// NewApprovalActionRepository creates a new ApprovalActionRepository.
func NewApprovalActionRepository(db *database.DB) *ApprovalActionRepository {
	return &ApprovalActionRepository{db: db}
}

const actionColumns = `
	id, request_id, approver_id, on_behalf_of, level,
	action, comments, delegate_to, created_at`

func insertAction(ctx context.Context, tx pgx.Tx, a *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (request_id, approver_id, on_behalf_of, level,
		     action, comments, delegate_to, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
		RETURNING id
	`

	err := tx.QueryRow(ctx, query,
		a.RequestID,
		a.ApproverID,
		a.OnBehalfOf,
		a.Level,
		a.Action,
		a.Comments,
		a.DelegateTo,
		a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval action")
	}
	return nil
}

// ListActions returns the trail of one request ordered oldest-first.
func (r *ApprovalActionRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval actions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListActionsByApprover returns the most recent actions taken by a user.
func (r *ApprovalActionRepository) ListActionsByApprover(ctx context.Context, approverID string, limit int) ([]*ApprovalAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + actionColumns + `
		FROM approval_actions
		WHERE approver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, approverID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approver actions")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListActionsForRequests groups the trails of many requests by request id.
func (r *ApprovalActionRepository) ListActionsForRequests(ctx context.Context, requestIDs []string) (map[string][]*ApprovalAction, error) {
	out := make(map[string][]*ApprovalAction, len(requestIDs))
	if len(requestIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT ` + actionColumns + `
		FROM approval_actions
		WHERE request_id = ANY($1::uuid[])
		ORDER BY request_id, created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval actions")
	}
	defer rows.Close()

	actions, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		out[a.RequestID] = append(out[a.RequestID], a)
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalActionRepository) scanRows(rows pgx.Rows) ([]*ApprovalAction, error) {
	var actions []*ApprovalAction
	for rows.Next() {
		a, err := r.scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval actions")
	}
	return actions, nil
}

type actionScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalActionRepository) scanAction(sc actionScanner) (*ApprovalAction, error) {
	a := &ApprovalAction{}
	err := sc.Scan(
		&a.ID,
		&a.RequestID,
		&a.ApproverID,
		&a.OnBehalfOf,
		&a.Level,
		&a.Action,
		&a.Comments,
		&a.DelegateTo,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
	}
	return a, nil
}
