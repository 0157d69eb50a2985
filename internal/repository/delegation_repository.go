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

// DelegationRepository handles reads and status updates on delegations.
// Overlap checks are the resolver's job at evaluation time; the repository
// stores what it is given.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, delegator_id, delegate_id, institution_id, scope,
	valid_from, valid_until, status, reason, limitations,
	created_at, updated_at`

// CreateDelegation inserts a delegation.
func (r *DelegationRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	var limitsJSON []byte
	if d.Limitations != nil {
		var err error
		limitsJSON, err = json.Marshal(d.Limitations)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal delegation limitations")
		}
	}

	query := `
		INSERT INTO delegations
		    (delegator_id, delegate_id, institution_id, scope,
		     valid_from, valid_until, status, reason, limitations)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.DelegatorID,
		d.DelegateID,
		d.InstitutionID,
		d.Scope,
		d.ValidFrom,
		d.ValidUntil,
		d.Status,
		d.Reason,
		limitsJSON,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// GetDelegation retrieves a delegation by id.
func (r *DelegationRepository) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// ListDelegations returns delegations matching filter, newest window first.
func (r *DelegationRepository) ListDelegations(ctx context.Context, filter DelegationFilter) ([]*Delegation, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.DelegatorID != "" {
		add("delegator_id = $%d", filter.DelegatorID)
	}
	if filter.DelegateID != "" {
		add("delegate_id = $%d", filter.DelegateID)
	}
	if filter.InstitutionID != "" {
		add("institution_id = $%d", filter.InstitutionID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + delegationColumns + ` FROM delegations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY valid_from DESC, id ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDelegationStatus sets the status of a delegation.
func (r *DelegationRepository) UpdateDelegationStatus(ctx context.Context, id string, status DelegationStatus) error {
	var returnedID string
	err := r.db.QueryRow(ctx, `
		UPDATE delegations
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("delegation", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegation status")
	}
	return nil
}

// ExpireDelegations marks active delegations whose window closed before now.
func (r *DelegationRepository) ExpireDelegations(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE delegations
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND valid_until < $1
	`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire delegations")
	}
	return int(tag.RowsAffected()), nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *DelegationRepository) scanDelegation(row delegationScanner) (*Delegation, error) {
	d := &Delegation{}
	var limitsJSON []byte

	err := row.Scan(
		&d.ID,
		&d.DelegatorID,
		&d.DelegateID,
		&d.InstitutionID,
		&d.Scope,
		&d.ValidFrom,
		&d.ValidUntil,
		&d.Status,
		&d.Reason,
		&limitsJSON,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if limitsJSON != nil {
		d.Limitations = &DelegationLimitations{}
		if err := json.Unmarshal(limitsJSON, d.Limitations); err != nil {
			return nil, err
		}
	}
	return d, nil
}
