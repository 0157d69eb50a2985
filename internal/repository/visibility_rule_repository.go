package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// VisibilityRuleRepository handles visibility_rules. At most one active rule
// exists per (data_type, institution_id).
type VisibilityRuleRepository struct {
	db *database.DB
}

// NewVisibilityRuleRepository creates a new VisibilityRuleRepository.
func NewVisibilityRuleRepository(db *database.DB) *VisibilityRuleRepository {
	return &VisibilityRuleRepository{db: db}
}

const visibilityColumns = `
	id, data_type, institution_id, visibility_rules,
	approval_requirement, access_levels, is_active,
	created_at, updated_at`

// UpsertVisibilityRule deactivates the current rule for the key and inserts
// rule as the new active one.
func (r *VisibilityRuleRepository) UpsertVisibilityRule(ctx context.Context, rule *VisibilityRule) error {
	rulesJSON, err := json.Marshal(orEmpty(rule.VisibilityRules))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal visibility rules")
	}
	levelsJSON, err := json.Marshal(orEmpty(rule.AccessLevels))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal access levels")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE visibility_rules
			SET is_active = FALSE, updated_at = NOW()
			WHERE data_type = $1 AND institution_id = $2 AND is_active
		`, rule.DataType, rule.InstitutionID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate visibility rule")
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO visibility_rules
			    (data_type, institution_id, visibility_rules,
			     approval_requirement, access_levels, is_active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			RETURNING id, created_at, updated_at
		`,
			rule.DataType,
			rule.InstitutionID,
			rulesJSON,
			rule.ApprovalRequirement,
			levelsJSON,
		).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.New(errors.ErrCodeConflict, "visibility rule was replaced concurrently")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert visibility rule")
		}
		rule.IsActive = true
		return nil
	})
}

// GetVisibilityRule returns the active rule for (data_type, institution).
func (r *VisibilityRuleRepository) GetVisibilityRule(ctx context.Context, dataType, institutionID string) (*VisibilityRule, error) {
	query := `
		SELECT ` + visibilityColumns + `
		FROM visibility_rules
		WHERE data_type = $1 AND institution_id = $2 AND is_active
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, dataType, institutionID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("visibility_rule", dataType+"@"+institutionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get visibility rule")
	}
	return rule, nil
}

// ListVisibilityRules returns active rules, optionally for one data type.
func (r *VisibilityRuleRepository) ListVisibilityRules(ctx context.Context, dataType string) ([]*VisibilityRule, error) {
	query := `
		SELECT ` + visibilityColumns + `
		FROM visibility_rules
		WHERE is_active AND ($1 = '' OR data_type = $1)
		ORDER BY data_type, institution_id
	`

	rows, err := r.db.Query(ctx, query, dataType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list visibility rules")
	}
	defer rows.Close()

	var rules []*VisibilityRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan visibility rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type visibilityScanner interface {
	Scan(dest ...any) error
}

func (r *VisibilityRuleRepository) scanRule(row visibilityScanner) (*VisibilityRule, error) {
	rule := &VisibilityRule{}
	var rulesJSON, levelsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.DataType,
		&rule.InstitutionID,
		&rulesJSON,
		&rule.ApprovalRequirement,
		&levelsJSON,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rulesJSON, &rule.VisibilityRules); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(levelsJSON, &rule.AccessLevels); err != nil {
		return nil, err
	}
	return rule, nil
}

func orEmpty(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}
