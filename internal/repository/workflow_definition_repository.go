package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// WorkflowDefinitionRepository handles CRUD for workflow_definitions.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

const definitionColumns = `
	id, name, data_type, description, status,
	approval_chain, policy, created_by, created_at, updated_at`

// CreateDefinition inserts a new definition.
func (r *WorkflowDefinitionRepository) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	chainJSON, policyJSON, err := marshalChainPolicy(def)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_definitions
		    (name, data_type, description, status,
		     approval_chain, policy, created_by)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		def.Name,
		def.DataType,
		def.Description,
		def.Status,
		chainJSON,
		policyJSON,
		def.CreatedBy,
	).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
	}
	return nil
}

// GetDefinition retrieves a definition by primary key.
func (r *WorkflowDefinitionRepository) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}
	return def, nil
}

// ListDefinitions returns definitions, optionally filtered by data type and status.
func (r *WorkflowDefinitionRepository) ListDefinitions(ctx context.Context, dataType string, status DefinitionStatus) ([]*WorkflowDefinition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE ($1 = '' OR data_type = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY name ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, dataType, string(status))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateDefinition rewrites the mutable template fields while no request
// references the definition.
func (r *WorkflowDefinitionRepository) UpdateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	chainJSON, policyJSON, err := marshalChainPolicy(def)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Lock the definition so a concurrent submit cannot slip in between
		// the reference check and the update.
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM workflow_definitions WHERE id = $1 FOR UPDATE`, def.ID).Scan(&id)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_definition", def.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow definition")
		}

		var referenced bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE workflow_id = $1)`, def.ID,
		).Scan(&referenced); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check definition references")
		}
		if referenced {
			return errors.New(errors.ErrCodeConflict,
				"workflow definition is referenced by requests; only its status can change")
		}

		return tx.QueryRow(ctx, `
			UPDATE workflow_definitions
			SET name           = $2,
			    description    = $3,
			    approval_chain = $4,
			    policy         = $5,
			    updated_at     = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, def.ID, def.Name, def.Description, chainJSON, policyJSON).Scan(&def.UpdatedAt)
	})
}

// SetDefinitionStatus toggles active/inactive/archived.
func (r *WorkflowDefinitionRepository) SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error {
	var returnedID string
	err := r.db.QueryRow(ctx, `
		UPDATE workflow_definitions
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update definition status")
	}
	return nil
}

// DeleteDefinition removes a definition that no request references.
func (r *WorkflowDefinitionRepository) DeleteDefinition(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var open bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
			    SELECT 1 FROM approval_requests
			    WHERE workflow_id = $1 AND status IN ('pending', 'in_progress'))
		`, id).Scan(&open); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check open requests")
		}
		if open {
			return errors.New(errors.ErrCodeConflict, "workflow definition has open requests")
		}

		tag, err := tx.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
		if err != nil {
			// Closed requests still reference the row through the foreign key.
			return errors.Wrap(err, errors.ErrCodeConflict, "workflow definition is still referenced; archive it instead")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("workflow_definition", id)
		}
		return nil
	})
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type definitionScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowDefinitionRepository) scanDefinition(row definitionScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var chainJSON, policyJSON []byte

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.DataType,
		&def.Description,
		&def.Status,
		&chainJSON,
		&policyJSON,
		&def.CreatedBy,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(chainJSON, &def.Chain); err != nil {
		return nil, err
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &def.Policy); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func marshalChainPolicy(def *WorkflowDefinition) ([]byte, []byte, error) {
	chainJSON, err := json.Marshal(def.Chain)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}
	policyJSON, err := json.Marshal(def.Policy)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow policy")
	}
	return chainJSON, policyJSON, nil
}
