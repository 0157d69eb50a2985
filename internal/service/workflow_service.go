package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// WorkflowService manages workflow definitions.
type WorkflowService struct {
	store repository.DefinitionStore
	log   *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store repository.DefinitionStore, log *logger.Logger) *WorkflowService {
	return &WorkflowService{store: store, log: log}
}

// DefinitionInput carries a new or replacement definition.
type DefinitionInput struct {
	Name        string                    `json:"name" validate:"required,max=200"`
	DataType    string                    `json:"data_type" validate:"required,max=100"`
	Description *string                   `json:"description,omitempty"`
	Chain       []repository.ChainLevel   `json:"approval_chain" validate:"required,min=1,dive"`
	Policy      repository.WorkflowPolicy `json:"policy"`
	CreatedBy   *string                   `json:"-"`
}

func (in DefinitionInput) validate() error {
	if in.Name == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if in.DataType == "" {
		return errors.InvalidInput("data_type", "data_type is required")
	}
	if err := repository.ValidateChain(in.Chain); err != nil {
		return errors.InvalidInput("approval_chain", err.Error())
	}
	if in.Policy.AutoApproveAfter != nil && *in.Policy.AutoApproveAfter <= 0 {
		return errors.InvalidInput("policy.auto_approve_after", "auto_approve_after must be positive")
	}
	return nil
}

// Create stores a new active definition.
func (s *WorkflowService) Create(ctx context.Context, in DefinitionInput) (*repository.WorkflowDefinition, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	def := &repository.WorkflowDefinition{
		Name:        in.Name,
		DataType:    in.DataType,
		Description: in.Description,
		Status:      repository.DefinitionActive,
		Chain:       in.Chain,
		Policy:      in.Policy,
		CreatedBy:   in.CreatedBy,
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", def.ID).
		Str("data_type", def.DataType).
		Int("levels", def.ChainLength()).
		Msg("Workflow definition created")
	return def, nil
}

// Get returns a definition by ID.
func (s *WorkflowService) Get(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

// List returns definitions, optionally narrowed by data type and status.
func (s *WorkflowService) List(ctx context.Context, dataType string, status repository.DefinitionStatus) ([]*repository.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, dataType, status)
}

// Update replaces name, description, chain and policy. Definitions already
// referenced by requests are immutable; create a new one instead.
func (s *WorkflowService) Update(ctx context.Context, id string, in DefinitionInput) (*repository.WorkflowDefinition, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.DataType != in.DataType {
		return nil, errors.InvalidInput("data_type", "data_type cannot be changed")
	}
	def.Name = in.Name
	def.Description = in.Description
	def.Chain = in.Chain
	def.Policy = in.Policy
	if err := s.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// SetStatus activates, deactivates or archives a definition.
func (s *WorkflowService) SetStatus(ctx context.Context, id string, status repository.DefinitionStatus) error {
	switch status {
	case repository.DefinitionActive, repository.DefinitionInactive, repository.DefinitionArchived:
	default:
		return errors.InvalidInput("status", fmt.Sprintf("unknown definition status %q", status))
	}
	if err := s.store.SetDefinitionStatus(ctx, id, status); err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", id).Str("status", string(status)).Msg("Workflow definition status changed")
	return nil
}

// Delete removes an unreferenced definition.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteDefinition(ctx, id)
}
