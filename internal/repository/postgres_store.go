package repository

import "github.com/pesio-ai/be-edu-approvals/internal/database"

// PostgresStore bundles the pgx repositories into a Store.
type PostgresStore struct {
	*WorkflowDefinitionRepository
	*ApprovalRequestRepository
	*ApprovalActionRepository
	*VisibilityRuleRepository
	*DelegationRepository
	*NotificationRepository
	*AnalyticsRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires every repository to db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		WorkflowDefinitionRepository: NewWorkflowDefinitionRepository(db),
		ApprovalRequestRepository:    NewApprovalRequestRepository(db),
		ApprovalActionRepository:     NewApprovalActionRepository(db),
		VisibilityRuleRepository:     NewVisibilityRuleRepository(db),
		DelegationRepository:         NewDelegationRepository(db),
		NotificationRepository:       NewNotificationRepository(db),
		AnalyticsRepository:          NewAnalyticsRepository(db),
	}
}
