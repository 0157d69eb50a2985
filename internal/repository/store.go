package repository

import (
	"context"
	"time"
)

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, dataType string, status DefinitionStatus) ([]*WorkflowDefinition, error)
	// UpdateDefinition rewrites name, description, chain and policy. It fails
	// with CONFLICT once any request references the definition.
	UpdateDefinition(ctx context.Context, def *WorkflowDefinition) error
	SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error
	// DeleteDefinition fails with CONFLICT while any request references it.
	DeleteDefinition(ctx context.Context, id string) error
}

// RequestStore persists requests and their append-only action trail.
type RequestStore interface {
	// CreateRequest fails with DUPLICATE_REQUEST when the subject already
	// has an open request.
	CreateRequest(ctx context.Context, req *ApprovalRequest, action *ApprovalAction) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error)
	// ApplyTransition writes req and appends action atomically, provided the
	// stored version still equals expectedVersion. On success req.Version is
	// bumped. A stale version yields CONCURRENT_MODIFICATION. Actions that
	// enter a new level clear the escalation count and last escalation time.
	ApplyTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, action *ApprovalAction) error
	RecordEscalation(ctx context.Context, id string, count int, at time.Time) error
	MarkDeadlineWarned(ctx context.Context, id string, at time.Time) error
	ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error)
	ListActionsByApprover(ctx context.Context, approverID string, limit int) ([]*ApprovalAction, error)
	ListActionsForRequests(ctx context.Context, requestIDs []string) (map[string][]*ApprovalAction, error)
	// ListSnapshotKeys returns the distinct (institution, data_type) pairs of
	// requests submitted before the given instant.
	ListSnapshotKeys(ctx context.Context, before time.Time) ([]SnapshotKey, error)
}

// VisibilityRuleStore persists visibility rules.
type VisibilityRuleStore interface {
	// UpsertVisibilityRule replaces the active rule for (data_type, institution).
	UpsertVisibilityRule(ctx context.Context, rule *VisibilityRule) error
	// GetVisibilityRule returns NOT_FOUND when no active rule exists.
	GetVisibilityRule(ctx context.Context, dataType, institutionID string) (*VisibilityRule, error)
	ListVisibilityRules(ctx context.Context, dataType string) ([]*VisibilityRule, error)
}

// DelegationStore persists delegations.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, d *Delegation) error
	GetDelegation(ctx context.Context, id string) (*Delegation, error)
	ListDelegations(ctx context.Context, filter DelegationFilter) ([]*Delegation, error)
	UpdateDelegationStatus(ctx context.Context, id string, status DelegationStatus) error
	// ExpireDelegations flips active delegations whose window ended before now.
	ExpireDelegations(ctx context.Context, now time.Time) (int, error)
}

// NotificationStore persists notifications and their delivery state.
type NotificationStore interface {
	// CreateNotification inserts n unless its DedupeKey already exists, in
	// which case n is filled from the stored row and created is false.
	CreateNotification(ctx context.Context, n *Notification) (created bool, err error)
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, id, reason string, permanent bool) error
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkNotificationDismissed(ctx context.Context, id string, at time.Time) error
}

// SnapshotStore persists analytics snapshots.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s *AnalyticsSnapshot) error
	GetSnapshot(ctx context.Context, key SnapshotKey) (*AnalyticsSnapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*AnalyticsSnapshot, error)
}

// Store is everything the engine persists.
type Store interface {
	DefinitionStore
	RequestStore
	VisibilityRuleStore
	DelegationStore
	NotificationStore
	SnapshotStore
}
