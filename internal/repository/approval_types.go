package repository

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ── Request lifecycle ─────────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusCancelled  RequestStatus = "cancelled"
)

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []RequestStatus{StatusPending, StatusInProgress}

// IsTerminal reports whether no further transition is allowed.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ActionType is what an approver did at a level.
type ActionType string

const (
	ActionApproved  ActionType = "approved"
	ActionRejected  ActionType = "rejected"
	ActionReturned  ActionType = "returned"
	ActionDelegated ActionType = "delegated"
	ActionCancelled ActionType = "cancelled"
)

// EntersLevel reports whether the action moves the request onto a fresh
// level, which restarts its escalation history.
func (a ActionType) EntersLevel() bool {
	return a == ActionApproved || a == ActionReturned
}

// SystemActor is recorded on actions performed by the scheduler.
const SystemActor = "system"

// Priority orders pending queues.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sort key where higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal, "":
		return 1
	default:
		return 0
	}
}

// ── Workflow definitions ──────────────────────────────────────────────────────

// DefinitionStatus controls whether new requests may use a definition.
type DefinitionStatus string

const (
	DefinitionActive   DefinitionStatus = "active"
	DefinitionInactive DefinitionStatus = "inactive"
	DefinitionArchived DefinitionStatus = "archived"
)

// ChainLevel is one entry of a definition's approval_chain JSONB array.
type ChainLevel struct {
	Level        int    `json:"level" validate:"min=1"`
	RequiredRole string `json:"required_role" validate:"required"`
	Required     bool   `json:"required"`
}

// Duration is a time.Duration that serializes as a Go duration string ("48h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"48h\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// WorkflowPolicy tunes how the scheduler treats a chain.
type WorkflowPolicy struct {
	// AutoApproveAfter is nil when levels never auto-advance.
	AutoApproveAfter *Duration `json:"auto_approve_after,omitempty"`
	RequireAllLevels bool      `json:"require_all_levels"`
	AllowSkipLevels  bool      `json:"allow_skip_levels"`
}

// WorkflowDefinition is a named approval template.
type WorkflowDefinition struct {
	ID          string
	Name        string
	DataType    string
	Description *string
	Status      DefinitionStatus
	Chain       []ChainLevel
	Policy      WorkflowPolicy
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LevelAt returns the chain entry for level.
func (d *WorkflowDefinition) LevelAt(level int) (ChainLevel, bool) {
	for _, l := range d.Chain {
		if l.Level == level {
			return l, true
		}
	}
	return ChainLevel{}, false
}

// ChainLength is the number of levels; a request at ChainLength()+1 is fully
// approved.
func (d *WorkflowDefinition) ChainLength() int { return len(d.Chain) }

// ValidateChain checks that levels run 1..n without gaps and every level
// names a role.
func ValidateChain(chain []ChainLevel) error {
	if len(chain) == 0 {
		return fmt.Errorf("approval chain must have at least one level")
	}
	for i, l := range chain {
		if l.Level != i+1 {
			return fmt.Errorf("approval chain levels must be 1..%d in order; position %d has level %d", len(chain), i+1, l.Level)
		}
		if l.RequiredRole == "" {
			return fmt.Errorf("level %d has no required_role", l.Level)
		}
	}
	return nil
}

// ── Requests and actions ──────────────────────────────────────────────────────

// ApprovalRequest is one subject travelling through a chain.
type ApprovalRequest struct {
	ID               string
	WorkflowID       string
	DataType         string
	InstitutionID    string
	SubjectType      string
	SubjectID        int64
	SubmitterID      string
	SubmittedAt      time.Time
	Status           RequestStatus
	CurrentLevel     int
	LevelEnteredAt   time.Time
	Deadline         *time.Time
	CompletedAt      *time.Time
	Notes            *string
	Metadata         map[string]any
	Priority         Priority
	EscalationCount  int
	LastEscalatedAt  *time.Time
	DeadlineWarnedAt *time.Time
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a copy safe to mutate.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ApprovalAction is one immutable entry in a request's audit trail.
type ApprovalAction struct {
	ID         string
	RequestID  string
	ApproverID string
	// OnBehalfOf is the delegator when ApproverID acted through a delegation.
	OnBehalfOf *string
	Level      int
	Action     ActionType
	Comments   *string
	DelegateTo *string
	CreatedAt  time.Time
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Statuses       []RequestStatus
	WorkflowID     string
	DataType       string
	InstitutionIDs []string
	SubmitterID    string
	SubmittedFrom  *time.Time
	SubmittedTo    *time.Time
	Limit          int
	Offset         int
}

// Matches applies the filter in memory.
func (f RequestFilter) Matches(r *ApprovalRequest) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.DataType != "" && r.DataType != f.DataType {
		return false
	}
	if len(f.InstitutionIDs) > 0 && !slices.Contains(f.InstitutionIDs, r.InstitutionID) {
		return false
	}
	if f.SubmitterID != "" && r.SubmitterID != f.SubmitterID {
		return false
	}
	if f.SubmittedFrom != nil && r.SubmittedAt.Before(*f.SubmittedFrom) {
		return false
	}
	if f.SubmittedTo != nil && !r.SubmittedAt.Before(*f.SubmittedTo) {
		return false
	}
	return true
}

// ── Visibility rules ──────────────────────────────────────────────────────────

// ApprovalRequirement is the minimum approval depth a data type demands.
type ApprovalRequirement string

const (
	RequirementNone           ApprovalRequirement = "none"
	RequirementDirectorOnly   ApprovalRequirement = "director_only"
	RequirementSectorRequired ApprovalRequirement = "sector_required"
	RequirementRegionRequired ApprovalRequirement = "region_required"
)

// MinChainDepth is the number of chain levels a definition must have to
// satisfy the requirement.
func (a ApprovalRequirement) MinChainDepth() int {
	switch a {
	case RequirementDirectorOnly:
		return 1
	case RequirementSectorRequired:
		return 2
	case RequirementRegionRequired:
		return 3
	default:
		return 0
	}
}

func (a ApprovalRequirement) Valid() bool {
	switch a {
	case RequirementNone, RequirementDirectorOnly, RequirementSectorRequired, RequirementRegionRequired:
		return true
	}
	return false
}

// Visibility scopes recognised in VisibilityRule.VisibilityRules.
const (
	ScopeOwnData        = "own_data"
	ScopeSchoolAll      = "school_all"
	ScopeInstitutionAll = "institution_all"
	ScopeSectorAll      = "sector_all"
	ScopeSectorApproved = "sector_approved"
	ScopeRegionAll      = "region_all"
	ScopeRegionApproved = "region_approved"
	ScopeAll            = "all"
)

// VisibilityRule governs who may see and act on a data type at an institution.
type VisibilityRule struct {
	ID            string
	DataType      string
	InstitutionID string
	// VisibilityRules maps role -> scopes.
	VisibilityRules     map[string][]string
	ApprovalRequirement ApprovalRequirement
	// AccessLevels maps action (view/edit/approve/export) -> roles.
	AccessLevels map[string][]string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Delegations ───────────────────────────────────────────────────────────────

// DelegationStatus is the lifecycle state of a delegation.
type DelegationStatus string

const (
	DelegationActive    DelegationStatus = "active"
	DelegationExpired   DelegationStatus = "expired"
	DelegationRevoked   DelegationStatus = "revoked"
	DelegationSuspended DelegationStatus = "suspended"
)

// DelegationScopeAll matches every data type.
const DelegationScopeAll = "all"

// DelegationLimitations narrow what a delegate may do.
type DelegationLimitations struct {
	// MaxLevel is the highest chain level the delegate may act at; 0 means
	// unlimited.
	MaxLevel                int      `json:"max_level,omitempty"`
	RestrictedApprovalTypes []string `json:"restricted_approval_types,omitempty"`
}

// Delegation hands a delegator's approval authority to a delegate for a window.
type Delegation struct {
	ID            string
	DelegatorID   string
	DelegateID    string
	InstitutionID string
	Scope         string
	ValidFrom     time.Time
	ValidUntil    time.Time
	Status        DelegationStatus
	Reason        *string
	Limitations   *DelegationLimitations
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Covers reports whether at falls inside the validity window (inclusive).
func (d *Delegation) Covers(at time.Time) bool {
	return !at.Before(d.ValidFrom) && !at.After(d.ValidUntil)
}

// MatchesScope reports whether the delegation applies to dataType.
func (d *Delegation) MatchesScope(dataType string) bool {
	return d.Scope == DelegationScopeAll || d.Scope == dataType
}

// Permits applies the optional limitations.
func (d *Delegation) Permits(dataType string, level int) bool {
	if d.Limitations == nil {
		return true
	}
	if d.Limitations.MaxLevel > 0 && level > d.Limitations.MaxLevel {
		return false
	}
	return !slices.Contains(d.Limitations.RestrictedApprovalTypes, dataType)
}

// Overlaps reports whether two windows intersect.
func (d *Delegation) Overlaps(o *Delegation) bool {
	return !d.ValidUntil.Before(o.ValidFrom) && !o.ValidUntil.Before(d.ValidFrom)
}

// DelegationFilter narrows ListDelegations.
type DelegationFilter struct {
	DelegatorID   string
	DelegateID    string
	InstitutionID string
	Statuses      []DelegationStatus
}

func (f DelegationFilter) Matches(d *Delegation) bool {
	if f.DelegatorID != "" && d.DelegatorID != f.DelegatorID {
		return false
	}
	if f.DelegateID != "" && d.DelegateID != f.DelegateID {
		return false
	}
	if f.InstitutionID != "" && d.InstitutionID != f.InstitutionID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, d.Status) {
		return false
	}
	return true
}

// ── Notifications ─────────────────────────────────────────────────────────────

// NotificationType names why a recipient is being told something.
type NotificationType string

const (
	NotifyRequestSubmitted    NotificationType = "request_submitted"
	NotifyApprovalRequired    NotificationType = "approval_required"
	NotifyApproved            NotificationType = "approved"
	NotifyRejected            NotificationType = "rejected"
	NotifyReturned            NotificationType = "returned_for_revision"
	NotifyCancelled           NotificationType = "cancelled"
	NotifyDelegated           NotificationType = "delegated"
	NotifyDeadlineApproaching NotificationType = "deadline_approaching"
	NotifyOverdue             NotificationType = "overdue"
)

// NotificationStatus is the delivery/inbox state of a notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationRead      NotificationStatus = "read"
	NotificationDismissed NotificationStatus = "dismissed"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is one message for one recipient about one request.
type Notification struct {
	ID           string
	RequestID    string
	RecipientID  string
	Type         NotificationType
	Title        string
	Message      string
	Priority     Priority
	Status       NotificationStatus
	ScheduledFor time.Time
	SentAt       *time.Time
	ReadAt       *time.Time
	DismissedAt  *time.Time
	Attempts     int
	LastError    *string
	// DedupeKey makes creation idempotent per (event, recipient).
	DedupeKey string
	CreatedAt time.Time
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	RecipientID string
	RequestID   string
	Statuses    []NotificationStatus
	Limit       int
	Offset      int
}

func (f NotificationFilter) Matches(n *Notification) bool {
	if f.RecipientID != "" && n.RecipientID != f.RecipientID {
		return false
	}
	if f.RequestID != "" && n.RequestID != f.RequestID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, n.Status) {
		return false
	}
	return true
}

// ── Analytics ─────────────────────────────────────────────────────────────────

// SnapshotKey identifies one analytics row.
type SnapshotKey struct {
	InstitutionID string
	DataType      string
	Day           time.Time
}

func (k SnapshotKey) String() string {
	return k.InstitutionID + "|" + k.DataType + "|" + k.Day.Format("2006-01-02")
}

// Bottleneck is an approver whose average response time stands out.
type Bottleneck struct {
	ApproverID         string  `json:"approver_id"`
	AvgResponseSeconds float64 `json:"avg_response_seconds"`
	Actions            int     `json:"actions"`
}

// AnalyticsSnapshot is the per (institution, data_type, day) statistics row.
type AnalyticsSnapshot struct {
	InstitutionID     string
	DataType          string
	Day               time.Time
	TotalSubmitted    int
	TotalApproved     int
	TotalRejected     int
	TotalCancelled    int
	TotalPending      int
	TotalOverdue      int
	TotalLongPending  int
	AvgLatencySeconds float64
	// LevelLatency maps chain level (as a decimal string) to average seconds.
	LevelLatency map[string]float64
	Bottlenecks  []Bottleneck
}

// Key returns the snapshot's identity.
func (s *AnalyticsSnapshot) Key() SnapshotKey {
	return SnapshotKey{InstitutionID: s.InstitutionID, DataType: s.DataType, Day: s.Day}
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	InstitutionID string
	DataType      string
	From          *time.Time
	To            *time.Time
}

func (f SnapshotFilter) Matches(s *AnalyticsSnapshot) bool {
	if f.InstitutionID != "" && s.InstitutionID != f.InstitutionID {
		return false
	}
	if f.DataType != "" && s.DataType != f.DataType {
		return false
	}
	if f.From != nil && s.Day.Before(*f.From) {
		return false
	}
	if f.To != nil && s.Day.After(*f.To) {
		return false
	}
	return true
}
