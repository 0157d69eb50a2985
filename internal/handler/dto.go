package handler

import (
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

// ── Requests ──────────────────────────────────────────────────────────────────

func requestToAPI(r *repository.ApprovalRequest) approvalsapi.Request {
	return approvalsapi.Request{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		DataType:        r.DataType,
		InstitutionID:   r.InstitutionID,
		SubjectType:     r.SubjectType,
		SubjectID:       r.SubjectID,
		SubmitterID:     r.SubmitterID,
		SubmittedAt:     r.SubmittedAt,
		Status:          string(r.Status),
		CurrentLevel:    r.CurrentLevel,
		Deadline:        r.Deadline,
		CompletedAt:     r.CompletedAt,
		Notes:           r.Notes,
		Metadata:        r.Metadata,
		Priority:        string(r.Priority),
		EscalationCount: r.EscalationCount,
		Version:         r.Version,
	}
}

func requestsToAPI(list []*repository.ApprovalRequest) []approvalsapi.Request {
	return mapSlice(list, requestToAPI)
}

func actionToAPI(a *repository.ApprovalAction) approvalsapi.Action {
	return approvalsapi.Action{
		ID:         a.ID,
		RequestID:  a.RequestID,
		ApproverID: a.ApproverID,
		OnBehalfOf: a.OnBehalfOf,
		Level:      a.Level,
		Action:     string(a.Action),
		Comments:   a.Comments,
		DelegateTo: a.DelegateTo,
		CreatedAt:  a.CreatedAt,
	}
}

func actionsToAPI(list []*repository.ApprovalAction) []approvalsapi.Action {
	return mapSlice(list, actionToAPI)
}

func bulkToAPI(res *service.BulkResult) approvalsapi.BulkActResponse {
	out := approvalsapi.BulkActResponse{Succeeded: res.Succeeded, Failed: make([]approvalsapi.BulkFailure, 0, len(res.Failed))}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, approvalsapi.BulkFailure{RequestID: f.RequestID, Code: string(f.Code), Message: f.Message})
	}
	return out
}

// ── Workflows ─────────────────────────────────────────────────────────────────

type workflowResponse struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	DataType    string                    `json:"data_type"`
	Description *string                   `json:"description,omitempty"`
	Status      string                    `json:"status"`
	Chain       []repository.ChainLevel   `json:"approval_chain"`
	Policy      repository.WorkflowPolicy `json:"policy"`
	CreatedBy   *string                   `json:"created_by,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

func workflowToResponse(d *repository.WorkflowDefinition) workflowResponse {
	return workflowResponse{
		ID:          d.ID,
		Name:        d.Name,
		DataType:    d.DataType,
		Description: d.Description,
		Status:      string(d.Status),
		Chain:       d.Chain,
		Policy:      d.Policy,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type statusBody struct {
	Status string `json:"status" validate:"required,oneof=active inactive archived"`
}

// ── Visibility rules ──────────────────────────────────────────────────────────

type ruleBody struct {
	ID                  string              `json:"id,omitempty"`
	DataType            string              `json:"data_type" validate:"required,max=100"`
	InstitutionID       string              `json:"institution_id" validate:"required"`
	VisibilityRules     map[string][]string `json:"visibility_rules"`
	ApprovalRequirement string              `json:"approval_requirement,omitempty"`
	AccessLevels        map[string][]string `json:"access_levels,omitempty"`
	IsActive            bool                `json:"is_active"`
	CreatedAt           *time.Time          `json:"created_at,omitempty"`
	UpdatedAt           *time.Time          `json:"updated_at,omitempty"`
}

func (b ruleBody) toRule() *repository.VisibilityRule {
	return &repository.VisibilityRule{
		DataType:            b.DataType,
		InstitutionID:       b.InstitutionID,
		VisibilityRules:     b.VisibilityRules,
		ApprovalRequirement: repository.ApprovalRequirement(b.ApprovalRequirement),
		AccessLevels:        b.AccessLevels,
	}
}

func ruleToBody(r *repository.VisibilityRule) ruleBody {
	return ruleBody{
		ID:                  r.ID,
		DataType:            r.DataType,
		InstitutionID:       r.InstitutionID,
		VisibilityRules:     r.VisibilityRules,
		ApprovalRequirement: string(r.ApprovalRequirement),
		AccessLevels:        r.AccessLevels,
		IsActive:            r.IsActive,
		CreatedAt:           &r.CreatedAt,
		UpdatedAt:           &r.UpdatedAt,
	}
}

// ── Delegations ───────────────────────────────────────────────────────────────

type delegationResponse struct {
	ID            string                            `json:"id"`
	DelegatorID   string                            `json:"delegator_id"`
	DelegateID    string                            `json:"delegate_id"`
	InstitutionID string                            `json:"institution_id"`
	Scope         string                            `json:"scope"`
	ValidFrom     time.Time                         `json:"valid_from"`
	ValidUntil    time.Time                         `json:"valid_until"`
	Status        string                            `json:"status"`
	Reason        *string                           `json:"reason,omitempty"`
	Limitations   *repository.DelegationLimitations `json:"limitations,omitempty"`
	CreatedAt     time.Time                         `json:"created_at"`
}

func delegationToResponse(d *repository.Delegation) delegationResponse {
	return delegationResponse{
		ID:            d.ID,
		DelegatorID:   d.DelegatorID,
		DelegateID:    d.DelegateID,
		InstitutionID: d.InstitutionID,
		Scope:         d.Scope,
		ValidFrom:     d.ValidFrom,
		ValidUntil:    d.ValidUntil,
		Status:        string(d.Status),
		Reason:        d.Reason,
		Limitations:   d.Limitations,
		CreatedAt:     d.CreatedAt,
	}
}

// ── Notifications ─────────────────────────────────────────────────────────────

type notificationResponse struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	Type         string     `json:"type"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
}

func notificationToResponse(n *repository.Notification) notificationResponse {
	return notificationResponse{
		ID:           n.ID,
		RequestID:    n.RequestID,
		Type:         string(n.Type),
		Title:        n.Title,
		Message:      n.Message,
		Priority:     string(n.Priority),
		Status:       string(n.Status),
		ScheduledFor: n.ScheduledFor,
		SentAt:       n.SentAt,
		ReadAt:       n.ReadAt,
	}
}

// ── Analytics ─────────────────────────────────────────────────────────────────

type snapshotResponse struct {
	InstitutionID     string                  `json:"institution_id"`
	DataType          string                  `json:"data_type"`
	Day               string                  `json:"day"`
	TotalSubmitted    int                     `json:"total_submitted"`
	TotalApproved     int                     `json:"total_approved"`
	TotalRejected     int                     `json:"total_rejected"`
	TotalCancelled    int                     `json:"total_cancelled"`
	TotalPending      int                     `json:"total_pending"`
	TotalOverdue      int                     `json:"total_overdue"`
	TotalLongPending  int                     `json:"total_long_pending"`
	AvgLatencySeconds float64                 `json:"avg_latency_seconds"`
	LevelLatency      map[string]float64      `json:"level_latency"`
	Bottlenecks       []repository.Bottleneck `json:"bottlenecks"`
}

func snapshotToResponse(s *repository.AnalyticsSnapshot) snapshotResponse {
	return snapshotResponse{
		InstitutionID:     s.InstitutionID,
		DataType:          s.DataType,
		Day:               s.Day.Format(dayLayout),
		TotalSubmitted:    s.TotalSubmitted,
		TotalApproved:     s.TotalApproved,
		TotalRejected:     s.TotalRejected,
		TotalCancelled:    s.TotalCancelled,
		TotalPending:      s.TotalPending,
		TotalOverdue:      s.TotalOverdue,
		TotalLongPending:  s.TotalLongPending,
		AvgLatencySeconds: s.AvgLatencySeconds,
		LevelLatency:      s.LevelLatency,
		Bottlenecks:       s.Bottlenecks,
	}
}

const dayLayout = "2006-01-02"

func mapSlice[T, R any](in []T, f func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
