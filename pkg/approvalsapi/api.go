// Package approvalsapi holds the wire contract of the approvals gRPC
// service. Messages are JSON encoded (content subtype "json"); the acting
// user travels in the "x-user-id" metadata key.
package approvalsapi

import "time"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.ApprovalService"

// UserIDHeader is the metadata key naming the acting user.
const UserIDHeader = "x-user-id"

const (
	MethodSubmit          = "Submit"
	MethodAct             = "Act"
	MethodCancel          = "Cancel"
	MethodBulkAct         = "BulkAct"
	MethodGetRequest      = "GetRequest"
	MethodGetHistory      = "GetHistory"
	MethodPendingApproval = "GetPendingApprovals"
	MethodReportDelivery  = "ReportDelivery"
)

// FullMethod returns the gRPC method path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Request is an approval request as seen by collaborators.
type Request struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	DataType        string         `json:"data_type"`
	InstitutionID   string         `json:"institution_id"`
	SubjectType     string         `json:"subject_type"`
	SubjectID       int64          `json:"subject_id"`
	SubmitterID     string         `json:"submitter_id"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	Status          string         `json:"status"`
	CurrentLevel    int            `json:"current_level"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Priority        string         `json:"priority"`
	EscalationCount int            `json:"escalation_count"`
	Version         int            `json:"version"`
}

// Action is one entry of a request's history.
type Action struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	OnBehalfOf *string   `json:"on_behalf_of,omitempty"`
	Level      int       `json:"level"`
	Action     string    `json:"action"`
	Comments   *string   `json:"comments,omitempty"`
	DelegateTo *string   `json:"delegate_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type SubmitRequest struct {
	SubjectType   string         `json:"subject_type"`
	SubjectID     int64          `json:"subject_id"`
	WorkflowID    string         `json:"workflow_id"`
	InstitutionID string         `json:"institution_id"`
	Notes         *string        `json:"notes,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ActRequest struct {
	RequestID  string  `json:"request_id"`
	Action     string  `json:"action"`
	Comments   *string `json:"comments,omitempty"`
	DelegateTo *string `json:"delegate_to,omitempty"`
}

type CancelRequest struct {
	RequestID string  `json:"request_id"`
	Reason    *string `json:"reason,omitempty"`
}

type BulkActRequest struct {
	RequestIDs []string `json:"request_ids"`
	Action     string   `json:"action"`
	Comments   *string  `json:"comments,omitempty"`
}

type BulkFailure struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type BulkActResponse struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

type GetRequestRequest struct {
	RequestID string `json:"request_id"`
}

type HistoryResponse struct {
	Actions []Action `json:"actions"`
}

type PendingApprovalsRequest struct{}

type RequestsResponse struct {
	Requests []Request `json:"requests"`
}

// ReportDeliveryRequest is sent by the delivery collaborator once it has
// tried to reach a recipient.
type ReportDeliveryRequest struct {
	NotificationID string `json:"notification_id"`
	Delivered      bool   `json:"delivered"`
	Reason         string `json:"reason,omitempty"`
}

type Empty struct{}
