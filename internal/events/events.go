// Package events carries workflow transitions from the state machine to its
// asynchronous consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// Type names a workflow event.
type Type string

const (
	Submitted           Type = "submitted"
	LevelAdvanced       Type = "level_advanced"
	Approved            Type = "approved"
	Rejected            Type = "rejected"
	Returned            Type = "returned"
	Delegated           Type = "delegated"
	Cancelled           Type = "cancelled"
	DeadlineApproaching Type = "deadline_approaching"
	Overdue             Type = "overdue"
)

// Event is one state change (or scheduler observation) on a request.
type Event struct {
	ID              string                   `json:"id"`
	Type            Type                     `json:"type"`
	RequestID       string                   `json:"request_id"`
	WorkflowID      string                   `json:"workflow_id"`
	InstitutionID   string                   `json:"institution_id"`
	DataType        string                   `json:"data_type"`
	SubjectType     string                   `json:"subject_type"`
	SubjectID       int64                    `json:"subject_id"`
	SubmitterID     string                   `json:"submitter_id"`
	ActorID         string                   `json:"actor_id"`
	OnBehalfOf      string                   `json:"on_behalf_of,omitempty"`
	DelegateTo      string                   `json:"delegate_to,omitempty"`
	Level           int                      `json:"level"`
	PreviousLevel   int                      `json:"previous_level"`
	Status          repository.RequestStatus `json:"status"`
	Priority        repository.Priority      `json:"priority"`
	EscalationCount int                      `json:"escalation_count,omitempty"`
	OccurredAt      time.Time                `json:"occurred_at"`
}

// New builds an event describing req after a change.
func New(t Type, req *repository.ApprovalRequest, actorID string, at time.Time) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		RequestID:     req.ID,
		WorkflowID:    req.WorkflowID,
		InstitutionID: req.InstitutionID,
		DataType:      req.DataType,
		SubjectType:   req.SubjectType,
		SubjectID:     req.SubjectID,
		SubmitterID:   req.SubmitterID,
		ActorID:       actorID,
		Level:         req.CurrentLevel,
		Status:        req.Status,
		Priority:      req.Priority,
		OccurredAt:    at,
	}
}

// Publisher accepts events. Publishing never fails from the caller's point of
// view; consumers deal with their own errors.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event)

// Recorder is a Publisher that keeps every event. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.Events = append(r.Events, e)
	r.mu.Unlock()
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
