package service

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// step describes one attempted transition.
type step struct {
	Action     repository.ActionType
	ApproverID string
	OnBehalfOf *string
	Comments   *string
	DelegateTo *string
	At         time.Time
}

// transition computes the next state of req for s without touching req.
// It returns the new request, the action to append and the event to emit.
func transition(req *repository.ApprovalRequest, chainLength int, s step) (*repository.ApprovalRequest, *repository.ApprovalAction, events.Type, error) {
	if req.Status.IsTerminal() {
		return nil, nil, "", errors.InvalidState(
			fmt.Sprintf("request %s is %s; no further transitions are allowed", req.ID, req.Status))
	}
	if req.CurrentLevel < 1 || req.CurrentLevel > chainLength {
		return nil, nil, "", errors.InvalidState(
			fmt.Sprintf("request %s is at level %d of a %d-level chain", req.ID, req.CurrentLevel, chainLength))
	}

	next := req.Clone()
	action := &repository.ApprovalAction{
		RequestID:  req.ID,
		ApproverID: s.ApproverID,
		OnBehalfOf: s.OnBehalfOf,
		Level:      req.CurrentLevel,
		Action:     s.Action,
		Comments:   s.Comments,
		CreatedAt:  s.At,
	}

	var ev events.Type
	switch s.Action {
	case repository.ActionApproved:
		next.CurrentLevel = req.CurrentLevel + 1
		next.LevelEnteredAt = s.At
		if next.CurrentLevel > chainLength {
			next.Status = repository.StatusApproved
			next.CompletedAt = &s.At
			ev = events.Approved
		} else {
			next.Status = repository.StatusInProgress
			ev = events.LevelAdvanced
		}

	case repository.ActionRejected:
		next.Status = repository.StatusRejected
		next.CompletedAt = &s.At
		ev = events.Rejected

	case repository.ActionReturned:
		if req.CurrentLevel > 1 {
			next.Status = repository.StatusInProgress
		}
		next.CurrentLevel = 1
		next.LevelEnteredAt = s.At
		ev = events.Returned

	case repository.ActionDelegated:
		if s.DelegateTo == nil || *s.DelegateTo == "" {
			return nil, nil, "", errors.InvalidInput("delegate_to", "delegate_to is required for a delegated action")
		}
		action.DelegateTo = s.DelegateTo
		ev = events.Delegated

	case repository.ActionCancelled:
		next.Status = repository.StatusCancelled
		next.CompletedAt = &s.At
		ev = events.Cancelled

	default:
		return nil, nil, "", errors.InvalidInput("action", fmt.Sprintf("unknown action %q", s.Action))
	}

	return next, action, ev, nil
}
