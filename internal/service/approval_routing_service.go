package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/retry"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

// ApprovalRoutingService moves approval requests through their chains. Every
// state change, human or scheduled, goes through applyStep so a level can
// only be left once.
type ApprovalRoutingService struct {
	store       repository.Store
	dir         Directory
	delegations *DelegationService
	visibility  *VisibilityService
	publisher   events.Publisher
	tel         *telemetry.Telemetry
	retry       *retry.Policy
	adminRoles  []string
	log         *logger.Logger
	now         func() time.Time
}

// NewApprovalRoutingService creates a new ApprovalRoutingService.
func NewApprovalRoutingService(
	store repository.Store,
	dir Directory,
	delegations *DelegationService,
	visibility *VisibilityService,
	publisher events.Publisher,
	tel *telemetry.Telemetry,
	adminRoles []string,
	log *logger.Logger,
) *ApprovalRoutingService {
	if tel == nil {
		tel = telemetry.New()
	}
	return &ApprovalRoutingService{
		store:       store,
		dir:         dir,
		delegations: delegations,
		visibility:  visibility,
		publisher:   publisher,
		tel:         tel,
		retry:       retry.Default(),
		adminRoles:  adminRoles,
		log:         log,
		now:         time.Now,
	}
}

// RetryPolicy is the policy callers should wrap Act and Cancel with.
func (s *ApprovalRoutingService) RetryPolicy() *retry.Policy { return s.retry }

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitInput carries a new approval request.
type SubmitInput struct {
	SubjectType   string              `json:"subject_type" validate:"required,max=100"`
	SubjectID     int64               `json:"subject_id" validate:"required,gt=0"`
	WorkflowID    string              `json:"workflow_id" validate:"required"`
	InstitutionID string              `json:"institution_id" validate:"required"`
	SubmitterID   string              `json:"-"`
	Notes         *string             `json:"notes,omitempty"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
	Priority      repository.Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// Submit opens a request at level 1. It fails with DUPLICATE_REQUEST while
// the subject has another open request and with UNKNOWN_WORKFLOW when the
// definition is missing or not active.
func (s *ApprovalRoutingService) Submit(ctx context.Context, in SubmitInput) (req *repository.ApprovalRequest, err error) {
	ctx, span := s.tel.Start(ctx, "approvals.Submit",
		attribute.String("approval.subject_type", in.SubjectType),
		telemetry.InstitutionKey.String(in.InstitutionID))
	defer func() { telemetry.End(span, err) }()

	switch {
	case in.SubjectType == "":
		return nil, errors.InvalidInput("subject_type", "subject_type is required")
	case in.SubjectID <= 0:
		return nil, errors.InvalidInput("subject_id", "subject_id must be positive")
	case in.InstitutionID == "":
		return nil, errors.InvalidInput("institution_id", "institution_id is required")
	case in.SubmitterID == "":
		return nil, errors.InvalidInput("submitter_id", "submitter is required")
	}
	now := s.now()
	if in.Deadline != nil && !in.Deadline.After(now) {
		return nil, errors.InvalidInput("deadline", "deadline must be in the future")
	}
	if in.Priority == "" {
		in.Priority = repository.PriorityNormal
	}

	def, err := s.store.GetDefinition(ctx, in.WorkflowID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil, errors.Newf(errors.ErrCodeUnknownWorkflow, "workflow %s does not exist", in.WorkflowID)
	}
	if err != nil {
		return nil, err
	}
	if def.Status != repository.DefinitionActive {
		return nil, errors.Newf(errors.ErrCodeUnknownWorkflow, "workflow %s is %s", def.ID, def.Status)
	}

	rule, _, err := s.visibility.RuleFor(ctx, def.DataType, in.InstitutionID)
	if err != nil {
		return nil, err
	}
	if need := rule.ApprovalRequirement.MinChainDepth(); def.ChainLength() < need {
		return nil, errors.InvalidInput("workflow_id", fmt.Sprintf(
			"%s data at this institution requires %s (%d levels); workflow %s has %d",
			def.DataType, rule.ApprovalRequirement, need, def.ID, def.ChainLength()))
	}

	req = &repository.ApprovalRequest{
		WorkflowID:     def.ID,
		DataType:       def.DataType,
		InstitutionID:  in.InstitutionID,
		SubjectType:    in.SubjectType,
		SubjectID:      in.SubjectID,
		SubmitterID:    in.SubmitterID,
		SubmittedAt:    now,
		Status:         repository.StatusPending,
		CurrentLevel:   1,
		LevelEnteredAt: now,
		Deadline:       in.Deadline,
		Notes:          in.Notes,
		Metadata:       in.Metadata,
		Priority:       in.Priority,
	}
	if err := s.store.CreateRequest(ctx, req, nil); err != nil {
		return nil, err
	}

	s.publish(ctx, events.New(events.Submitted, req, in.SubmitterID, now))
	s.log.Info().
		Str("request_id", req.ID).
		Str("workflow_id", def.ID).
		Str("subject_type", req.SubjectType).
		Int64("subject_id", req.SubjectID).
		Msg("Approval request submitted")
	return req, nil
}

// ── Act ───────────────────────────────────────────────────────────────────────

// ActInput is one human decision on a request's current level.
type ActInput struct {
	RequestID  string                `json:"-"`
	ActorID    string                `json:"-"`
	Action     repository.ActionType `json:"action" validate:"required,oneof=approved rejected returned delegated"`
	Comments   *string               `json:"comments,omitempty"`
	DelegateTo *string               `json:"delegate_to,omitempty"`
}

// Act applies a decision at the request's current level. The actor must hold
// the level's role, directly or through exactly one active delegation.
// A lost race yields CONCURRENT_MODIFICATION; callers retry with RetryPolicy.
func (s *ApprovalRoutingService) Act(ctx context.Context, in ActInput) (out *repository.ApprovalRequest, err error) {
	ctx, span := s.tel.Start(ctx, "approvals.Act",
		telemetry.RequestIDKey.String(in.RequestID),
		telemetry.ActionKey.String(string(in.Action)))
	defer func() { telemetry.End(span, err) }()

	switch in.Action {
	case repository.ActionApproved, repository.ActionRejected, repository.ActionReturned, repository.ActionDelegated:
	case repository.ActionCancelled:
		return nil, errors.InvalidInput("action", "use cancel to withdraw a request")
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if in.Action == repository.ActionDelegated && in.DelegateTo != nil && *in.DelegateTo == in.ActorID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, errors.InvalidState(fmt.Sprintf("request %s is already %s", req.ID, req.Status))
	}
	def, err := s.store.GetDefinition(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	actor, err := s.lookupActor(ctx, in.ActorID)
	if err != nil {
		return nil, err
	}

	onBehalfOf, err := s.authorize(ctx, actor, req, def)
	if err != nil {
		return nil, err
	}

	return s.applyStep(ctx, req, def, step{
		Action:     in.Action,
		ApproverID: actor.ID,
		OnBehalfOf: onBehalfOf,
		Comments:   in.Comments,
		DelegateTo: in.DelegateTo,
		At:         s.now(),
	})
}

// authorize returns nil when the actor holds the current level's role
// directly, or the delegator's ID when authority comes from a delegation.
func (s *ApprovalRoutingService) authorize(
	ctx context.Context,
	actor *User,
	req *repository.ApprovalRequest,
	def *repository.WorkflowDefinition,
) (*string, error) {
	selfErr := s.visibility.Check(ctx, actor, AccessApprove, req, def)
	if selfErr == nil {
		return nil, nil
	}
	if !errors.Is(selfErr, errors.ErrCodeUnauthorized) {
		return nil, selfErr
	}

	at := s.now()
	candidates, err := s.delegations.ActingFor(ctx, actor.ID, "", req.DataType, at)
	if err != nil {
		return nil, err
	}

	var matches []*repository.Delegation
	for _, d := range candidates {
		if !d.Permits(req.DataType, req.CurrentLevel) {
			continue
		}
		delegator, err := s.dir.GetUser(ctx, d.DelegatorID)
		if err != nil {
			s.log.Warn().Err(err).Str("delegation_id", d.ID).Msg("Could not resolve delegator; skipping delegation")
			continue
		}
		if s.visibility.Check(ctx, delegator, AccessApprove, req, def) != nil {
			continue
		}
		// Live resolution of the delegator must land on this actor.
		effective, _, err := s.delegations.Resolve(ctx, d.DelegatorID, d.InstitutionID, req.DataType, at)
		if err != nil {
			return nil, err
		}
		if effective == actor.ID {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, selfErr
	case 1:
		return &matches[0].DelegatorID, nil
	default:
		return nil, errors.Newf(errors.ErrCodeAmbiguousDelegation,
			"%s acts for %d delegators at level %d of request %s", actor.ID, len(matches), req.CurrentLevel, req.ID)
	}
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a non-terminal request. Only the submitter or an
// administrator may cancel.
func (s *ApprovalRoutingService) Cancel(ctx context.Context, requestID, actorID string, reason *string) (out *repository.ApprovalRequest, err error) {
	ctx, span := s.tel.Start(ctx, "approvals.Cancel", telemetry.RequestIDKey.String(requestID))
	defer func() { telemetry.End(span, err) }()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != req.SubmitterID {
		actor, err := s.lookupActor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(s.adminRoles, actor.Role) {
			return nil, errors.Unauthorized("only the submitter or an administrator can cancel a request")
		}
	}
	def, err := s.store.GetDefinition(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	return s.applyStep(ctx, req, def, step{
		Action:     repository.ActionCancelled,
		ApproverID: actorID,
		Comments:   reason,
		At:         s.now(),
	})
}

// ── Scheduled advance ─────────────────────────────────────────────────────────

// AutoAdvance approves the current optional level on behalf of the system.
// req must be the version the caller inspected; if anyone acted since, the
// call fails with CONCURRENT_MODIFICATION and nothing changes.
func (s *ApprovalRoutingService) AutoAdvance(ctx context.Context, req *repository.ApprovalRequest, def *repository.WorkflowDefinition) (*repository.ApprovalRequest, error) {
	level, ok := def.LevelAt(req.CurrentLevel)
	if !ok {
		return nil, errors.InvalidState(fmt.Sprintf("request %s is at level %d beyond its chain", req.ID, req.CurrentLevel))
	}
	if level.Required || !def.Policy.AllowSkipLevels || def.Policy.RequireAllLevels {
		return nil, errors.InvalidState(fmt.Sprintf("level %d of workflow %s cannot be skipped", level.Level, def.ID))
	}

	comment := "auto-approved: level exceeded auto_approve_after"
	out, err := s.applyStep(ctx, req, def, step{
		Action:     repository.ActionApproved,
		ApproverID: repository.SystemActor,
		Comments:   &comment,
		At:         s.now(),
	})
	if err != nil {
		return nil, err
	}
	telemetry.Add(ctx, s.tel.Metrics.AutoApprovals, telemetry.LevelKey.Int(level.Level))
	return out, nil
}

// applyStep runs the transition, persists it under the version check and
// emits the event.
func (s *ApprovalRoutingService) applyStep(
	ctx context.Context,
	req *repository.ApprovalRequest,
	def *repository.WorkflowDefinition,
	st step,
) (*repository.ApprovalRequest, error) {
	next, action, evType, err := transition(req, def.ChainLength(), st)
	if err != nil {
		return nil, err
	}

	if err := s.store.ApplyTransition(ctx, next, req.Version, action); err != nil {
		if errors.Is(err, errors.ErrCodeConcurrentModification) {
			telemetry.Add(ctx, s.tel.Metrics.Conflicts, telemetry.RequestIDKey.String(req.ID))
		}
		return nil, err
	}

	ev := events.New(evType, next, st.ApproverID, st.At)
	ev.PreviousLevel = req.CurrentLevel
	if st.OnBehalfOf != nil {
		ev.OnBehalfOf = *st.OnBehalfOf
	}
	if action.DelegateTo != nil {
		ev.DelegateTo = *action.DelegateTo
	}
	s.publish(ctx, ev)

	telemetry.Add(ctx, s.tel.Metrics.Transitions,
		telemetry.ActionKey.String(string(st.Action)),
		telemetry.DataTypeKey.String(req.DataType))

	logEv := s.log.Info().
		Str("request_id", req.ID).
		Str("action", string(st.Action)).
		Str("actor_id", st.ApproverID).
		Int("level", req.CurrentLevel).
		Str("status", string(next.Status))
	if st.OnBehalfOf != nil {
		logEv = logEv.Str("on_behalf_of", *st.OnBehalfOf)
	}
	logEv.Msg("Approval request transitioned")

	return next, nil
}

// ── Bulk ──────────────────────────────────────────────────────────────────────

// BulkFailure is one request a bulk action could not apply to.
type BulkFailure struct {
	RequestID string      `json:"request_id"`
	Code      errors.Code `json:"code"`
	Message   string      `json:"message"`
}

// BulkResult reports a bulk action per request.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkAct applies the same action to each request independently; one
// failure never aborts the rest.
func (s *ApprovalRoutingService) BulkAct(ctx context.Context, actorID string, requestIDs []string, action repository.ActionType, comments *string) *BulkResult {
	res := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range requestIDs {
		_, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (*repository.ApprovalRequest, error) {
			return s.Act(ctx, ActInput{RequestID: id, ActorID: actorID, Action: action, Comments: comments})
		})
		if err != nil {
			res.Failed = append(res.Failed, BulkFailure{RequestID: id, Code: errors.CodeOf(err), Message: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}

	s.log.Info().
		Str("actor_id", actorID).
		Str("action", string(action)).
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Msg("Bulk approval action processed")
	return res
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetRequest returns a request the actor may view.
func (s *ApprovalRoutingService) GetRequest(ctx context.Context, actorID, requestID string) (*repository.ApprovalRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actor, err := s.lookupActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.visibility.Check(ctx, actor, AccessView, req, nil); err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests returns the requests matching filter that the actor may view.
// Pagination applies after visibility filtering.
func (s *ApprovalRoutingService) ListRequests(ctx context.Context, actorID string, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	actor, err := s.lookupActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	limit, offset := filter.Limit, filter.Offset
	filter.Limit, filter.Offset = 0, 0

	all, err := s.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	visible := make([]*repository.ApprovalRequest, 0, len(all))
	for _, r := range all {
		if s.visibility.Can(ctx, actor, AccessView, r, nil) {
			visible = append(visible, r)
		}
	}
	return page(visible, limit, offset), nil
}

// History returns the action trail of a request the actor may view.
func (s *ApprovalRoutingService) History(ctx context.Context, actorID, requestID string) ([]*repository.ApprovalAction, error) {
	if _, err := s.GetRequest(ctx, actorID, requestID); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, requestID)
}

// MyApprovals returns the actions the actor has taken, newest first.
func (s *ApprovalRoutingService) MyApprovals(ctx context.Context, actorID string, limit int) ([]*repository.ApprovalAction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListActionsByApprover(ctx, actorID, limit)
}

// PendingApprovals returns open requests the actor can act on now, most
// urgent first, then oldest first.
func (s *ApprovalRoutingService) PendingApprovals(ctx context.Context, actorID string) ([]*repository.ApprovalRequest, error) {
	actor, err := s.lookupActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListRequests(ctx, repository.RequestFilter{Statuses: repository.OpenStatuses})
	if err != nil {
		return nil, err
	}
	delegated, err := s.store.ListDelegations(ctx, repository.DelegationFilter{
		DelegateID: actorID,
		Statuses:   []repository.DelegationStatus{repository.DelegationActive},
	})
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*repository.WorkflowDefinition)
	var out []*repository.ApprovalRequest
	for _, r := range open {
		def, ok := defs[r.WorkflowID]
		if !ok {
			def, err = s.store.GetDefinition(ctx, r.WorkflowID)
			if err != nil {
				s.log.Warn().Err(err).Str("request_id", r.ID).Msg("Skipping request with unreadable workflow")
				continue
			}
			defs[r.WorkflowID] = def
		}
		level, ok := def.LevelAt(r.CurrentLevel)
		if !ok || (level.RequiredRole != actor.Role && len(delegated) == 0) {
			continue
		}
		if _, err := s.authorize(ctx, actor, r, def); err == nil {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalRoutingService) lookupActor(ctx context.Context, actorID string) (*User, error) {
	if actorID == "" {
		return nil, errors.Unauthorized("actor identity is required")
	}
	u, err := s.dir.GetUser(ctx, actorID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil, errors.Unauthorized(fmt.Sprintf("unknown actor %s", actorID))
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// publish hands the event to the bus; publishing never fails the caller.
func (s *ApprovalRoutingService) publish(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, e)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
