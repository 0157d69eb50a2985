package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// DelegationService manages delegations and answers "who acts for whom".
// Lookups always hit the store so a revoked delegation stops working at once.
type DelegationService struct {
	store      repository.DelegationStore
	adminRoles []string
	log        *logger.Logger
	now        func() time.Time
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(store repository.DelegationStore, adminRoles []string, log *logger.Logger) *DelegationService {
	return &DelegationService{
		store:      store,
		adminRoles: adminRoles,
		log:        log,
		now:        time.Now,
	}
}

// CreateDelegationInput carries a new delegation.
type CreateDelegationInput struct {
	DelegatorID   string                            `json:"delegator_id" validate:"required"`
	DelegateID    string                            `json:"delegate_id" validate:"required"`
	InstitutionID string                            `json:"institution_id" validate:"required"`
	Scope         string                            `json:"scope"`
	ValidFrom     time.Time                         `json:"valid_from" validate:"required"`
	ValidUntil    time.Time                         `json:"valid_until" validate:"required"`
	Reason        *string                           `json:"reason,omitempty"`
	Limitations   *repository.DelegationLimitations `json:"limitations,omitempty"`
}

// ── Management ────────────────────────────────────────────────────────────────

// Create stores an active delegation. A window that overlaps another active
// delegation of the same delegator for an intersecting scope is rejected,
// otherwise resolution would be ambiguous.
func (s *DelegationService) Create(ctx context.Context, in CreateDelegationInput) (*repository.Delegation, error) {
	if in.DelegatorID == in.DelegateID {
		return nil, errors.InvalidInput("delegate_id", "a user cannot delegate to themselves")
	}
	if in.ValidUntil.Before(in.ValidFrom) {
		return nil, errors.InvalidInput("valid_until", "valid_until must not be before valid_from")
	}
	if in.Scope == "" {
		in.Scope = repository.DelegationScopeAll
	}

	d := &repository.Delegation{
		DelegatorID:   in.DelegatorID,
		DelegateID:    in.DelegateID,
		InstitutionID: in.InstitutionID,
		Scope:         in.Scope,
		ValidFrom:     in.ValidFrom,
		ValidUntil:    in.ValidUntil,
		Status:        repository.DelegationActive,
		Reason:        in.Reason,
		Limitations:   in.Limitations,
	}
	if err := s.checkOverlap(ctx, d); err != nil {
		return nil, err
	}
	if err := s.store.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("delegator_id", d.DelegatorID).
		Str("delegate_id", d.DelegateID).
		Str("scope", d.Scope).
		Time("valid_until", d.ValidUntil).
		Msg("Delegation created")
	return d, nil
}

func (s *DelegationService) checkOverlap(ctx context.Context, d *repository.Delegation) error {
	existing, err := s.store.ListDelegations(ctx, repository.DelegationFilter{
		DelegatorID:   d.DelegatorID,
		InstitutionID: d.InstitutionID,
		Statuses:      []repository.DelegationStatus{repository.DelegationActive},
	})
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID == d.ID || !scopesIntersect(e.Scope, d.Scope) || !e.Overlaps(d) {
			continue
		}
		return errors.Newf(errors.ErrCodeAmbiguousDelegation,
			"delegation %s already covers scope %q between %s and %s",
			e.ID, e.Scope, e.ValidFrom.Format(time.RFC3339), e.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

func scopesIntersect(a, b string) bool {
	return a == b || a == repository.DelegationScopeAll || b == repository.DelegationScopeAll
}

// Get returns a delegation by ID.
func (s *DelegationService) Get(ctx context.Context, id string) (*repository.Delegation, error) {
	return s.store.GetDelegation(ctx, id)
}

// List returns delegations matching filter.
func (s *DelegationService) List(ctx context.Context, filter repository.DelegationFilter) ([]*repository.Delegation, error) {
	return s.store.ListDelegations(ctx, filter)
}

// Revoke ends a delegation permanently.
func (s *DelegationService) Revoke(ctx context.Context, id string, actor *User) error {
	return s.changeStatus(ctx, id, actor, repository.DelegationRevoked)
}

// Suspend pauses a delegation; Reactivate resumes it.
func (s *DelegationService) Suspend(ctx context.Context, id string, actor *User) error {
	return s.changeStatus(ctx, id, actor, repository.DelegationSuspended)
}

// Reactivate resumes a suspended delegation if its window is still open and
// it does not collide with a delegation created in the meantime.
func (s *DelegationService) Reactivate(ctx context.Context, id string, actor *User) error {
	return s.changeStatus(ctx, id, actor, repository.DelegationActive)
}

func (s *DelegationService) changeStatus(ctx context.Context, id string, actor *User, to repository.DelegationStatus) error {
	d, err := s.store.GetDelegation(ctx, id)
	if err != nil {
		return err
	}
	if actor.ID != d.DelegatorID && !slices.Contains(s.adminRoles, actor.Role) {
		return errors.Unauthorized("only the delegator or an administrator can change a delegation")
	}

	switch to {
	case repository.DelegationRevoked:
		if d.Status == repository.DelegationRevoked || d.Status == repository.DelegationExpired {
			return errors.InvalidState(fmt.Sprintf("delegation is already %s", d.Status))
		}
	case repository.DelegationSuspended:
		if d.Status != repository.DelegationActive {
			return errors.InvalidState(fmt.Sprintf("only active delegations can be suspended (status: %s)", d.Status))
		}
	case repository.DelegationActive:
		if d.Status != repository.DelegationSuspended {
			return errors.InvalidState(fmt.Sprintf("only suspended delegations can be reactivated (status: %s)", d.Status))
		}
		if d.ValidUntil.Before(s.now()) {
			return errors.InvalidState("delegation window has already ended")
		}
		if err := s.checkOverlap(ctx, d); err != nil {
			return err
		}
	}

	if err := s.store.UpdateDelegationStatus(ctx, id, to); err != nil {
		return err
	}
	s.log.Info().
		Str("delegation_id", id).
		Str("actor_id", actor.ID).
		Str("status", string(to)).
		Msg("Delegation status changed")
	return nil
}

// ExpireLapsed flips active delegations whose window has ended.
func (s *DelegationService) ExpireLapsed(ctx context.Context) (int, error) {
	return s.store.ExpireDelegations(ctx, s.now())
}

// ── Resolution ────────────────────────────────────────────────────────────────

// Resolve returns who currently holds userID's authority for scope at the
// institution. Without an active covering delegation that is userID itself.
// Two or more covering delegations yield AMBIGUOUS_DELEGATION.
func (s *DelegationService) Resolve(ctx context.Context, userID, institutionID, scope string, at time.Time) (string, *repository.Delegation, error) {
	list, err := s.store.ListDelegations(ctx, repository.DelegationFilter{
		DelegatorID:   userID,
		InstitutionID: institutionID,
		Statuses:      []repository.DelegationStatus{repository.DelegationActive},
	})
	if err != nil {
		return "", nil, err
	}

	var hits []*repository.Delegation
	for _, d := range list {
		if d.Covers(at) && d.MatchesScope(scope) {
			hits = append(hits, d)
		}
	}
	switch len(hits) {
	case 0:
		return userID, nil, nil
	case 1:
		return hits[0].DelegateID, hits[0], nil
	default:
		return "", nil, errors.Newf(errors.ErrCodeAmbiguousDelegation,
			"%d active delegations cover user %s for %s", len(hits), userID, scope)
	}
}

// ActingFor returns the active delegations under which delegateID may act
// at the institution for scope at the given instant.
func (s *DelegationService) ActingFor(ctx context.Context, delegateID, institutionID, scope string, at time.Time) ([]*repository.Delegation, error) {
	list, err := s.store.ListDelegations(ctx, repository.DelegationFilter{
		DelegateID:    delegateID,
		InstitutionID: institutionID,
		Statuses:      []repository.DelegationStatus{repository.DelegationActive},
	})
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, d := range list {
		if d.Covers(at) && d.MatchesScope(scope) {
			out = append(out, d)
		}
	}
	return out, nil
}
