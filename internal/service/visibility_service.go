package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// Access is what an actor wants to do with a request.
type Access string

const (
	AccessView    Access = "view"
	AccessEdit    Access = "edit"
	AccessApprove Access = "approve"
	AccessExport  Access = "export"
)

// accessModel is RBAC with role inheritance; objects are data types.
const accessModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// VisibilityService decides who may view, edit, approve or export a request.
type VisibilityService struct {
	rules         repository.VisibilityRuleStore
	dir           Directory
	roleHierarchy map[string][]string
	adminRoles    []string
	log           *logger.Logger
}

// NewVisibilityService creates a new VisibilityService. roleHierarchy maps a
// role to the roles whose permissions it inherits.
func NewVisibilityService(
	rules repository.VisibilityRuleStore,
	dir Directory,
	roleHierarchy map[string][]string,
	adminRoles []string,
	log *logger.Logger,
) *VisibilityService {
	return &VisibilityService{
		rules:         rules,
		dir:           dir,
		roleHierarchy: roleHierarchy,
		adminRoles:    adminRoles,
		log:           log,
	}
}

// defaultRule applies when no rule is configured for a data type and
// institution: director-level approval, visible only inside the institution.
func defaultRule(dataType, institutionID string) *repository.VisibilityRule {
	return &repository.VisibilityRule{
		DataType:            dataType,
		InstitutionID:       institutionID,
		ApprovalRequirement: repository.RequirementDirectorOnly,
		IsActive:            true,
	}
}

// RuleFor returns the active rule or the default.
func (s *VisibilityService) RuleFor(ctx context.Context, dataType, institutionID string) (*repository.VisibilityRule, bool, error) {
	rule, err := s.rules.GetVisibilityRule(ctx, dataType, institutionID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return defaultRule(dataType, institutionID), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rule, true, nil
}

// Can is the boolean form of Check. Lookup failures deny.
func (s *VisibilityService) Can(ctx context.Context, actor *User, access Access, req *repository.ApprovalRequest, def *repository.WorkflowDefinition) bool {
	return s.Check(ctx, actor, access, req, def) == nil
}

// Check returns nil when actor may perform access on req, UNAUTHORIZED
// otherwise. def is only consulted for approve.
func (s *VisibilityService) Check(ctx context.Context, actor *User, access Access, req *repository.ApprovalRequest, def *repository.WorkflowDefinition) error {
	rule, configured, err := s.RuleFor(ctx, req.DataType, req.InstitutionID)
	if err != nil {
		return err
	}

	if access == AccessApprove {
		return s.checkApprove(ctx, actor, req, def, rule)
	}

	if s.isAdmin(actor) {
		return nil
	}

	visible, err := s.inScope(ctx, actor, req, rule, configured)
	if err != nil {
		return err
	}
	if !visible {
		return errors.Unauthorized(fmt.Sprintf("%s %s cannot see %s request %s", actor.Role, actor.ID, req.DataType, req.ID))
	}
	if access == AccessView {
		return nil
	}

	roles, ok := rule.AccessLevels[string(access)]
	if !ok {
		return nil
	}
	allowed, err := s.enforce(actor.Role, req.DataType, access, roles)
	if err != nil {
		return err
	}
	if !allowed {
		return errors.Unauthorized(fmt.Sprintf("role %s may not %s %s data", actor.Role, access, req.DataType))
	}
	return nil
}

func (s *VisibilityService) checkApprove(
	ctx context.Context,
	actor *User,
	req *repository.ApprovalRequest,
	def *repository.WorkflowDefinition,
	rule *repository.VisibilityRule,
) error {
	if req.Status.IsTerminal() {
		return errors.InvalidState(fmt.Sprintf("request is %s", req.Status))
	}
	if def == nil {
		return errors.New(errors.ErrCodeInternal, "approve check requires the workflow definition")
	}
	level, ok := def.LevelAt(req.CurrentLevel)
	if !ok {
		return errors.InvalidState(fmt.Sprintf("request is at level %d beyond its chain", req.CurrentLevel))
	}
	if actor.Role != level.RequiredRole {
		return errors.Unauthorized(fmt.Sprintf("level %d requires role %s", level.Level, level.RequiredRole))
	}
	if roles, ok := rule.AccessLevels[string(AccessApprove)]; ok {
		allowed, err := s.enforce(actor.Role, req.DataType, AccessApprove, roles)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.Unauthorized(fmt.Sprintf("role %s may not approve %s data", actor.Role, req.DataType))
		}
	}

	chain, err := lineage(ctx, s.dir, req.InstitutionID)
	if err != nil {
		return err
	}
	if !slices.Contains(chain, actor.InstitutionID) {
		return errors.Unauthorized(fmt.Sprintf("institution %s has no authority over %s", actor.InstitutionID, req.InstitutionID))
	}
	return nil
}

// inScope evaluates the role's visibility scopes against req.
func (s *VisibilityService) inScope(ctx context.Context, actor *User, req *repository.ApprovalRequest, rule *repository.VisibilityRule, configured bool) (bool, error) {
	if !configured {
		return actor.InstitutionID == req.InstitutionID, nil
	}

	scopes := rule.VisibilityRules[actor.Role]
	if len(scopes) == 0 {
		return actor.ID == req.SubmitterID, nil
	}

	var chain []string
	ancestors := func() ([]string, error) {
		if chain != nil {
			return chain, nil
		}
		var err error
		chain, err = lineage(ctx, s.dir, req.InstitutionID)
		return chain, err
	}

	approved := req.Status == repository.StatusApproved
	for _, scope := range scopes {
		switch scope {
		case repository.ScopeAll:
			return true, nil
		case repository.ScopeOwnData:
			if actor.ID == req.SubmitterID {
				return true, nil
			}
		case repository.ScopeSchoolAll, repository.ScopeInstitutionAll:
			if actor.InstitutionID == req.InstitutionID {
				return true, nil
			}
		case repository.ScopeSectorAll, repository.ScopeSectorApproved:
			if scope == repository.ScopeSectorApproved && !approved {
				continue
			}
			c, err := ancestors()
			if err != nil {
				return false, err
			}
			// the request's own institution or its direct parent
			if slices.Contains(c[:min(2, len(c))], actor.InstitutionID) {
				return true, nil
			}
		case repository.ScopeRegionAll, repository.ScopeRegionApproved:
			if scope == repository.ScopeRegionApproved && !approved {
				continue
			}
			c, err := ancestors()
			if err != nil {
				return false, err
			}
			if slices.Contains(c, actor.InstitutionID) {
				return true, nil
			}
		default:
			s.log.Warn().Str("scope", scope).Str("data_type", req.DataType).Msg("Unknown visibility scope ignored")
		}
	}
	return false, nil
}

// enforce asks casbin whether role (or a role it inherits) is among allowed.
func (s *VisibilityService) enforce(role, dataType string, access Access, allowed []string) (bool, error) {
	m, err := model.NewModelFromString(accessModel)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to load access model")
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to build access enforcer")
	}
	for _, r := range allowed {
		if _, err := e.AddPolicy(r, dataType, string(access)); err != nil {
			return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to add access policy")
		}
	}
	for parent, children := range s.roleHierarchy {
		for _, child := range children {
			if _, err := e.AddGroupingPolicy(parent, child); err != nil {
				return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to add role inheritance")
			}
		}
	}
	ok, err := e.Enforce(role, dataType, string(access))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "access enforcement failed")
	}
	return ok, nil
}

func (s *VisibilityService) isAdmin(u *User) bool {
	return slices.Contains(s.adminRoles, u.Role)
}

// ── Rule administration ───────────────────────────────────────────────────────

// UpsertRule validates and stores the active rule for a data type and
// institution, replacing any previous one.
func (s *VisibilityService) UpsertRule(ctx context.Context, rule *repository.VisibilityRule) error {
	if rule.DataType == "" {
		return errors.InvalidInput("data_type", "data_type is required")
	}
	if rule.InstitutionID == "" {
		return errors.InvalidInput("institution_id", "institution_id is required")
	}
	if rule.ApprovalRequirement == "" {
		rule.ApprovalRequirement = repository.RequirementDirectorOnly
	}
	if !rule.ApprovalRequirement.Valid() {
		return errors.InvalidInput("approval_requirement",
			fmt.Sprintf("unknown approval requirement %q", rule.ApprovalRequirement))
	}
	for action := range rule.AccessLevels {
		switch Access(action) {
		case AccessView, AccessEdit, AccessApprove, AccessExport:
		default:
			return errors.InvalidInput("access_levels", fmt.Sprintf("unknown action %q", action))
		}
	}
	rule.IsActive = true
	if err := s.rules.UpsertVisibilityRule(ctx, rule); err != nil {
		return err
	}
	s.log.Info().
		Str("data_type", rule.DataType).
		Str("institution_id", rule.InstitutionID).
		Str("approval_requirement", string(rule.ApprovalRequirement)).
		Msg("Visibility rule updated")
	return nil
}

// GetRule returns the configured rule (NOT_FOUND when none).
func (s *VisibilityService) GetRule(ctx context.Context, dataType, institutionID string) (*repository.VisibilityRule, error) {
	return s.rules.GetVisibilityRule(ctx, dataType, institutionID)
}

// ListRules returns active rules, optionally for one data type.
func (s *VisibilityService) ListRules(ctx context.Context, dataType string) ([]*repository.VisibilityRule, error) {
	return s.rules.ListVisibilityRules(ctx, dataType)
}
