// Package memory is an in-process repository.Store used by tests and by
// the service when no database is configured.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

// Store keeps every aggregate in maps guarded by one mutex, which makes
// each method atomic in the same way a single SQL transaction is.
type Store struct {
	mu sync.RWMutex

	definitions   map[string]*repository.WorkflowDefinition
	requests      map[string]*repository.ApprovalRequest
	actions       map[string][]*repository.ApprovalAction
	rules         map[string]*repository.VisibilityRule
	delegations   map[string]*repository.Delegation
	notifications map[string]*repository.Notification
	dedupe        map[string]string
	snapshots     map[string]*repository.AnalyticsSnapshot

	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		definitions:   make(map[string]*repository.WorkflowDefinition),
		requests:      make(map[string]*repository.ApprovalRequest),
		actions:       make(map[string][]*repository.ApprovalAction),
		rules:         make(map[string]*repository.VisibilityRule),
		delegations:   make(map[string]*repository.Delegation),
		notifications: make(map[string]*repository.Notification),
		dedupe:        make(map[string]string),
		snapshots:     make(map[string]*repository.AnalyticsSnapshot),
		now:           time.Now,
	}
}

// ── Definitions ───────────────────────────────────────────────────────────────

func (s *Store) CreateDefinition(_ context.Context, def *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	def.ID = uuid.NewString()
	def.CreatedAt, def.UpdatedAt = now, now
	cp := *def
	cp.Chain = slices.Clone(def.Chain)
	s.definitions[def.ID] = &cp
	return nil
}

func (s *Store) GetDefinition(_ context.Context, id string) (*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, errors.NotFound("workflow_definition", id)
	}
	cp := *def
	cp.Chain = slices.Clone(def.Chain)
	return &cp, nil
}

func (s *Store) ListDefinitions(_ context.Context, dataType string, status repository.DefinitionStatus) ([]*repository.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.WorkflowDefinition
	for _, def := range s.definitions {
		if dataType != "" && def.DataType != dataType {
			continue
		}
		if status != "" && def.Status != status {
			continue
		}
		cp := *def
		cp.Chain = slices.Clone(def.Chain)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateDefinition(_ context.Context, def *repository.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.definitions[def.ID]
	if !ok {
		return errors.NotFound("workflow_definition", def.ID)
	}
	for _, r := range s.requests {
		if r.WorkflowID == def.ID {
			return errors.New(errors.ErrCodeConflict,
				"workflow definition is referenced by requests; only its status can change")
		}
	}
	cur.Name = def.Name
	cur.Description = def.Description
	cur.Chain = slices.Clone(def.Chain)
	cur.Policy = def.Policy
	cur.UpdatedAt = s.now()
	def.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *Store) SetDefinitionStatus(_ context.Context, id string, status repository.DefinitionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return errors.NotFound("workflow_definition", id)
	}
	def.Status = status
	def.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[id]; !ok {
		return errors.NotFound("workflow_definition", id)
	}
	for _, r := range s.requests {
		if r.WorkflowID != id {
			continue
		}
		if !r.Status.IsTerminal() {
			return errors.New(errors.ErrCodeConflict, "workflow definition has open requests")
		}
		return errors.New(errors.ErrCodeConflict, "workflow definition is still referenced; archive it instead")
	}
	delete(s.definitions, id)
	return nil
}

// ── Requests ──────────────────────────────────────────────────────────────────

func (s *Store) CreateRequest(_ context.Context, req *repository.ApprovalRequest, action *repository.ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.SubjectType == req.SubjectType && r.SubjectID == req.SubjectID && !r.Status.IsTerminal() {
			return errors.Newf(errors.ErrCodeDuplicateRequest,
				"an open approval request already exists for %s %d", req.SubjectType, req.SubjectID)
		}
	}

	now := s.now()
	req.ID = uuid.NewString()
	req.Version = 1
	req.LevelEnteredAt = req.SubmittedAt
	req.CreatedAt, req.UpdatedAt = now, now
	s.requests[req.ID] = req.Clone()

	if action != nil {
		action.RequestID = req.ID
		s.appendAction(action)
	}
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return r.Clone(), nil
}

func (s *Store) ListRequests(_ context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.ApprovalRequest
	for _, r := range s.requests {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) ApplyTransition(_ context.Context, req *repository.ApprovalRequest, expectedVersion int, action *repository.ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if cur.Version != expectedVersion {
		return errors.ConcurrentModification("approval_request", req.ID)
	}

	cur.Status = req.Status
	cur.CurrentLevel = req.CurrentLevel
	cur.LevelEnteredAt = req.LevelEnteredAt
	cur.CompletedAt = req.CompletedAt
	if action.Action.EntersLevel() {
		cur.EscalationCount = 0
		cur.LastEscalatedAt = nil
	}
	cur.Version++
	cur.UpdatedAt = s.now()
	req.Version = cur.Version
	req.UpdatedAt = cur.UpdatedAt
	req.EscalationCount = cur.EscalationCount
	req.LastEscalatedAt = cur.LastEscalatedAt

	action.RequestID = req.ID
	s.appendAction(action)
	return nil
}

func (s *Store) RecordEscalation(_ context.Context, id string, count int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	r.EscalationCount = count
	r.LastEscalatedAt = &at
	return nil
}

func (s *Store) MarkDeadlineWarned(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	r.DeadlineWarnedAt = &at
	return nil
}

func (s *Store) ListSnapshotKeys(_ context.Context, before time.Time) ([]repository.SnapshotKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var keys []repository.SnapshotKey
	for _, r := range s.requests {
		if !r.SubmittedAt.Before(before) {
			continue
		}
		k := r.InstitutionID + "|" + r.DataType
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, repository.SnapshotKey{InstitutionID: r.InstitutionID, DataType: r.DataType})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].InstitutionID != keys[j].InstitutionID {
			return keys[i].InstitutionID < keys[j].InstitutionID
		}
		return keys[i].DataType < keys[j].DataType
	})
	return keys, nil
}

// ── Actions ───────────────────────────────────────────────────────────────────

// appendAction must be called with mu held.
func (s *Store) appendAction(a *repository.ApprovalAction) {
	a.ID = uuid.NewString()
	cp := *a
	s.actions[a.RequestID] = append(s.actions[a.RequestID], &cp)
}

func (s *Store) ListActions(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneActions(s.actions[requestID]), nil
}

func (s *Store) ListActionsByApprover(_ context.Context, approverID string, limit int) ([]*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.ApprovalAction
	for _, list := range s.actions {
		for _, a := range list {
			if a.ApproverID == approverID {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListActionsForRequests(_ context.Context, requestIDs []string) (map[string][]*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*repository.ApprovalAction, len(requestIDs))
	for _, id := range requestIDs {
		if list := s.actions[id]; len(list) > 0 {
			out[id] = cloneActions(list)
		}
	}
	return out, nil
}

func cloneActions(list []*repository.ApprovalAction) []*repository.ApprovalAction {
	out := make([]*repository.ApprovalAction, len(list))
	for i, a := range list {
		cp := *a
		out[i] = &cp
	}
	return out
}

// ── Visibility rules ──────────────────────────────────────────────────────────

func ruleKey(dataType, institutionID string) string { return dataType + "@" + institutionID }

func (s *Store) UpsertVisibilityRule(_ context.Context, rule *repository.VisibilityRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rule.ID = uuid.NewString()
	rule.IsActive = true
	rule.CreatedAt, rule.UpdatedAt = now, now
	cp := *rule
	s.rules[ruleKey(rule.DataType, rule.InstitutionID)] = &cp
	return nil
}

func (s *Store) GetVisibilityRule(_ context.Context, dataType, institutionID string) (*repository.VisibilityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[ruleKey(dataType, institutionID)]
	if !ok {
		return nil, errors.NotFound("visibility_rule", ruleKey(dataType, institutionID))
	}
	cp := *rule
	return &cp, nil
}

func (s *Store) ListVisibilityRules(_ context.Context, dataType string) ([]*repository.VisibilityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.VisibilityRule
	for _, rule := range s.rules {
		if dataType == "" || rule.DataType == dataType {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ruleKey(out[i].DataType, out[i].InstitutionID) < ruleKey(out[j].DataType, out[j].InstitutionID)
	})
	return out, nil
}

// ── Delegations ───────────────────────────────────────────────────────────────

func (s *Store) CreateDelegation(_ context.Context, d *repository.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	d.ID = uuid.NewString()
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	s.delegations[d.ID] = &cp
	return nil
}

func (s *Store) GetDelegation(_ context.Context, id string) (*repository.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.delegations[id]
	if !ok {
		return nil, errors.NotFound("delegation", id)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDelegations(_ context.Context, filter repository.DelegationFilter) ([]*repository.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Delegation
	for _, d := range s.delegations {
		if filter.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ValidFrom.After(out[j].ValidFrom)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateDelegationStatus(_ context.Context, id string, status repository.DelegationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[id]
	if !ok {
		return errors.NotFound("delegation", id)
	}
	d.Status = status
	d.UpdatedAt = s.now()
	return nil
}

func (s *Store) ExpireDelegations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.delegations {
		if d.Status == repository.DelegationActive && d.ValidUntil.Before(now) {
			d.Status = repository.DelegationExpired
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ── Notifications ─────────────────────────────────────────────────────────────

func (s *Store) CreateNotification(_ context.Context, n *repository.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.dedupe[n.DedupeKey]; ok {
		*n = *s.notifications[id]
		return false, nil
	}
	n.ID = uuid.NewString()
	n.CreatedAt = s.now()
	cp := *n
	s.notifications[n.ID] = &cp
	s.dedupe[n.DedupeKey] = n.ID
	return true, nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*repository.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, errors.NotFound("notification", id)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNotifications(_ context.Context, filter repository.NotificationFilter) ([]*repository.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Notification
	for _, n := range s.notifications {
		if filter.Matches(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) MarkNotificationSent(_ context.Context, id string, at time.Time) error {
	return s.mutateNotification(id, func(n *repository.Notification) {
		n.Attempts++
		if n.Status == repository.NotificationPending || n.Status == repository.NotificationFailed {
			n.Status = repository.NotificationSent
		}
		if n.SentAt == nil {
			n.SentAt = &at
		}
	})
}

func (s *Store) RecordDeliveryFailure(_ context.Context, id, reason string, permanent bool) error {
	return s.mutateNotification(id, func(n *repository.Notification) {
		n.Attempts++
		n.LastError = &reason
		if permanent && n.Status == repository.NotificationPending {
			n.Status = repository.NotificationFailed
		}
	})
}

func (s *Store) MarkNotificationRead(_ context.Context, id string, at time.Time) error {
	return s.mutateNotification(id, func(n *repository.Notification) {
		n.Status = repository.NotificationRead
		if n.ReadAt == nil {
			n.ReadAt = &at
		}
	})
}

func (s *Store) MarkNotificationDismissed(_ context.Context, id string, at time.Time) error {
	return s.mutateNotification(id, func(n *repository.Notification) {
		n.Status = repository.NotificationDismissed
		if n.DismissedAt == nil {
			n.DismissedAt = &at
		}
	})
}

func (s *Store) mutateNotification(id string, fn func(*repository.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return errors.NotFound("notification", id)
	}
	fn(n)
	return nil
}

// ── Analytics ─────────────────────────────────────────────────────────────────

func (s *Store) UpsertSnapshot(_ context.Context, snap *repository.AnalyticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.Bottlenecks = slices.Clone(snap.Bottlenecks)
	cp.LevelLatency = make(map[string]float64, len(snap.LevelLatency))
	for k, v := range snap.LevelLatency {
		cp.LevelLatency[k] = v
	}
	s.snapshots[snap.Key().String()] = &cp
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, key repository.SnapshotKey) (*repository.AnalyticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[key.String()]
	if !ok {
		return nil, errors.NotFound("analytics_snapshot", key.String())
	}
	cp := *snap
	return &cp, nil
}

func (s *Store) ListSnapshots(_ context.Context, filter repository.SnapshotFilter) ([]*repository.AnalyticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.AnalyticsSnapshot
	for _, snap := range s.snapshots {
		if filter.Matches(snap) {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Day.Format("2006-01-02")+out[i].Key().String() <
			out[j].Day.Format("2006-01-02")+out[j].Key().String()
	})
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
