package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-edu-approvals/internal/retry"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

// fakeDirectory is an in-memory Directory.
type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*User
	insts map[string]*Institution
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]*User{}, insts: map[string]*Institution{}}
}

func (f *fakeDirectory) addInstitution(id, parentID, level string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insts[id] = &Institution{ID: id, ParentID: parentID, Level: level}
}

func (f *fakeDirectory) addUser(id, role, institutionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = &User{ID: id, Role: role, InstitutionID: institutionID}
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDirectory) GetInstitution(_ context.Context, id string) (*Institution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.insts[id]
	if !ok {
		return nil, errors.NotFound("institution", id)
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeDirectory) ListUsersWithRole(_ context.Context, institutionID, role string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.users {
		if u.InstitutionID == institutionID && u.Role == role {
			out = append(out, u.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

const (
	school = "sch-1"
	sector = "sec-1"
	region = "reg-1"

	teacherID  = "u-teacher"
	teacher2ID = "u-teacher-2"
	deputyID   = "u-deputy"
	deputy2ID  = "u-deputy-2"
	directorID = "u-director"
	actingID   = "u-acting"
	sectorID   = "u-sector"
	regionID   = "u-region"
	adminID    = "u-admin"
	outsiderID = "u-outsider"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store       *memory.Store
	dir         *fakeDirectory
	rec         *events.Recorder
	delegations *DelegationService
	visibility  *VisibilityService
	engine      *ApprovalRoutingService
	clock       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := memory.New()
	return newHarnessWithStore(t, ms, ms)
}

// newHarnessWithStore wires the services to store, which must be backed by ms.
func newHarnessWithStore(t *testing.T, ms *memory.Store, store repository.Store) *harness {
	t.Helper()

	h := &harness{store: ms, dir: newFakeDirectory(), rec: &events.Recorder{}, clock: t0}

	h.dir.addInstitution(region, "", "region")
	h.dir.addInstitution(sector, region, "sector")
	h.dir.addInstitution(school, sector, "school")
	h.dir.addInstitution("sch-2", sector, "school")

	h.dir.addUser(teacherID, "teacher", school)
	h.dir.addUser(teacher2ID, "teacher", school)
	h.dir.addUser(deputyID, "deputy_director", school)
	h.dir.addUser(deputy2ID, "deputy_director", school)
	h.dir.addUser(directorID, "director", school)
	h.dir.addUser(actingID, "teacher", school)
	h.dir.addUser(sectorID, "sector_head", sector)
	h.dir.addUser(regionID, "region_head", region)
	h.dir.addUser(adminID, "administrator", region)
	h.dir.addUser(outsiderID, "director", "sch-2")

	log := logger.Nop()
	admins := []string{"administrator"}
	hierarchy := map[string][]string{
		"director":    {"deputy_director"},
		"sector_head": {"director"},
	}

	h.delegations = NewDelegationService(store, admins, log)
	h.delegations.now = h.now
	h.visibility = NewVisibilityService(store, h.dir, hierarchy, admins, log)
	h.engine = NewApprovalRoutingService(store, h.dir, h.delegations, h.visibility, h.rec, telemetry.New(), admins, log)
	h.engine.now = h.now
	h.engine.retry = &retry.Policy{MaxAttempts: 3, Multiplier: 1}
	return h
}

func (h *harness) now() time.Time { return h.clock }

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// twoLevel creates the deputy → director chain.
func (h *harness) twoLevel(t *testing.T, policy repository.WorkflowPolicy, firstRequired bool) *repository.WorkflowDefinition {
	t.Helper()
	def := &repository.WorkflowDefinition{
		Name:     "Grade sheet approval",
		DataType: "grades",
		Status:   repository.DefinitionActive,
		Chain: []repository.ChainLevel{
			{Level: 1, RequiredRole: "deputy_director", Required: firstRequired},
			{Level: 2, RequiredRole: "director", Required: true},
		},
		Policy: policy,
	}
	require.NoError(t, h.store.CreateDefinition(context.Background(), def))
	return def
}

func (h *harness) submit(t *testing.T, def *repository.WorkflowDefinition, subjectID int64) *repository.ApprovalRequest {
	t.Helper()
	req, err := h.engine.Submit(context.Background(), SubmitInput{
		SubjectType:   "grade_sheet",
		SubjectID:     subjectID,
		WorkflowID:    def.ID,
		InstitutionID: school,
		SubmitterID:   teacherID,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) act(id, actor string, action repository.ActionType) (*repository.ApprovalRequest, error) {
	return h.engine.Act(context.Background(), ActInput{RequestID: id, ActorID: actor, Action: action})
}

func ptr[T any](v T) *T { return &v }
