package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*service.User
	insts map[string]*service.Institution
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (*service.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDirectory) GetInstitution(_ context.Context, id string) (*service.Institution, error) {
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
	return out, nil
}

// nopChannel accepts every message.
type nopChannel struct{}

func (nopChannel) Send(context.Context, service.Message) error { return nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

const (
	school     = "sch-1"
	teacherID  = "u-teacher"
	deputyID   = "u-deputy"
	directorID = "u-director"
	actingID   = "u-acting"
	adminID    = "u-admin"
)

type fixture struct {
	store *memory.Store
	dir   *fakeDirectory
	rec   *events.Recorder
	svc   Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	dir := &fakeDirectory{
		users: map[string]*service.User{
			teacherID:  {ID: teacherID, Role: "teacher", InstitutionID: school},
			deputyID:   {ID: deputyID, Role: "deputy_director", InstitutionID: school},
			directorID: {ID: directorID, Role: "director", InstitutionID: school},
			actingID:   {ID: actingID, Role: "teacher", InstitutionID: school},
			adminID:    {ID: adminID, Role: "administrator", InstitutionID: "reg-1"},
		},
		insts: map[string]*service.Institution{
			"reg-1": {ID: "reg-1", Level: "region"},
			"sec-1": {ID: "sec-1", Level: "sector", ParentID: "reg-1"},
			school:  {ID: school, Level: "school", ParentID: "sec-1"},
		},
	}
	rec := &events.Recorder{}
	log := logger.Nop()
	admins := []string{"administrator"}
	tel := telemetry.New()

	delegations := service.NewDelegationService(store, admins, log)
	visibility := service.NewVisibilityService(store, dir, map[string][]string{"director": {"deputy_director"}}, admins, log)
	engine := service.NewApprovalRoutingService(store, dir, delegations, visibility, rec, tel, admins, log)

	return &fixture{
		store: store,
		dir:   dir,
		rec:   rec,
		svc: Services{
			Engine:        engine,
			Workflows:     service.NewWorkflowService(store, log),
			Visibility:    visibility,
			Delegations:   delegations,
			Notifications: service.NewNotificationDispatcher(store, dir, delegations, nopChannel{}, service.DispatcherConfig{}, tel, log),
			Analytics:     service.NewAnalyticsAggregator(store, service.AggregatorConfig{}, log),
			Directory:     dir,
			AdminRoles:    admins,
		},
	}
}

// workflowJSON is a deputy → director chain for grade sheets.
const workflowJSON = `{
	"name": "Grade sheet approval",
	"data_type": "grades",
	"approval_chain": [
		{"level": 1, "required_role": "deputy_director", "required": true},
		{"level": 2, "required_role": "director", "required": true}
	]
}`
