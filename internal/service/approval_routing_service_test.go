package service

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/repository/memory"
)

func TestTwoLevelChainApproves(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 101)
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)

	h.advance(time.Hour)
	got, err := h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInProgress, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)

	h.advance(time.Hour)
	got, err = h.act(req.ID, directorID, repository.ActionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, h.clock, *got.CompletedAt)

	assert.Equal(t, []events.Type{events.Submitted, events.LevelAdvanced, events.Approved}, h.rec.Types())

	history, err := h.engine.History(context.Background(), teacherID, req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, deputyID, history[0].ApproverID)
	assert.Equal(t, 1, history[0].Level)
	assert.Equal(t, directorID, history[1].ApproverID)
	assert.Equal(t, 2, history[1].Level)
}

func TestDirectorRejectsAtLevelTwo(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 102)

	_, err := h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)
	got, err := h.act(req.ID, directorID, repository.ActionRejected)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, got.Status)
	assert.Equal(t, 2, got.CurrentLevel)

	_, err = h.act(req.ID, directorID, repository.ActionApproved)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	stored, err := h.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, stored.Status)
}

func TestDelegateActsForDirector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 103)

	_, err := h.delegations.Create(ctx, CreateDelegationInput{
		DelegatorID:   directorID,
		DelegateID:    actingID,
		InstitutionID: school,
		Scope:         "grades",
		ValidFrom:     t0.Add(-time.Hour),
		ValidUntil:    t0.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	_, err = h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)

	got, err := h.act(req.ID, actingID, repository.ActionApproved)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, got.Status)

	history, err := h.store.ListActions(ctx, req.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, actingID, last.ApproverID)
	require.NotNil(t, last.OnBehalfOf)
	assert.Equal(t, directorID, *last.OnBehalfOf)

	final := h.rec.Events[len(h.rec.Events)-1]
	assert.Equal(t, directorID, final.OnBehalfOf)
}

func TestDelegateOutsideWindowIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 104)

	_, err := h.delegations.Create(context.Background(), CreateDelegationInput{
		DelegatorID:   directorID,
		DelegateID:    actingID,
		InstitutionID: school,
		ValidFrom:     t0.Add(24 * time.Hour),
		ValidUntil:    t0.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)

	_, err = h.act(req.ID, actingID, repository.ActionApproved)
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
}

func TestDelegationMaxLevelLimitsAuthority(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 105)

	_, err := h.delegations.Create(context.Background(), CreateDelegationInput{
		DelegatorID:   directorID,
		DelegateID:    actingID,
		InstitutionID: school,
		ValidFrom:     t0,
		ValidUntil:    t0.Add(48 * time.Hour),
		Limitations:   &repository.DelegationLimitations{MaxLevel: 1},
	})
	require.NoError(t, err)
	_, err = h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)

	_, err = h.act(req.ID, actingID, repository.ActionApproved)
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
}

func TestActRequiresChainRole(t *testing.T) {
	roles := map[string]string{
		"teacher":         teacherID,
		"deputy_director": deputyID,
		"director":        directorID,
		"sector_head":     sectorID,
		"region_head":     regionID,
	}
	pool := []string{"deputy_director", "director", "sector_head", "region_head", "teacher"}
	rng := rand.New(rand.NewPCG(3, 5))

	for i := 0; i < 40; i++ {
		h := newHarness(t)
		n := 1 + rng.IntN(3)
		chain := make([]repository.ChainLevel, n)
		for l := range chain {
			chain[l] = repository.ChainLevel{Level: l + 1, RequiredRole: pool[rng.IntN(len(pool))], Required: true}
		}
		def := &repository.WorkflowDefinition{Name: "p", DataType: "grades", Status: repository.DefinitionActive, Chain: chain}
		require.NoError(t, h.store.CreateDefinition(context.Background(), def))
		req := h.submit(t, def, int64(1000+i))

		actorRole := pool[rng.IntN(len(pool))]
		_, err := h.act(req.ID, roles[actorRole], repository.ActionApproved)
		if actorRole == chain[0].RequiredRole {
			assert.NoErrorf(t, err, "role %s at level requiring %s", actorRole, chain[0].RequiredRole)
		} else {
			assert.Truef(t, errors.Is(err, errors.ErrCodeUnauthorized), "role %s at level requiring %s: %v", actorRole, chain[0].RequiredRole, err)
		}
	}
}

func TestActorOutsideInstitutionIsUnauthorized(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 106)
	_, err := h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)

	// a director of a sibling school holds the role but not the authority
	_, err = h.act(req.ID, outsiderID, repository.ActionApproved)
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
}

func TestSubmitRejectsDuplicatesAndUnknownWorkflows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	h.submit(t, def, 200)

	_, err := h.engine.Submit(ctx, SubmitInput{
		SubjectType: "grade_sheet", SubjectID: 200, WorkflowID: def.ID, InstitutionID: school, SubmitterID: teacherID,
	})
	assert.True(t, errors.Is(err, errors.ErrCodeDuplicateRequest))

	_, err = h.engine.Submit(ctx, SubmitInput{
		SubjectType: "grade_sheet", SubjectID: 201, WorkflowID: "missing", InstitutionID: school, SubmitterID: teacherID,
	})
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownWorkflow))

	require.NoError(t, h.store.SetDefinitionStatus(ctx, def.ID, repository.DefinitionInactive))
	_, err = h.engine.Submit(ctx, SubmitInput{
		SubjectType: "grade_sheet", SubjectID: 202, WorkflowID: def.ID, InstitutionID: school, SubmitterID: teacherID,
	})
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownWorkflow))
}

func TestSubmitAfterTerminalIsAllowed(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 210)
	_, err := h.engine.Cancel(context.Background(), req.ID, teacherID, nil)
	require.NoError(t, err)

	again := h.submit(t, def, 210)
	assert.NotEqual(t, req.ID, again.ID)
}

func TestSubmitEnforcesApprovalRequirement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	require.NoError(t, h.visibility.UpsertRule(ctx, &repository.VisibilityRule{
		DataType:            "grades",
		InstitutionID:       school,
		ApprovalRequirement: repository.RequirementRegionRequired,
	}))

	_, err := h.engine.Submit(ctx, SubmitInput{
		SubjectType: "grade_sheet", SubjectID: 220, WorkflowID: def.ID, InstitutionID: school, SubmitterID: teacherID,
	})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestReturnSendsBackToFirstLevel(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 300)

	_, err := h.act(req.ID, deputyID, repository.ActionApproved)
	require.NoError(t, err)
	got, err := h.act(req.ID, directorID, repository.ActionReturned)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Equal(t, repository.StatusInProgress, got.Status)

	history, err := h.store.ListActions(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDelegatedActionIsAnnotationOnly(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 310)

	got, err := h.engine.Act(context.Background(), ActInput{
		RequestID: req.ID, ActorID: deputyID, Action: repository.ActionDelegated, DelegateTo: ptr(deputy2ID),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Equal(t, repository.StatusPending, got.Status)
	assert.Equal(t, events.Delegated, h.rec.Events[len(h.rec.Events)-1].Type)
	assert.Equal(t, deputy2ID, h.rec.Events[len(h.rec.Events)-1].DelegateTo)
}

func TestCancelRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)

	a := h.submit(t, def, 400)
	_, err := h.engine.Cancel(ctx, a.ID, deputyID, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	got, err := h.engine.Cancel(ctx, a.ID, teacherID, ptr("submitted by mistake"))
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, got.Status)

	_, err = h.engine.Cancel(ctx, a.ID, teacherID, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	b := h.submit(t, def, 401)
	got, err = h.engine.Cancel(ctx, b.ID, adminID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, got.Status)

	_, err = h.act(b.ID, deputyID, repository.ActionApproved)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestActRejectsCancelAction(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	req := h.submit(t, def, 410)
	_, err := h.act(req.ID, deputyID, repository.ActionCancelled)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

// barrierStore holds the first n GetRequest calls until all have read, so
// concurrent actors start from the same version.
type barrierStore struct {
	*memory.Store
	n     int32
	seen  atomic.Int32
	ready chan struct{}
}

func (b *barrierStore) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, err := b.Store.GetRequest(ctx, id)
	if n := b.seen.Add(1); n <= b.n {
		if n == b.n {
			close(b.ready)
		}
		<-b.ready
	}
	return req, err
}

func TestConcurrentActExactlyOneWins(t *testing.T) {
	ms := memory.New()
	bs := &barrierStore{Store: ms, n: 2, ready: make(chan struct{})}
	h := newHarnessWithStore(t, ms, bs)

	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	// submit reads nothing through GetRequest, so the barrier is still armed
	req := h.submit(t, def, 500)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{deputyID, deputy2ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.act(req.ID, actor, repository.ActionApproved)
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errors.ErrCodeConcurrentModification):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	history, err := ms.ListActions(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	stored, err := ms.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentLevel)
}

func TestBulkActReportsPerRequest(t *testing.T) {
	h := newHarness(t)
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	a := h.submit(t, def, 600)
	b := h.submit(t, def, 601)

	res := h.engine.BulkAct(context.Background(), deputyID, []string{a.ID, "missing", b.ID}, repository.ActionApproved, nil)
	assert.Equal(t, []string{a.ID, b.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].RequestID)
	assert.Equal(t, errors.ErrCodeNotFound, res.Failed[0].Code)
}

func TestPendingApprovalsOrderedByPriorityThenAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)

	submit := func(id int64, p repository.Priority) string {
		h.advance(time.Minute)
		req, err := h.engine.Submit(ctx, SubmitInput{
			SubjectType: "grade_sheet", SubjectID: id, WorkflowID: def.ID,
			InstitutionID: school, SubmitterID: teacherID, Priority: p,
		})
		require.NoError(t, err)
		return req.ID
	}
	low := submit(700, repository.PriorityLow)
	normal := submit(701, "")
	urgent := submit(702, repository.PriorityUrgent)
	normal2 := submit(703, repository.PriorityNormal)

	pending, err := h.engine.PendingApprovals(ctx, deputyID)
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{urgent, normal, normal2, low}, ids)

	none, err := h.engine.PendingApprovals(ctx, directorID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListRequestsAppliesVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.twoLevel(t, repository.WorkflowPolicy{}, true)
	require.NoError(t, h.visibility.UpsertRule(ctx, &repository.VisibilityRule{
		DataType:      "grades",
		InstitutionID: school,
		VisibilityRules: map[string][]string{
			"teacher":  {repository.ScopeOwnData},
			"director": {repository.ScopeSchoolAll},
		},
		ApprovalRequirement: repository.RequirementDirectorOnly,
	}))
	h.submit(t, def, 800)
	h.submit(t, def, 801)

	mine, err := h.engine.ListRequests(ctx, teacherID, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	other, err := h.engine.ListRequests(ctx, teacher2ID, repository.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)

	all, err := h.engine.ListRequests(ctx, directorID, repository.RequestFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
