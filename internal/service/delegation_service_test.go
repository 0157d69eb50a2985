package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

func window(from, until time.Duration) CreateDelegationInput {
	return CreateDelegationInput{
		DelegatorID:   directorID,
		DelegateID:    actingID,
		InstitutionID: school,
		Scope:         "grades",
		ValidFrom:     t0.Add(from),
		ValidUntil:    t0.Add(until),
	}
}

func TestResolveHonoursWindowInclusively(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.delegations.Create(ctx, window(time.Hour, 3*time.Hour))
	require.NoError(t, err)

	cases := []struct {
		at   time.Time
		want string
	}{
		{t0, directorID},
		{d.ValidFrom, actingID},
		{t0.Add(2 * time.Hour), actingID},
		{d.ValidUntil, actingID},
		{d.ValidUntil.Add(time.Nanosecond), directorID},
	}
	for _, c := range cases {
		got, _, err := h.delegations.Resolve(ctx, directorID, school, "grades", c.at)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "at %s", c.at)
	}

	got, _, err := h.delegations.Resolve(ctx, directorID, school, "attendance", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, directorID, got, "other scope")
}

func TestResolveIgnoresRevokedAndSuspended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	director := &User{ID: directorID, Role: "director", InstitutionID: school}

	d, err := h.delegations.Create(ctx, window(0, time.Hour))
	require.NoError(t, err)

	require.NoError(t, h.delegations.Suspend(ctx, d.ID, director))
	got, _, err := h.delegations.Resolve(ctx, directorID, school, "grades", t0)
	require.NoError(t, err)
	assert.Equal(t, directorID, got)

	require.NoError(t, h.delegations.Reactivate(ctx, d.ID, director))
	got, _, err = h.delegations.Resolve(ctx, directorID, school, "grades", t0)
	require.NoError(t, err)
	assert.Equal(t, actingID, got)

	require.NoError(t, h.delegations.Revoke(ctx, d.ID, director))
	got, _, err = h.delegations.Resolve(ctx, directorID, school, "grades", t0)
	require.NoError(t, err)
	assert.Equal(t, directorID, got)

	err = h.delegations.Reactivate(ctx, d.ID, director)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
}

func TestCreateRejectsOverlappingWindows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.delegations.Create(ctx, window(0, 10*time.Hour))
	require.NoError(t, err)

	_, err = h.delegations.Create(ctx, window(5*time.Hour, 20*time.Hour))
	assert.True(t, errors.Is(err, errors.ErrCodeAmbiguousDelegation))

	all := window(5*time.Hour, 20*time.Hour)
	all.Scope = repository.DelegationScopeAll
	_, err = h.delegations.Create(ctx, all)
	assert.True(t, errors.Is(err, errors.ErrCodeAmbiguousDelegation))

	other := window(5*time.Hour, 20*time.Hour)
	other.Scope = "attendance"
	_, err = h.delegations.Create(ctx, other)
	assert.NoError(t, err)

	_, err = h.delegations.Create(ctx, window(11*time.Hour, 20*time.Hour))
	assert.NoError(t, err)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	self := window(0, time.Hour)
	self.DelegateID = directorID
	_, err := h.delegations.Create(ctx, self)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.delegations.Create(ctx, window(time.Hour, 0))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	noScope := window(0, time.Hour)
	noScope.Scope = ""
	d, err := h.delegations.Create(ctx, noScope)
	require.NoError(t, err)
	assert.Equal(t, repository.DelegationScopeAll, d.Scope)
}

func TestResolveReportsAmbiguity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Written straight to the store: Create would refuse the second one.
	for _, delegate := range []string{actingID, deputyID} {
		require.NoError(t, h.store.CreateDelegation(ctx, &repository.Delegation{
			DelegatorID:   directorID,
			DelegateID:    delegate,
			InstitutionID: school,
			Scope:         repository.DelegationScopeAll,
			ValidFrom:     t0.Add(-time.Hour),
			ValidUntil:    t0.Add(time.Hour),
			Status:        repository.DelegationActive,
		}))
	}

	_, _, err := h.delegations.Resolve(ctx, directorID, school, "grades", t0)
	assert.True(t, errors.Is(err, errors.ErrCodeAmbiguousDelegation))
}

func TestOnlyDelegatorOrAdminChangesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, err := h.delegations.Create(ctx, window(0, time.Hour))
	require.NoError(t, err)

	err = h.delegations.Revoke(ctx, d.ID, &User{ID: teacherID, Role: "teacher"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	require.NoError(t, h.delegations.Revoke(ctx, d.ID, &User{ID: adminID, Role: "administrator"}))
}

func TestExpireLapsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.delegations.Create(ctx, window(0, time.Hour))
	require.NoError(t, err)

	h.advance(2 * time.Hour)
	n, err := h.delegations.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := h.delegations.List(ctx, repository.DelegationFilter{DelegatorID: directorID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, repository.DelegationExpired, list[0].Status)
}
