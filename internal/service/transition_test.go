package service

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
)

func openRequest(level int) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID:             "r1",
		Status:         repository.StatusPending,
		CurrentLevel:   level,
		LevelEnteredAt: t0,
		Version:        1,
	}
}

func TestTransitionApproveAdvancesThenCompletes(t *testing.T) {
	at := t0.Add(time.Hour)

	next, action, ev, err := transition(openRequest(1), 2, step{Action: repository.ActionApproved, ApproverID: deputyID, At: at})
	require.NoError(t, err)
	assert.Equal(t, 2, next.CurrentLevel)
	assert.Equal(t, repository.StatusInProgress, next.Status)
	assert.Equal(t, at, next.LevelEnteredAt)
	assert.Equal(t, events.LevelAdvanced, ev)
	assert.Equal(t, 1, action.Level)
	assert.Nil(t, next.CompletedAt)

	done, _, ev, err := transition(next, 2, step{Action: repository.ActionApproved, ApproverID: directorID, At: at})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, done.Status)
	assert.Equal(t, events.Approved, ev)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, at, *done.CompletedAt)
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	req := openRequest(1)
	_, _, _, err := transition(req, 2, step{Action: repository.ActionRejected, At: t0})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
}

func TestTransitionReturn(t *testing.T) {
	atTwo := openRequest(2)
	atTwo.Status = repository.StatusInProgress
	next, _, ev, err := transition(atTwo, 3, step{Action: repository.ActionReturned, At: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, next.CurrentLevel)
	assert.Equal(t, repository.StatusInProgress, next.Status)
	assert.Equal(t, events.Returned, ev)

	atOne := openRequest(1)
	next, _, _, err = transition(atOne, 3, step{Action: repository.ActionReturned, At: t0})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, next.Status)
}

func TestTransitionDelegatedNeedsTarget(t *testing.T) {
	_, _, _, err := transition(openRequest(1), 2, step{Action: repository.ActionDelegated, At: t0})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	next, action, ev, err := transition(openRequest(1), 2, step{Action: repository.ActionDelegated, DelegateTo: ptr("u-x"), At: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, next.CurrentLevel)
	assert.Equal(t, repository.StatusPending, next.Status)
	assert.Equal(t, "u-x", *action.DelegateTo)
	assert.Equal(t, events.Delegated, ev)
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	for _, st := range []repository.RequestStatus{repository.StatusApproved, repository.StatusRejected, repository.StatusCancelled} {
		req := openRequest(2)
		req.Status = st
		for _, a := range []repository.ActionType{
			repository.ActionApproved, repository.ActionRejected, repository.ActionReturned,
			repository.ActionDelegated, repository.ActionCancelled,
		} {
			_, _, _, err := transition(req, 2, step{Action: a, DelegateTo: ptr("u-x"), At: t0})
			assert.Truef(t, errors.Is(err, errors.ErrCodeInvalidState), "%s on %s", a, st)
		}
	}
}

// Random walks over the state machine: the level never decreases except a
// return to 1, and once terminal nothing changes.
func TestTransitionRandomWalkInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	actions := []repository.ActionType{
		repository.ActionApproved, repository.ActionApproved, repository.ActionApproved,
		repository.ActionRejected, repository.ActionReturned, repository.ActionDelegated,
		repository.ActionCancelled,
	}

	for walk := 0; walk < 200; walk++ {
		chain := 1 + rng.IntN(4)
		req := openRequest(1)
		for i := 0; i < 12; i++ {
			a := actions[rng.IntN(len(actions))]
			next, action, _, err := transition(req, chain, step{Action: a, DelegateTo: ptr("u-x"), At: t0})
			if req.Status.IsTerminal() {
				require.Error(t, err)
				continue
			}
			require.NoError(t, err)
			require.NotNil(t, action)
			if a == repository.ActionReturned {
				assert.Equal(t, 1, next.CurrentLevel)
			} else {
				assert.GreaterOrEqual(t, next.CurrentLevel, req.CurrentLevel)
			}
			if next.Status == repository.StatusApproved {
				assert.Equal(t, chain+1, next.CurrentLevel)
			}
			req = next
		}
	}
}
