package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

type httpFixture struct {
	*fixture
	e *echo.Echo
}

func newHTTPFixture(t *testing.T) *httpFixture {
	f := newFixture(t)
	h := NewHTTPHandler(f.svc, logger.Nop())
	return &httpFixture{fixture: f, e: h.Echo(ServerConfig{})}
}

func (f *httpFixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func (f *httpFixture) createWorkflow(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workflows", adminID, workflowJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[workflowResponse](t, rec).ID
}

func (f *httpFixture) submit(t *testing.T, workflowID string, subjectID int) approvalsapi.Request {
	t.Helper()
	body := `{"subject_type":"grade_sheet","subject_id":` + itoa(subjectID) + `,"workflow_id":"` + workflowID + `","institution_id":"sch-1"}`
	rec := f.do(t, http.MethodPost, "/api/v1/requests", teacherID, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[approvalsapi.Request](t, rec)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHealth(t *testing.T) {
	f := newHTTPFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	f.svc.Health = pinger{err: stderrors.New("connection refused")}
	e := NewHTTPHandler(f.svc, logger.Nop()).Echo(ServerConfig{})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIRequiresUserHeader(t *testing.T) {
	f := newHTTPFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/requests", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[errorEnvelope](t, rec).Error.Code)
}

func TestWorkflowMutationsNeedAdministrator(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows", teacherID, workflowJSON)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	id := f.createWorkflow(t)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/"+id, teacherID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[workflowResponse](t, rec)
	assert.Equal(t, "grades", wf.DataType)
	assert.Equal(t, "active", wf.Status)
	require.Len(t, wf.Chain, 2)
	require.NotNil(t, wf.CreatedBy)
	assert.Equal(t, adminID, *wf.CreatedBy)

	rec = f.do(t, http.MethodPatch, "/api/v1/workflows/"+id+"/status", adminID, `{"status":"paused"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decode[errorEnvelope](t, rec).Error.Field)

	rec = f.do(t, http.MethodPatch, "/api/v1/workflows/"+id+"/status", adminID, `{"status":"inactive"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inactive", decode[workflowResponse](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows?status=inactive", teacherID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]workflowResponse](t, rec), 1)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	wf := f.createWorkflow(t)
	req := f.submit(t, wf, 101)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, teacherID, req.SubmitterID)

	// same subject while open
	rec := f.do(t, http.MethodPost, "/api/v1/requests", teacherID,
		`{"subject_type":"grade_sheet","subject_id":101,"workflow_id":"`+wf+`","institution_id":"sch-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", decode[errorEnvelope](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/pending", deputyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]approvalsapi.Request](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	// the director cannot act at the deputy's level
	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", directorID, `{"action":"approved"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", deputyID, `{"action":"approved","comments":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[approvalsapi.Request](t, rec)
	assert.Equal(t, "in_progress", got.Status)
	assert.Equal(t, 2, got.CurrentLevel)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", directorID, `{"action":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[approvalsapi.Request](t, rec)
	assert.Equal(t, "approved", got.Status)
	assert.NotNil(t, got.CompletedAt)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+req.ID+"/history", teacherID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]approvalsapi.Action](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, deputyID, history[0].ApproverID)
	require.NotNil(t, history[0].Comments)
	assert.Equal(t, "ok", *history[0].Comments)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/mine?limit=5", directorID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]approvalsapi.Action](t, rec), 1)

	// terminal requests cannot be cancelled
	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/cancel", teacherID, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_STATE", decode[errorEnvelope](t, rec).Error.Code)
}

func TestActValidatesBody(t *testing.T) {
	f := newHTTPFixture(t)
	req := f.submit(t, f.createWorkflow(t), 102)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", deputyID, `{"action":"cancelled"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorEnvelope](t, rec)
	assert.Equal(t, "INVALID_INPUT", body.Error.Code)
	assert.Equal(t, "action", body.Error.Field)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/actions", deputyID, `{"action":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?limit=-1", teacherID, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBySubmitter(t *testing.T) {
	f := newHTTPFixture(t)
	req := f.submit(t, f.createWorkflow(t), 103)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/"+req.ID+"/cancel", teacherID, `{"reason":"wrong term"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[approvalsapi.Request](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?status=cancelled", teacherID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]approvalsapi.Request](t, rec), 1)
}

func TestBulkActionsReportEachRequest(t *testing.T) {
	f := newHTTPFixture(t)
	wf := f.createWorkflow(t)
	r1 := f.submit(t, wf, 201)
	r2 := f.submit(t, wf, 202)

	rec := f.do(t, http.MethodPost, "/api/v1/requests/bulk-actions", deputyID,
		`{"request_ids":["`+r1.ID+`","`+r2.ID+`","missing"],"action":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[approvalsapi.BulkActResponse](t, rec)
	assert.ElementsMatch(t, []string{r1.ID, r2.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].RequestID)
	assert.Equal(t, "NOT_FOUND", res.Failed[0].Code)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/bulk-actions", deputyID, `{"request_ids":[],"action":"approved"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDelegationEndpoints(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/delegations", teacherID,
		`{"delegator_id":"u-director","delegate_id":"u-acting","valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-12-31T00:00:00Z"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/delegations", directorID,
		`{"delegate_id":"u-acting","valid_from":"2026-01-01T00:00:00Z","valid_until":"2026-12-31T00:00:00Z","reason":"leave"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[delegationResponse](t, rec)
	assert.Equal(t, directorID, d.DelegatorID)
	assert.Equal(t, school, d.InstitutionID)
	assert.Equal(t, "all", d.Scope)
	assert.Equal(t, "active", d.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/delegations", actingID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]delegationResponse](t, rec), 1)

	// only the delegator or an administrator changes it
	rec = f.do(t, http.MethodPost, "/api/v1/delegations/"+d.ID+"/suspend", actingID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/delegations/"+d.ID+"/suspend", directorID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "suspended", decode[delegationResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/delegations/"+d.ID+"/revoke", adminID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "revoked", decode[delegationResponse](t, rec).Status)
}

func TestVisibilityRuleEndpoints(t *testing.T) {
	f := newHTTPFixture(t)
	body := `{"data_type":"grades","institution_id":"sch-1","visibility_rules":{"teacher":["own_data"]},"approval_requirement":"director_only"}`

	rec := f.do(t, http.MethodPut, "/api/v1/visibility-rules", teacherID, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/visibility-rules", adminID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rule := decode[ruleBody](t, rec)
	assert.True(t, rule.IsActive)
	assert.Equal(t, []string{"own_data"}, rule.VisibilityRules["teacher"])

	rec = f.do(t, http.MethodGet, "/api/v1/visibility-rules/grades/sch-1", teacherID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/visibility-rules/attendance/sch-1", teacherID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/visibility-rules", adminID,
		`{"data_type":"grades","institution_id":"sch-1","approval_requirement":"everyone"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotsAreScopedToInstitution(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/analytics/snapshots?institution_id=sch-2", teacherID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/analytics/snapshots?from=yesterday", adminID, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/analytics/snapshots?from=2026-03-01&to=2026-03-31", adminID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]snapshotResponse](t, rec))
}

func TestNotificationInbox(t *testing.T) {
	f := newHTTPFixture(t)
	f.submit(t, f.createWorkflow(t), 301)
	f.svc.Notifications.Handle(t.Context(), f.rec.Events[0])

	rec := f.do(t, http.MethodGet, "/api/v1/notifications", deputyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	inbox := decode[[]notificationResponse](t, rec)
	require.Len(t, inbox, 1)
	assert.Equal(t, "approval_required", inbox[0].Type)

	rec = f.do(t, http.MethodPost, "/api/v1/notifications/"+inbox[0].ID+"/read", teacherID, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/notifications/"+inbox[0].ID+"/read", deputyID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/notifications?status=read", deputyID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]notificationResponse](t, rec), 1)
}
