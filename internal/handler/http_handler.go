package handler

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pesio-ai/be-edu-approvals/internal/client"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/retry"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// UserIDHeader names the acting user on HTTP requests. Authentication
// happens upstream; the gateway forwards the verified id here.
const UserIDHeader = "X-User-ID"

const actorKey = "actor_id"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc Services
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc: svc,
		log: log.Component("http"),
	}
}

// ServerConfig tunes the echo instance built by Echo.
type ServerConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Echo builds the echo instance with middleware and all routes registered.
func (h *HTTPHandler) Echo(cfg ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = h.handleError

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := h.log.Info()
			if v.Status >= http.StatusInternalServerError {
				ev = h.log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("HTTP request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, UserIDHeader},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(cfg.RequestTimeout))
	}

	h.Register(e)
	return e
}

// Register mounts the routes on e.
func (h *HTTPHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)

	// Delivery reports come from the delivery service, not from a user.
	e.POST("/internal/notifications/:id/delivery", h.ReportDelivery)

	api := e.Group("/api/v1", h.requireUser)

	admin := h.requireAdmin
	api.POST("/workflows", h.CreateWorkflow, admin)
	api.GET("/workflows", h.ListWorkflows)
	api.GET("/workflows/:id", h.GetWorkflow)
	api.PUT("/workflows/:id", h.UpdateWorkflow, admin)
	api.PATCH("/workflows/:id/status", h.SetWorkflowStatus, admin)
	api.DELETE("/workflows/:id", h.DeleteWorkflow, admin)

	api.PUT("/visibility-rules", h.UpsertRule, admin)
	api.GET("/visibility-rules", h.ListRules)
	api.GET("/visibility-rules/:data_type/:institution_id", h.GetRule)

	api.POST("/delegations", h.CreateDelegation)
	api.GET("/delegations", h.ListDelegations)
	api.GET("/delegations/:id", h.GetDelegation)
	api.POST("/delegations/:id/revoke", h.RevokeDelegation)
	api.POST("/delegations/:id/suspend", h.SuspendDelegation)
	api.POST("/delegations/:id/reactivate", h.ReactivateDelegation)

	api.POST("/requests", h.SubmitRequest)
	api.GET("/requests", h.ListRequests)
	api.POST("/requests/bulk-actions", h.BulkAct)
	api.GET("/requests/:id", h.GetRequest)
	api.GET("/requests/:id/history", h.History)
	api.POST("/requests/:id/actions", h.Act)
	api.POST("/requests/:id/cancel", h.Cancel)

	api.GET("/approvals/pending", h.PendingApprovals)
	api.GET("/approvals/mine", h.MyApprovals)

	api.GET("/notifications", h.Inbox)
	api.POST("/notifications/:id/read", h.MarkRead)
	api.POST("/notifications/:id/dismiss", h.Dismiss)

	api.GET("/analytics/snapshots", h.Snapshots)
}

// ── Middleware ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
		if id == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserIDHeader+" header")
		}
		c.Set(actorKey, id)
		// Directory lookups made for this request carry the caller id.
		req := c.Request()
		c.SetRequest(req.WithContext(client.WithUserID(req.Context(), id)))
		return next(c)
	}
}

func (h *HTTPHandler) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := h.actor(c)
		if err != nil {
			return err
		}
		if !h.svc.isAdmin(actor) {
			return errors.Unauthorized("administrator role required")
		}
		return next(c)
	}
}

func actorID(c echo.Context) string {
	id, _ := c.Get(actorKey).(string)
	return id
}

func (h *HTTPHandler) actor(c echo.Context) (*service.User, error) {
	return h.svc.Directory.GetUser(c.Request().Context(), actorID(c))
}

// ── Errors and binding ────────────────────────────────────────────────────────

type errorResponse struct {
	Error *errors.Error `json:"error"`
}

func (h *HTTPHandler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if stderrors.As(err, &he) {
		body := &errors.Error{Code: codeForStatus(he.Code), Message: fmt.Sprint(he.Message)}
		_ = c.JSON(he.Code, errorResponse{Error: body})
		return
	}

	status := errors.HTTPStatus(err)
	var appErr *errors.Error
	if !stderrors.As(err, &appErr) || status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		appErr = errors.New(errors.ErrCodeInternal, "internal error")
	}
	_ = c.JSON(status, errorResponse{Error: appErr})
}

func codeForStatus(status int) errors.Code {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errors.ErrCodeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.ErrCodeUnauthorized
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return errors.ErrCodeInvalidInput
	case http.StatusConflict:
		return errors.ErrCodeConflict
	default:
		return errors.ErrCodeInternal
	}
}

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

// Validate reports the first failing field as INVALID_INPUT.
func (rv *requestValidator) Validate(i any) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if stderrors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		return errors.InvalidInput(fe.Field(), fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag()))
	}
	return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request")
}

func bindAndValidate(c echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindBody(c, dst); err != nil {
		return errors.InvalidInput("body", "request body is not valid JSON")
	}
	return c.Validate(dst)
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(name, name+" must be a non-negative integer")
	}
	return n, nil
}

func queryTime(c echo.Context, name, layout string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(layout, raw)
	if err != nil {
		return nil, errors.InvalidInput(name, fmt.Sprintf("%s must be formatted as %s", name, layout))
	}
	return &t, nil
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(c echo.Context, name string) []string {
	var out []string
	for _, raw := range c.QueryParams()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func convertList[T ~string](in []string) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, T(v))
	}
	return out
}

// ── Health ────────────────────────────────────────────────────────────────────

// Health reports liveness and, when configured, database reachability.
func (h *HTTPHandler) Health(c echo.Context) error {
	if h.svc.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.svc.Health.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// CreateWorkflow handles POST /workflows.
func (h *HTTPHandler) CreateWorkflow(c echo.Context) error {
	var in service.DefinitionInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	id := actorID(c)
	in.CreatedBy = &id

	def, err := h.svc.Workflows.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, workflowToResponse(def))
}

// ListWorkflows handles GET /workflows?data_type=&status=.
func (h *HTTPHandler) ListWorkflows(c echo.Context) error {
	defs, err := h.svc.Workflows.List(c.Request().Context(), c.QueryParam("data_type"), repository.DefinitionStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapSlice(defs, workflowToResponse))
}

func (h *HTTPHandler) GetWorkflow(c echo.Context) error {
	def, err := h.svc.Workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowToResponse(def))
}

// UpdateWorkflow replaces name, chain and policy. Definitions referenced by
// requests are immutable and yield CONFLICT.
func (h *HTTPHandler) UpdateWorkflow(c echo.Context) error {
	var in service.DefinitionInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	def, err := h.svc.Workflows.Update(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowToResponse(def))
}

func (h *HTTPHandler) SetWorkflowStatus(c echo.Context) error {
	var body statusBody
	if err := bindAndValidate(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Workflows.SetStatus(ctx, c.Param("id"), repository.DefinitionStatus(body.Status)); err != nil {
		return err
	}
	def, err := h.svc.Workflows.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowToResponse(def))
}

func (h *HTTPHandler) DeleteWorkflow(c echo.Context) error {
	if err := h.svc.Workflows.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ── Visibility rules ──────────────────────────────────────────────────────────

func (h *HTTPHandler) UpsertRule(c echo.Context) error {
	var body ruleBody
	if err := bindAndValidate(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Visibility.UpsertRule(ctx, body.toRule()); err != nil {
		return err
	}
	rule, err := h.svc.Visibility.GetRule(ctx, body.DataType, body.InstitutionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ruleToBody(rule))
}

func (h *HTTPHandler) ListRules(c echo.Context) error {
	rules, err := h.svc.Visibility.ListRules(c.Request().Context(), c.QueryParam("data_type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapSlice(rules, ruleToBody))
}

func (h *HTTPHandler) GetRule(c echo.Context) error {
	rule, err := h.svc.Visibility.GetRule(c.Request().Context(), c.Param("data_type"), c.Param("institution_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ruleToBody(rule))
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation handles POST /delegations. Users delegate their own
// authority; administrators may name any delegator.
func (h *HTTPHandler) CreateDelegation(c echo.Context) error {
	var in service.CreateDelegationInput
	if err := (&echo.DefaultBinder{}).BindBody(c, &in); err != nil {
		return errors.InvalidInput("body", "request body is not valid JSON")
	}
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	if in.DelegatorID == "" {
		in.DelegatorID = actor.ID
	}
	if in.DelegatorID != actor.ID && !h.svc.isAdmin(actor) {
		return errors.Unauthorized("only administrators can delegate on behalf of another user")
	}
	if in.InstitutionID == "" && in.DelegatorID == actor.ID {
		in.InstitutionID = actor.InstitutionID
	}
	if err := c.Validate(&in); err != nil {
		return err
	}

	d, err := h.svc.Delegations.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, delegationToResponse(d))
}

// ListDelegations handles GET /delegations. Without filters it lists the
// caller's delegations in both directions.
func (h *HTTPHandler) ListDelegations(c echo.Context) error {
	ctx := c.Request().Context()
	filter := repository.DelegationFilter{
		DelegatorID:   c.QueryParam("delegator_id"),
		DelegateID:    c.QueryParam("delegate_id"),
		InstitutionID: c.QueryParam("institution_id"),
		Statuses:      convertList[repository.DelegationStatus](queryList(c, "status")),
	}
	if filter.DelegatorID != "" || filter.DelegateID != "" || filter.InstitutionID != "" {
		list, err := h.svc.Delegations.List(ctx, filter)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, mapSlice(list, delegationToResponse))
	}

	me := actorID(c)
	given, err := h.svc.Delegations.List(ctx, repository.DelegationFilter{DelegatorID: me, Statuses: filter.Statuses})
	if err != nil {
		return err
	}
	received, err := h.svc.Delegations.List(ctx, repository.DelegationFilter{DelegateID: me, Statuses: filter.Statuses})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapSlice(append(given, received...), delegationToResponse))
}

func (h *HTTPHandler) GetDelegation(c echo.Context) error {
	d, err := h.svc.Delegations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, delegationToResponse(d))
}

func (h *HTTPHandler) RevokeDelegation(c echo.Context) error {
	return h.changeDelegation(c, h.svc.Delegations.Revoke)
}

func (h *HTTPHandler) SuspendDelegation(c echo.Context) error {
	return h.changeDelegation(c, h.svc.Delegations.Suspend)
}

func (h *HTTPHandler) ReactivateDelegation(c echo.Context) error {
	return h.changeDelegation(c, h.svc.Delegations.Reactivate)
}

func (h *HTTPHandler) changeDelegation(c echo.Context, change func(context.Context, string, *service.User) error) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := change(ctx, c.Param("id"), actor); err != nil {
		return err
	}
	d, err := h.svc.Delegations.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, delegationToResponse(d))
}

// ── Requests ──────────────────────────────────────────────────────────────────

// SubmitRequest handles POST /requests.
func (h *HTTPHandler) SubmitRequest(c echo.Context) error {
	var in service.SubmitInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	in.SubmitterID = actorID(c)

	req, err := h.svc.Engine.Submit(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, requestToAPI(req))
}

// ListRequests handles GET /requests. Only requests the caller may view are
// returned.
func (h *HTTPHandler) ListRequests(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}
	from, err := queryTime(c, "from", time.RFC3339)
	if err != nil {
		return err
	}
	to, err := queryTime(c, "to", time.RFC3339)
	if err != nil {
		return err
	}

	filter := repository.RequestFilter{
		Statuses:       convertList[repository.RequestStatus](queryList(c, "status")),
		WorkflowID:     c.QueryParam("workflow_id"),
		DataType:       c.QueryParam("data_type"),
		InstitutionIDs: queryList(c, "institution_id"),
		SubmitterID:    c.QueryParam("submitter_id"),
		SubmittedFrom:  from,
		SubmittedTo:    to,
		Limit:          min(limit, 500),
		Offset:         offset,
	}
	list, err := h.svc.Engine.ListRequests(c.Request().Context(), actorID(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, requestsToAPI(list))
}

func (h *HTTPHandler) GetRequest(c echo.Context) error {
	req, err := h.svc.Engine.GetRequest(c.Request().Context(), actorID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, requestToAPI(req))
}

func (h *HTTPHandler) History(c echo.Context) error {
	actions, err := h.svc.Engine.History(c.Request().Context(), actorID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, actionsToAPI(actions))
}

// Act handles POST /requests/:id/actions. Lost optimistic-lock races are
// retried with the engine's policy.
func (h *HTTPHandler) Act(c echo.Context) error {
	var in service.ActInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	in.RequestID = c.Param("id")
	in.ActorID = actorID(c)

	engine := h.svc.Engine
	req, err := retry.DoValue(c.Request().Context(), engine.RetryPolicy(), func(ctx context.Context) (*repository.ApprovalRequest, error) {
		return engine.Act(ctx, in)
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, requestToAPI(req))
}

type cancelBody struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=1000"`
}

func (h *HTTPHandler) Cancel(c echo.Context) error {
	var body cancelBody
	if c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, &body); err != nil {
			return err
		}
	}
	engine := h.svc.Engine
	id, actor := c.Param("id"), actorID(c)
	req, err := retry.DoValue(c.Request().Context(), engine.RetryPolicy(), func(ctx context.Context) (*repository.ApprovalRequest, error) {
		return engine.Cancel(ctx, id, actor, body.Reason)
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, requestToAPI(req))
}

type bulkBody struct {
	RequestIDs []string `json:"request_ids" validate:"required,min=1,max=100,dive,required"`
	Action     string   `json:"action" validate:"required,oneof=approved rejected returned"`
	Comments   *string  `json:"comments,omitempty"`
}

// BulkAct handles POST /requests/bulk-actions. The response lists which
// ids succeeded and why the others failed; it is 200 even when all fail.
func (h *HTTPHandler) BulkAct(c echo.Context) error {
	var body bulkBody
	if err := bindAndValidate(c, &body); err != nil {
		return err
	}
	res := h.svc.Engine.BulkAct(c.Request().Context(), actorID(c), body.RequestIDs, repository.ActionType(body.Action), body.Comments)
	return c.JSON(http.StatusOK, bulkToAPI(res))
}

// ── Approver views ────────────────────────────────────────────────────────────

func (h *HTTPHandler) PendingApprovals(c echo.Context) error {
	list, err := h.svc.Engine.PendingApprovals(c.Request().Context(), actorID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, requestsToAPI(list))
}

func (h *HTTPHandler) MyApprovals(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	actions, err := h.svc.Engine.MyApprovals(c.Request().Context(), actorID(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, actionsToAPI(actions))
}

// ── Notifications ─────────────────────────────────────────────────────────────

func (h *HTTPHandler) Inbox(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}
	statuses := convertList[repository.NotificationStatus](queryList(c, "status"))
	list, err := h.svc.Notifications.Inbox(c.Request().Context(), actorID(c), statuses, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapSlice(list, notificationToResponse))
}

func (h *HTTPHandler) MarkRead(c echo.Context) error {
	if err := h.svc.Notifications.MarkRead(c.Request().Context(), actorID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *HTTPHandler) Dismiss(c echo.Context) error {
	if err := h.svc.Notifications.Dismiss(c.Request().Context(), actorID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type deliveryBody struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// ReportDelivery records the outcome reported by the delivery service.
func (h *HTTPHandler) ReportDelivery(c echo.Context) error {
	var body deliveryBody
	if err := bindAndValidate(c, &body); err != nil {
		return err
	}
	if err := h.svc.Notifications.ReportDelivery(c.Request().Context(), c.Param("id"), body.Delivered, body.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ── Analytics ─────────────────────────────────────────────────────────────────

// Snapshots handles GET /analytics/snapshots?institution_id=&data_type=&from=&to=.
// Dates are YYYY-MM-DD. Non-administrators only see their own institution.
func (h *HTTPHandler) Snapshots(c echo.Context) error {
	actor, err := h.actor(c)
	if err != nil {
		return err
	}
	from, err := queryTime(c, "from", dayLayout)
	if err != nil {
		return err
	}
	to, err := queryTime(c, "to", dayLayout)
	if err != nil {
		return err
	}

	filter := repository.SnapshotFilter{
		InstitutionID: c.QueryParam("institution_id"),
		DataType:      c.QueryParam("data_type"),
		From:          from,
		To:            to,
	}
	if !h.svc.isAdmin(actor) {
		if filter.InstitutionID != "" && filter.InstitutionID != actor.InstitutionID {
			return errors.Unauthorized("analytics are limited to your own institution")
		}
		filter.InstitutionID = actor.InstitutionID
	}

	list, err := h.svc.Analytics.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mapSlice(list, snapshotToResponse))
}
