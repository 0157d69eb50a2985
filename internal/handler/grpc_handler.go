package handler

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/retry"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

// ApprovalServer is the approvals.v1.ApprovalService contract.
type ApprovalServer interface {
	Submit(ctx context.Context, req *approvalsapi.SubmitRequest) (*approvalsapi.Request, error)
	Act(ctx context.Context, req *approvalsapi.ActRequest) (*approvalsapi.Request, error)
	Cancel(ctx context.Context, req *approvalsapi.CancelRequest) (*approvalsapi.Request, error)
	BulkAct(ctx context.Context, req *approvalsapi.BulkActRequest) (*approvalsapi.BulkActResponse, error)
	GetRequest(ctx context.Context, req *approvalsapi.GetRequestRequest) (*approvalsapi.Request, error)
	GetHistory(ctx context.Context, req *approvalsapi.GetRequestRequest) (*approvalsapi.HistoryResponse, error)
	GetPendingApprovals(ctx context.Context, req *approvalsapi.PendingApprovalsRequest) (*approvalsapi.RequestsResponse, error)
	ReportDelivery(ctx context.Context, req *approvalsapi.ReportDeliveryRequest) (*approvalsapi.Empty, error)
}

// ServiceDesc describes ApprovalServer for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: approvalsapi.ServiceName,
	HandlerType: (*ApprovalServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(approvalsapi.MethodSubmit, ApprovalServer.Submit),
		unary(approvalsapi.MethodAct, ApprovalServer.Act),
		unary(approvalsapi.MethodCancel, ApprovalServer.Cancel),
		unary(approvalsapi.MethodBulkAct, ApprovalServer.BulkAct),
		unary(approvalsapi.MethodGetRequest, ApprovalServer.GetRequest),
		unary(approvalsapi.MethodGetHistory, ApprovalServer.GetHistory),
		unary(approvalsapi.MethodPendingApproval, ApprovalServer.GetPendingApprovals),
		unary(approvalsapi.MethodReportDelivery, ApprovalServer.ReportDelivery),
	},
	Metadata: "approvals/v1/approvals.proto",
}

func unary[Req, Resp any](method string, call func(ApprovalServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(ApprovalServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: approvalsapi.FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	svc      Services
	validate *requestValidator
	logger   zerolog.Logger
}

var _ ApprovalServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		svc:      svc,
		validate: newRequestValidator(),
		logger:   logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, h)
}

// userID extracts the acting user from the incoming metadata.
func userID(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if v := md.Get(approvalsapi.UserIDHeader); len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing "+approvalsapi.UserIDHeader+" metadata")
}

// Submit opens an approval request for a subject.
func (h *GRPCHandler) Submit(ctx context.Context, req *approvalsapi.SubmitRequest) (*approvalsapi.Request, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Str("subject_type", req.SubjectType).
		Int64("subject_id", req.SubjectID).
		Str("user_id", uid).
		Msg("gRPC Submit called")

	in := service.SubmitInput{
		SubjectType:   req.SubjectType,
		SubjectID:     req.SubjectID,
		WorkflowID:    req.WorkflowID,
		InstitutionID: req.InstitutionID,
		SubmitterID:   uid,
		Notes:         req.Notes,
		Deadline:      req.Deadline,
		Priority:      repository.Priority(req.Priority),
		Metadata:      req.Metadata,
	}
	if err := h.validate.Validate(&in); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	out, err := h.svc.Engine.Submit(ctx, in)
	if err != nil {
		return nil, h.fail("Submit", err)
	}
	resp := requestToAPI(out)
	return &resp, nil
}

// Act applies a decision at the request's current level.
func (h *GRPCHandler) Act(ctx context.Context, req *approvalsapi.ActRequest) (*approvalsapi.Request, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("action", req.Action).
		Str("user_id", uid).
		Msg("gRPC Act called")

	in := service.ActInput{
		RequestID:  req.RequestID,
		ActorID:    uid,
		Action:     repository.ActionType(req.Action),
		Comments:   req.Comments,
		DelegateTo: req.DelegateTo,
	}
	if err := h.validate.Validate(&in); err != nil {
		return nil, mapErrorToGRPC(err)
	}

	engine := h.svc.Engine
	out, err := retry.DoValue(ctx, engine.RetryPolicy(), func(ctx context.Context) (*repository.ApprovalRequest, error) {
		return engine.Act(ctx, in)
	})
	if err != nil {
		return nil, h.fail("Act", err)
	}
	resp := requestToAPI(out)
	return &resp, nil
}

// Cancel withdraws an open request.
func (h *GRPCHandler) Cancel(ctx context.Context, req *approvalsapi.CancelRequest) (*approvalsapi.Request, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	engine := h.svc.Engine
	out, err := retry.DoValue(ctx, engine.RetryPolicy(), func(ctx context.Context) (*repository.ApprovalRequest, error) {
		return engine.Cancel(ctx, req.RequestID, uid, req.Reason)
	})
	if err != nil {
		return nil, h.fail("Cancel", err)
	}
	resp := requestToAPI(out)
	return &resp, nil
}

// BulkAct applies one action to many requests.
func (h *GRPCHandler) BulkAct(ctx context.Context, req *approvalsapi.BulkActRequest) (*approvalsapi.BulkActResponse, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	body := bulkBody{RequestIDs: req.RequestIDs, Action: req.Action, Comments: req.Comments}
	if err := h.validate.Validate(&body); err != nil {
		return nil, mapErrorToGRPC(err)
	}
	h.logger.Info().
		Int("count", len(req.RequestIDs)).
		Str("action", req.Action).
		Str("user_id", uid).
		Msg("gRPC BulkAct called")

	resp := bulkToAPI(h.svc.Engine.BulkAct(ctx, uid, req.RequestIDs, repository.ActionType(req.Action), req.Comments))
	return &resp, nil
}

// GetRequest returns a request the caller may view.
func (h *GRPCHandler) GetRequest(ctx context.Context, req *approvalsapi.GetRequestRequest) (*approvalsapi.Request, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	out, err := h.svc.Engine.GetRequest(ctx, uid, req.RequestID)
	if err != nil {
		return nil, h.fail("GetRequest", err)
	}
	resp := requestToAPI(out)
	return &resp, nil
}

// GetHistory returns the request's actions, oldest first.
func (h *GRPCHandler) GetHistory(ctx context.Context, req *approvalsapi.GetRequestRequest) (*approvalsapi.HistoryResponse, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := h.svc.Engine.History(ctx, uid, req.RequestID)
	if err != nil {
		return nil, h.fail("GetHistory", err)
	}
	return &approvalsapi.HistoryResponse{Actions: actionsToAPI(actions)}, nil
}

// GetPendingApprovals returns what the caller can act on now.
func (h *GRPCHandler) GetPendingApprovals(ctx context.Context, _ *approvalsapi.PendingApprovalsRequest) (*approvalsapi.RequestsResponse, error) {
	uid, err := userID(ctx)
	if err != nil {
		return nil, err
	}
	list, err := h.svc.Engine.PendingApprovals(ctx, uid)
	if err != nil {
		return nil, h.fail("GetPendingApprovals", err)
	}
	return &approvalsapi.RequestsResponse{Requests: requestsToAPI(list)}, nil
}

// ReportDelivery records the delivery service's outcome for a notification.
func (h *GRPCHandler) ReportDelivery(ctx context.Context, req *approvalsapi.ReportDeliveryRequest) (*approvalsapi.Empty, error) {
	if req.NotificationID == "" {
		return nil, status.Error(codes.InvalidArgument, "notification_id is required")
	}
	if err := h.svc.Notifications.ReportDelivery(ctx, req.NotificationID, req.Delivered, req.Reason); err != nil {
		return nil, h.fail("ReportDelivery", err)
	}
	return &approvalsapi.Empty{}, nil
}

func (h *GRPCHandler) fail(method string, err error) error {
	if errors.GRPCCode(err) == codes.Internal {
		h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return mapErrorToGRPC(err)
}

// mapErrorToGRPC converts service errors to gRPC status errors. Internal
// details are not sent to the caller.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case stderrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	code := errors.GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return status.Error(code, appErr.Message)
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor logs every unary call with its latency and status.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("latency", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// RecoveryInterceptor turns handler panics into INTERNAL errors.
func RecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("gRPC handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
