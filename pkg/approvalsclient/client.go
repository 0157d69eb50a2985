// Package approvalsclient is the gRPC client collaborators use to submit
// subjects for approval and act on them.
package approvalsclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

// Client wraps a connection to the approvals gRPC service.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the approvals gRPC service and returns a client.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(approvalsapi.CodecName)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit opens an approval request on behalf of userID.
func (c *Client) Submit(ctx context.Context, userID string, req *approvalsapi.SubmitRequest) (*approvalsapi.Request, error) {
	var out approvalsapi.Request
	if err := c.invoke(ctx, userID, approvalsapi.MethodSubmit, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Act applies a decision at the request's current level.
func (c *Client) Act(ctx context.Context, userID string, req *approvalsapi.ActRequest) (*approvalsapi.Request, error) {
	var out approvalsapi.Request
	if err := c.invoke(ctx, userID, approvalsapi.MethodAct, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel withdraws an open request (submitter or administrator).
func (c *Client) Cancel(ctx context.Context, userID, requestID string, reason *string) (*approvalsapi.Request, error) {
	var out approvalsapi.Request
	in := &approvalsapi.CancelRequest{RequestID: requestID, Reason: reason}
	if err := c.invoke(ctx, userID, approvalsapi.MethodCancel, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkAct applies one action to many requests; failures are reported per id.
func (c *Client) BulkAct(ctx context.Context, userID string, req *approvalsapi.BulkActRequest) (*approvalsapi.BulkActResponse, error) {
	var out approvalsapi.BulkActResponse
	if err := c.invoke(ctx, userID, approvalsapi.MethodBulkAct, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRequest returns a request, or nil if it does not exist.
func (c *Client) GetRequest(ctx context.Context, userID, requestID string) (*approvalsapi.Request, error) {
	var out approvalsapi.Request
	err := c.invoke(ctx, userID, approvalsapi.MethodGetRequest, &approvalsapi.GetRequestRequest{RequestID: requestID}, &out)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// GetHistory returns the actions recorded against a request, oldest first.
func (c *Client) GetHistory(ctx context.Context, userID, requestID string) ([]approvalsapi.Action, error) {
	var out approvalsapi.HistoryResponse
	err := c.invoke(ctx, userID, approvalsapi.MethodGetHistory, &approvalsapi.GetRequestRequest{RequestID: requestID}, &out)
	if err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// GetPendingApprovals returns the requests userID can act on now.
func (c *Client) GetPendingApprovals(ctx context.Context, userID string) ([]approvalsapi.Request, error) {
	var out approvalsapi.RequestsResponse
	if err := c.invoke(ctx, userID, approvalsapi.MethodPendingApproval, &approvalsapi.PendingApprovalsRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// ReportDelivery tells the service whether a notification reached its
// recipient.
func (c *Client) ReportDelivery(ctx context.Context, notificationID string, delivered bool, reason string) error {
	in := &approvalsapi.ReportDeliveryRequest{NotificationID: notificationID, Delivered: delivered, Reason: reason}
	return c.invoke(ctx, "", approvalsapi.MethodReportDelivery, in, &approvalsapi.Empty{})
}

func (c *Client) invoke(ctx context.Context, userID, method string, in, out any) error {
	if userID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, approvalsapi.UserIDHeader, userID)
	}
	return c.conn.Invoke(ctx, approvalsapi.FullMethod(method), in, out)
}
