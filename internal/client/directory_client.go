package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// DirectoryServiceName is the fully qualified gRPC service the directory
// exposes.
const DirectoryServiceName = "directory.v1.DirectoryService"

type getUserRequest struct {
	UserID string `json:"user_id"`
}

type getInstitutionRequest struct {
	InstitutionID string `json:"institution_id"`
}

type listUsersWithRoleRequest struct {
	InstitutionID string `json:"institution_id"`
	Role          string `json:"role"`
}

type listUsersWithRoleResponse struct {
	UserIDs []string `json:"user_ids"`
}

// DirectoryGRPCClient implements service.Directory against the platform
// directory service. Messages travel as JSON over gRPC.
type DirectoryGRPCClient struct {
	conn *grpc.ClientConn
}

var _ service.Directory = (*DirectoryGRPCClient)(nil)

// NewDirectoryGRPCClient dials the directory gRPC service and returns a client.
func NewDirectoryGRPCClient(addr string, opts ...grpc.DialOption) (*DirectoryGRPCClient, error) {
	conn, err := grpc.NewClient(addr, DialOptions(opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &DirectoryGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *DirectoryGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetUser returns the directory entry for userID.
func (c *DirectoryGRPCClient) GetUser(ctx context.Context, userID string) (*service.User, error) {
	var out service.User
	if err := c.invoke(ctx, "GetUser", &getUserRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstitution returns the institution and its parent link.
func (c *DirectoryGRPCClient) GetInstitution(ctx context.Context, institutionID string) (*service.Institution, error) {
	var out service.Institution
	if err := c.invoke(ctx, "GetInstitution", &getInstitutionRequest{InstitutionID: institutionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUsersWithRole returns the user IDs holding role at institutionID.
func (c *DirectoryGRPCClient) ListUsersWithRole(ctx context.Context, institutionID, role string) ([]string, error) {
	var out listUsersWithRoleResponse
	in := &listUsersWithRoleRequest{InstitutionID: institutionID, Role: role}
	if err := c.invoke(ctx, "ListUsersWithRole", in, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// invoke calls method and maps gRPC status codes back onto typed errors so
// a missing user surfaces as NotFound rather than a transport failure.
func (c *DirectoryGRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, "/"+DirectoryServiceName+"/"+method, in, out)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return errors.FromGRPC(st.Code(), st.Message())
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "directory call failed")
}
