package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

// UserIDHeader carries the acting user between services.
const UserIDHeader = approvalsapi.UserIDHeader

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (the acting user id included) to outgoing
// service-to-service calls, so directory lookups made while serving a
// request are attributed to the same caller.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// WithUserID attaches the acting user to an outgoing call.
func WithUserID(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, UserIDHeader, userID)
}

// DialOptions returns the options every internal client connection uses:
// plaintext transport, metadata forwarding and the JSON content subtype.
func DialOptions(extra ...grpc.DialOption) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(approvalsapi.CodecName)),
	}
	return append(opts, extra...)
}
