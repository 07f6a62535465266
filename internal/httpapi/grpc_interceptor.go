package httpapi

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// InternalTrustUnaryInterceptor guards the gRPC listener behind the same
// shared-secret header as the /internal/* HTTP routes. Metadata keys are
// lowercased by the transport, so the header name is normalized here.
// An empty secret rejects everything; the listener is never open by accident.
func InternalTrustUnaryInterceptor(headerName, secret string) grpc.UnaryServerInterceptor {
	key := strings.ToLower(headerName)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return nil, status.Error(codes.PermissionDenied, "internal access denied")
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.PermissionDenied, "internal access denied")
		}
		values := md.Get(key)
		if len(values) == 0 {
			return nil, status.Error(codes.PermissionDenied, "internal access denied")
		}
		if subtle.ConstantTimeCompare([]byte(values[0]), []byte(secret)) != 1 {
			return nil, status.Error(codes.PermissionDenied, "internal access denied")
		}
		return handler(ctx, req)
	}
}
