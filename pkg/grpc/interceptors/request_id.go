package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// RequestIDKey is the metadata key for request ID
	RequestIDKey = "x-request-id"
	// SessionKey is the metadata key carrying the slave session id
	SessionKey = "x-graphkeep-session"
)

// RequestIDUnaryInterceptor generates or propagates request ID and picks up
// the caller's session id.
func RequestIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := extractOrGenerateRequestID(ctx)
		ctx = withRequestID(ctx, requestID)
		if session := firstMetadata(ctx, SessionKey); session != "" {
			ctx = withSession(ctx, session)
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, requestID))
		return handler(ctx, req)
	}
}

func extractOrGenerateRequestID(ctx context.Context) string {
	if id := firstMetadata(ctx, RequestIDKey); id != "" {
		return id
	}
	return uuid.New().String()
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
