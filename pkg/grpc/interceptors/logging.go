package interceptors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// LoggingUnaryInterceptor logs every unary RPC with its status and duration.
// Successful calls are logged at debug level.
func LoggingUnaryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = logger.Global()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		requestID, ok := RequestIDFromContext(ctx)
		if !ok {
			requestID = "unknown"
		}
		session, _ := sessionFromContext(ctx)
		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}
		args := []any{
			"method", info.FullMethod,
			"request_id", requestID,
			"session", session,
			"code", code.String(),
			"duration", time.Since(start),
		}
		if err != nil {
			log.WarnContext(ctx, "grpc request failed", append(args, "error", err)...)
		} else {
			log.DebugContext(ctx, "grpc request", args...)
		}
		return resp, err
	}
}
