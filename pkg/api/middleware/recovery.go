package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/graphkeep/graphkeep/pkg/api/response"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Recovery turns handler panics into 500 responses.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.ErrorContext(r.Context(), "panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"stack", string(debug.Stack()),
					)
					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"internal server error",
						requestIDOrUnknown(r),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
