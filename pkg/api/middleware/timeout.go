package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/api/response"
)

// timeoutWriter buffers nothing; it drops writes once the deadline answer
// has been sent.
type timeoutWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	header   http.Header
	timedOut bool
	wrote    bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wrote {
		return
	}
	tw.wrote = true
	dst := tw.w.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.ensureHeader()
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	return tw.w.Write(b)
}

func (tw *timeoutWriter) ensureHeader() {
	tw.mu.Lock()
	wrote := tw.wrote
	tw.mu.Unlock()
	if !wrote {
		tw.WriteHeader(http.StatusOK)
	}
}

// expire marks the writer timed out and reports whether the handler had
// not answered yet.
func (tw *timeoutWriter) expire() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true
	return !tw.wrote
}

// Timeout bounds handler execution. Handlers see the deadline on the
// request context; a handler still running at the deadline gets its
// writes dropped and the caller receives 504.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{w: w, header: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan interface{}, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case p := <-panicked:
				panic(p)
			case <-ctx.Done():
				if tw.expire() {
					response.Error(w,
						http.StatusGatewayTimeout,
						response.ErrCodeGatewayTimeout,
						"request timeout",
						requestIDOrUnknown(r),
					)
				}
			}
		})
	}
}
