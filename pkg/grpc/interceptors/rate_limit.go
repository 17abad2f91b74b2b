package interceptors

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RetryAfterKey is the response header carrying the wait, in milliseconds,
// before a limited session may call again.
const RetryAfterKey = "retry-after-ms"

// sessionIdle is how long a session bucket survives without requests.
// Slaves get a new session on every master switch, so old buckets would
// otherwise accumulate.
const sessionIdle = 10 * time.Minute

// RateLimiter keeps one token bucket per slave session.
type RateLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	sessions  map[string]*sessionBucket
	lastSweep time.Time
}

type sessionBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows each session requestsPerSecond with the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
		sessions: make(map[string]*sessionBucket),
	}
}

// allow takes a token for session, returning the wait before the next one
// when none is left.
func (rl *RateLimiter) allow(session string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > sessionIdle {
		for id, b := range rl.sessions {
			if now.Sub(b.lastSeen) > sessionIdle {
				delete(rl.sessions, id)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.sessions[session]
	if !ok {
		b = &sessionBucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.sessions[session] = b
	}
	b.lastSeen = now
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Sessions returns the number of tracked session buckets.
func (rl *RateLimiter) Sessions() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// RateLimitUnaryInterceptor rejects requests of a session above its budget
// with ResourceExhausted. Health checks are never limited.
func RateLimitUnaryInterceptor(rl *RateLimiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		ok, wait := rl.allow(callerSession(ctx))
		if !ok {
			_ = grpc.SetHeader(ctx, metadata.Pairs(RetryAfterKey, strconv.FormatInt(wait.Milliseconds(), 10)))
			return nil, status.Errorf(codes.ResourceExhausted, "session over its request budget, retry in %s", wait)
		}
		return handler(ctx, req)
	}
}

func callerSession(ctx context.Context) string {
	if session, ok := sessionFromContext(ctx); ok {
		return session
	}
	if session := firstMetadata(ctx, SessionKey); session != "" {
		return session
	}
	return "anonymous"
}
