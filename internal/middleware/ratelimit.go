package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// PathRateLimiter はパスごとのトークンバケットでリクエストを制限する。
// ローカルの別プロセスからコールバックを大量に送り込まれても、他のパスは影響を受けない。
type PathRateLimiter struct {
	limit  rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPathRateLimiter はPathRateLimiterを生成する。
func NewPathRateLimiter(limit rate.Limit, burst int, logger *slog.Logger) *PathRateLimiter {
	return &PathRateLimiter{
		limit:    limit,
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *PathRateLimiter) limiter(path string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[path]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[path] = lim
	}
	return lim
}

// Middleware は制限を超えたリクエストに429とRetry-Afterを返すミドルウェアを返す。
func (l *PathRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(r.URL.Path).Allow() {
			l.logger.Warn("callback rate limit exceeded",
				slog.String("request_id", RequestID(r.Context())),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(l.limit)))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds はトークンが1つ補充されるまでの秒数を切り上げで返す。
func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 || limit == rate.Inf {
		return 1
	}
	return max(int(math.Ceil(1/float64(limit))), 1)
}
