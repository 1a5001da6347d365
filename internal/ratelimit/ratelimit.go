// Package ratelimit enforces a fixed-window request budget per client.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/snellie/receipt-gateway/internal/apperr"
	"github.com/snellie/receipt-gateway/internal/logging"
)

// Counter increments a windowed counter and returns its new value.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter is a Counter backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr bumps key and refreshes its expiry. Keys are scoped to a single
// window, so refreshing never extends a budget.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Limiter allows Limit requests per Window for each client key.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// New returns a limiter; limit <= 0 disables it.
func New(counter Counter, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		now:     time.Now,
		logger:  logger.Named("ratelimit"),
	}
}

// Allow consumes one unit of the client's budget. Counter failures let the
// request through.
func (l *Limiter) Allow(ctx context.Context, client string) (allowed bool, remaining int64) {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true, -1
	}

	bucket := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("ratelimit:%s:%d", client, bucket)

	n, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		logging.WithOperation(l.logger, "ratelimit.incr", logging.RequestIDFromContext(ctx)).
			Warn("rate limit counter unavailable", zap.Error(err))
		return true, -1
	}
	if n > l.limit {
		return false, 0
	}
	return true, l.limit - n
}

// Middleware applies the limiter, keyed by keyFn (typically subject or IP).
func (l *Limiter) Middleware(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining := l.Allow(c.Request.Context(), keyFn(c))
		if remaining >= 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(l.limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			c.AbortWithStatusJSON(apperr.Response(apperr.New(apperr.RateLimited, "Rate limit exceeded")))
			return
		}
		c.Next()
	}
}
