// Package ratelimit guards the websocket entrypoint against connection
// floods, keyed by client IP before authentication and by user id after.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
	"github.com/huddlekit/signaling/internal/v1/metrics"
)

// RateLimiter holds the websocket connection limiters. A nil RateLimiter
// allows everything; development mode runs without one.
type RateLimiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
	store  limiter.Store
}

// New builds a rate limiter from formatted rates ("20-M" style). With a
// Redis client the limits are shared across instances; without one they
// fall back to per-process memory.
func New(wsIPRate, wsUserRate string, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	userRate, err := limiter.NewRateFromFormatted(wsUserRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:   limiter.New(store, ipRate),
		wsUser: limiter.New(store, userRate),
		store:  store,
	}, nil
}

// CheckWebSocket enforces the per-IP connection limit. It writes the 429
// response itself and returns false when the caller should stop.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if rl == nil {
		return true
	}
	ctx := c.Request.Context()

	ipContext, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		// Fail open: a broken limiter store must not take signaling down.
		logging.Error(ctx, "WS rate limiter store failed (IP)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketUser enforces the per-user connection limit. Call it after
// the token has been validated.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	if rl == nil {
		return nil
	}
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed (user)", zap.Error(err))
		return nil // Fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}
	return nil
}
