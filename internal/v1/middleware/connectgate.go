package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
)

// NewGateStore returns the counter store backing the connect gate. With a
// shared store client the counters are cluster-wide, so an IP hopping
// between servers cannot multiply its allowance. Without one, counters are
// process-local.
func NewGateStore(client goredis.UniversalClient) (limiter.Store, error) {
	if client == nil {
		return memory.NewStore(), nil
	}
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "streamhub:gate:",
	})
}

// ConnectGate caps how often a single IP may attempt the WebSocket upgrade.
// It guards the handshake only; per-message budgets are enforced after the
// socket is established.
func ConnectGate(store limiter.Store, rateFmt string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(rateFmt)
	if err != nil {
		return nil, fmt.Errorf("invalid connect rate %q: %w", rateFmt, err)
	}
	inst := limiter.New(store, rate)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open so a broken counter store does not block joins.
			logging.Error(ctx, "Connect gate store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("ws_connect").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many connection attempts",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}, nil
}
