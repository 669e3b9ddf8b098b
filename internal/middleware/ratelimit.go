package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/service"
	"walletrelay/backend/internal/storage"
)

// RateLimiter 固定窗口限流中间件。
//
// 计数键为 route:scope:id，wallet 与 ip 两个维度各计各的。超限
// 请求收到 429 与 Retry-After，同时给滥用追踪器记一次事件——
// 窗口内反复触限会升级成临时封禁（见 BlockGate）。
type RateLimiter struct {
	store   storage.RateLimitRepository
	abuse   *service.AbuseTracker
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewRateLimiter 创建限流中间件。
func NewRateLimiter(store storage.RateLimitRepository, abuse *service.AbuseTracker, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{store: store, abuse: abuse, log: log}
}

// SetMetrics 注入监控指标（可选）。
func (rl *RateLimiter) SetMetrics(m *monitoring.Metrics) {
	rl.metrics = m
}

// Limit 返回指定路由的限流处理器。
//
// 已认证请求按钱包限流，匿名请求按客户端 IP 限流。
func (rl *RateLimiter) Limit(route string, limit config.RouteLimit) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := domain.ScopeIP
		id := c.ClientIP()
		if wallet := WalletFromContext(c); wallet != "" {
			scope = domain.ScopeWallet
			id = wallet
		}

		key := fmt.Sprintf("%s:%s:%s", route, scope, id)
		count, err := rl.store.IncrementRateLimit(key, limit.Window)
		if err != nil {
			// 限流器故障时放行，不能因为 Redis 抖动拒绝所有流量
			rl.log.Warn("rate limit counter unavailable",
				zap.String("key", key),
				zap.Error(err))
			c.Next()
			return
		}

		remaining := limit.Max - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(limit.Max, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > limit.Max {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit(route, string(scope))
			}
			if rl.abuse != nil {
				if _, _, err := rl.abuse.RecordViolation(scope, id); err != nil {
					rl.log.Warn("failed to record abuse event",
						zap.String("scope", string(scope)),
						zap.Error(err))
				}
			}

			retryAfter := limit.Window
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"retryAfter": int(retryAfter.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
