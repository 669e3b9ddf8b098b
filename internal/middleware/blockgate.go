package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/service"
)

// BlockGate 临时封禁闸门。
//
// 叠在路由级限流之上的粗粒度熔断：滥用追踪器判定的封禁对象，
// 在封禁到期前所有被守护的操作统一快速失败。
type BlockGate struct {
	abuse   *service.AbuseTracker
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewBlockGate 创建封禁闸门。
func NewBlockGate(abuse *service.AbuseTracker, log *zap.Logger) *BlockGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlockGate{abuse: abuse, log: log}
}

// SetMetrics 注入监控指标（可选）。
func (bg *BlockGate) SetMetrics(m *monitoring.Metrics) {
	bg.metrics = m
}

// Guard 检查钱包与 IP 两个维度的封禁状态。
func (bg *BlockGate) Guard(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := []struct {
			scope domain.AbuseScope
			id    string
		}{
			{domain.ScopeIP, c.ClientIP()},
		}
		if wallet := WalletFromContext(c); wallet != "" {
			checks = append(checks, struct {
				scope domain.AbuseScope
				id    string
			}{domain.ScopeWallet, wallet})
		}

		for _, check := range checks {
			blocked, retryAfter, err := bg.abuse.CheckBlocked(check.scope, check.id)
			if err != nil {
				bg.log.Warn("block state unavailable",
					zap.String("scope", string(check.scope)),
					zap.Error(err))
				continue
			}
			if !blocked {
				continue
			}

			if bg.metrics != nil {
				bg.metrics.RecordRateLimitBlock(route, string(check.scope))
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "temporarily_blocked",
				"retryAfter": int(retryAfter.Seconds()) + 1,
				"until":      time.Now().UTC().Add(retryAfter).Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
