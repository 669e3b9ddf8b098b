package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"walletrelay/backend/internal/history"
	"walletrelay/backend/internal/storage"
)

// Checker 聚合存活与就绪探针。
//
// 存活检查只看进程自身，就绪检查还要求中继存储与历史库可达——
// 历史库不可达时对账会持续失败，实例不应再接流量。
type Checker struct {
	health  healthcheck.Handler
	store   storage.Store
	history history.Store
	log     *zap.Logger
}

// NewChecker 创建健康检查器；history 可为 nil。
func NewChecker(store storage.Store, hist history.Store, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Checker{
		health:  healthcheck.NewHandler(),
		store:   store,
		history: hist,
		log:     log,
	}
	c.addChecks()
	return c
}

func (c *Checker) addChecks() {
	c.health.AddReadinessCheck("store", func() error {
		return c.store.Health()
	})

	c.health.AddReadinessCheck("ratelimit", func() error {
		_, err := c.store.GetRateLimit("health_check")
		return err
	})

	if c.history != nil {
		c.health.AddReadinessCheck("history", func() error {
			return c.history.Health()
		})
	}
}

// Handler 返回就绪探针处理器
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(c.health.ReadyEndpoint)
}

// LiveHandler 返回存活探针处理器
func (c *Checker) LiveHandler() http.Handler {
	return http.HandlerFunc(c.health.LiveEndpoint)
}

// Snapshot 逐项执行检查并返回可读结果，供人工诊断用。
func (c *Checker) Snapshot() map[string]string {
	results := make(map[string]string)

	if err := c.store.Health(); err != nil {
		results["store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["store"] = "OK"
	}

	if _, err := c.store.GetRateLimit("health_check"); err != nil {
		results["ratelimit"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["ratelimit"] = "OK"
	}

	if c.history != nil {
		if err := c.history.Health(); err != nil {
			results["history"] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results["history"] = "OK"
		}
	} else {
		results["history"] = "NOT_CONFIGURED"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results
}
