package service

import (
	"time"

	"go.uber.org/zap"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/storage"
)

// AbuseTracker 滥用追踪与临时封禁。
//
// 这是叠在细粒度限流之上的第二层粗粒度熔断：限流命中会记一次
// 滥用事件，窗口内事件数达到阈值后生成临时封禁，封禁时长随
// 事件数翻倍直到上限。封禁到期自动失效，无需手工解除。
type AbuseTracker struct {
	store   storage.AbuseRepository
	cfg     config.AbuseConfig
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewAbuseTracker 创建滥用追踪器。
func NewAbuseTracker(store storage.AbuseRepository, cfg config.AbuseConfig, log *zap.Logger) *AbuseTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &AbuseTracker{store: store, cfg: cfg, log: log}
}

// SetMetrics 注入监控指标（可选）。
func (t *AbuseTracker) SetMetrics(m *monitoring.Metrics) {
	t.metrics = m
}

// CheckBlocked 查询某 scope/id 是否处于封禁中，返回剩余封禁时长。
func (t *AbuseTracker) CheckBlocked(scope domain.AbuseScope, id string) (bool, time.Duration, error) {
	until, err := t.store.GetBlock(scope, id)
	if err != nil {
		return false, 0, err
	}
	if until == nil {
		return false, 0, nil
	}
	remaining := time.Until(*until)
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordViolation 记录一次滥用事件，必要时升级为临时封禁。
//
// 返回值指示本次事件是否触发了封禁，以及封禁截止时间。
func (t *AbuseTracker) RecordViolation(scope domain.AbuseScope, id string) (bool, time.Time, error) {
	events, err := t.store.RecordAbuseEvent(scope, id, t.cfg.Window)
	if err != nil {
		return false, time.Time{}, err
	}
	if events < t.cfg.Threshold {
		return false, time.Time{}, nil
	}

	duration := t.blockDuration(events)
	until := time.Now().UTC().Add(duration)
	if err := t.store.SetBlock(scope, id, until); err != nil {
		return false, time.Time{}, err
	}

	if t.metrics != nil {
		t.metrics.RecordAbuseBlock(string(scope))
	}
	t.log.Warn("abuse block applied",
		zap.String("scope", string(scope)),
		zap.String("id", id),
		zap.Int64("events", events),
		zap.Duration("duration", duration))
	return true, until, nil
}

// blockDuration 计算封禁时长：基准时长按超阈值的事件数翻倍，封顶。
func (t *AbuseTracker) blockDuration(events int64) time.Duration {
	duration := t.cfg.BlockBase
	for i := t.cfg.Threshold; i < events; i++ {
		duration *= 2
		if duration >= t.cfg.BlockMax {
			return t.cfg.BlockMax
		}
	}
	if duration > t.cfg.BlockMax {
		return t.cfg.BlockMax
	}
	return duration
}

// Unblock 管理员手工解除封禁。
func (t *AbuseTracker) Unblock(scope domain.AbuseScope, id string) error {
	t.log.Info("abuse block cleared by operator",
		zap.String("scope", string(scope)),
		zap.String("id", id))
	return t.store.ClearBlock(scope, id)
}
