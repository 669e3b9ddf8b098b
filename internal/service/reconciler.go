package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/history"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/storage"
)

// Reconciler 历史对账任务。
//
// 正向核对（中继 → 历史）发现缺失的历史记录并按信封内容补录；
// 反向核对（历史 → 中继）只统计不修复——信封在被历史库持久记录
// 后允许过期，缺失不是故障。
type Reconciler struct {
	relay   storage.EnvelopeRepository
	history history.Store
	cfg     config.ReconcilerConfig
	log     *zap.Logger
	metrics *monitoring.Metrics

	// 补录写入限速，避免一轮修复压垮历史库
	repairLimiter *rate.Limiter

	running atomic.Bool
	cursor  string // 跨轮持久的扫描游标，扫完一圈后归零
}

// NewReconciler 创建对账任务。
func NewReconciler(relay storage.EnvelopeRepository, hist history.Store, cfg config.ReconcilerConfig, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RepairPerSecond > 0 {
		limit = rate.Limit(cfg.RepairPerSecond)
	}

	return &Reconciler{
		relay:         relay,
		history:       hist,
		cfg:           cfg,
		log:           log,
		repairLimiter: rate.NewLimiter(limit, 1),
	}
}

// SetMetrics 注入监控指标（可选）。
func (r *Reconciler) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// ReconcileResult 一轮对账的汇总结果。
type ReconcileResult struct {
	Skipped          bool          `json:"skipped"`
	Scanned          int           `json:"scanned"`
	Matched          int           `json:"matched"`
	MissingInHistory int           `json:"missingInHistory"`
	Repaired         int           `json:"repaired"`
	RepairFailed     int           `json:"repairFailed"`
	MissingInRelay   int           `json:"missingInRelay"`
	Drift            int           `json:"drift"`
	Duration         time.Duration `json:"duration"`
}

// RunOnce 执行一轮对账。
//
// 每轮最多扫描 batchSize 封信封，游标跨轮推进，保证单轮在调度
// 周期内一定能结束。修复失败的信封不进重试队列：信封还没过期，
// 下一圈扫描自然会再碰到它。
func (r *Reconciler) RunOnce(ctx context.Context) *ReconcileResult {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("reconciliation pass already running, skipping")
		if r.metrics != nil {
			r.metrics.RecordReconcilerPass("skipped", 0)
		}
		return &ReconcileResult{Skipped: true}
	}
	defer r.running.Store(false)

	start := time.Now()
	result := &ReconcileResult{}

	r.reconcileForward(ctx, result)
	if r.cfg.CheckHistory {
		r.reconcileReverse(ctx, result)
	}

	result.Drift = result.MissingInHistory - result.Repaired
	if result.Drift < 0 {
		result.Drift = 0
	}
	result.Duration = time.Since(start)
	r.report(result)
	return result
}

// reconcileForward 中继 → 历史：补录缺失的历史记录。
func (r *Reconciler) reconcileForward(ctx context.Context, result *ReconcileResult) {
	envelopes, next, err := r.relay.ListAllEnvelopes(r.cursor, r.cfg.BatchSize)
	if err != nil {
		r.log.Error("failed to scan envelopes", zap.Error(err))
		result.RepairFailed++
		return
	}
	// 扫完一圈后从头再来
	r.cursor = next

	for i := range envelopes {
		envelope := &envelopes[i]
		result.Scanned++

		exists, err := r.history.Exists(ctx, envelope.ID)
		if err != nil {
			r.log.Warn("history existence check failed",
				zap.String("id", envelope.ID),
				zap.Error(err))
			result.RepairFailed++
			continue
		}
		if exists {
			result.Matched++
			continue
		}

		result.MissingInHistory++
		if !r.cfg.Repair {
			continue
		}

		if err := r.repairLimiter.Wait(ctx); err != nil {
			return
		}
		_, _, err = r.history.Append(ctx, history.AppendArgs{
			RelayMessageID: envelope.ID,
			From:           envelope.From,
			To:             envelope.To,
			Box:            envelope.Box,
			IV:             envelope.IV,
			MessageType:    string(envelope.MessageType),
			Meta:           envelope.Meta,
			EnqueuedAt:     envelope.EnqueuedAt,
		})
		if err != nil {
			result.RepairFailed++
			r.log.Warn("history repair failed",
				zap.String("id", envelope.ID),
				zap.Error(err))
			continue
		}
		result.Repaired++
	}
}

// reconcileReverse 历史 → 中继：只统计，不重建信封。
func (r *Reconciler) reconcileReverse(ctx context.Context, result *ReconcileResult) {
	cursor := ""
	remaining := r.cfg.BatchSize
	for remaining > 0 {
		limit := remaining
		links, next, err := r.history.ListLinks(ctx, cursor, limit)
		if err != nil {
			r.log.Warn("failed to list history links", zap.Error(err))
			return
		}

		for _, link := range links {
			_, err := r.relay.GetEnvelope(link.To, link.RelayMessageID)
			switch {
			case err == nil:
			case errors.Is(err, storage.ErrEnvelopeNotFound):
				result.MissingInRelay++
			default:
				// 读不到不等于缺失，存储故障只记日志不计数
				r.log.Warn("reverse check failed",
					zap.String("id", link.RelayMessageID),
					zap.Error(err))
			}
		}

		remaining -= len(links)
		if next == "" {
			return
		}
		cursor = next
	}
}

// report 输出一轮对账的汇总指标与日志。
func (r *Reconciler) report(result *ReconcileResult) {
	if r.metrics != nil {
		outcome := "ok"
		if result.RepairFailed > 0 {
			outcome = "partial"
		}
		r.metrics.RecordReconcilerPass(outcome, result.Duration)
		r.metrics.ReconcilerScanned.Add(float64(result.Scanned))
		r.metrics.ReconcilerRepaired.Add(float64(result.Repaired))
		r.metrics.ReconcilerFailed.Add(float64(result.RepairFailed))
		r.metrics.ReconcilerDrift.Set(float64(result.Drift))
	}

	r.log.Info("reconciliation pass finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("matched", result.Matched),
		zap.Int("missing_in_history", result.MissingInHistory),
		zap.Int("repaired", result.Repaired),
		zap.Int("repair_failed", result.RepairFailed),
		zap.Int("missing_in_relay", result.MissingInRelay),
		zap.Duration("duration", result.Duration))
}

// Start 按固定周期运行对账，直到 ctx 取消。
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}
