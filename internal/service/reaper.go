package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/storage"
)

// Reaper TTL 清理任务。
//
// 周期性遍历全部账户，删除超过保留时长的信封，并用权威字节和
// 重算每个账户的 UsedBytes。重算步骤无条件执行，用来收敛入队
// 路径部分失败留下的计数漂移。
type Reaper struct {
	store    storage.Store
	policies *domain.PolicyTable
	cfg      config.ReaperConfig
	log      *zap.Logger
	metrics  *monitoring.Metrics

	running atomic.Bool
}

// NewReaper 创建 TTL 清理任务。
func NewReaper(store storage.Store, policies *domain.PolicyTable, cfg config.ReaperConfig, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		store:    store,
		policies: policies,
		cfg:      cfg,
		log:      log,
	}
}

// SetMetrics 注入监控指标（可选）。
func (r *Reaper) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// TierTotals 单个等级在一轮清理中的汇总。
type TierTotals struct {
	Deleted    int   `json:"deleted"`
	BytesFreed int64 `json:"bytesFreed"`
	UsedBytes  int64 `json:"usedBytes"`
}

// ReapResult 一轮清理的汇总结果。
type ReapResult struct {
	Skipped         bool                        `json:"skipped"`
	AccountsScanned int                         `json:"accountsScanned"`
	Deleted         int                         `json:"deleted"`
	BytesFreed      int64                       `json:"bytesFreed"`
	Errors          int                         `json:"errors"`
	PerTier         map[domain.Tier]*TierTotals `json:"perTier"`
	Duration        time.Duration               `json:"duration"`
}

// RunOnce 执行一轮清理。
//
// 单飞：已有一轮在跑时新触发直接返回 skipped，不排队。单个账户
// 的失败只计数并记日志，不会中断整轮。
func (r *Reaper) RunOnce() *ReapResult {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("reaper pass already running, skipping")
		if r.metrics != nil {
			r.metrics.RecordReaperPass("skipped", 0)
		}
		return &ReapResult{Skipped: true}
	}
	defer r.running.Store(false)

	start := time.Now()
	now := start.UTC()
	result := &ReapResult{PerTier: make(map[domain.Tier]*TierTotals)}

	cursor := ""
	for {
		accounts, next, err := r.store.ListAccounts(cursor, r.cfg.PageSize)
		if err != nil {
			r.log.Error("failed to list accounts", zap.Error(err))
			result.Errors++
			break
		}

		for i := range accounts {
			account := &accounts[i]
			result.AccountsScanned++
			if err := r.reapAccount(account, now, result); err != nil {
				result.Errors++
				r.log.Warn("reap failed for account",
					zap.String("wallet", account.Wallet),
					zap.Error(err))
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	result.Duration = time.Since(start)
	r.report(result)
	return result
}

// reapAccount 处理单个账户：条件删除过期信封 + 无条件重算用量。
func (r *Reaper) reapAccount(account *domain.Account, now time.Time, result *ReapResult) error {
	policy := r.policies.Resolve(account)
	threshold := now.Add(-policy.TTL())

	expired, err := r.store.CountExpired(account.Wallet, threshold)
	if err != nil {
		return err
	}

	totals := result.PerTier[account.Tier]
	if totals == nil {
		totals = &TierTotals{}
		result.PerTier[account.Tier] = totals
	}

	// 只有使用率达到告警线才真正删除；低水位账户的过期信封
	// 保留不动，用存储换可用性
	if expired.Count > 0 && policy.UsageRatio(account.UsedBytes) >= policy.WarningRatio {
		deleted, err := r.store.DeleteExpired(account.Wallet, threshold)
		if err != nil {
			return err
		}
		result.Deleted += deleted.Count
		result.BytesFreed += deleted.Bytes
		totals.Deleted += deleted.Count
		totals.BytesFreed += deleted.Bytes
	}

	// 权威重算：不管有没有删除都执行，自愈任何计数漂移
	snapshot, err := r.store.MailboxSnapshot(account.Wallet)
	if err != nil {
		return err
	}
	if err := r.store.SetUsedBytes(account.Wallet, snapshot.Bytes); err != nil {
		return err
	}
	totals.UsedBytes += snapshot.Bytes
	return nil
}

// report 输出一轮清理的汇总指标与日志。
func (r *Reaper) report(result *ReapResult) {
	if r.metrics != nil {
		outcome := "ok"
		if result.Errors > 0 {
			outcome = "partial"
		}
		r.metrics.RecordReaperPass(outcome, result.Duration)
		for tier, totals := range result.PerTier {
			r.metrics.RecordReaperTier(string(tier), int64(totals.Deleted), totals.BytesFreed)
			r.metrics.MailboxUsedBytes.WithLabelValues(string(tier)).Set(float64(totals.UsedBytes))
		}
	}

	r.log.Info("reaper pass finished",
		zap.Int("accounts", result.AccountsScanned),
		zap.Int("deleted", result.Deleted),
		zap.Int64("bytes_freed", result.BytesFreed),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", result.Duration))
}

// Start 按固定周期运行清理，直到 ctx 取消。
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("reaper started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}
