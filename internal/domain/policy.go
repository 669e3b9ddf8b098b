package domain

import "time"

// QuotaPolicy 每个等级的静态配额策略，运行期只读。
type QuotaPolicy struct {
	QuotaBytes       int64   // 配额字节数
	TTLSeconds       int64   // 信封保留时长（秒）
	OverflowGracePct int     // 超额宽限百分比
	WarningRatio     float64 // 达到该使用率后 TTL 清理才会真正删除
}

// PolicyTable 等级到策略的映射，带全局兜底策略。
type PolicyTable struct {
	tiers    map[Tier]QuotaPolicy
	fallback QuotaPolicy
}

// NewPolicyTable 创建策略表。
func NewPolicyTable(tiers map[Tier]QuotaPolicy, fallback QuotaPolicy) *PolicyTable {
	copied := make(map[Tier]QuotaPolicy, len(tiers))
	for tier, policy := range tiers {
		copied[tier] = policy
	}
	return &PolicyTable{tiers: copied, fallback: fallback}
}

// DefaultPolicyTable 返回内置的默认策略表。
func DefaultPolicyTable() *PolicyTable {
	return NewPolicyTable(map[Tier]QuotaPolicy{
		TierFree: {
			QuotaBytes:       30 * 1024 * 1024, // 30MB
			TTLSeconds:       30 * 24 * 3600,   // 30天
			OverflowGracePct: 0,
			WarningRatio:     0.8,
		},
		TierPro: {
			QuotaBytes:       200 * 1024 * 1024,
			TTLSeconds:       90 * 24 * 3600,
			OverflowGracePct: 10,
			WarningRatio:     0.8,
		},
		TierBusiness: {
			QuotaBytes:       1024 * 1024 * 1024,
			TTLSeconds:       180 * 24 * 3600,
			OverflowGracePct: 20,
			WarningRatio:     0.9,
		},
	}, QuotaPolicy{
		QuotaBytes:       30 * 1024 * 1024,
		TTLSeconds:       30 * 24 * 3600,
		OverflowGracePct: 0,
		WarningRatio:     0.8,
	})
}

// TierPolicy 返回某等级的默认策略（未知等级回落到全局兜底）。
func (t *PolicyTable) TierPolicy(tier Tier) QuotaPolicy {
	if policy, ok := t.tiers[tier]; ok {
		return policy
	}
	return t.fallback
}

// ResolvedPolicy 三级解析（账户覆盖 → 等级默认 → 全局兜底）后的完整策略。
type ResolvedPolicy struct {
	QuotaBytes       int64
	TTLSeconds       int64
	OverflowGracePct int
	WarningRatio     float64
}

// Resolve 为账户解析生效策略。
//
// 解析链：账户上的非空覆盖字段优先，其次是账户等级的默认策略，
// 未配置的等级回落到全局兜底。WarningRatio 不支持按账户覆盖。
func (t *PolicyTable) Resolve(acct *Account) ResolvedPolicy {
	base := t.fallback
	if acct != nil {
		base = t.TierPolicy(acct.Tier)
	}

	resolved := ResolvedPolicy{
		QuotaBytes:       base.QuotaBytes,
		TTLSeconds:       base.TTLSeconds,
		OverflowGracePct: base.OverflowGracePct,
		WarningRatio:     base.WarningRatio,
	}
	if acct == nil {
		return resolved
	}
	if acct.QuotaBytes != nil {
		resolved.QuotaBytes = *acct.QuotaBytes
	}
	if acct.TTLSeconds != nil {
		resolved.TTLSeconds = *acct.TTLSeconds
	}
	if acct.OverflowGracePct != nil {
		resolved.OverflowGracePct = *acct.OverflowGracePct
	}
	return resolved
}

// GraceLimit 真正的拒收阈值：floor(quotaBytes × (1 + overflowGracePct/100))。
func (p ResolvedPolicy) GraceLimit() int64 {
	return p.QuotaBytes + p.QuotaBytes*int64(p.OverflowGracePct)/100
}

// TTL 返回信封保留时长。
func (p ResolvedPolicy) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// UsageRatio 计算使用率；配额为 0 时视为已满。
func (p ResolvedPolicy) UsageRatio(usedBytes int64) float64 {
	if p.QuotaBytes <= 0 {
		return 1
	}
	return float64(usedBytes) / float64(p.QuotaBytes)
}
