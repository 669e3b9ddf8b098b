package domain

import "time"

// AbuseScope 滥用记录的主体维度。
type AbuseScope string

const (
	ScopeWallet AbuseScope = "wallet"
	ScopeIP     AbuseScope = "ip"
)

// AbuseRecord 表示 (scope, id) 在当前滑动窗口内的滥用状态。
//
// 记录在第一次违规时创建，窗口关闭且无活跃封禁后自然过期，
// 窗口之外不保留历史。
type AbuseRecord struct {
	Scope        AbuseScope `json:"scope"`
	ID           string     `json:"id"`
	Events       int64      `json:"events"`       // 窗口内的违规次数
	WindowStart  time.Time  `json:"windowStart"`  // 当前窗口起点
	BlockedUntil *time.Time `json:"blockedUntil"` // 临时封禁截止时间
}

// Blocked 判断该主体此刻是否处于封禁状态。
func (r *AbuseRecord) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}
