package domain

import "time"

// Tier 账户等级，决定默认的配额策略。
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// ValidTier 判断等级是否合法。
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierBusiness:
		return true
	}
	return false
}

// Account 表示一个以钱包地址标识的信箱账户。
//
// UsedBytes 是核心不变量：必须始终等于该收件人当前保留的全部信封
// BoxSize 之和。它只会被入队引擎（原子增量）与 TTL 清理 / 信箱清空
// （权威重算）修改，拉取与确认不会改动它——已投递未确认的消息在
// 过期前仍然占用配额。
type Account struct {
	Wallet    string `json:"wallet" gorm:"primaryKey;type:varchar(128)"`
	Tier      Tier   `json:"tier" gorm:"type:varchar(16);default:free"`
	UsedBytes int64  `json:"usedBytes"`

	// 以下字段为空时回落到等级默认策略
	QuotaBytes       *int64 `json:"quotaBytes,omitempty"`
	TTLSeconds       *int64 `json:"ttlSeconds,omitempty"`
	OverflowGracePct *int   `json:"overflowGracePct,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
