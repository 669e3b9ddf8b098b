package storage

import (
	"errors"
	"time"

	"walletrelay/backend/internal/domain"
)

var (
	// ErrEnvelopeNotFound 信封未找到错误
	ErrEnvelopeNotFound = errors.New("envelope not found")
	// ErrAccountNotFound 账户未找到错误
	ErrAccountNotFound = errors.New("account not found")
)

// MailboxStats 信箱聚合统计。
type MailboxStats struct {
	Count int
	Bytes int64
}

// EnvelopeRepository 定义信封数据存取操作。
//
// 信封以 (to, id) 为唯一键；SaveEnvelope 对同键执行覆盖写。
type EnvelopeRepository interface {
	SaveEnvelope(envelope *domain.Envelope) error
	GetEnvelope(wallet, id string) (*domain.Envelope, error)
	// ListEnvelopes 按 (enqueuedAt, id) 升序返回游标之后的信封
	ListEnvelopes(wallet string, cursor domain.Cursor, limit int) ([]domain.Envelope, error)
	// ListAllEnvelopes 跨收件人的有界扫描，供对账使用；cursor 为上一批最后一条的键
	ListAllEnvelopes(cursor string, limit int) ([]domain.Envelope, string, error)
	MarkDelivered(wallet string, ids []string, at time.Time) error
	DeleteEnvelopes(wallet string, ids []string) (int, error)
	// PurgeMailbox 删除收件人的全部信封，并在同一原子操作内把账户
	// 的 UsedBytes 归零
	PurgeMailbox(wallet string) (MailboxStats, error)

	// TTL 清理的记账查询
	CountExpired(wallet string, threshold time.Time) (MailboxStats, error)
	DeleteExpired(wallet string, threshold time.Time) (MailboxStats, error)
	MailboxSnapshot(wallet string) (MailboxStats, error)
}

// AccountRepository 定义账户台账存取操作。
//
// UsedBytes 不提供读-改-写路径：入队走 ReserveBytes 的条件原子增量，
// 预留回滚走 AddUsedBytes 的负增量，TTL 清理走 SetUsedBytes 的权威
// 重算写入；清空信箱的归零由 PurgeMailbox 在删除的同一原子操作内完成。
type AccountRepository interface {
	GetAccount(wallet string) (*domain.Account, error)
	SaveAccount(account *domain.Account) error
	// ReserveBytes 在 UsedBytes+delta 不超过 limit 的前提下原子增加
	// 已用字节数；超限时返回 false 且不做任何修改。检查与写入必须在
	// 同一原子操作内完成。delta 非正时无条件生效
	ReserveBytes(wallet string, delta, limit int64) (bool, error)
	AddUsedBytes(wallet string, delta int64) error
	SetUsedBytes(wallet string, value int64) error
	// ListAccounts 游标式遍历全部账户，限制单批内存占用
	ListAccounts(cursor string, limit int) ([]domain.Account, string, error)
}

// RateLimitRepository 定义限流计数操作。
type RateLimitRepository interface {
	IncrementRateLimit(key string, window time.Duration) (int64, error)
	GetRateLimit(key string) (int64, error)
}

// AbuseRepository 定义滥用追踪存取操作。
type AbuseRepository interface {
	RecordAbuseEvent(scope domain.AbuseScope, id string, window time.Duration) (int64, error)
	GetBlock(scope domain.AbuseScope, id string) (*time.Time, error)
	SetBlock(scope domain.AbuseScope, id string, until time.Time) error
	ClearBlock(scope domain.AbuseScope, id string) error
}

// PubSubRepository 定义新消息通知的发布操作（尽力而为）。
type PubSubRepository interface {
	PublishNewMail(wallet string, envelope *domain.Envelope) error
}

// Store 定义完整的存储接口。
type Store interface {
	EnvelopeRepository
	AccountRepository
	RateLimitRepository
	AbuseRepository
	PubSubRepository

	// 工具方法
	Close() error
	Health() error
}
