package hybrid

import (
	"context"
	"time"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage"
	redisstore "walletrelay/backend/internal/storage/redis"
	sqlstore "walletrelay/backend/internal/storage/sql"
)

// Store 生产部署的组合存储：信封与账户台账走 SQL，
// 限流计数、滥用追踪与新消息发布走 Redis。
type Store struct {
	sql     *sqlstore.Store
	limiter *redisstore.Limiter
	redis   *redisstore.Client
}

// NewStore 创建组合存储。
func NewStore(sql *sqlstore.Store, redis *redisstore.Client) *Store {
	return &Store{
		sql:     sql,
		limiter: redisstore.NewLimiter(redis),
		redis:   redis,
	}
}

// ========== SQL 委托 ==========

func (s *Store) SaveEnvelope(envelope *domain.Envelope) error { return s.sql.SaveEnvelope(envelope) }

func (s *Store) GetEnvelope(wallet, id string) (*domain.Envelope, error) {
	return s.sql.GetEnvelope(wallet, id)
}

func (s *Store) ListEnvelopes(wallet string, cursor domain.Cursor, limit int) ([]domain.Envelope, error) {
	return s.sql.ListEnvelopes(wallet, cursor, limit)
}

func (s *Store) ListAllEnvelopes(cursor string, limit int) ([]domain.Envelope, string, error) {
	return s.sql.ListAllEnvelopes(cursor, limit)
}

func (s *Store) MarkDelivered(wallet string, ids []string, at time.Time) error {
	return s.sql.MarkDelivered(wallet, ids, at)
}

func (s *Store) DeleteEnvelopes(wallet string, ids []string) (int, error) {
	return s.sql.DeleteEnvelopes(wallet, ids)
}

func (s *Store) PurgeMailbox(wallet string) (storage.MailboxStats, error) {
	return s.sql.PurgeMailbox(wallet)
}

func (s *Store) CountExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	return s.sql.CountExpired(wallet, threshold)
}

func (s *Store) DeleteExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	return s.sql.DeleteExpired(wallet, threshold)
}

func (s *Store) MailboxSnapshot(wallet string) (storage.MailboxStats, error) {
	return s.sql.MailboxSnapshot(wallet)
}

func (s *Store) GetAccount(wallet string) (*domain.Account, error) { return s.sql.GetAccount(wallet) }

func (s *Store) SaveAccount(account *domain.Account) error { return s.sql.SaveAccount(account) }

func (s *Store) ReserveBytes(wallet string, delta, limit int64) (bool, error) {
	return s.sql.ReserveBytes(wallet, delta, limit)
}

func (s *Store) AddUsedBytes(wallet string, delta int64) error {
	return s.sql.AddUsedBytes(wallet, delta)
}

func (s *Store) SetUsedBytes(wallet string, value int64) error {
	return s.sql.SetUsedBytes(wallet, value)
}

func (s *Store) ListAccounts(cursor string, limit int) ([]domain.Account, string, error) {
	return s.sql.ListAccounts(cursor, limit)
}

// ========== Redis 委托 ==========

func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	return s.limiter.IncrementRateLimit(key, window)
}

func (s *Store) GetRateLimit(key string) (int64, error) {
	return s.limiter.GetRateLimit(key)
}

func (s *Store) RecordAbuseEvent(scope domain.AbuseScope, id string, window time.Duration) (int64, error) {
	return s.limiter.RecordAbuseEvent(scope, id, window)
}

func (s *Store) GetBlock(scope domain.AbuseScope, id string) (*time.Time, error) {
	return s.limiter.GetBlock(scope, id)
}

func (s *Store) SetBlock(scope domain.AbuseScope, id string, until time.Time) error {
	return s.limiter.SetBlock(scope, id, until)
}

func (s *Store) ClearBlock(scope domain.AbuseScope, id string) error {
	return s.limiter.ClearBlock(scope, id)
}

func (s *Store) PublishNewMail(wallet string, envelope *domain.Envelope) error {
	return s.limiter.PublishNewMail(wallet, envelope)
}

// ========== 工具方法 ==========

// Close 依次关闭两侧连接。
func (s *Store) Close() error {
	sqlErr := s.sql.Close()
	redisErr := s.redis.Close()
	if sqlErr != nil {
		return sqlErr
	}
	return redisErr
}

// Health 两侧任一不可用即不健康。
func (s *Store) Health() error {
	if err := s.sql.Health(); err != nil {
		return err
	}
	return s.redis.Ping(context.Background())
}
