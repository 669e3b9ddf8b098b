package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage"
)

// FetchResult 一页待取信封与下一页游标。
type FetchResult struct {
	Envelopes  []domain.Envelope `json:"envelopes"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// AckResult 确认操作的返回。
type AckResult struct {
	Acked int `json:"acked"`
}

// PurgeResult 清空信箱的返回。
type PurgeResult struct {
	MessagesDeleted int   `json:"messagesDeleted"`
	BytesFreed      int64 `json:"bytesFreed"`
	UsedBytesNow    int64 `json:"usedBytesNow"`
}

// UsageSummary 信箱用量概览，供运维与客户端展示。
type UsageSummary struct {
	Wallet           string      `json:"wallet"`
	Tier             domain.Tier `json:"tier"`
	QuotaBytes       int64       `json:"quotaBytes"`
	UsedBytes        int64       `json:"usedBytes"`
	FreeBytes        int64       `json:"freeBytes"`
	GraceLimit       int64       `json:"graceLimit"`
	TTLSeconds       int64       `json:"ttlSeconds"`
	WarningRatio     float64     `json:"warningRatio"`
	MaxEnvelopeBytes int64       `json:"maxEnvelopeBytes"`
	MessageCount     int         `json:"messageCount"`
}

// Fetch 按入队顺序分页返回收件人的待取信封。
//
// 首次取到的信封会标记 deliveredAt（幂等，重复拉取不改写），
// 不改动 UsedBytes——已投递未确认的消息在过期前仍占配额。
func (s *RelayService) Fetch(wallet, cursorStr string, limit int) (*FetchResult, error) {
	cursor, err := domain.DecodeCursor(cursorStr)
	if err != nil {
		return nil, errors.Join(ErrInvalidCursor, err)
	}

	if limit <= 0 {
		limit = s.cfg.Relay.FetchPageSize
	}
	if limit > s.cfg.Relay.FetchMaxPageSize {
		limit = s.cfg.Relay.FetchMaxPageSize
	}

	envelopes, err := s.store.ListEnvelopes(wallet, cursor, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var undelivered []string
	for i := range envelopes {
		if envelopes[i].DeliveredAt == nil {
			undelivered = append(undelivered, envelopes[i].ID)
			envelopes[i].DeliveredAt = &now
		}
	}
	if len(undelivered) > 0 {
		if err := s.store.MarkDelivered(wallet, undelivered, now); err != nil {
			// 标记失败不影响本次投递，下次拉取会重试
			s.log.Warn("failed to mark envelopes delivered",
				zap.String("wallet", wallet),
				zap.Int("count", len(undelivered)),
				zap.Error(err))
		}
	}

	next := ""
	if len(envelopes) == limit {
		last := envelopes[len(envelopes)-1]
		next = domain.Cursor{EnqueuedAt: last.EnqueuedAt, ID: last.ID}.Encode()
	}

	if s.metrics != nil {
		s.metrics.RecordFetched(len(envelopes))
	}
	return &FetchResult{Envelopes: envelopes, NextCursor: next}, nil
}

// Ack 确认并删除指定信封。
//
// 幂等：确认已删除的 ID 是空操作而不是错误。不改动 UsedBytes，
// 字节释放由 TTL 清理或清空信箱完成。
func (s *RelayService) Ack(wallet string, ids []string) (*AckResult, error) {
	if len(ids) == 0 {
		return &AckResult{}, nil
	}

	deleted, err := s.store.DeleteEnvelopes(wallet, ids)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordAcked(int64(deleted))
	}
	return &AckResult{Acked: deleted}, nil
}

// Purge 清空收件人的整个信箱。
//
// 删除与 UsedBytes 归零在存储层的同一原子操作内完成，中途崩溃
// 不会留下已删信封仍在计数的状态。
func (s *RelayService) Purge(wallet string) (*PurgeResult, error) {
	stats, err := s.store.PurgeMailbox(wallet)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordPurged(stats.Count)
	}
	s.log.Info("mailbox purged",
		zap.String("wallet", wallet),
		zap.Int("messages", stats.Count),
		zap.Int64("bytes", stats.Bytes))

	return &PurgeResult{
		MessagesDeleted: stats.Count,
		BytesFreed:      stats.Bytes,
		UsedBytesNow:    0,
	}, nil
}

// Usage 返回某收件人的配额与用量概览。
func (s *RelayService) Usage(wallet string) (*UsageSummary, error) {
	account, err := s.store.GetAccount(wallet)
	if err != nil {
		if !errors.Is(err, storage.ErrAccountNotFound) {
			return nil, err
		}
		account = &domain.Account{Wallet: wallet, Tier: s.cfg.Relay.DefaultTier}
	}
	policy := s.policies.Resolve(account)

	snapshot, err := s.store.MailboxSnapshot(wallet)
	if err != nil {
		return nil, err
	}

	free := policy.QuotaBytes - account.UsedBytes
	if free < 0 {
		free = 0
	}
	return &UsageSummary{
		Wallet:           wallet,
		Tier:             account.Tier,
		QuotaBytes:       policy.QuotaBytes,
		UsedBytes:        account.UsedBytes,
		FreeBytes:        free,
		GraceLimit:       policy.GraceLimit(),
		TTLSeconds:       policy.TTLSeconds,
		WarningRatio:     policy.WarningRatio,
		MaxEnvelopeBytes: s.cfg.Relay.MaxEnvelopeBytes,
		MessageCount:     snapshot.Count,
	}, nil
}

// SetTier 调整账户等级（运维接口），不存在时按新等级建档。
func (s *RelayService) SetTier(wallet string, tier domain.Tier) (*domain.Account, error) {
	if !domain.ValidTier(tier) {
		return nil, errors.New("invalid tier")
	}

	account, err := s.getOrCreateAccount(wallet)
	if err != nil {
		return nil, err
	}
	account.Tier = tier
	account.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}
