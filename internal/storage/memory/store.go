package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage"
)

// Store 使用内存保存信封与账户数据，主要用于开发验证与测试。
type Store struct {
	mu        sync.RWMutex
	envelopes map[string]map[string]*domain.Envelope // wallet -> envelopeID -> envelope
	accounts  map[string]*domain.Account             // wallet -> account

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期速率限制的时间

	// 滥用追踪
	abuse map[string]*domain.AbuseRecord // "scope:id" -> record

	// 新消息通知回调（开发模式下直连 WebSocket Hub）
	notifyFn func(wallet string, envelope *domain.Envelope)

	// 故障注入：测试用
	saveEnvelopeErr error
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		envelopes:         make(map[string]map[string]*domain.Envelope),
		accounts:          make(map[string]*domain.Account),
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
		abuse:             make(map[string]*domain.AbuseRecord),
	}
}

// SetNewMailFunc 设置新消息通知回调（可选）。
func (s *Store) SetNewMailFunc(fn func(wallet string, envelope *domain.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyFn = fn
}

// ========== Envelope Repository ==========

// FailSaveEnvelope 让后续 SaveEnvelope 调用返回指定错误（测试用）。
func (s *Store) FailSaveEnvelope(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveEnvelopeErr = err
}

// SaveEnvelope 保存信封，同键 (to, id) 覆盖写。
func (s *Store) SaveEnvelope(envelope *domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveEnvelopeErr != nil {
		return s.saveEnvelopeErr
	}

	mailbox, ok := s.envelopes[envelope.To]
	if !ok {
		mailbox = make(map[string]*domain.Envelope)
		s.envelopes[envelope.To] = mailbox
	}

	copied := *envelope
	mailbox[envelope.ID] = &copied
	return nil
}

// GetEnvelope 获取单封信封。
func (s *Store) GetEnvelope(wallet, id string) (*domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.envelopes[wallet]
	if !ok {
		return nil, storage.ErrEnvelopeNotFound
	}
	envelope, ok := mailbox[id]
	if !ok {
		return nil, storage.ErrEnvelopeNotFound
	}

	copied := *envelope
	return &copied, nil
}

// ListEnvelopes 按 (enqueuedAt, id) 升序返回游标之后的信封。
func (s *Store) ListEnvelopes(wallet string, cursor domain.Cursor, limit int) ([]domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox := s.envelopes[wallet]
	result := make([]domain.Envelope, 0, limit)
	for _, envelope := range mailbox {
		if cursor.IsZero() || cursor.Before(envelope) {
			result = append(result, *envelope)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].EnqueuedAt.Equal(result[j].EnqueuedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].EnqueuedAt.Before(result[j].EnqueuedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListAllEnvelopes 跨收件人的有界扫描，按 (to, id) 排序。
func (s *Store) ListAllEnvelopes(cursor string, limit int) ([]domain.Envelope, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Envelope, 0)
	for _, mailbox := range s.envelopes {
		for _, envelope := range mailbox {
			all = append(all, *envelope)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].To == all[j].To {
			return all[i].ID < all[j].ID
		}
		return all[i].To < all[j].To
	})

	start := 0
	if cursor != "" {
		for i, envelope := range all {
			if envelopeScanKey(&envelope) > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) && len(page) > 0 {
		next = envelopeScanKey(&page[len(page)-1])
	}
	return page, next, nil
}

func envelopeScanKey(e *domain.Envelope) string {
	return e.To + "\x00" + e.ID
}

// MarkDelivered 为尚未投递的信封记录投递时间（幂等）。
func (s *Store) MarkDelivered(wallet string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox := s.envelopes[wallet]
	for _, id := range ids {
		if envelope, ok := mailbox[id]; ok && envelope.DeliveredAt == nil {
			t := at
			envelope.DeliveredAt = &t
		}
	}
	return nil
}

// DeleteEnvelopes 删除指定信封，返回实际删除数量（幂等）。
func (s *Store) DeleteEnvelopes(wallet string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox := s.envelopes[wallet]
	count := 0
	for _, id := range ids {
		if _, ok := mailbox[id]; ok {
			delete(mailbox, id)
			count++
		}
	}
	return count, nil
}

// PurgeMailbox 删除收件人的全部信封并把账户计数归零，返回删除统计。
func (s *Store) PurgeMailbox(wallet string) (storage.MailboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := storage.MailboxStats{}
	for _, envelope := range s.envelopes[wallet] {
		stats.Count++
		stats.Bytes += envelope.BoxSize
	}
	delete(s.envelopes, wallet)

	// 归零与删除同一临界区，对外不可见中间状态
	if account, ok := s.accounts[wallet]; ok {
		account.UsedBytes = 0
		account.UpdatedAt = time.Now().UTC()
	}
	return stats, nil
}

// CountExpired 统计早于阈值的信封数量与字节数。
func (s *Store) CountExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := storage.MailboxStats{}
	for _, envelope := range s.envelopes[wallet] {
		if envelope.EnqueuedAt.Before(threshold) {
			stats.Count++
			stats.Bytes += envelope.BoxSize
		}
	}
	return stats, nil
}

// DeleteExpired 删除早于阈值的信封，返回删除统计。
func (s *Store) DeleteExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := storage.MailboxStats{}
	mailbox := s.envelopes[wallet]
	for id, envelope := range mailbox {
		if envelope.EnqueuedAt.Before(threshold) {
			stats.Count++
			stats.Bytes += envelope.BoxSize
			delete(mailbox, id)
		}
	}
	return stats, nil
}

// MailboxSnapshot 返回信箱当前的权威统计。
func (s *Store) MailboxSnapshot(wallet string) (storage.MailboxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := storage.MailboxStats{}
	for _, envelope := range s.envelopes[wallet] {
		stats.Count++
		stats.Bytes += envelope.BoxSize
	}
	return stats, nil
}

// ========== Account Repository ==========

// GetAccount 获取账户。
func (s *Store) GetAccount(wallet string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[wallet]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// SaveAccount 保存账户。
func (s *Store) SaveAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	copied := *account
	s.accounts[account.Wallet] = &copied
	return nil
}

// ReserveBytes 条件原子增加已用字节数，检查与写入在同一临界区内完成。
func (s *Store) ReserveBytes(wallet string, delta, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[wallet]
	if !ok {
		return false, storage.ErrAccountNotFound
	}
	if delta > 0 && account.UsedBytes+delta > limit {
		return false, nil
	}
	account.UsedBytes += delta
	if account.UsedBytes < 0 {
		account.UsedBytes = 0
	}
	account.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AddUsedBytes 原子增加账户的已用字节数。
func (s *Store) AddUsedBytes(wallet string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[wallet]
	if !ok {
		return storage.ErrAccountNotFound
	}
	account.UsedBytes += delta
	if account.UsedBytes < 0 {
		account.UsedBytes = 0
	}
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// SetUsedBytes 以权威重算结果覆盖已用字节数。
func (s *Store) SetUsedBytes(wallet string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[wallet]
	if !ok {
		return storage.ErrAccountNotFound
	}
	account.UsedBytes = value
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// ListAccounts 游标式遍历账户（按钱包地址排序）。
func (s *Store) ListAccounts(cursor string, limit int) ([]domain.Account, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallets := make([]string, 0, len(s.accounts))
	for wallet := range s.accounts {
		if cursor == "" || wallet > cursor {
			wallets = append(wallets, wallet)
		}
	}
	sort.Strings(wallets)

	if limit > 0 && len(wallets) > limit {
		wallets = wallets[:limit]
	}

	result := make([]domain.Account, 0, len(wallets))
	for _, wallet := range wallets {
		result = append(result, *s.accounts[wallet])
	}

	next := ""
	if limit > 0 && len(result) == limit {
		next = result[len(result)-1].Wallet
	}
	return result, next, nil
}

// ========== 限流 ==========

// IncrementRateLimit 增加限流计数。
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 清理过期的速率限制条目（每5分钟清理一次）
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		entry = &rateLimitEntry{
			Count:     1,
			ExpiresAt: now.Add(window),
		}
		s.rateLimits[key] = entry
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// GetRateLimit 获取限流计数。
func (s *Store) GetRateLimit(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.rateLimits[key]
	if !exists || time.Now().After(entry.ExpiresAt) {
		return 0, nil
	}
	return entry.Count, nil
}

// ========== 滥用追踪 ==========

func abuseKey(scope domain.AbuseScope, id string) string {
	return string(scope) + ":" + strings.ToLower(id)
}

// RecordAbuseEvent 记录一次滥用事件，返回当前窗口内的累计次数。
func (s *Store) RecordAbuseEvent(scope domain.AbuseScope, id string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := abuseKey(scope, id)
	record, ok := s.abuse[key]
	if !ok || now.Sub(record.WindowStart) > window {
		record = &domain.AbuseRecord{
			Scope:       scope,
			ID:          id,
			WindowStart: now,
		}
		s.abuse[key] = record
	}
	record.Events++
	return record.Events, nil
}

// GetBlock 返回封禁截止时间；无活跃封禁时返回 nil。
func (s *Store) GetBlock(scope domain.AbuseScope, id string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.abuse[abuseKey(scope, id)]
	if !ok || record.BlockedUntil == nil {
		return nil, nil
	}
	if time.Now().After(*record.BlockedUntil) {
		return nil, nil
	}
	until := *record.BlockedUntil
	return &until, nil
}

// SetBlock 设置临时封禁。
func (s *Store) SetBlock(scope domain.AbuseScope, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := abuseKey(scope, id)
	record, ok := s.abuse[key]
	if !ok {
		record = &domain.AbuseRecord{
			Scope:       scope,
			ID:          id,
			WindowStart: time.Now(),
		}
		s.abuse[key] = record
	}
	record.BlockedUntil = &until
	return nil
}

// ClearBlock 管理端解除封禁。
func (s *Store) ClearBlock(scope domain.AbuseScope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.abuse[abuseKey(scope, id)]; ok {
		record.BlockedUntil = nil
	}
	return nil
}

// ========== 发布订阅 ==========

// PublishNewMail 发布新消息通知（开发模式下直接回调）。
func (s *Store) PublishNewMail(wallet string, envelope *domain.Envelope) error {
	s.mu.RLock()
	fn := s.notifyFn
	s.mu.RUnlock()

	if fn != nil {
		fn(wallet, envelope)
	}
	return nil
}

// ========== 工具方法 ==========

// Close 关闭存储连接。
func (s *Store) Close() error {
	// 内存存储不需要关闭连接
	return nil
}

// Health 健康检查。
func (s *Store) Health() error {
	// 内存存储总是健康的
	return nil
}
