package service

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/pool"
	"walletrelay/backend/internal/storage"
)

// RelayService 封装信箱的入队、拉取、确认与清空操作。
//
// 入队路径通过条件原子预留修改 UsedBytes；权威重算由 TTL 清理
// 负责，清空信箱在存储层原子归零，合起来保证计数器收敛到真实
// 字节和且不越过宽限上限。
type RelayService struct {
	store    storage.Store
	policies *domain.PolicyTable
	cfg      *config.Config
	log      *zap.Logger
	metrics  *monitoring.Metrics
	notify   *pool.WorkerPool
}

// NewRelayService 创建信箱业务服务。
func NewRelayService(store storage.Store, cfg *config.Config, log *zap.Logger) *RelayService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayService{
		store:    store,
		policies: cfg.PolicyTable(),
		cfg:      cfg,
		log:      log,
	}
}

// SetMetrics 注入监控指标（可选）。
func (s *RelayService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// SetNotifyPool 注入通知投递用的协程池（可选，缺省时同步发布）。
func (s *RelayService) SetNotifyPool(p *pool.WorkerPool) {
	s.notify = p
}

// EnqueueInput 定义入队请求。
type EnqueueInput struct {
	ID          string // 留空时由服务端生成
	From        string
	To          string
	Box         []byte
	IV          []byte
	MessageType domain.MessageType
	Meta        string
}

// EnqueueResult 入队成功的返回。
type EnqueueResult struct {
	ID           string `json:"id"`
	Accepted     bool   `json:"accepted"`
	DeltaApplied int64  `json:"deltaApplied"`
	UsedBytes    int64  `json:"usedBytes"`
	QuotaBytes   int64  `json:"quotaBytes"`
}

// Enqueue 接收一封加密信封并计入收件人配额。
//
// 同一 (to, id) 的重复投递按幂等重发处理：只校验并记账字节差值，
// 保留首次入队时间，重试不会重复扣配额。
func (s *RelayService) Enqueue(input EnqueueInput) (*EnqueueResult, error) {
	if input.ID == "" {
		input.ID = uuid.NewString()
	}

	envelope := &domain.Envelope{
		ID:          input.ID,
		To:          input.To,
		From:        input.From,
		Box:         input.Box,
		BoxSize:     int64(len(input.Box)),
		IV:          input.IV,
		MessageType: input.MessageType,
		Meta:        input.Meta,
	}
	if err := envelope.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidEnvelope, err)
	}

	// 全局单封硬上限，与等级无关
	if envelope.BoxSize > s.cfg.Relay.MaxEnvelopeBytes {
		if s.metrics != nil {
			s.metrics.PayloadRejections.Inc()
		}
		return nil, &PayloadTooLargeError{BoxSize: envelope.BoxSize, MaxBytes: s.cfg.Relay.MaxEnvelopeBytes}
	}

	account, err := s.getOrCreateAccount(input.To)
	if err != nil {
		return nil, err
	}
	policy := s.policies.Resolve(account)

	now := time.Now().UTC()
	delta := envelope.BoxSize
	existing, err := s.store.GetEnvelope(input.To, input.ID)
	switch {
	case err == nil:
		// 幂等重发：按差值校验与记账，保留首次入队时间
		delta = envelope.BoxSize - existing.BoxSize
		envelope.EnqueuedAt = existing.EnqueuedAt
		envelope.DeliveredAt = existing.DeliveredAt
		envelope.AcknowledgedAt = existing.AcknowledgedAt
	case errors.Is(err, storage.ErrEnvelopeNotFound):
		envelope.EnqueuedAt = now
	default:
		return nil, err
	}

	// 配额检查与预留是同一个原子操作：并发投递各自读到的快照
	// 都在宽限内时，条件更新仍会把越界的那些挡下来
	graceLimit := policy.GraceLimit()
	reserved, err := s.store.ReserveBytes(input.To, delta, graceLimit)
	if err != nil {
		return nil, err
	}
	if !reserved {
		if fresh, ferr := s.store.GetAccount(input.To); ferr == nil {
			account = fresh
		}
		if s.metrics != nil {
			s.metrics.RecordQuotaRejection(string(account.Tier))
		}
		return nil, &QuotaExceededError{
			QuotaBytes:    policy.QuotaBytes,
			UsedBytes:     account.UsedBytes,
			IncomingBytes: envelope.BoxSize,
			GraceLimit:    graceLimit,
		}
	}

	// 先预留再写信封：两步之间崩溃会留下偏大的计数，由 TTL 清理
	// 的权威重算收敛，宽限上限始终不被突破
	if err := s.store.SaveEnvelope(envelope); err != nil {
		if rerr := s.store.AddUsedBytes(input.To, -delta); rerr != nil {
			s.log.Error("failed to release reserved quota",
				zap.String("wallet", input.To),
				zap.String("id", envelope.ID),
				zap.Int64("delta", delta),
				zap.Error(rerr))
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordEnqueue(string(account.Tier), envelope.BoxSize)
	}
	s.publishNewMail(envelope)

	return &EnqueueResult{
		ID:           envelope.ID,
		Accepted:     true,
		DeltaApplied: delta,
		UsedBytes:    account.UsedBytes + delta,
		QuotaBytes:   policy.QuotaBytes,
	}, nil
}

// getOrCreateAccount 读取账户，不存在时按默认等级建档。
func (s *RelayService) getOrCreateAccount(wallet string) (*domain.Account, error) {
	account, err := s.store.GetAccount(wallet)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, storage.ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	account = &domain.Account{
		Wallet:    wallet,
		Tier:      s.cfg.Relay.DefaultTier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// publishNewMail 尽力而为的新消息通知，失败不回滚入队。
func (s *RelayService) publishNewMail(envelope *domain.Envelope) {
	task := func() {
		if err := s.store.PublishNewMail(envelope.To, envelope); err != nil {
			s.log.Debug("new mail notification failed",
				zap.String("wallet", envelope.To),
				zap.Error(err))
		}
	}
	if s.notify != nil {
		if !s.notify.TrySubmit(task) {
			s.log.Debug("notification queue full, dropping new mail signal",
				zap.String("wallet", envelope.To))
		}
		return
	}
	task()
}
