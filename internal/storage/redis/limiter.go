package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"walletrelay/backend/internal/domain"
)

// Limiter 基于 Redis 的限流计数、滥用追踪与新消息发布实现。
//
// 限流计数使用 INCR + 首次过期；滥用窗口同理。封禁状态是带 TTL 的
// 独立键，到期自动消失，无需清理任务。
type Limiter struct {
	client *Client
	ctx    context.Context
}

// NewLimiter 创建 Redis 限流器。
func NewLimiter(client *Client) *Limiter {
	return &Limiter{
		client: client,
		ctx:    context.Background(),
	}
}

// ========== 限流 ==========

// IncrementRateLimit 增加限流计数，首次写入时设置窗口过期。
func (l *Limiter) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	rdb := l.client.Client()
	fullKey := "ratelimit:" + key

	count, err := rdb.Incr(l.ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := rdb.Expire(l.ctx, fullKey, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}
	return count, nil
}

// GetRateLimit 获取限流计数。
func (l *Limiter) GetRateLimit(key string) (int64, error) {
	count, err := l.client.Client().Get(l.ctx, "ratelimit:"+key).Int64()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ========== 滥用追踪 ==========

func abuseEventsKey(scope domain.AbuseScope, id string) string {
	return fmt.Sprintf("abuse:events:%s:%s", scope, strings.ToLower(id))
}

func abuseBlockKey(scope domain.AbuseScope, id string) string {
	return fmt.Sprintf("abuse:block:%s:%s", scope, strings.ToLower(id))
}

// RecordAbuseEvent 记录一次滥用事件，返回窗口内累计次数。
func (l *Limiter) RecordAbuseEvent(scope domain.AbuseScope, id string, window time.Duration) (int64, error) {
	rdb := l.client.Client()
	key := abuseEventsKey(scope, id)

	count, err := rdb.Incr(l.ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to record abuse event: %w", err)
	}
	if count == 1 {
		if err := rdb.Expire(l.ctx, key, window).Err(); err != nil {
			return count, fmt.Errorf("failed to set abuse window: %w", err)
		}
	}
	return count, nil
}

// GetBlock 返回封禁截止时间；无活跃封禁时返回 nil。
func (l *Limiter) GetBlock(scope domain.AbuseScope, id string) (*time.Time, error) {
	value, err := l.client.Client().Get(l.ctx, abuseBlockKey(scope, id)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}

	until, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("invalid block timestamp: %w", err)
	}
	if time.Now().After(until) {
		return nil, nil
	}
	return &until, nil
}

// SetBlock 设置临时封禁，键的 TTL 与封禁时长一致。
func (l *Limiter) SetBlock(scope domain.AbuseScope, id string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return l.client.Client().Set(l.ctx, abuseBlockKey(scope, id),
		until.UTC().Format(time.RFC3339Nano), ttl).Err()
}

// ClearBlock 管理端解除封禁。
func (l *Limiter) ClearBlock(scope domain.AbuseScope, id string) error {
	return l.client.Client().Del(l.ctx, abuseBlockKey(scope, id)).Err()
}

// ========== 发布订阅 ==========

// NewMailEvent 新消息通知载荷（不含密文，只有元信息）。
type NewMailEvent struct {
	Wallet      string    `json:"wallet"`
	EnvelopeID  string    `json:"envelopeId"`
	From        string    `json:"from"`
	MessageType string    `json:"messageType"`
	BoxSize     int64     `json:"boxSize"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// PublishNewMail 发布新消息通知到收件人频道（尽力而为）。
func (l *Limiter) PublishNewMail(wallet string, envelope *domain.Envelope) error {
	payload, err := json.Marshal(NewMailEvent{
		Wallet:      wallet,
		EnvelopeID:  envelope.ID,
		From:        envelope.From,
		MessageType: string(envelope.MessageType),
		BoxSize:     envelope.BoxSize,
		EnqueuedAt:  envelope.EnqueuedAt,
	})
	if err != nil {
		return err
	}
	return l.client.Client().Publish(l.ctx, "newmail:"+wallet, payload).Err()
}

// SubscribeNewMail 订阅收件人的新消息频道。
func (l *Limiter) SubscribeNewMail(ctx context.Context, wallet string) *goredis.PubSub {
	return l.client.Client().Subscribe(ctx, "newmail:"+wallet)
}

// SubscribeAllNewMail 模式订阅全部收件人的新消息频道，
// 供 WebSocket 网关跨实例转发。
func (l *Limiter) SubscribeAllNewMail(ctx context.Context) *goredis.PubSub {
	return l.client.Client().PSubscribe(ctx, "newmail:*")
}

// DecodeNewMailEvent 解析频道里的通知载荷。
func DecodeNewMailEvent(payload []byte) (*NewMailEvent, error) {
	var event NewMailEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid new mail payload: %w", err)
	}
	return &event, nil
}
