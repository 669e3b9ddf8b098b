package domain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType 消息类型标签（对引擎不透明，仅用于统计与路由）。
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeMedia     MessageType = "media"
	MessageTypeAgreement MessageType = "agreement"
	MessageTypeSystem    MessageType = "system"
)

// Envelope 表示一封离线信箱中的加密消息信封。
//
// 密文 Box 与 IV 对中继完全不透明；BoxSize 是配额记账的权威字节数，
// 必须等于 len(Box)。信封归收件人独占所有，发送后发送方不再能操作它。
type Envelope struct {
	ID          string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	To          string      `json:"to" gorm:"primaryKey;column:to_wallet;type:varchar(128);index:idx_envelopes_mailbox,priority:1"`
	From        string      `json:"from" gorm:"column:from_wallet;type:varchar(128);index"`
	Box         []byte      `json:"box"`
	BoxSize     int64       `json:"boxSize"`
	IV          []byte      `json:"iv"`
	MessageType MessageType `json:"messageType" gorm:"type:varchar(32)"`
	Meta        string      `json:"meta,omitempty" gorm:"type:text"` // 不透明的结构化标签数据

	EnqueuedAt     time.Time  `json:"enqueuedAt" gorm:"index:idx_envelopes_mailbox,priority:2"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// envelopeMeta 引擎唯一解读的 meta 字段。
type envelopeMeta struct {
	ClientID string `json:"clientId"`
}

// ClientID 从 meta 中提取可选的客户端消息 ID，解析失败时返回空串。
func (e *Envelope) ClientID() string {
	if e.Meta == "" {
		return ""
	}
	var m envelopeMeta
	if err := json.Unmarshal([]byte(e.Meta), &m); err != nil {
		return ""
	}
	return m.ClientID
}

// Validate 检查信封的基础一致性。
func (e *Envelope) Validate() error {
	if e.To == "" {
		return errors.New("envelope recipient is required")
	}
	if e.From == "" {
		return errors.New("envelope sender is required")
	}
	if int64(len(e.Box)) != e.BoxSize {
		return fmt.Errorf("boxSize %d does not match payload length %d", e.BoxSize, len(e.Box))
	}
	if e.BoxSize <= 0 {
		return errors.New("envelope payload must not be empty")
	}
	return nil
}

// Cursor 信箱分页游标：最后一条已返回信封的 (enqueuedAt, id)。
type Cursor struct {
	EnqueuedAt time.Time
	ID         string
}

// IsZero 判断是否为起始游标。
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.EnqueuedAt.IsZero()
}

// Encode 将游标编码为对外不透明的字符串。
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.EnqueuedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor 解析客户端回传的游标；空串表示从头开始。
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, errors.New("invalid cursor format")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	return Cursor{EnqueuedAt: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}

// Before 判断游标位于信封之前，即该信封尚未被这页游标消费
// （按 enqueuedAt 升序，同一时刻按 ID 升序）。
func (c Cursor) Before(e *Envelope) bool {
	if e.EnqueuedAt.After(c.EnqueuedAt) {
		return true
	}
	if e.EnqueuedAt.Equal(c.EnqueuedAt) {
		return e.ID > c.ID
	}
	return false
}
