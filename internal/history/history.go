package history

import (
	"context"
	"time"
)

// AppendArgs 追加历史记录所需的字段，由信封内容合成。
type AppendArgs struct {
	RelayMessageID string    // 信封 ID，对账的外键
	From           string    // 发送方钱包
	To             string    // 接收方钱包
	Box            []byte    // 密文（历史库同样不解密）
	IV             []byte    // 随机数
	MessageType    string    // 消息类型标签
	Meta           string    // 不透明标签数据
	EnqueuedAt     time.Time // 中继入队时间
}

// Link 历史记录反向指回中继信封的外键。
type Link struct {
	RelayMessageID string
	ConvID         string
	Seq            int64
	To             string // 收件人钱包，反向核对时用来定位信封
}

// Store 外部持久会话历史库的契约。
//
// 中继只做一个方向的修复（中继 → 历史），从不拥有历史记录本身。
type Store interface {
	Exists(ctx context.Context, relayMessageID string) (bool, error)
	Append(ctx context.Context, args AppendArgs) (convID string, seq int64, err error)
	// ListLinks 游标式遍历携带 relayMessageId 的历史记录，供反向核对
	ListLinks(ctx context.Context, cursor string, limit int) ([]Link, string, error)
	Health() error
	Close() error
}
