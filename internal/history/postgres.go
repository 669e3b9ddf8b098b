package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore 基于 pgx 连接池的历史库客户端。
//
// 会话 ID 由参与双方钱包的字典序拼接确定，序号在会话内单调递增，
// 由插入语句原子分配。
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPostgresStore 创建历史库客户端。
func NewPostgresStore(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history DSN: %w", err)
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create history pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	log.Info("connected to history store")

	return &PostgresStore{pool: pool, log: log}, nil
}

// Migrate 创建历史表（幂等）。
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS history_messages (
			conv_id          VARCHAR(260) NOT NULL,
			seq              BIGINT       NOT NULL,
			relay_message_id VARCHAR(64)  NOT NULL,
			from_wallet      VARCHAR(128) NOT NULL,
			to_wallet        VARCHAR(128) NOT NULL,
			box              BYTEA        NOT NULL,
			iv               BYTEA        NOT NULL,
			message_type     VARCHAR(32)  NOT NULL,
			meta             TEXT         NOT NULL DEFAULT '',
			enqueued_at      TIMESTAMPTZ  NOT NULL,
			recorded_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
			PRIMARY KEY (conv_id, seq)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_history_relay_id
			ON history_messages (relay_message_id);
	`)
	return err
}

// ConvID 计算两个钱包间的会话 ID（与方向无关）。
func ConvID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Exists 判断某信封是否已有对应历史记录。
func (s *PostgresStore) Exists(ctx context.Context, relayMessageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM history_messages WHERE relay_message_id = $1)`,
		relayMessageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check history record: %w", err)
	}
	return exists, nil
}

// Append 追加历史记录，返回会话 ID 与会话内序号。
//
// relay_message_id 上有唯一索引，重复追加同一信封是冲突而不是重复
// 记录；ON CONFLICT DO NOTHING 后的空结果按已存在处理。
func (s *PostgresStore) Append(ctx context.Context, args AppendArgs) (string, int64, error) {
	convID := ConvID(args.From, args.To)

	var seq int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO history_messages
			(conv_id, seq, relay_message_id, from_wallet, to_wallet, box, iv, message_type, meta, enqueued_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM history_messages WHERE conv_id = $1
		ON CONFLICT (relay_message_id) DO NOTHING
		RETURNING seq
	`, convID, args.RelayMessageID, args.From, args.To, args.Box, args.IV,
		args.MessageType, args.Meta, args.EnqueuedAt,
	).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			// 冲突：记录已存在，读回原序号
			readErr := s.pool.QueryRow(ctx,
				`SELECT conv_id, seq FROM history_messages WHERE relay_message_id = $1`,
				args.RelayMessageID,
			).Scan(&convID, &seq)
			if readErr != nil {
				return "", 0, fmt.Errorf("failed to read existing history record: %w", readErr)
			}
			return convID, seq, nil
		}
		return "", 0, fmt.Errorf("failed to append history record: %w", err)
	}
	return convID, seq, nil
}

// ListLinks 游标式遍历携带 relayMessageId 的历史记录。
func (s *PostgresStore) ListLinks(ctx context.Context, cursor string, limit int) ([]Link, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relay_message_id, conv_id, seq, to_wallet
		FROM history_messages
		WHERE relay_message_id > $1
		ORDER BY relay_message_id ASC
		LIMIT $2
	`, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list history links: %w", err)
	}
	defer rows.Close()

	links := make([]Link, 0, limit)
	for rows.Next() {
		var link Link
		if err := rows.Scan(&link.RelayMessageID, &link.ConvID, &link.Seq, &link.To); err != nil {
			return nil, "", err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(links) > limit {
		links = links[:limit]
		next = links[len(links)-1].RelayMessageID
	}
	return links, next, nil
}

// Health 检查历史库连通性。
func (s *PostgresStore) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
