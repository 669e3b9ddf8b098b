package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）。
//
// 只承载信封台账与账户台账；限流、滥用追踪与发布订阅走 Redis。
type Store struct {
	db         *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储。
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.Open(dsn)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driverName: driverName}, nil
}

// Migrate 执行自动迁移。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&domain.Envelope{}, &domain.Account{})
}

// ========== Envelope Repository ==========

// SaveEnvelope 保存信封，同键 (to, id) 覆盖写。
func (s *Store) SaveEnvelope(envelope *domain.Envelope) error {
	return s.db.Save(envelope).Error
}

// GetEnvelope 获取单封信封。
func (s *Store) GetEnvelope(wallet, id string) (*domain.Envelope, error) {
	var envelope domain.Envelope
	err := s.db.Where("to_wallet = ? AND id = ?", wallet, id).First(&envelope).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrEnvelopeNotFound
		}
		return nil, err
	}
	return &envelope, nil
}

// ListEnvelopes 按 (enqueued_at, id) 升序返回游标之后的信封。
func (s *Store) ListEnvelopes(wallet string, cursor domain.Cursor, limit int) ([]domain.Envelope, error) {
	query := s.db.Where("to_wallet = ?", wallet)
	if !cursor.IsZero() {
		query = query.Where("(enqueued_at > ?) OR (enqueued_at = ? AND id > ?)",
			cursor.EnqueuedAt, cursor.EnqueuedAt, cursor.ID)
	}

	var envelopes []domain.Envelope
	err := query.Order("enqueued_at ASC, id ASC").Limit(limit).Find(&envelopes).Error
	if err != nil {
		return nil, err
	}
	return envelopes, nil
}

// ListAllEnvelopes 跨收件人的有界扫描，按 (to_wallet, id) 排序。
func (s *Store) ListAllEnvelopes(cursor string, limit int) ([]domain.Envelope, string, error) {
	query := s.db.Model(&domain.Envelope{})
	if cursor != "" {
		wallet, id := splitScanCursor(cursor)
		query = query.Where("(to_wallet > ?) OR (to_wallet = ? AND id > ?)", wallet, wallet, id)
	}

	var envelopes []domain.Envelope
	err := query.Order("to_wallet ASC, id ASC").Limit(limit + 1).Find(&envelopes).Error
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(envelopes) > limit {
		envelopes = envelopes[:limit]
		last := envelopes[len(envelopes)-1]
		next = last.To + "\x00" + last.ID
	}
	return envelopes, next, nil
}

func splitScanCursor(cursor string) (wallet, id string) {
	for i := 0; i < len(cursor); i++ {
		if cursor[i] == 0 {
			return cursor[:i], cursor[i+1:]
		}
	}
	return cursor, ""
}

// MarkDelivered 为尚未投递的信封记录投递时间（幂等）。
func (s *Store) MarkDelivered(wallet string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Model(&domain.Envelope{}).
		Where("to_wallet = ? AND id IN ? AND delivered_at IS NULL", wallet, ids).
		Update("delivered_at", at).Error
}

// DeleteEnvelopes 删除指定信封，返回实际删除数量（幂等）。
func (s *Store) DeleteEnvelopes(wallet string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.Where("to_wallet = ? AND id IN ?", wallet, ids).Delete(&domain.Envelope{})
	return int(result.RowsAffected), result.Error
}

// PurgeMailbox 删除收件人的全部信封并把账户计数归零，返回删除统计。
func (s *Store) PurgeMailbox(wallet string) (storage.MailboxStats, error) {
	var stats storage.MailboxStats
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := tx.Model(&domain.Envelope{}).
			Select("COUNT(*), COALESCE(SUM(box_size), 0)").
			Where("to_wallet = ?", wallet).Row()
		if err := row.Scan(&stats.Count, &stats.Bytes); err != nil {
			return err
		}
		if err := tx.Where("to_wallet = ?", wallet).Delete(&domain.Envelope{}).Error; err != nil {
			return err
		}
		// 归零与删除同一事务，中途崩溃不会留下错误计数
		return tx.Model(&domain.Account{}).
			Where("wallet = ?", wallet).
			Updates(map[string]interface{}{
				"used_bytes": 0,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	return stats, err
}

// CountExpired 统计早于阈值的信封数量与字节数。
func (s *Store) CountExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	var stats storage.MailboxStats
	row := s.db.Model(&domain.Envelope{}).
		Select("COUNT(*), COALESCE(SUM(box_size), 0)").
		Where("to_wallet = ? AND enqueued_at < ?", wallet, threshold).Row()
	err := row.Scan(&stats.Count, &stats.Bytes)
	return stats, err
}

// DeleteExpired 删除早于阈值的信封，返回删除统计。
func (s *Store) DeleteExpired(wallet string, threshold time.Time) (storage.MailboxStats, error) {
	var stats storage.MailboxStats
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := tx.Model(&domain.Envelope{}).
			Select("COUNT(*), COALESCE(SUM(box_size), 0)").
			Where("to_wallet = ? AND enqueued_at < ?", wallet, threshold).Row()
		if err := row.Scan(&stats.Count, &stats.Bytes); err != nil {
			return err
		}
		return tx.Where("to_wallet = ? AND enqueued_at < ?", wallet, threshold).
			Delete(&domain.Envelope{}).Error
	})
	return stats, err
}

// MailboxSnapshot 返回信箱当前的权威统计。
func (s *Store) MailboxSnapshot(wallet string) (storage.MailboxStats, error) {
	var stats storage.MailboxStats
	row := s.db.Model(&domain.Envelope{}).
		Select("COUNT(*), COALESCE(SUM(box_size), 0)").
		Where("to_wallet = ?", wallet).Row()
	err := row.Scan(&stats.Count, &stats.Bytes)
	return stats, err
}

// ========== Account Repository ==========

// GetAccount 获取账户。
func (s *Store) GetAccount(wallet string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.Where("wallet = ?", wallet).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// SaveAccount 保存账户。
func (s *Store) SaveAccount(account *domain.Account) error {
	return s.db.Save(account).Error
}

// ReserveBytes 以单条条件更新完成配额检查与预留，并发预留在数据库
// 行级更新上串行化，总量不会越过 limit。
func (s *Store) ReserveBytes(wallet string, delta, limit int64) (bool, error) {
	if delta <= 0 {
		if err := s.AddUsedBytes(wallet, delta); err != nil {
			return false, err
		}
		return true, nil
	}

	result := s.db.Model(&domain.Account{}).
		Where("wallet = ? AND used_bytes + ? <= ?", wallet, delta, limit).
		Updates(map[string]interface{}{
			"used_bytes": gorm.Expr("used_bytes + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		// 区分配额不足与账户不存在
		if _, err := s.GetAccount(wallet); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AddUsedBytes 以单条条件更新原子增加已用字节数，避免读-改-写竞争。
func (s *Store) AddUsedBytes(wallet string, delta int64) error {
	result := s.db.Model(&domain.Account{}).
		Where("wallet = ?", wallet).
		Updates(map[string]interface{}{
			"used_bytes": gorm.Expr("GREATEST(used_bytes + ?, 0)", delta),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// SetUsedBytes 以权威重算结果覆盖已用字节数。
func (s *Store) SetUsedBytes(wallet string, value int64) error {
	result := s.db.Model(&domain.Account{}).
		Where("wallet = ?", wallet).
		Updates(map[string]interface{}{
			"used_bytes": value,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// ListAccounts 游标式遍历账户（按钱包地址排序）。
func (s *Store) ListAccounts(cursor string, limit int) ([]domain.Account, string, error) {
	query := s.db.Model(&domain.Account{})
	if cursor != "" {
		query = query.Where("wallet > ?", cursor)
	}

	var accounts []domain.Account
	err := query.Order("wallet ASC").Limit(limit + 1).Find(&accounts).Error
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(accounts) > limit {
		accounts = accounts[:limit]
		next = accounts[len(accounts)-1].Wallet
	}
	return accounts, next, nil
}

// ========== 工具方法 ==========

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// DB 返回底层 *sql.DB（供健康检查与迁移工具使用）。
func (s *Store) DB() (*sql.DB, error) {
	return s.db.DB()
}
