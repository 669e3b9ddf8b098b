package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"walletrelay/backend/internal/domain"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// RelayConfig 定义中继信箱的核心业务配置
type RelayConfig struct {
	MaxEnvelopeBytes int64       // 单封信封的全局硬上限（与等级无关）
	DefaultTier      domain.Tier // 新账户默认等级
	FetchPageSize    int         // 拉取默认分页大小
	FetchMaxPageSize int         // 拉取分页上限
}

// TierConfig 单个等级的配额策略配置
type TierConfig struct {
	QuotaBytes       int64
	TTLSeconds       int64
	OverflowGracePct int
	WarningRatio     float64
}

// ReaperConfig 定义 TTL 清理任务配置
type ReaperConfig struct {
	Interval time.Duration // 清理周期
	PageSize int           // 单批遍历的账户数量
}

// ReconcilerConfig 定义历史对账任务配置
type ReconcilerConfig struct {
	Interval        time.Duration // 对账周期
	BatchSize       int           // 单轮扫描的信封数量上限
	Repair          bool          // 是否修复缺失的历史记录
	CheckHistory    bool          // 是否做反向核对（历史 → 中继）
	RepairPerSecond int           // 修复写入的速率上限
}

// RouteLimit 单条路由的限流参数
type RouteLimit struct {
	Max    int64         // 窗口内最大请求数
	Window time.Duration // 固定窗口长度
}

// RateLimitConfig 定义各路由的限流配置
type RateLimitConfig struct {
	Enqueue RouteLimit
	Fetch   RouteLimit
	Presign RouteLimit
}

// AbuseConfig 定义滥用追踪与临时封禁配置
type AbuseConfig struct {
	Window    time.Duration // 滥用事件的统计窗口
	Threshold int64         // 窗口内触发封禁的事件数
	BlockBase time.Duration // 首次封禁时长，此后按次数翻倍
	BlockMax  time.Duration // 封禁时长上限
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// HistoryConfig 定义外部历史库配置
type HistoryConfig struct {
	DSN string // 历史库 PostgreSQL 连接串，留空时使用内存实现
}

// JWTConfig 定义会话令牌相关配置
type JWTConfig struct {
	Secret        string        // 签名密钥，必须至少 32 字符
	Issuer        string        // 签发者标识，默认 "walletrelay"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期，默认 7 天
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server     ServerConfig
	Relay      RelayConfig
	Tiers      map[domain.Tier]TierConfig
	Reaper     ReaperConfig
	Reconciler ReconcilerConfig
	RateLimit  RateLimitConfig
	Abuse      AbuseConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	History    HistoryConfig
	JWT        JWTConfig
	CORS       CORSConfig
}

// PolicyTable 从配置构建等级策略表。
func (c *Config) PolicyTable() *domain.PolicyTable {
	tiers := make(map[domain.Tier]domain.QuotaPolicy, len(c.Tiers))
	for tier, tc := range c.Tiers {
		tiers[tier] = domain.QuotaPolicy{
			QuotaBytes:       tc.QuotaBytes,
			TTLSeconds:       tc.TTLSeconds,
			OverflowGracePct: tc.OverflowGracePct,
			WarningRatio:     tc.WarningRatio,
		}
	}
	fallback, ok := tiers[c.Relay.DefaultTier]
	if !ok {
		return domain.DefaultPolicyTable()
	}
	return domain.NewPolicyTable(tiers, fallback)
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: WALLETRELAY_
// 例如: WALLETRELAY_SERVER_HOST, WALLETRELAY_JWT_SECRET
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("walletrelay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("relay.max_envelope_bytes", 8*1024*1024) // 8MB 单封硬上限
	viper.SetDefault("relay.default_tier", "free")
	viper.SetDefault("relay.fetch_page_size", 50)
	viper.SetDefault("relay.fetch_max_page_size", 200)

	viper.SetDefault("tiers.free.quota_bytes", 30*1024*1024)
	viper.SetDefault("tiers.free.ttl", "720h") // 30天
	viper.SetDefault("tiers.free.overflow_grace_pct", 0)
	viper.SetDefault("tiers.free.warning_ratio", 0.8)
	viper.SetDefault("tiers.pro.quota_bytes", 200*1024*1024)
	viper.SetDefault("tiers.pro.ttl", "2160h") // 90天
	viper.SetDefault("tiers.pro.overflow_grace_pct", 10)
	viper.SetDefault("tiers.pro.warning_ratio", 0.8)
	viper.SetDefault("tiers.business.quota_bytes", 1024*1024*1024)
	viper.SetDefault("tiers.business.ttl", "4320h") // 180天
	viper.SetDefault("tiers.business.overflow_grace_pct", 20)
	viper.SetDefault("tiers.business.warning_ratio", 0.9)

	viper.SetDefault("reaper.interval", "10m")
	viper.SetDefault("reaper.page_size", 100)

	viper.SetDefault("reconciler.interval", "5m")
	viper.SetDefault("reconciler.batch_size", 500)
	viper.SetDefault("reconciler.repair", true)
	viper.SetDefault("reconciler.check_history", false)
	viper.SetDefault("reconciler.repair_per_second", 50)

	viper.SetDefault("ratelimit.enqueue_max", 60)
	viper.SetDefault("ratelimit.enqueue_window", "1m")
	viper.SetDefault("ratelimit.fetch_max", 120)
	viper.SetDefault("ratelimit.fetch_window", "1m")
	viper.SetDefault("ratelimit.presign_max", 20)
	viper.SetDefault("ratelimit.presign_window", "1m")

	viper.SetDefault("abuse.window", "10m")
	viper.SetDefault("abuse.threshold", 5)
	viper.SetDefault("abuse.block_base", "1m")
	viper.SetDefault("abuse.block_max", "1h")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)

	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("history.dsn", "")

	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "walletrelay")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "168h")

	viper.SetDefault("cors.allowed_origins", "*")

	tiers, err := loadTiers()
	if err != nil {
		return nil, err
	}

	defaultTier := domain.Tier(viper.GetString("relay.default_tier"))
	if !domain.ValidTier(defaultTier) {
		return nil, fmt.Errorf("invalid relay.default_tier: %s", defaultTier)
	}

	maxEnvelopeBytes := viper.GetInt64("relay.max_envelope_bytes")
	if maxEnvelopeBytes <= 0 {
		return nil, fmt.Errorf("relay.max_envelope_bytes must be positive")
	}

	reaperInterval, err := time.ParseDuration(viper.GetString("reaper.interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid reaper.interval: %w", err)
	}

	reconcilerInterval, err := time.ParseDuration(viper.GetString("reconciler.interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid reconciler.interval: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的签名密钥
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set WALLETRELAY_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Relay: RelayConfig{
			MaxEnvelopeBytes: maxEnvelopeBytes,
			DefaultTier:      defaultTier,
			FetchPageSize:    viper.GetInt("relay.fetch_page_size"),
			FetchMaxPageSize: viper.GetInt("relay.fetch_max_page_size"),
		},
		Tiers: tiers,
		Reaper: ReaperConfig{
			Interval: reaperInterval,
			PageSize: viper.GetInt("reaper.page_size"),
		},
		Reconciler: ReconcilerConfig{
			Interval:        reconcilerInterval,
			BatchSize:       viper.GetInt("reconciler.batch_size"),
			Repair:          viper.GetBool("reconciler.repair"),
			CheckHistory:    viper.GetBool("reconciler.check_history"),
			RepairPerSecond: viper.GetInt("reconciler.repair_per_second"),
		},
		RateLimit: RateLimitConfig{
			Enqueue: RouteLimit{
				Max:    viper.GetInt64("ratelimit.enqueue_max"),
				Window: viper.GetDuration("ratelimit.enqueue_window"),
			},
			Fetch: RouteLimit{
				Max:    viper.GetInt64("ratelimit.fetch_max"),
				Window: viper.GetDuration("ratelimit.fetch_window"),
			},
			Presign: RouteLimit{
				Max:    viper.GetInt64("ratelimit.presign_max"),
				Window: viper.GetDuration("ratelimit.presign_window"),
			},
		},
		Abuse: AbuseConfig{
			Window:    viper.GetDuration("abuse.window"),
			Threshold: viper.GetInt64("abuse.threshold"),
			BlockBase: viper.GetDuration("abuse.block_base"),
			BlockMax:  viper.GetDuration("abuse.block_max"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		History: HistoryConfig{
			DSN: viper.GetString("history.dsn"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  viper.GetDuration("jwt.access_expiry"),
			RefreshExpiry: viper.GetDuration("jwt.refresh_expiry"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
	}

	return cfg, nil
}

// loadTiers 解析全部等级的策略配置。
func loadTiers() (map[domain.Tier]TierConfig, error) {
	tiers := make(map[domain.Tier]TierConfig)
	for _, tier := range []domain.Tier{domain.TierFree, domain.TierPro, domain.TierBusiness} {
		prefix := "tiers." + string(tier)

		ttl, err := time.ParseDuration(viper.GetString(prefix + ".ttl"))
		if err != nil {
			return nil, fmt.Errorf("invalid %s.ttl: %w", prefix, err)
		}

		quota := viper.GetInt64(prefix + ".quota_bytes")
		if quota <= 0 {
			return nil, fmt.Errorf("%s.quota_bytes must be positive", prefix)
		}

		ratio := viper.GetFloat64(prefix + ".warning_ratio")
		if ratio <= 0 || ratio > 1 {
			return nil, fmt.Errorf("%s.warning_ratio must be in (0, 1]", prefix)
		}

		tiers[tier] = TierConfig{
			QuotaBytes:       quota,
			TTLSeconds:       int64(ttl / time.Second),
			OverflowGracePct: viper.GetInt(prefix + ".overflow_grace_pct"),
			WarningRatio:     ratio,
		}
	}
	return tiers, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env（从 backend/ 目录运行时）
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
