package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "walletrelay/backend/internal/auth/jwt"
	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/health"
	"walletrelay/backend/internal/history"
	"walletrelay/backend/internal/logger"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/pool"
	"walletrelay/backend/internal/service"
	"walletrelay/backend/internal/storage"
	"walletrelay/backend/internal/storage/hybrid"
	"walletrelay/backend/internal/storage/memory"
	redisstore "walletrelay/backend/internal/storage/redis"
	sqlstore "walletrelay/backend/internal/storage/sql"
	httptransport "walletrelay/backend/internal/transport/http"
	"walletrelay/backend/internal/websocket"
)

// main 启动中继信箱服务：HTTP API、WebSocket 网关与两个后台任务
// （TTL 清理、历史对账）。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting walletrelay server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	var store storage.Store
	var redisClient *redisstore.Client

	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		// 生产模式：SQL 承载信封与账户，Redis 承载限流与发布订阅
		sqlStore, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize sql storage: %v", err))
		}
		redisClient, err = redisstore.New(&cfg.Redis, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize redis: %v", err))
		}
		store = hybrid.NewStore(sqlStore, redisClient)
		log.Info("using hybrid storage",
			zap.String("database", cfg.Database.Type),
			zap.String("redis", cfg.Redis.Address))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化历史库（对账的对端）
	var hist history.Store
	if cfg.History.DSN != "" {
		pgHist, err := history.NewPostgresStore(ctx, cfg.History.DSN, log)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize history store: %v", err))
		}
		if err := pgHist.Migrate(ctx); err != nil {
			panic(fmt.Sprintf("failed to migrate history store: %v", err))
		}
		hist = pgHist
		log.Info("using postgres history store")
	} else {
		hist = history.NewMemoryStore()
		log.Info("using memory history store (development mode)")
	}
	defer hist.Close()

	// 初始化监控系统（promauto 自动注册指标）
	metrics := monitoring.NewMetrics()
	startTime := time.Now()

	// 初始化健康检查
	healthChecker := health.NewChecker(store, hist, log)

	// 通知投递用的协程池
	notifyPool := pool.NewWorkerPool(4, 1024, log)

	// 初始化服务层
	relayService := service.NewRelayService(store, cfg, log)
	relayService.SetMetrics(metrics)
	relayService.SetNotifyPool(notifyPool)

	reaper := service.NewReaper(store, cfg.PolicyTable(), cfg.Reaper, log)
	reaper.SetMetrics(metrics)

	reconciler := service.NewReconciler(store, hist, cfg.Reconciler, log)
	reconciler.SetMetrics(metrics)

	abuseTracker := service.NewAbuseTracker(store, cfg.Abuse, log)
	abuseTracker.SetMetrics(metrics)

	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, log)

	// 接通新消息通知：内存模式直连回调，生产模式经 Redis 频道
	// 跨实例转发
	if memStore, ok := store.(*memory.Store); ok {
		memStore.SetNewMailFunc(func(wallet string, envelope *domain.Envelope) {
			wsHub.NotifyNewMail(wallet, envelope)
		})
	}

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Relay:         relayService,
		Reaper:        reaper,
		Reconciler:    reconciler,
		Abuse:         abuseTracker,
		JWTManager:    jwtManager,
		Verifier:      nil, // 签名校验由登录服务侧注入
		Hub:           wsHub,
		Store:         store,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 通知协程池 goroutine
	group.Go(func() error {
		notifyPool.Start(groupCtx)
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// Redis 通知消费 goroutine（仅生产模式）
	if redisClient != nil {
		limiter := redisstore.NewLimiter(redisClient)
		group.Go(func() error {
			pubsub := limiter.SubscribeAllNewMail(groupCtx)
			defer pubsub.Close()

			log.Info("starting new mail relay from redis to websocket")
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case msg, ok := <-pubsub.Channel():
					if !ok {
						return nil
					}
					event, err := redisstore.DecodeNewMailEvent([]byte(msg.Payload))
					if err != nil {
						log.Warn("dropping malformed new mail event", zap.Error(err))
						continue
					}
					wsHub.NotifyNewMail(event.Wallet, &domain.Envelope{
						ID:          event.EnvelopeID,
						To:          event.Wallet,
						From:        event.From,
						BoxSize:     event.BoxSize,
						MessageType: domain.MessageType(event.MessageType),
						EnqueuedAt:  event.EnqueuedAt,
					})
				}
			}
		})
	}

	// TTL 清理任务 goroutine
	group.Go(func() error {
		log.Info("starting ttl reaper", zap.Duration("interval", cfg.Reaper.Interval))
		reaper.Start(groupCtx)
		return nil
	})

	// 历史对账任务 goroutine
	group.Go(func() error {
		log.Info("starting history reconciler", zap.Duration("interval", cfg.Reconciler.Interval))
		reconciler.Start(groupCtx)
		return nil
	})

	// 运行时长指标 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateSystemUptime(time.Since(startTime))
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		notifyPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
