package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/auth/jwt"
	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/health"
	"walletrelay/backend/internal/middleware"
	"walletrelay/backend/internal/monitoring"
	"walletrelay/backend/internal/service"
	"walletrelay/backend/internal/storage"
	"walletrelay/backend/internal/websocket"
)

// RouterDependencies 路由器的全部依赖
type RouterDependencies struct {
	Config        *config.Config
	Relay         *service.RelayService
	Reaper        *service.Reaper
	Reconciler    *service.Reconciler
	Abuse         *service.AbuseTracker
	JWTManager    *jwt.Manager
	Verifier      SignatureVerifier
	Hub           *websocket.Hub
	Store         storage.Store
	HealthChecker *health.Checker
	Metrics       *monitoring.Metrics
	Logger        *zap.Logger
}

// NewRouter 创建并配置 Gin 路由器。
//
// 中间件顺序：恢复 → 日志 → 安全头 → 请求体上限 → 监控 → CORS。
// 信箱路由统一走 JWT 鉴权，封禁闸门压在限流前面，被封禁的
// 请求不再消耗限流窗口。
func NewRouter(deps RouterDependencies) *gin.Engine {
	cfg := deps.Config
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	// 密文在 JSON 里以 base64 传输，体积上限要给编码留出余量
	router.Use(middleware.RequestSizeLimit(cfg.Relay.MaxEnvelopeBytes*2 + 64*1024))
	if deps.Metrics != nil {
		router.Use(middleware.Monitoring(deps.Metrics))
	}

	corsConfig := gincors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" {
			// 通配来源时必须关闭凭据，否则浏览器直接拒绝响应
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
		corsConfig.AllowOrigins = append(corsConfig.AllowOrigins, origin)
	}
	router.Use(gincors.New(corsConfig))

	walletAuth := middleware.NewWalletAuth(deps.JWTManager, log)
	rateLimiter := middleware.NewRateLimiter(deps.Store, deps.Abuse, log)
	blockGate := middleware.NewBlockGate(deps.Abuse, log)
	if deps.Metrics != nil {
		rateLimiter.SetMetrics(deps.Metrics)
		blockGate.SetMetrics(deps.Metrics)
	}

	authHandler := NewAuthHandler(deps.JWTManager, deps.Verifier, log)
	relayHandler := NewRelayHandler(deps.Relay, log)
	opsHandler := NewOpsHandler(deps.Relay, deps.Reaper, deps.Reconciler, deps.Abuse, log)

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/session", authHandler.CreateSession)
			auth.POST("/refresh", authHandler.RefreshSession)
		}

		relay := v1.Group("/relay")
		relay.Use(walletAuth.RequireAuth())
		{
			relay.POST("/messages",
				blockGate.Guard("enqueue"),
				rateLimiter.Limit("enqueue", cfg.RateLimit.Enqueue),
				relayHandler.PostMessage)
			relay.GET("/mailbox",
				blockGate.Guard("fetch"),
				rateLimiter.Limit("fetch", cfg.RateLimit.Fetch),
				relayHandler.GetMailbox)
			relay.POST("/mailbox/ack", relayHandler.AckMessages)
			relay.DELETE("/mailbox", relayHandler.PurgeMailbox)
			relay.GET("/usage", relayHandler.GetUsage)
			relay.POST("/attachments/presign",
				blockGate.Guard("presign"),
				rateLimiter.Limit("presign", cfg.RateLimit.Presign),
				relayHandler.PresignAttachment)
		}

		ops := v1.Group("/ops")
		ops.Use(walletAuth.RequireAuth())
		{
			ops.GET("/usage/:wallet", opsHandler.GetUsage)
			ops.POST("/purge/:wallet", opsHandler.PurgeMailbox)
			ops.POST("/reaper/run", opsHandler.RunReaper)
			ops.POST("/reconciler/run", opsHandler.RunReconciler)
			ops.POST("/unblock", opsHandler.Unblock)
			ops.PUT("/accounts/:wallet/tier", opsHandler.SetTier)
		}

		if deps.Hub != nil {
			v1.GET("/ws", deps.Hub.HandleConnection)
		}
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	if deps.HealthChecker != nil {
		router.GET("/live", gin.WrapH(deps.HealthChecker.LiveHandler()))
		router.GET("/ready", gin.WrapH(deps.HealthChecker.Handler()))
		router.GET("/health", func(c *gin.Context) {
			Success(c, deps.HealthChecker.Snapshot())
		})
	}

	return router
}
