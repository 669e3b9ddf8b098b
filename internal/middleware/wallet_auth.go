package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/auth/jwt"
)

// WalletAuth 钱包会话认证中间件
type WalletAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewWalletAuth 创建钱包会话认证中间件
func NewWalletAuth(jwtManager *jwt.Manager, log *zap.Logger) *WalletAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &WalletAuth{jwtManager: jwtManager, log: log}
}

// RequireAuth 要求有效的会话令牌，并把钱包地址放入上下文
func (wa *WalletAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := wa.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			c.Abort()
			return
		}

		claims, err := wa.jwtManager.ValidateToken(token)
		if err != nil {
			wa.log.Warn("invalid session token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set("wallet", claims.Wallet)
		c.Set("tier", claims.Tier)

		c.Next()
	}
}

// extractToken 从请求中提取会话令牌
func (wa *WalletAuth) extractToken(c *gin.Context) string {
	// 1. 从 Authorization header 提取
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}

	// 2. 从 cookie 提取
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}

	return ""
}

// WalletFromContext 读取认证中间件放入的钱包地址。
func WalletFromContext(c *gin.Context) string {
	wallet, _ := c.Get("wallet")
	s, _ := wallet.(string)
	return s
}
