package httptransport

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/auth/jwt"
	"walletrelay/backend/internal/domain"
)

// SignatureVerifier 钱包签名校验的外部契约。
//
// 链上签名算法由登录服务实现，信箱只消费校验结果。
type SignatureVerifier interface {
	Verify(wallet, nonce, signature string) error
}

// AuthHandler 会话令牌处理器。
type AuthHandler struct {
	jwtManager *jwt.Manager
	verifier   SignatureVerifier
	log        *zap.Logger
}

// NewAuthHandler 创建会话处理器；verifier 为 nil 时跳过签名校验
// （仅限开发模式）。
func NewAuthHandler(jwtManager *jwt.Manager, verifier SignatureVerifier, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{jwtManager: jwtManager, verifier: verifier, log: log}
}

// sessionRequest 建立会话的请求体。
type sessionRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Tier      string `json:"tier"`
}

// CreateSession 用钱包签名换取会话令牌。
// POST /api/v1/auth/session
func (h *AuthHandler) CreateSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	wallet := strings.ToLower(strings.TrimSpace(req.Wallet))
	if wallet == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(wallet, req.Nonce, req.Signature); err != nil {
			h.log.Warn("wallet signature rejected",
				zap.String("wallet", wallet),
				zap.String("ip", c.ClientIP()))
			Unauthorized(c, MsgTokenInvalid)
			return
		}
	}

	tier := req.Tier
	if !domain.ValidTier(domain.Tier(tier)) {
		tier = string(domain.TierFree)
	}

	pair, err := h.jwtManager.GenerateTokenPair(wallet, tier)
	if err != nil {
		h.log.Error("failed to issue session", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Created(c, pair)
}

// refreshRequest 刷新会话的请求体。
type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshSession 用刷新令牌换取新令牌对。
// POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshSession(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	pair, err := h.jwtManager.RefreshTokens(req.RefreshToken)
	if err != nil {
		Unauthorized(c, MsgTokenExpired)
		return
	}
	Success(c, pair)
}
