package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/service"
)

// OpsHandler 运维接口处理器。
//
// 这些端点是运维台账的薄封装：用量查询、手工清空、手工触发
// 后台任务、解除封禁与调档。生产部署应将其放在内网或网关
// 鉴权之后。
type OpsHandler struct {
	relay      *service.RelayService
	reaper     *service.Reaper
	reconciler *service.Reconciler
	abuse      *service.AbuseTracker
	log        *zap.Logger
}

// NewOpsHandler 创建运维处理器。
func NewOpsHandler(relay *service.RelayService, reaper *service.Reaper, reconciler *service.Reconciler, abuse *service.AbuseTracker, log *zap.Logger) *OpsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpsHandler{
		relay:      relay,
		reaper:     reaper,
		reconciler: reconciler,
		abuse:      abuse,
		log:        log,
	}
}

// GetUsage 查询任意钱包的配额与用量。
// GET /api/v1/ops/usage/:wallet
func (h *OpsHandler) GetUsage(c *gin.Context) {
	wallet := c.Param("wallet")

	usage, err := h.relay.Usage(wallet)
	if err != nil {
		h.log.Error("ops usage query failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgUsageFailed)
		return
	}
	Success(c, usage)
}

// PurgeMailbox 手工清空任意钱包的信箱。
// POST /api/v1/ops/purge/:wallet
func (h *OpsHandler) PurgeMailbox(c *gin.Context) {
	wallet := c.Param("wallet")

	result, err := h.relay.Purge(wallet)
	if err != nil {
		h.log.Error("ops purge failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgPurgeFailed)
		return
	}

	h.log.Info("mailbox purged by operator", zap.String("wallet", wallet))
	Success(c, result)
}

// RunReaper 手工触发一轮 TTL 清理。
// POST /api/v1/ops/reaper/run
func (h *OpsHandler) RunReaper(c *gin.Context) {
	result := h.reaper.RunOnce()
	if result.Skipped {
		SuccessWithMsg(c, "清理任务正在运行，本次触发已跳过", result)
		return
	}
	Success(c, result)
}

// RunReconciler 手工触发一轮历史对账。
// POST /api/v1/ops/reconciler/run
func (h *OpsHandler) RunReconciler(c *gin.Context) {
	result := h.reconciler.RunOnce(c.Request.Context())
	if result.Skipped {
		SuccessWithMsg(c, "对账任务正在运行，本次触发已跳过", result)
		return
	}
	Success(c, result)
}

// unblockRequest 解除封禁的请求体。
type unblockRequest struct {
	Scope string `json:"scope" binding:"required"` // wallet 或 ip
	ID    string `json:"id" binding:"required"`
}

// Unblock 解除某 scope/id 的临时封禁。
// POST /api/v1/ops/unblock
func (h *OpsHandler) Unblock(c *gin.Context) {
	var req unblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	scope := domain.AbuseScope(req.Scope)
	if scope != domain.ScopeWallet && scope != domain.ScopeIP {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.abuse.Unblock(scope, req.ID); err != nil {
		h.log.Error("ops unblock failed",
			zap.String("scope", req.Scope),
			zap.String("id", req.ID),
			zap.Error(err))
		InternalError(c, MsgUnblockFailed)
		return
	}
	SuccessWithMsg(c, "封禁已解除", nil)
}

// setTierRequest 调整等级的请求体。
type setTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// SetTier 调整账户等级。
// PUT /api/v1/ops/accounts/:wallet/tier
func (h *OpsHandler) SetTier(c *gin.Context) {
	wallet := c.Param("wallet")

	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	account, err := h.relay.SetTier(wallet, domain.Tier(req.Tier))
	if err != nil {
		if !domain.ValidTier(domain.Tier(req.Tier)) {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		h.log.Error("ops set tier failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgSetTierFailed)
		return
	}
	Success(c, account)
}
