package httptransport

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/middleware"
	"walletrelay/backend/internal/service"
)

// RelayHandler 信箱相关的 HTTP 处理器。
type RelayHandler struct {
	relay *service.RelayService
	log   *zap.Logger
}

// NewRelayHandler 创建信箱处理器。
func NewRelayHandler(relay *service.RelayService, log *zap.Logger) *RelayHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayHandler{relay: relay, log: log}
}

// postMessageRequest 投递消息的请求体。
//
// box 与 iv 是 base64 编码的密文字段，服务端不解密。
type postMessageRequest struct {
	ID          string `json:"id"`
	To          string `json:"to" binding:"required"`
	Box         []byte `json:"box" binding:"required"`
	IV          []byte `json:"iv" binding:"required"`
	MessageType string `json:"messageType"`
	Meta        string `json:"meta"`
}

// PostMessage 投递一封加密消息到收件人信箱。
// POST /api/v1/relay/messages
func (h *RelayHandler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	messageType := domain.MessageType(req.MessageType)
	if messageType == "" {
		messageType = domain.MessageTypeText
	}

	result, err := h.relay.Enqueue(service.EnqueueInput{
		ID:          req.ID,
		From:        middleware.WalletFromContext(c),
		To:          req.To,
		Box:         req.Box,
		IV:          req.IV,
		MessageType: messageType,
		Meta:        req.Meta,
	})
	if err != nil {
		h.renderEnqueueError(c, err)
		return
	}

	Created(c, result)
}

// renderEnqueueError 把入队错误翻译成带详情的响应。
func (h *RelayHandler) renderEnqueueError(c *gin.Context, err error) {
	var quotaErr *service.QuotaExceededError
	if errors.As(err, &quotaErr) {
		QuotaExceeded(c, MsgQuotaExceeded, quotaErr)
		return
	}

	var sizeErr *service.PayloadTooLargeError
	if errors.As(err, &sizeErr) {
		PayloadTooLarge(c, MsgPayloadTooLarge, sizeErr)
		return
	}

	if errors.Is(err, service.ErrInvalidEnvelope) {
		BadRequest(c, GetErrorMessage(service.ErrInvalidEnvelope))
		return
	}

	h.log.Error("enqueue failed", zap.Error(err))
	InternalError(c, MsgEnqueueFailed)
}

// GetMailbox 分页拉取当前钱包的待取消息。
// GET /api/v1/relay/mailbox?cursor=&limit=
func (h *RelayHandler) GetMailbox(c *gin.Context) {
	wallet := middleware.WalletFromContext(c)
	cursor := c.Query("cursor")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	result, err := h.relay.Fetch(wallet, cursor, limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCursor) {
			BadRequest(c, MsgInvalidCursor)
			return
		}
		h.log.Error("fetch failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgFetchFailed)
		return
	}

	Success(c, result)
}

// ackRequest 确认消息的请求体。
type ackRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// AckMessages 确认并删除已取走的消息。
// POST /api/v1/relay/mailbox/ack
func (h *RelayHandler) AckMessages(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	wallet := middleware.WalletFromContext(c)
	result, err := h.relay.Ack(wallet, req.IDs)
	if err != nil {
		h.log.Error("ack failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgAckFailed)
		return
	}

	Success(c, result)
}

// PurgeMailbox 清空当前钱包的整个信箱。
// DELETE /api/v1/relay/mailbox
func (h *RelayHandler) PurgeMailbox(c *gin.Context) {
	wallet := middleware.WalletFromContext(c)

	result, err := h.relay.Purge(wallet)
	if err != nil {
		h.log.Error("purge failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgPurgeFailed)
		return
	}

	Success(c, result)
}

// GetUsage 查询当前钱包的配额与用量。
// GET /api/v1/relay/usage
func (h *RelayHandler) GetUsage(c *gin.Context) {
	wallet := middleware.WalletFromContext(c)

	usage, err := h.relay.Usage(wallet)
	if err != nil {
		h.log.Error("usage query failed", zap.String("wallet", wallet), zap.Error(err))
		InternalError(c, MsgUsageFailed)
		return
	}

	Success(c, usage)
}

// presignRequest 附件预签名请求体。
type presignRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// presignResponse 附件预签名响应。
type presignResponse struct {
	ObjectKey string `json:"objectKey"`
	UploadURL string `json:"uploadUrl"`
	ExpiresAt string `json:"expiresAt"`
}

// PresignAttachment 为附件上传签发一次性对象键。
//
// 附件走独立的对象存储通道，信箱只中转引用；这条路由单独限流
// 并受封禁闸门保护。
// POST /api/v1/relay/attachments/presign
func (h *RelayHandler) PresignAttachment(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	wallet := middleware.WalletFromContext(c)
	objectKey := "attachments/" + wallet + "/" + uuid.NewString()
	expires := time.Now().UTC().Add(15 * time.Minute)

	Success(c, presignResponse{
		ObjectKey: objectKey,
		UploadURL: "/api/v1/relay/attachments/" + objectKey,
		ExpiresAt: expires.Format(time.RFC3339),
	})
}
