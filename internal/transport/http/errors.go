package httptransport

import (
	"walletrelay/backend/internal/service"
	"walletrelay/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	service.ErrQuotaExceeded:      "信箱配额不足，请等待过期清理或清空信箱",
	service.ErrPayloadTooLarge:    "单条消息超过大小上限",
	service.ErrRateLimited:        "请求过于频繁，请稍后再试",
	service.ErrTemporarilyBlocked: "操作已被临时限制，请稍后再试",
	service.ErrInvalidEnvelope:    "消息格式无效",

	storage.ErrEnvelopeNotFound: "消息不存在",
	storage.ErrAccountNotFound:  "账户不存在",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgInvalidCursor    = "分页游标无效"
	MsgRequestBodyEmpty = "请求体不能为空"

	// 认证相关
	MsgAuthRequired     = "需要登录认证"
	MsgTokenExpired     = "登录已过期，请重新登录"
	MsgTokenInvalid     = "无效的访问令牌"
	MsgPermissionDenied = "权限不足"

	// 信箱相关
	MsgEnqueueFailed = "消息投递失败"
	MsgFetchFailed   = "获取消息列表失败"
	MsgAckFailed     = "确认消息失败"
	MsgPurgeFailed   = "清空信箱失败"
	MsgUsageFailed   = "获取用量信息失败"

	// 配额与限流相关
	MsgQuotaExceeded   = "信箱配额不足"
	MsgPayloadTooLarge = "消息超过大小上限"
	MsgRateLimited     = "请求过于频繁"
	MsgBlocked         = "操作已被临时限制"

	// 运维相关
	MsgReaperFailed    = "触发清理任务失败"
	MsgReconcileFailed = "触发对账任务失败"
	MsgUnblockFailed   = "解除封禁失败"
	MsgSetTierFailed   = "调整账户等级失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
