package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExceeded 接收会使信箱超过宽限阈值
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrPayloadTooLarge 单封信封超过全局硬上限
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrRateLimited 固定窗口内请求数超限
	ErrRateLimited = errors.New("rate limited")
	// ErrTemporarilyBlocked 滥用升级后的临时封禁
	ErrTemporarilyBlocked = errors.New("temporarily blocked")
	// ErrInvalidEnvelope 信封字段不合法
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidCursor 分页游标无法解析
	ErrInvalidCursor = errors.New("invalid cursor")
)

// QuotaExceededError 配额拒绝的结构化详情，供调用方渲染提示。
type QuotaExceededError struct {
	QuotaBytes    int64 `json:"quotaBytes"`
	UsedBytes     int64 `json:"usedBytes"`
	IncomingBytes int64 `json:"incomingBytes"`
	GraceLimit    int64 `json:"graceLimit"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: used %d + incoming %d exceeds grace limit %d (quota %d)",
		e.UsedBytes, e.IncomingBytes, e.GraceLimit, e.QuotaBytes)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// PayloadTooLargeError 超过单封硬上限的结构化详情。
type PayloadTooLargeError struct {
	BoxSize  int64 `json:"boxSize"`
	MaxBytes int64 `json:"maxBytes"`
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes exceeds cap %d", e.BoxSize, e.MaxBytes)
}

func (e *PayloadTooLargeError) Unwrap() error {
	return ErrPayloadTooLarge
}

// RateLimitedError 限流拒绝，携带重试提示。
type RateLimitedError struct {
	RetryAfter time.Duration `json:"retryAfter"`
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// BlockedError 临时封禁拒绝，携带解封时间。
type BlockedError struct {
	Until time.Time `json:"until"`
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("temporarily blocked until %s", e.Until.Format(time.RFC3339))
}

func (e *BlockedError) Unwrap() error {
	return ErrTemporarilyBlocked
}
