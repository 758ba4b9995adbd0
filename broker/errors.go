package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 统一错误码（封闭集合）
// 所有适配器必须把券商侧的错误映射到这些错误码，
// 不允许把原始错误码作为主要信号向上传递
type ErrorCode string

const (
	ErrInvalidCredentials      ErrorCode = "INVALID_CREDENTIALS"      // 凭证无效或已过期
	ErrInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS" // API 权限不足
	ErrRateLimited             ErrorCode = "RATE_LIMITED"             // 触发限流
	ErrNetworkError            ErrorCode = "NETWORK_ERROR"            // 网络层错误（DNS/超时/TLS）
	ErrInvalidSymbol           ErrorCode = "INVALID_SYMBOL"           // 交易对不存在
	ErrInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"     // 余额不足
	ErrOrderRejected           ErrorCode = "ORDER_REJECTED"           // 订单被拒绝
	ErrPositionNotFound        ErrorCode = "POSITION_NOT_FOUND"       // 持仓不存在
	ErrBrokerUnavailable       ErrorCode = "BROKER_UNAVAILABLE"       // 券商服务不可用（网关未启动等）
	ErrUnknown                 ErrorCode = "UNKNOWN_ERROR"            // 未分类错误
)

// Error 券商统一错误类型
// 携带人类可读消息、统一错误码、券商原始错误码（可选）、
// 是否可重试标记以及建议的重试等待时间（可选）
type Error struct {
	Code       ErrorCode
	Message    string
	BrokerCode string        // 券商原始错误码（仅用于审计/日志）
	Retryable  bool
	RetryAfter time.Duration // 0 表示券商未给出建议
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.BrokerCode != "" {
		return fmt.Sprintf("[%s] %s (broker=%s)", e.Code, e.Message, e.BrokerCode)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewError 创建统一错误
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code == ErrRateLimited || code == ErrNetworkError || code == ErrBrokerUnavailable,
	}
}

// NewRateLimitError 创建限流错误（可重试，附带建议等待时间）
func NewRateLimitError(retryAfter time.Duration, format string, args ...interface{}) *Error {
	return &Error{
		Code:       ErrRateLimited,
		Message:    fmt.Sprintf(format, args...),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// WithBrokerCode 附加券商原始错误码
func (e *Error) WithBrokerCode(code string) *Error {
	e.BrokerCode = code
	return e
}

// AsError 提取统一错误类型
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsCode 判断错误是否属于指定错误码
func IsCode(err error, code ErrorCode) bool {
	if be, ok := AsError(err); ok {
		return be.Code == code
	}
	return false
}

// IsRetryable 判断错误是否可重试
// 非统一错误类型一律视为不可重试（调用方不应盲目重试未知错误）
func IsRetryable(err error) bool {
	if be, ok := AsError(err); ok {
		return be.Retryable
	}
	return false
}

// WrapNetwork 把底层网络错误包装为统一的 NETWORK_ERROR
// 已经是统一错误类型的直接透传，避免二次包装丢失错误码
func WrapNetwork(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{
		Code:      ErrNetworkError,
		Message:   err.Error(),
		Retryable: true,
	}
}
