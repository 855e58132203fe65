// Package apierr 定义扫描请求的错误类型，每种 Kind 对应唯一的 HTTP 状态码和审计状态。
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类
type Kind int

const (
	KindInternal Kind = iota
	KindMethodNotAllowed
	KindUnauthorized
	KindValidation
	KindPayloadTooLarge
	KindServiceUnavailable
	KindRateLimited
	KindUpstream
)

// 审计状态
const (
	AuditSuccess      = "success"
	AuditError        = "error"
	AuditRateLimited  = "rate_limited"
	AuditLimiterError = "limiter_error"
)

func (k Kind) String() string {
	switch k {
	case KindMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindValidation:
		return "INVALID_REQUEST"
	case KindPayloadTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case KindServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case KindRateLimited:
		return "RATE_LIMIT_EXCEEDED"
	case KindUpstream:
		return "UPSTREAM_ERROR"
	case KindInternal:
		return "INTERNAL"
	}
	return "INTERNAL"
}

// HTTPStatus 返回该错误对应的 HTTP 状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// AuditStatus 返回写入审计日志的状态，空字符串表示不记录
func (k Kind) AuditStatus() string {
	switch k {
	case KindMethodNotAllowed, KindUnauthorized, KindValidation, KindPayloadTooLarge:
		return ""
	case KindServiceUnavailable:
		return AuditLimiterError
	case KindRateLimited:
		return AuditRateLimited
	case KindUpstream, KindInternal:
		return AuditError
	}
	return AuditError
}

// Error 带分类的错误
type Error struct {
	Kind    Kind
	Message string   // 返回给调用方的信息
	Details []string // 校验失败的字段说明
	Cause   error    // 仅记录在服务端
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New 创建错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap 包装底层错误
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation 创建带字段说明的校验错误
func Validation(message string, details ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// As 将任意错误归类，未分类的错误视为 Internal
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: "Analysis failed", Cause: err}
}

// KindOf 返回错误分类
func KindOf(err error) Kind {
	return As(err).Kind
}
