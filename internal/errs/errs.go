// Package errs 定义统一错误码
package errs

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"
	CodeUnauthorized Code = "UNAUTHORIZED"

	// 发票校验
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeExtractionFailed Code = "EXTRACTION_FAILED"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"

	// 策略决策
	CodeRunwayRejected   Code = "RUNWAY_REJECTED"
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"
	CodeInvalidPolicy    Code = "INVALID_POLICY"

	// 清算与账本
	CodeDuplicateRequest  Code = "DUPLICATE_REQUEST"
	CodeSagaInFlight      Code = "SAGA_IN_FLIGHT"
	CodeSettlementFailed  Code = "SETTLEMENT_FAILED"
	CodeSettlementPending Code = "SETTLEMENT_PENDING"
	CodeLedgerConflict    Code = "LEDGER_CONFLICT"
	CodeEscalated         Code = "ESCALATED"

	// 审批
	CodeApprovalNotFound Code = "APPROVAL_NOT_FOUND"
	CodeAlreadyResolved  Code = "ALREADY_RESOLVED"

	// 基础设施（非致命）
	CodeCacheDegraded Code = "CACHE_DEGRADED"
	CodeNotifyFailed  Code = "NOTIFY_FAILED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSettlementPending, CodeCacheDegraded, CodeNotifyFailed:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK, CodeRunwayRejected, CodeApprovalRequired, CodeDuplicateRequest:
		// 业务结果，不是传输层错误
		return http.StatusOK
	case CodeInvalidParam, CodeValidationFailed, CodeInvalidPolicy:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound, CodeApprovalNotFound:
		return http.StatusNotFound
	case CodeSagaInFlight, CodeLedgerConflict, CodeAlreadyResolved:
		return http.StatusConflict
	case CodeSettlementPending:
		return http.StatusAccepted
	case CodeSettlementFailed:
		return http.StatusUnprocessableEntity
	case CodeExtractionFailed:
		return http.StatusBadGateway
	case CodeInternal, CodeUnknown, CodeEscalated:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeCacheDegraded:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrSagaInFlight     = New(CodeSagaInFlight, "a saga for this request is already running")
	ErrAlreadyResolved  = New(CodeAlreadyResolved, "approval already resolved")
	ErrApprovalNotFound = New(CodeApprovalNotFound, "approval not found")
)
