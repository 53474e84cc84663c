package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeRunNotFound       = "RUN_NOT_FOUND"
	ErrCodeRunExists         = "RUN_ALREADY_EXISTS"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnknownStage      = "UNKNOWN_STAGE"
	ErrCodeBaseline          = "BASELINE_INCOMPLETE"
	ErrCodeStoreUnavailable  = "STORE_UNAVAILABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewErrorInfo(code string, message string) *ErrorInfo {
	return &ErrorInfo{
		Code:    code,
		Message: message,
	}
}

func (e *ErrorInfo) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ToErrorInfo classifies an orchestrator error and returns the HTTP status to
// answer it with.
func ToErrorInfo(err error) (*ErrorInfo, int) {
	var ei *ErrorInfo
	if errors.As(err, &ei) {
		return ei, statusForCode(ei.Code)
	}

	code := ErrCodeInternalError
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		code = ErrCodeRunNotFound
	case errors.Is(err, pipeline.ErrRunAlreadyExists):
		code = ErrCodeRunExists
	case errors.Is(err, pipeline.ErrInvalidTransition):
		code = ErrCodeInvalidTransition
	case errors.Is(err, pipeline.ErrUnknownStage):
		code = ErrCodeUnknownStage
	case errors.Is(err, pipeline.ErrBaselineIncomplete):
		code = ErrCodeBaseline
	case pipeline.IsTransient(err):
		code = ErrCodeStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	}
	return &ErrorInfo{Code: code, Message: err.Error()}, statusForCode(code)
}

func statusForCode(code string) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeUnknownStage, ErrCodeBaseline:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRunNotFound:
		return http.StatusNotFound
	case ErrCodeRunExists, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
