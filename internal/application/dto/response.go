package dto

import (
	"time"

	"github.com/turtacn/keyagent/pkg/errors"
)

// APIResponse 通用 API 响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorDTO   `json:"error,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorDTO 错误信息 DTO
type ErrorDTO struct {
	Code        string                 `json:"code"`
	Category    string                 `json:"category"`
	Message     string                 `json:"message"`
	Description string                 `json:"description,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse 创建成功响应
func SuccessResponse(data interface{}, traceID string) *APIResponse {
	return &APIResponse{
		Success:   true,
		Data:      data,
		TraceID:   traceID,
		Timestamp: time.Now().Unix(),
	}
}

// ErrorResponse 创建错误响应
func ErrorResponse(err error, traceID string) *APIResponse {
	var errorDTO *ErrorDTO
	if agentErr, ok := errors.AsAgentError(err); ok {
		errorDTO = &ErrorDTO{
			Code:        string(agentErr.Code()),
			Category:    string(agentErr.Category()),
			Message:     agentErr.Error(),
			Description: agentErr.Description(),
			Retryable:   agentErr.Retryable(),
			Details:     agentErr.Metadata(),
		}
	} else {
		errorDTO = &ErrorDTO{
			Code:     "internal_error",
			Category: "internal",
			Message:  err.Error(),
		}
	}
	return &APIResponse{
		Success:   false,
		Error:     errorDTO,
		TraceID:   traceID,
		Timestamp: time.Now().Unix(),
	}
}
