package task

import (
	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskNotCancelable 表示任务已处于终态，无法取消。
	ErrTaskNotCancelable = xerrors.New(CodeTaskNotCancelable, "task is not cancelable", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrContextNotFound 表示指定的会话上下文不存在。
	ErrContextNotFound = xerrors.New(CodeContextNotFound, "context not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrUnsupportedOperation 表示该操作是预留的扩展点，当前未实现。
	ErrUnsupportedOperation = xerrors.New(CodeUnsupportedOperation, "operation not supported")
	// ErrInvalidAgentResponse 表示智能体回调返回了无法转换的结果。
	ErrInvalidAgentResponse = xerrors.New(CodeInvalidAgentResponse, "invalid agent response")
)

const (
	CodeTaskNotFound         xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskNotCancelable    xerrors.Code = "TASK_NOT_CANCELABLE"
	CodeContextNotFound      xerrors.Code = "CONTEXT_NOT_FOUND"
	CodeTaskConflict         xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation       xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish          xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing       xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeUnsupportedOperation xerrors.Code = "UNSUPPORTED_OPERATION"
	CodeInvalidAgentResponse xerrors.Code = "INVALID_AGENT_RESPONSE"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		RPCCode:   a2a.CodeTaskNotFound,
	})
	xerrors.Register(CodeTaskNotCancelable, xerrors.Attributes{
		Message:   "task is not cancelable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
		RPCCode:   a2a.CodeTaskNotCancelable,
	})
	xerrors.Register(CodeContextNotFound, xerrors.Attributes{
		Message:   "context not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		RPCCode:   a2a.CodeTaskNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		RPCCode:   a2a.CodeInvalidParams,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnsupportedOperation, xerrors.Attributes{
		Message:   "operation not supported",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
		RPCCode:   a2a.CodeUnsupportedOperation,
	})
	xerrors.Register(CodeInvalidAgentResponse, xerrors.Attributes{
		Message:   "invalid agent response",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
		RPCCode:   a2a.CodeInvalidAgentResponse,
	})
}

// OperationType 区分调度器投递的操作类型。
type OperationType string

const (
	OperationRun    OperationType = "run"
	OperationCancel OperationType = "cancel"
	OperationPause  OperationType = "pause"
	OperationResume OperationType = "resume"
)

// IsValidOperationType 检查操作类型是否为支持的枚举值。
func IsValidOperationType(op OperationType) bool {
	switch op {
	case OperationRun, OperationCancel, OperationPause, OperationResume:
		return true
	default:
		return false
	}
}

// OperationParams 是一次调度操作携带的参数。Attempt 记录第几次执行，
// Worker 据此决定失败后是否重新入队。
type OperationParams struct {
	TaskID        string       `json:"task_id"`
	ContextID     string       `json:"context_id,omitempty"`
	Message       *a2a.Message `json:"message,omitempty"`
	HistoryLength int          `json:"history_length,omitempty"`
	Attempt       int          `json:"attempt,omitempty"`
}

// Operation 是调度器与 Worker 之间流转的操作单元。
type Operation struct {
	Type   OperationType
	Params OperationParams
}
