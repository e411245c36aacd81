package a2a

import (
	"encoding/json"
)

// Version 是 JSON-RPC 协议版本号。
const Version = "2.0"

// A2A 协议方法名。
const (
	MethodMessageSend             = "message/send"
	MethodMessageStream           = "message/stream"
	MethodTasksGet                = "tasks/get"
	MethodTasksCancel             = "tasks/cancel"
	MethodTasksList               = "tasks/list"
	MethodContextsList            = "contexts/list"
	MethodTasksClear              = "tasks/clear"
	MethodTasksFeedback           = "tasks/feedback"
	MethodTasksPushNotificationSet = "tasks/pushNotificationConfig/set"
	MethodTasksPushNotificationGet = "tasks/pushNotificationConfig/get"
	MethodTasksResubscribe        = "tasks/resubscribe"
)

// JSON-RPC 标准错误码。
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// A2A 领域错误码，位于 JSON-RPC 预留的服务端区间。
const (
	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable            = -32002
	CodePushNotificationNotSupported = -32003
	CodeContentTypeNotSupported      = -32005
	CodeInvalidAgentResponse         = -32006
	CodeUnsupportedOperation         = -32010
)

// Request 是 JSON-RPC 2.0 请求。Params 延迟解析以便按方法路由。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response 是 JSON-RPC 2.0 响应，Result 与 Error 互斥。
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError 是 JSON-RPC 2.0 错误对象。
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewResponse 构造成功响应，回显请求 ID。
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewErrorResponse 构造错误响应，回显请求 ID。
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &ResponseError{Code: code, Message: message, Data: data},
	}
}

// normalizeID 保证无法回显请求 ID 时输出 JSON null 而不是缺失字段。
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// SendConfiguration 承载 message/send 的可选配置。
type SendConfiguration struct {
	HistoryLength int `json:"history_length,omitempty"`
}

// MessageSendParams 是 message/send 的参数。
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// TaskQueryParams 是 tasks/get 的参数。HistoryLength 大于 0 时
// 仅返回最近 N 条历史，且不会修改存储中的完整历史。
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"history_length,omitempty"`
}

// TaskIDParams 仅携带任务 ID。
type TaskIDParams struct {
	ID string `json:"id"`
}

// TaskFeedbackParams 是 tasks/feedback 的参数，反馈只接受终态任务。
type TaskFeedbackParams struct {
	ID       string `json:"id"`
	Feedback string `json:"feedback"`
	Rating   int    `json:"rating,omitempty"`
}
