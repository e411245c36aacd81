// Package protocol 暴露 A2A JSON-RPC 2.0 协议端点,
// 将请求分发给任务管理器并把领域错误映射为协议错误码。
package protocol

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
	"OpenA2A-Relay/internal/observability/metrics"
	"OpenA2A-Relay/internal/task"
	"OpenA2A-Relay/pkg/logger"
)

// Dispatcher 解析 JSON-RPC 请求并路由到对应的任务操作。
type Dispatcher struct {
	manager *task.Manager
	log     *slog.Logger
}

// DispatcherOption 配置 Dispatcher。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 注入日志记录器。
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher 创建协议分发器。
func NewDispatcher(manager *task.Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		manager: manager,
		log:     logger.Named("protocol"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServeHTTP 实现 http.Handler。除解析失败外的所有错误都通过
// JSON-RPC error 对象返回;只有未知方法附带非 200 状态码。
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, http.StatusMethodNotAllowed,
			a2a.NewErrorResponse(nil, a2a.CodeInvalidRequest, "仅支持 POST", nil))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(nil, a2a.CodeParseError, "读取请求体失败", nil))
		return
	}

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		// 解析失败时无法得知请求 ID,按协议以 null 回应。
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(nil, a2a.CodeParseError, "请求解析失败", nil))
		return
	}
	if req.JSONRPC != a2a.Version {
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "不支持的 JSON-RPC 版本", nil))
		return
	}
	if req.Method == "" {
		writeResponse(w, http.StatusOK,
			a2a.NewErrorResponse(req.ID, a2a.CodeInvalidRequest, "缺少 method 字段", nil))
		return
	}

	start := time.Now()
	resp, status := d.dispatch(r, &req)
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	metrics.ObserveRPCRequest(req.Method, code, time.Since(start))
	writeResponse(w, status, resp)
}

// dispatch 路由单个请求,返回响应与 HTTP 状态码。处理过程中的
// panic 在此止损,统一回应 internal error,绝不让 HTTP 连接裸断。
func (d *Dispatcher) dispatch(r *http.Request, req *a2a.Request) (resp *a2a.Response, status int) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("请求处理发生 panic",
				"method", req.Method,
				"panic", rec,
			)
			resp = a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, "内部错误", nil)
			status = http.StatusOK
		}
	}()

	ctx := r.Context()

	var (
		result any
		err    error
	)
	switch req.Method {
	case a2a.MethodMessageSend:
		var params a2a.MessageSendParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.SendMessage(ctx, params)
	case a2a.MethodTasksGet:
		var params a2a.TaskQueryParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.GetTask(ctx, params)
	case a2a.MethodTasksCancel:
		var params a2a.TaskIDParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.CancelTask(ctx, params)
	case a2a.MethodTasksList:
		result, err = d.manager.ListTasks(ctx)
	case a2a.MethodContextsList:
		result, err = d.manager.ListContexts(ctx)
	case a2a.MethodTasksClear:
		var cleared int
		cleared, err = d.manager.ClearTasks(ctx)
		result = map[string]int{"cleared": cleared}
	case a2a.MethodTasksFeedback:
		var params a2a.TaskFeedbackParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.TaskFeedback(ctx, params)
	case a2a.MethodMessageStream:
		var params a2a.MessageSendParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.StreamMessage(ctx, params)
	case a2a.MethodTasksPushNotificationSet:
		var params a2a.TaskIDParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.SetTaskPushNotification(ctx, params)
	case a2a.MethodTasksPushNotificationGet:
		var params a2a.TaskIDParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.GetTaskPushNotification(ctx, params)
	case a2a.MethodTasksResubscribe:
		var params a2a.TaskIDParams
		if perr := decodeParams(req.Params, &params); perr != nil {
			return invalidParams(req.ID, perr), http.StatusOK
		}
		result, err = d.manager.ResubscribeTask(ctx, params)
	default:
		d.log.Warn("收到未知方法", "method", req.Method)
		return a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound,
			"未知方法: "+req.Method, nil), http.StatusNotFound
	}

	if err != nil {
		return d.errorResponse(req, err), http.StatusOK
	}
	return a2a.NewResponse(req.ID, result), http.StatusOK
}

// errorResponse 将领域错误转换为 JSON-RPC 错误对象。
func (d *Dispatcher) errorResponse(req *a2a.Request, err error) *a2a.Response {
	code := xerrors.RPCCodeOf(err)
	if code == 0 {
		code = a2a.CodeInternalError
	}
	d.log.Error("请求处理失败",
		"method", req.Method,
		"code", code,
		"error", err,
	)
	return a2a.NewErrorResponse(req.ID, code, err.Error(), nil)
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少 params 字段")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "params 解析失败")
	}
	return nil
}

func invalidParams(id json.RawMessage, err error) *a2a.Response {
	return a2a.NewErrorResponse(id, a2a.CodeInvalidParams, err.Error(), nil)
}

func writeResponse(w http.ResponseWriter, status int, resp *a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
