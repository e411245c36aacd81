package task

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/trace"

	xerrors "OpenA2A-Relay/internal/errors"
)

// Handler 处理调度器投递的单个操作。返回错误不会让消费循环退出，
// 只用于日志与告警。
type Handler func(ctx context.Context, op Operation) error

// Scheduler 解耦任务提交与任务执行。两个（或更多）后端实现必须
// 可互换：无论经由哪个后端，Worker 收到的操作语义完全一致。
type Scheduler interface {
	// RunTask 入队一个 run 操作。每个任务只会在提交时入队一次 run，
	// 失败重试由 Worker 带着 Attempt 重新入队。
	RunTask(ctx context.Context, params OperationParams) error
	// CancelTask 入队一个 cancel 操作。取消是建议性的，见 Worker。
	CancelTask(ctx context.Context, params OperationParams) error
	// PauseTask 入队一个 pause 操作（预留扩展点）。
	PauseTask(ctx context.Context, params OperationParams) error
	// ResumeTask 入队一个 resume 操作（预留扩展点）。
	ResumeTask(ctx context.Context, params OperationParams) error
	// ReceiveTaskOperations 启动消费循环，直到上下文取消。
	// 同一进程内操作按入队顺序投递。
	ReceiveTaskOperations(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// operationEnvelope 是跨进程后端使用的统一线上格式。span/trace ID
// 以十六进制字符串单独编码，因为 span 本身不可序列化。
type operationEnvelope struct {
	Operation OperationType   `json:"operation"`
	Params    OperationParams `json:"params"`
	SpanID    *string         `json:"span_id"`
	TraceID   *string         `json:"trace_id"`
}

// encodeOperation 将操作序列化为 JSON，并从上下文提取当前 span 的
// 追踪信息一并携带。
func encodeOperation(ctx context.Context, op Operation) ([]byte, error) {
	envelope := operationEnvelope{
		Operation: op.Type,
		Params:    op.Params,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		spanID := sc.SpanID().String()
		traceID := sc.TraceID().String()
		envelope.SpanID = &spanID
		envelope.TraceID = &traceID
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化任务操作失败")
	}
	return payload, nil
}

// decodeOperation 还原线上格式。携带追踪信息时在返回的上下文里
// 重建远端 span context，供消费侧继续链路。
func decodeOperation(ctx context.Context, payload []byte) (Operation, context.Context, error) {
	var envelope operationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Operation{}, ctx, xerrors.Wrap(xerrors.CodeQueueFailure, err, "反序列化任务操作失败")
	}
	if !IsValidOperationType(envelope.Operation) {
		return Operation{}, ctx, xerrors.New(xerrors.CodeQueueFailure, "未知的任务操作类型: "+string(envelope.Operation))
	}
	op := Operation{Type: envelope.Operation, Params: envelope.Params}
	if envelope.TraceID != nil && envelope.SpanID != nil {
		traceID, terr := trace.TraceIDFromHex(*envelope.TraceID)
		spanID, serr := trace.SpanIDFromHex(*envelope.SpanID)
		if terr == nil && serr == nil {
			sc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: traceID,
				SpanID:  spanID,
				Remote:  true,
			})
			ctx = trace.ContextWithSpanContext(ctx, sc)
		}
	}
	return op, ctx, nil
}
