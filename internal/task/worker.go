package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
	"OpenA2A-Relay/internal/observability/alerting"
	"OpenA2A-Relay/internal/observability/metrics"
	"OpenA2A-Relay/pkg/logger"
)

// Worker 消费调度器的操作流，执行智能体回调并把结果写回存储。
// 执行错误永远不会向消费循环抛出，只会落在任务状态上。
type Worker struct {
	executor    Executor
	storage     Storage
	scheduler   Scheduler
	workerCount int
	maxRetries  int
	log         *slog.Logger
	audit       *slog.Logger
	alerter     alerting.Dispatcher
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithMaxRetries 设置执行失败后的最大重试次数。
func WithMaxRetries(retries int) WorkerOption {
	return func(w *Worker) {
		if retries > 0 {
			w.maxRetries = retries
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// NewWorker 构造 Worker。
func NewWorker(executor Executor, storage Storage, scheduler Scheduler, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor:    executor,
		storage:     storage,
		scheduler:   scheduler,
		workerCount: 1,
		maxRetries:  3,
		log:         logger.Named("worker"),
		audit:       logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，直到上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.scheduler == nil || w.storage == nil || w.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "Worker 未初始化")
	}
	return w.scheduler.ReceiveTaskOperations(ctx, w.workerCount, w.Handle)
}

// Handle 处理单个调度操作。任何失败只记录在任务状态与日志上，
// 返回值恒为 nil，保证消费循环不退出。
func (w *Worker) Handle(ctx context.Context, op Operation) error {
	switch op.Type {
	case OperationRun:
		w.runTask(ctx, op.Params)
	case OperationCancel:
		w.cancelTask(ctx, op.Params.TaskID)
	case OperationPause, OperationResume:
		// 预留扩展点：input-required 等挂起子状态需要外部恢复，
		// 当前核心不实现。
		w.log.Info("忽略未实现的任务操作",
			slog.String("operation", string(op.Type)),
			slog.String("task_id", op.Params.TaskID),
		)
	default:
		w.log.Warn("忽略未知的任务操作", slog.String("operation", string(op.Type)))
	}
	return nil
}

func (w *Worker) runTask(ctx context.Context, params OperationParams) {
	record, err := w.storage.LoadTask(ctx, params.TaskID, 0)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			w.log.Debug("跳过不存在的任务", slog.String("task_id", params.TaskID))
			return
		}
		w.log.Error("加载任务失败", slog.Any("error", err), slog.String("task_id", params.TaskID))
		return
	}

	switch record.Status.State {
	case a2a.TaskStateSubmitted, a2a.TaskStateWorking:
	default:
		// 终态或挂起子状态的任务不可重复执行。
		w.log.Debug("跳过不可执行状态的任务",
			slog.String("task_id", record.ID),
			slog.String("state", string(record.Status.State)),
		)
		return
	}

	if canceled, _ := w.storage.CancelRequested(ctx, record.ID); canceled {
		w.cancelTask(ctx, record.ID)
		return
	}

	if _, err := w.storage.UpdateTask(ctx, record.ID, a2a.TaskStateWorking, nil, nil, nil); err != nil {
		w.log.Error("标记任务运行状态失败", slog.Any("error", err), slog.String("task_id", record.ID))
		return
	}

	history := w.buildHistory(ctx, record, params)

	// 为本次执行派生独立上下文：提前退出时通知生产协程收手，
	// 再排空结果流，避免其阻塞在发送上。
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	start := time.Now()
	results, err := w.executor.Execute(runCtx, history)
	if err != nil {
		w.failTask(ctx, params, record, err, start)
		return
	}
	defer func() {
		stopRun()
		for range results {
		}
	}()

	var (
		artifacts []a2a.Artifact
		messages  []a2a.Message
		execErr   error
	)
	for result := range results {
		if result.Err != nil {
			execErr = result.Err
			break
		}
		parts, convErr := convertResult(result.Value)
		if convErr != nil {
			execErr = convErr
			break
		}
		artifacts = append(artifacts, a2a.Artifact{
			ArtifactID: uuid.NewString(),
			Name:       fmt.Sprintf("result-%d", len(artifacts)+1),
			Parts:      parts,
		})
		messages = append(messages, a2a.Message{
			Role:      a2a.RoleAgent,
			Parts:     parts,
			MessageID: uuid.NewString(),
			ContextID: record.ContextID,
			TaskID:    record.ID,
		})
		// 增量产出之间轮询取消标记，弥补跨进程 cancel 可能
		// 被其它消费者收走的缺口。
		if canceled, _ := w.storage.CancelRequested(ctx, record.ID); canceled {
			w.cancelTask(ctx, record.ID)
			return
		}
	}
	if execErr != nil {
		w.failTask(ctx, params, record, execErr, start)
		return
	}

	if _, err := w.storage.UpdateTask(ctx, record.ID, a2a.TaskStateCompleted, nil, artifacts, messages); err != nil {
		w.log.Error("写回任务结果失败", slog.Any("error", err), slog.String("task_id", record.ID))
		w.emitAlert(ctx, record, params, xerrors.CodeStorageFailure, err)
		return
	}
	w.appendContextHistory(ctx, record.ContextID, params.Message, messages)
	metrics.ObserveTaskExecution(string(w.executor.Kind()), string(a2a.TaskStateCompleted), time.Since(start))

	w.audit.Info("任务执行成功",
		slog.String("task_id", record.ID),
		slog.String("context_id", record.ContextID),
		slog.Int("artifacts", len(artifacts)),
		slog.String("executor_kind", string(w.executor.Kind())),
	)
}

// buildHistory 把会话中已有的历史与本次消息拼接成完整的调用历史。
func (w *Worker) buildHistory(ctx context.Context, record *a2a.Task, params OperationParams) []a2a.Message {
	var history []a2a.Message
	if record.ContextID != "" {
		if contextRecord, err := w.storage.LoadContext(ctx, record.ContextID); err == nil {
			history = append(history, contextRecord.History...)
		}
	}
	if params.Message != nil {
		history = append(history, *params.Message)
	} else {
		history = append(history, record.History...)
	}
	return history
}

// failTask 处理执行失败：可重试时带着 Attempt 重新入队，否则落为
// 终态 failed，错误文本记录在状态消息里。
func (w *Worker) failTask(ctx context.Context, params OperationParams, record *a2a.Task, execErr error, started time.Time) {
	nonRetryable := false
	if e, ok := xerrors.From(execErr); ok && !e.Retryable() {
		nonRetryable = true
	}
	nextAttempt := params.Attempt + 1
	if !nonRetryable && nextAttempt < w.maxRetries {
		retryParams := params
		retryParams.Attempt = nextAttempt
		if err := w.scheduler.RunTask(ctx, retryParams); err != nil {
			w.log.Error("任务重新入队失败", slog.Any("error", err), slog.String("task_id", record.ID))
			w.markFailed(ctx, record, params, execErr, started)
			return
		}
		w.audit.Warn("任务执行失败，重新入队",
			slog.String("task_id", record.ID),
			slog.Int("attempt", nextAttempt),
			slog.Int("max_retries", w.maxRetries),
			slog.String("error", execErr.Error()),
		)
		return
	}
	w.markFailed(ctx, record, params, execErr, started)
}

func (w *Worker) markFailed(ctx context.Context, record *a2a.Task, params OperationParams, execErr error, started time.Time) {
	statusMessage := &a2a.Message{
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.NewTextPart("执行失败: " + execErr.Error())},
		MessageID: uuid.NewString(),
		ContextID: record.ContextID,
		TaskID:    record.ID,
	}
	if _, err := w.storage.UpdateTask(ctx, record.ID, a2a.TaskStateFailed, statusMessage, nil, nil); err != nil {
		w.log.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", record.ID))
		return
	}
	metrics.ObserveTaskExecution(string(w.executor.Kind()), string(a2a.TaskStateFailed), time.Since(started))
	w.audit.Warn("任务执行失败",
		slog.String("task_id", record.ID),
		slog.String("context_id", record.ContextID),
		slog.Int("attempt", params.Attempt+1),
		slog.Int("max_retries", w.maxRetries),
		slog.String("error", execErr.Error()),
	)
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	w.emitAlert(ctx, record, params, code, execErr)
}

// cancelTask 尽力而为地取消任务：不会打断正在执行的回调，也绝不
// 把已完成或已失败的任务回退成 canceled。
func (w *Worker) cancelTask(ctx context.Context, taskID string) {
	record, err := w.storage.LoadTask(ctx, taskID, 0)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			w.log.Debug("跳过不存在的任务", slog.String("task_id", taskID))
			return
		}
		w.log.Error("加载任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	if record.Status.State.IsTerminal() {
		w.log.Debug("任务已处于终态，忽略取消",
			slog.String("task_id", taskID),
			slog.String("state", string(record.Status.State)),
		)
		return
	}
	if _, err := w.storage.UpdateTask(ctx, taskID, a2a.TaskStateCanceled, nil, nil, nil); err != nil {
		w.log.Error("标记任务取消状态失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	metrics.ObserveTaskExecution(string(w.executor.Kind()), string(a2a.TaskStateCanceled), 0)
	w.audit.Info("任务已取消", slog.String("task_id", taskID))
}

// appendContextHistory 把本轮的用户消息与智能体回复追加到会话历史。
func (w *Worker) appendContextHistory(ctx context.Context, contextID string, userMessage *a2a.Message, agentMessages []a2a.Message) {
	if contextID == "" {
		return
	}
	contextRecord, err := w.storage.LoadContext(ctx, contextID)
	if err != nil {
		if !stdErrors.Is(err, ErrContextNotFound) {
			w.log.Error("加载会话上下文失败", slog.Any("error", err), slog.String("context_id", contextID))
			return
		}
		contextRecord = &a2a.Context{ID: contextID}
	}
	if userMessage != nil {
		contextRecord.History = append(contextRecord.History, *userMessage)
	}
	contextRecord.History = append(contextRecord.History, agentMessages...)
	if err := w.storage.UpdateContext(ctx, contextRecord); err != nil {
		w.log.Error("写回会话上下文失败", slog.Any("error", err), slog.String("context_id", contextID))
	}
}

func (w *Worker) emitAlert(ctx context.Context, record *a2a.Task, params OperationParams, code xerrors.Code, cause error) {
	if w.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     record.ID,
		ContextID:  record.ContextID,
		State:      string(a2a.TaskStateFailed),
		Attempt:    params.Attempt + 1,
		MaxRetries: w.maxRetries,
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		w.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", record.ID),
		)
	}
}
