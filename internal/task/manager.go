package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
	"OpenA2A-Relay/pkg/logger"
)

// Manager 是协议层使用的任务门面，负责任务生命周期语义，
// 协调存储与调度器。
type Manager struct {
	storage   Storage
	scheduler Scheduler
	log       *slog.Logger
	audit     *slog.Logger
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithManagerLogger 指定日志输出。
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager 构造任务门面。
func NewManager(storage Storage, scheduler Scheduler, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:   storage,
		scheduler: scheduler,
		log:       logger.Named("task_manager"),
		audit:     logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SendMessage 创建一个新任务并入队 run 操作。返回的任务状态恒为
// submitted：执行是异步的，首次响应绝不会是 completed。
func (m *Manager) SendMessage(ctx context.Context, params a2a.MessageSendParams) (*a2a.Task, error) {
	if m.storage == nil || m.scheduler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务门面未初始化")
	}
	if len(params.Message.Parts) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "message.parts 不能为空")
	}

	contextID := strings.TrimSpace(params.Message.ContextID)
	if contextID == "" {
		contextID = uuid.NewString()
	}

	record, err := m.storage.SubmitTask(ctx, contextID, params.Message)
	if err != nil {
		return nil, err
	}

	opParams := OperationParams{
		TaskID:    record.ID,
		ContextID: contextID,
		Message:   &record.History[0],
	}
	if params.Configuration != nil && params.Configuration.HistoryLength > 0 {
		opParams.HistoryLength = params.Configuration.HistoryLength
	}
	if err := m.scheduler.RunTask(ctx, opParams); err != nil {
		m.log.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", record.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		statusMessage := &a2a.Message{
			Role:      a2a.RoleAgent,
			Parts:     []a2a.Part{a2a.NewTextPart(wrapped.Error())},
			MessageID: uuid.NewString(),
			ContextID: contextID,
			TaskID:    record.ID,
		}
		if failed, updateErr := m.storage.UpdateTask(ctx, record.ID, a2a.TaskStateFailed, statusMessage, nil, nil); updateErr == nil {
			return failed, nil
		}
		return nil, wrapped
	}
	m.audit.Info("任务入队成功",
		slog.String("task_id", record.ID),
		slog.String("context_id", contextID),
	)
	return record, nil
}

// GetTask 返回任务副本，可选地只保留最近 N 条历史。
func (m *Manager) GetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error) {
	if m.storage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(params.ID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	return m.storage.LoadTask(ctx, params.ID, params.HistoryLength)
}

// CancelTask 请求取消任务。取消是建议性的：先打上存储层的取消
// 标记，再入队 cancel 操作，任务在 Worker 观察到之后才会进入
// canceled 终态。
func (m *Manager) CancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error) {
	if m.storage == nil || m.scheduler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务门面未初始化")
	}
	record, err := m.storage.LoadTask(ctx, params.ID, 0)
	if err != nil {
		return nil, err
	}
	if record.Status.State.IsTerminal() {
		return nil, xerrors.New(CodeTaskNotCancelable, "任务已处于终态: "+string(record.Status.State))
	}
	if err := m.storage.RequestCancel(ctx, params.ID); err != nil {
		return nil, err
	}
	if err := m.scheduler.CancelTask(ctx, OperationParams{TaskID: record.ID, ContextID: record.ContextID}); err != nil {
		return nil, xerrors.Wrap(CodeTaskPublish, err, "发布取消操作失败")
	}
	m.audit.Info("任务取消请求已入队", slog.String("task_id", record.ID))
	return m.storage.LoadTask(ctx, params.ID, 0)
}

// ListTasks 返回全部任务。
func (m *Manager) ListTasks(ctx context.Context) ([]*a2a.Task, error) {
	if m.storage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return m.storage.ListTasks(ctx)
}

// ListContexts 返回全部会话上下文。
func (m *Manager) ListContexts(ctx context.Context) ([]*a2a.Context, error) {
	if m.storage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return m.storage.ListContexts(ctx)
}

// ClearTasks 删除全部任务与上下文，返回删除数量。
func (m *Manager) ClearTasks(ctx context.Context) (int, error) {
	if m.storage == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	cleared, err := m.storage.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	m.audit.Warn("任务存储已清空", slog.Int("cleared", cleared))
	return cleared, nil
}

// TaskFeedback 把调用方的反馈追加到终态任务的历史。任务不存在或
// 尚未结束时返回 UnsupportedOperation。
func (m *Manager) TaskFeedback(ctx context.Context, params a2a.TaskFeedbackParams) (*a2a.Task, error) {
	if m.storage == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	record, err := m.storage.LoadTask(ctx, params.ID, 0)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			return nil, xerrors.Wrap(CodeUnsupportedOperation, err, "任务不存在，无法接收反馈")
		}
		return nil, err
	}
	if !record.Status.State.IsTerminal() {
		return nil, xerrors.New(CodeUnsupportedOperation, "任务尚未结束，无法接收反馈")
	}
	if strings.TrimSpace(params.Feedback) == "" {
		return nil, xerrors.New(CodeTaskValidation, "feedback 不能为空")
	}
	feedback := a2a.Message{
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.NewTextPart(params.Feedback)},
		MessageID: uuid.NewString(),
		ContextID: record.ContextID,
		TaskID:    record.ID,
	}
	return m.storage.UpdateTask(ctx, record.ID, record.Status.State, nil, nil, []a2a.Message{feedback})
}

// StreamMessage 是预留的扩展点，当前核心不支持流式响应。
func (m *Manager) StreamMessage(context.Context, a2a.MessageSendParams) (*a2a.Task, error) {
	return nil, ErrUnsupportedOperation
}

// SetTaskPushNotification 是预留的扩展点。
func (m *Manager) SetTaskPushNotification(context.Context, a2a.TaskIDParams) (*a2a.Task, error) {
	return nil, ErrUnsupportedOperation
}

// GetTaskPushNotification 是预留的扩展点。
func (m *Manager) GetTaskPushNotification(context.Context, a2a.TaskIDParams) (*a2a.Task, error) {
	return nil, ErrUnsupportedOperation
}

// ResubscribeTask 是预留的扩展点。
func (m *Manager) ResubscribeTask(context.Context, a2a.TaskIDParams) (*a2a.Task, error) {
	return nil, ErrUnsupportedOperation
}
