package task

import (
	"context"

	"OpenA2A-Relay/internal/a2a"
)

// Storage 抽象了任务与会话上下文的持久化接口。核心只消费该接口，
// 不关心底层后端；任何真实后端至少要保证同一任务上的操作串行化。
type Storage interface {
	// SubmitTask 在指定会话下创建一个 submitted 状态的新任务，
	// message 作为任务历史的第一条记录。
	SubmitTask(ctx context.Context, contextID string, message a2a.Message) (*a2a.Task, error)
	// LoadTask 返回任务副本。historyLength 大于 0 时只保留最近 N 条
	// 历史，截断只影响返回值，不影响存储中的完整历史。
	LoadTask(ctx context.Context, id string, historyLength int) (*a2a.Task, error)
	// UpdateTask 推进任务状态并追加产物与消息。历史只增不减；
	// 终态任务不允许再变更状态。
	UpdateTask(ctx context.Context, id string, state a2a.TaskState, statusMessage *a2a.Message, artifacts []a2a.Artifact, messages []a2a.Message) (*a2a.Task, error)
	// RequestCancel 为任务打上取消标记，Worker 会在执行间隙轮询该标记。
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested 返回任务是否已被请求取消。
	CancelRequested(ctx context.Context, id string) (bool, error)
	// LoadContext 返回会话上下文副本，不存在时返回 ErrContextNotFound。
	LoadContext(ctx context.Context, id string) (*a2a.Context, error)
	// UpdateContext 覆盖写入会话上下文。
	UpdateContext(ctx context.Context, record *a2a.Context) error
	// ListTasks 返回全部任务副本。
	ListTasks(ctx context.Context) ([]*a2a.Task, error)
	// ListContexts 返回全部会话上下文副本。
	ListContexts(ctx context.Context) ([]*a2a.Context, error)
	// ClearAll 删除全部任务与上下文，返回删除的任务数量。
	ClearAll(ctx context.Context) (int, error)
	Close() error
}
