package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

// MemoryStorage 以内存方式保存任务与会话上下文，主要用于测试与单进程部署。
type MemoryStorage struct {
	mu       sync.RWMutex
	tasks    map[string]*a2a.Task
	contexts map[string]*a2a.Context
	cancels  map[string]bool
	// created 记录任务插入顺序，ListTasks 按创建先后返回。
	created []string
}

// NewMemoryStorage 创建 MemoryStorage。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks:    make(map[string]*a2a.Task),
		contexts: make(map[string]*a2a.Context),
		cancels:  make(map[string]bool),
	}
}

// SubmitTask 实现 Storage 接口。
func (m *MemoryStorage) SubmitTask(_ context.Context, contextID string, message a2a.Message) (*a2a.Task, error) {
	if contextID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "context_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID := uuid.NewString()
	message.TaskID = taskID
	message.ContextID = contextID
	if message.MessageID == "" {
		message.MessageID = uuid.NewString()
	}
	record := &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: time.Now().UTC(),
		},
		History:   []a2a.Message{message},
		Artifacts: []a2a.Artifact{},
	}
	m.tasks[taskID] = record
	m.created = append(m.created, taskID)
	if _, ok := m.contexts[contextID]; !ok {
		m.contexts[contextID] = &a2a.Context{ID: contextID, UpdatedAt: time.Now().Unix()}
	}
	return cloneTask(record, 0), nil
}

// LoadTask 实现 Storage 接口。
func (m *MemoryStorage) LoadTask(_ context.Context, id string, historyLength int) (*a2a.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(record, historyLength), nil
}

// UpdateTask 实现 Storage 接口。历史只增不减，终态任务拒绝状态变更。
func (m *MemoryStorage) UpdateTask(_ context.Context, id string, state a2a.TaskState, statusMessage *a2a.Message, artifacts []a2a.Artifact, messages []a2a.Message) (*a2a.Task, error) {
	if !a2a.IsValidTaskState(state) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的任务状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if record.Status.State.IsTerminal() && state != record.Status.State {
		return nil, ErrTaskConflict
	}
	record.Status = a2a.TaskStatus{
		State:     state,
		Message:   cloneMessagePtr(statusMessage),
		Timestamp: time.Now().UTC(),
	}
	record.Artifacts = append(record.Artifacts, artifacts...)
	record.History = append(record.History, messages...)
	return cloneTask(record, 0), nil
}

// RequestCancel 实现 Storage 接口。
func (m *MemoryStorage) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	m.cancels[id] = true
	return nil
}

// CancelRequested 实现 Storage 接口。
func (m *MemoryStorage) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return false, ErrTaskNotFound
	}
	return m.cancels[id], nil
}

// LoadContext 实现 Storage 接口。
func (m *MemoryStorage) LoadContext(_ context.Context, id string) (*a2a.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	return cloneContext(record), nil
}

// UpdateContext 实现 Storage 接口。
func (m *MemoryStorage) UpdateContext(_ context.Context, record *a2a.Context) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "context 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := cloneContext(record)
	clone.UpdatedAt = time.Now().Unix()
	m.contexts[record.ID] = clone
	return nil
}

// ListTasks 实现 Storage 接口，按创建顺序返回。
func (m *MemoryStorage) ListTasks(_ context.Context) ([]*a2a.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*a2a.Task, 0, len(m.tasks))
	for _, id := range m.created {
		if record, ok := m.tasks[id]; ok {
			results = append(results, cloneTask(record, 0))
		}
	}
	return results, nil
}

// ListContexts 实现 Storage 接口，按 ID 排序保证输出稳定。
func (m *MemoryStorage) ListContexts(_ context.Context) ([]*a2a.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*a2a.Context, 0, len(m.contexts))
	for _, record := range m.contexts {
		results = append(results, cloneContext(record))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// ClearAll 实现 Storage 接口。
func (m *MemoryStorage) ClearAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := len(m.tasks)
	m.tasks = make(map[string]*a2a.Task)
	m.contexts = make(map[string]*a2a.Context)
	m.cancels = make(map[string]bool)
	m.created = nil
	return cleared, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStorage) Close() error {
	return nil
}

// cloneTask 返回任务的深拷贝。historyLength 大于 0 时只保留最近 N 条历史。
func cloneTask(record *a2a.Task, historyLength int) *a2a.Task {
	clone := &a2a.Task{
		ID:        record.ID,
		ContextID: record.ContextID,
		Status: a2a.TaskStatus{
			State:     record.Status.State,
			Message:   cloneMessagePtr(record.Status.Message),
			Timestamp: record.Status.Timestamp,
		},
	}
	history := record.History
	if historyLength > 0 && len(history) > historyLength {
		history = history[len(history)-historyLength:]
	}
	clone.History = make([]a2a.Message, 0, len(history))
	for _, msg := range history {
		clone.History = append(clone.History, cloneMessage(msg))
	}
	clone.Artifacts = make([]a2a.Artifact, 0, len(record.Artifacts))
	for _, artifact := range record.Artifacts {
		clone.Artifacts = append(clone.Artifacts, cloneArtifact(artifact))
	}
	return clone
}

func cloneContext(record *a2a.Context) *a2a.Context {
	clone := &a2a.Context{ID: record.ID, UpdatedAt: record.UpdatedAt}
	clone.History = make([]a2a.Message, 0, len(record.History))
	for _, msg := range record.History {
		clone.History = append(clone.History, cloneMessage(msg))
	}
	return clone
}

func cloneMessage(msg a2a.Message) a2a.Message {
	clone := msg
	clone.Parts = cloneParts(msg.Parts)
	return clone
}

func cloneMessagePtr(msg *a2a.Message) *a2a.Message {
	if msg == nil {
		return nil
	}
	clone := cloneMessage(*msg)
	return &clone
}

func cloneArtifact(artifact a2a.Artifact) a2a.Artifact {
	clone := artifact
	clone.Parts = cloneParts(artifact.Parts)
	return clone
}

func cloneParts(parts []a2a.Part) []a2a.Part {
	if parts == nil {
		return nil
	}
	cloned := make([]a2a.Part, len(parts))
	for i, part := range parts {
		cloned[i] = part
		if part.Data != nil {
			data := make(map[string]any, len(part.Data))
			for k, v := range part.Data {
				data[k] = v
			}
			cloned[i].Data = data
		}
		if part.File != nil {
			file := *part.File
			if part.File.Bytes != nil {
				file.Bytes = append([]byte(nil), part.File.Bytes...)
			}
			cloned[i].File = &file
		}
	}
	return cloned
}

var _ Storage = (*MemoryStorage)(nil)
