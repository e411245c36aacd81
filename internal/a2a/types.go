package a2a

import (
	"time"
)

// TaskState 表示任务在生命周期中的状态。
type TaskState string

const (
	TaskStateSubmitted                 TaskState = "submitted"
	TaskStateWorking                   TaskState = "working"
	TaskStateInputRequired             TaskState = "input-required"
	TaskStateAuthRequired              TaskState = "auth-required"
	TaskStateTrustVerificationRequired TaskState = "trust-verification-required"
	TaskStateCompleted                 TaskState = "completed"
	TaskStateCanceled                  TaskState = "canceled"
	TaskStateFailed                    TaskState = "failed"
	TaskStateRejected                  TaskState = "rejected"
	TaskStateUnknown                   TaskState = "unknown"
)

// IsTerminal 判断状态是否为终态。终态的任务不会再被调度执行。
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected:
		return true
	default:
		return false
	}
}

// IsValidTaskState 检查给定的任务状态是否为支持的枚举值。
func IsValidTaskState(state TaskState) bool {
	switch state {
	case TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired,
		TaskStateAuthRequired, TaskStateTrustVerificationRequired,
		TaskStateCompleted, TaskStateCanceled, TaskStateFailed,
		TaskStateRejected, TaskStateUnknown:
		return true
	default:
		return false
	}
}

// Role 表示消息发送方的角色。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind 区分 Part 联合体的具体类型。
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// Part 是消息与产物的内容单元，通过 Kind 字段区分文本、结构化数据与文件。
type Part struct {
	Kind PartKind `json:"kind"`
	// Text 仅在 Kind 为 text 时有意义。
	Text string `json:"text,omitempty"`
	// Content 与 Data 仅在 Kind 为 data 时有意义：Content 为文本表示，
	// Data 为结构化映射。
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	// File 仅在 Kind 为 file 时有意义。
	File *FileContent `json:"file,omitempty"`
}

// FileContent 描述文件内容，Bytes 与 URI 二选一。
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// NewTextPart 构造文本类型的 Part。
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart 构造结构化数据类型的 Part。
func NewDataPart(content string, data map[string]any) Part {
	return Part{Kind: PartKindData, Content: content, Data: data}
}

// NewFilePart 构造文件类型的 Part。
func NewFilePart(file FileContent) Part {
	return Part{Kind: PartKindFile, File: &file}
}

// Message 表示任务历史中的一条消息。
type Message struct {
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// TaskStatus 描述任务当前的状态以及触发状态变化的消息。
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact 是任务完成后产出的结构化结果。
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task 描述一个排队执行的智能体任务。History 只增不减，
// 所有变更都必须经过存储层的 UpdateTask。
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"context_id"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history"`
	Artifacts []Artifact `json:"artifacts"`
}

// Context 保存同一会话下跨任务共享的对话状态，内容只由存储层读写。
type Context struct {
	ID        string    `json:"id"`
	History   []Message `json:"history"`
	UpdatedAt int64     `json:"updated_at"`
}
