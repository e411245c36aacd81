package task

import (
	"context"
	"testing"

	"OpenA2A-Relay/internal/a2a"
)

func newUserMessage(text string) a2a.Message {
	return a2a.Message{
		Role:  a2a.RoleUser,
		Parts: []a2a.Part{a2a.NewTextPart(text)},
	}
}

func TestMemoryStorageSubmitAndLoad(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record, err := store.SubmitTask(ctx, "ctx-1", newUserMessage("你好"))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected generated task id")
	}
	if record.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("expected submitted state, got %s", record.Status.State)
	}
	if len(record.History) != 1 {
		t.Fatalf("expected 1 history message, got %d", len(record.History))
	}
	if record.History[0].TaskID != record.ID || record.History[0].ContextID != "ctx-1" {
		t.Fatalf("message not stamped with task/context id: %+v", record.History[0])
	}
	if record.History[0].MessageID == "" {
		t.Fatal("expected generated message id")
	}

	loaded, err := store.LoadTask(ctx, record.ID, 0)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if loaded.ID != record.ID || loaded.ContextID != "ctx-1" {
		t.Fatalf("unexpected loaded task: %+v", loaded)
	}

	if _, err := store.LoadTask(ctx, "missing", 0); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryStorageHistoryTruncation(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record, err := store.SubmitTask(ctx, "ctx-1", newUserMessage("第一条"))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	extra := []a2a.Message{newUserMessage("第二条"), newUserMessage("第三条")}
	if _, err := store.UpdateTask(ctx, record.ID, a2a.TaskStateWorking, nil, nil, extra); err != nil {
		t.Fatalf("update task: %v", err)
	}

	loaded, err := store.LoadTask(ctx, record.ID, 2)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if len(loaded.History) != 2 {
		t.Fatalf("expected history truncated to 2, got %d", len(loaded.History))
	}
	// 截断保留的是最近的消息。
	if loaded.History[1].Parts[0].Text != "第三条" {
		t.Fatalf("expected newest message last, got %s", loaded.History[1].Parts[0].Text)
	}

	full, err := store.LoadTask(ctx, record.ID, 0)
	if err != nil {
		t.Fatalf("load full task: %v", err)
	}
	if len(full.History) != 3 {
		t.Fatalf("truncated read must not shrink stored history, got %d", len(full.History))
	}
}

func TestMemoryStorageTerminalStateIsFinal(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record, err := store.SubmitTask(ctx, "ctx-1", newUserMessage("hi"))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if _, err := store.UpdateTask(ctx, record.ID, a2a.TaskStateCompleted, nil, nil, nil); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	if _, err := store.UpdateTask(ctx, record.ID, a2a.TaskStateCanceled, nil, nil, nil); err != ErrTaskConflict {
		t.Fatalf("expected ErrTaskConflict on terminal transition, got %v", err)
	}

	// 同状态更新仍然允许，用于追加反馈历史。
	feedback := []a2a.Message{newUserMessage("不错")}
	updated, err := store.UpdateTask(ctx, record.ID, a2a.TaskStateCompleted, nil, nil, feedback)
	if err != nil {
		t.Fatalf("append feedback: %v", err)
	}
	if len(updated.History) != 2 {
		t.Fatalf("expected feedback appended, got %d messages", len(updated.History))
	}
}

func TestMemoryStorageCancelFlag(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record, err := store.SubmitTask(ctx, "ctx-1", newUserMessage("hi"))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}

	requested, err := store.CancelRequested(ctx, record.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if requested {
		t.Fatal("cancel flag should start false")
	}

	if err := store.RequestCancel(ctx, record.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	requested, err = store.CancelRequested(ctx, record.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if !requested {
		t.Fatal("cancel flag should be set")
	}

	if err := store.RequestCancel(ctx, "missing"); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	record, err := store.SubmitTask(ctx, "ctx-1", newUserMessage("原始"))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}

	// 篡改返回值不得影响存储内部状态。
	record.History[0].Parts[0].Text = "被篡改"
	record.Status.State = a2a.TaskStateFailed

	loaded, err := store.LoadTask(ctx, record.ID, 0)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if loaded.History[0].Parts[0].Text != "原始" {
		t.Fatalf("stored history mutated: %s", loaded.History[0].Parts[0].Text)
	}
	if loaded.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("stored state mutated: %s", loaded.Status.State)
	}
}

func TestMemoryStorageListAndClear(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	first, err := store.SubmitTask(ctx, "ctx-a", newUserMessage("1"))
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	second, err := store.SubmitTask(ctx, "ctx-b", newUserMessage("2"))
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != first.ID || tasks[1].ID != second.ID {
		t.Fatalf("expected creation order, got %+v", tasks)
	}

	contexts, err := store.ListContexts(ctx)
	if err != nil {
		t.Fatalf("list contexts: %v", err)
	}
	if len(contexts) != 2 || contexts[0].ID != "ctx-a" || contexts[1].ID != "ctx-b" {
		t.Fatalf("expected sorted contexts, got %+v", contexts)
	}

	cleared, err := store.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
	tasks, err = store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty store, got %d tasks", len(tasks))
	}
}
