package task

import (
	"context"
	"errors"
	"testing"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

func newManagerFixture() (*Manager, *MemoryStorage, *recordingScheduler) {
	store := NewMemoryStorage()
	scheduler := &recordingScheduler{}
	return NewManager(store, scheduler), store, scheduler
}

func TestManagerSendMessageReturnsSubmitted(t *testing.T) {
	manager, _, scheduler := newManagerFixture()

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("帮我查个东西"),
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	// 执行是异步的，首次响应永远是 submitted。
	if record.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("expected submitted, got %s", record.Status.State)
	}
	if record.ContextID == "" {
		t.Fatal("expected generated context id")
	}
	if scheduler.runCount() != 1 {
		t.Fatalf("expected 1 run enqueued, got %d", scheduler.runCount())
	}
	scheduler.mu.Lock()
	enqueued := scheduler.runs[0]
	scheduler.mu.Unlock()
	if enqueued.TaskID != record.ID || enqueued.Message == nil {
		t.Fatalf("unexpected enqueued params: %+v", enqueued)
	}
}

func TestManagerSendMessageKeepsCallerContextID(t *testing.T) {
	manager, _, _ := newManagerFixture()

	msg := newUserMessage("继续刚才的话题")
	msg.ContextID = "ctx-existing"
	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{Message: msg})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if record.ContextID != "ctx-existing" {
		t.Fatalf("expected caller context id, got %s", record.ContextID)
	}
}

func TestManagerSendMessageRejectsEmptyParts(t *testing.T) {
	manager, _, _ := newManagerFixture()

	_, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation code, got %s", xerrors.CodeOf(err))
	}
}

func TestManagerSendMessageMarksFailedOnPublishError(t *testing.T) {
	store := NewMemoryStorage()
	scheduler := &recordingScheduler{failRun: true}
	manager := NewManager(store, scheduler)

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("入队会失败"),
	})
	if err != nil {
		t.Fatalf("publish failure should surface as failed task, got error %v", err)
	}
	if record.Status.State != a2a.TaskStateFailed {
		t.Fatalf("expected failed, got %s", record.Status.State)
	}
	if record.Status.Message == nil {
		t.Fatal("expected failure reason in status message")
	}
}

func TestManagerGetTaskNotFound(t *testing.T) {
	manager, _, _ := newManagerFixture()

	_, err := manager.GetTask(context.Background(), a2a.TaskQueryParams{ID: "missing"})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if xerrors.RPCCodeOf(err) != a2a.CodeTaskNotFound {
		t.Fatalf("expected rpc code %d, got %d", a2a.CodeTaskNotFound, xerrors.RPCCodeOf(err))
	}
}

func TestManagerGetTaskTruncatesHistory(t *testing.T) {
	manager, store, _ := newManagerFixture()

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("第一条"),
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	extra := []a2a.Message{newUserMessage("第二条"), newUserMessage("第三条")}
	if _, err := store.UpdateTask(context.Background(), record.ID, a2a.TaskStateWorking, nil, nil, extra); err != nil {
		t.Fatalf("update task: %v", err)
	}

	loaded, err := manager.GetTask(context.Background(), a2a.TaskQueryParams{ID: record.ID, HistoryLength: 1})
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(loaded.History) != 1 || loaded.History[0].Parts[0].Text != "第三条" {
		t.Fatalf("expected only newest message, got %+v", loaded.History)
	}
}

func TestManagerCancelTask(t *testing.T) {
	manager, store, scheduler := newManagerFixture()

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("取消我"),
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	result, err := manager.CancelTask(context.Background(), a2a.TaskIDParams{ID: record.ID})
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	// 取消是建议性的：任务要等 Worker 观察到标记后才真正终结。
	if result.Status.State.IsTerminal() {
		t.Fatalf("cancel must not immediately terminate, got %s", result.Status.State)
	}
	requested, err := store.CancelRequested(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if !requested {
		t.Fatal("expected cancel flag set")
	}
	scheduler.mu.Lock()
	cancels := len(scheduler.cancels)
	scheduler.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected 1 cancel enqueued, got %d", cancels)
	}
}

func TestManagerCancelTerminalTask(t *testing.T) {
	manager, store, _ := newManagerFixture()

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("先完成"),
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if _, err := store.UpdateTask(context.Background(), record.ID, a2a.TaskStateCompleted, nil, nil, nil); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	_, err = manager.CancelTask(context.Background(), a2a.TaskIDParams{ID: record.ID})
	if err == nil {
		t.Fatal("expected not-cancelable error")
	}
	if xerrors.RPCCodeOf(err) != a2a.CodeTaskNotCancelable {
		t.Fatalf("expected rpc code %d, got %d", a2a.CodeTaskNotCancelable, xerrors.RPCCodeOf(err))
	}
}

func TestManagerTaskFeedback(t *testing.T) {
	manager, store, _ := newManagerFixture()

	record, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
		Message: newUserMessage("做点什么"),
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	// 未终结的任务不接受反馈。
	_, err = manager.TaskFeedback(context.Background(), a2a.TaskFeedbackParams{ID: record.ID, Feedback: "太慢了"})
	if xerrors.RPCCodeOf(err) != a2a.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported operation, got %v", err)
	}

	if _, err := store.UpdateTask(context.Background(), record.ID, a2a.TaskStateCompleted, nil, nil, nil); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	updated, err := manager.TaskFeedback(context.Background(), a2a.TaskFeedbackParams{ID: record.ID, Feedback: "结果不错"})
	if err != nil {
		t.Fatalf("task feedback: %v", err)
	}
	last := updated.History[len(updated.History)-1]
	if last.Role != a2a.RoleUser || last.Parts[0].Text != "结果不错" {
		t.Fatalf("feedback not appended: %+v", last)
	}

	// 不存在的任务同样映射到 UnsupportedOperation。
	_, err = manager.TaskFeedback(context.Background(), a2a.TaskFeedbackParams{ID: "missing", Feedback: "x"})
	if xerrors.RPCCodeOf(err) != a2a.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported operation for missing task, got %v", err)
	}
}

func TestManagerListAndClear(t *testing.T) {
	manager, _, _ := newManagerFixture()

	for _, text := range []string{"一", "二"} {
		if _, err := manager.SendMessage(context.Background(), a2a.MessageSendParams{
			Message: newUserMessage(text),
		}); err != nil {
			t.Fatalf("send message: %v", err)
		}
	}

	tasks, err := manager.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	contexts, err := manager.ListContexts(context.Background())
	if err != nil {
		t.Fatalf("list contexts: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(contexts))
	}

	cleared, err := manager.ClearTasks(context.Background())
	if err != nil {
		t.Fatalf("clear tasks: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d", cleared)
	}
}

func TestManagerUnsupportedOperations(t *testing.T) {
	manager, _, _ := newManagerFixture()
	ctx := context.Background()

	if _, err := manager.StreamMessage(ctx, a2a.MessageSendParams{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("stream: expected ErrUnsupportedOperation, got %v", err)
	}
	if _, err := manager.SetTaskPushNotification(ctx, a2a.TaskIDParams{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("push set: expected ErrUnsupportedOperation, got %v", err)
	}
	if _, err := manager.GetTaskPushNotification(ctx, a2a.TaskIDParams{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("push get: expected ErrUnsupportedOperation, got %v", err)
	}
	if _, err := manager.ResubscribeTask(ctx, a2a.TaskIDParams{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("resubscribe: expected ErrUnsupportedOperation, got %v", err)
	}
}
