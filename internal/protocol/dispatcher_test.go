package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenA2A-Relay/internal/a2a"
	"OpenA2A-Relay/internal/task"
)

func newTestDispatcher() *Dispatcher {
	store := task.NewMemoryStorage()
	scheduler := task.NewMemoryScheduler(16)
	manager := task.NewManager(store, scheduler)
	return NewDispatcher(manager)
}

func postRPC(t *testing.T, dispatcher *Dispatcher, payload string) (*httptest.ResponseRecorder, *a2a.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/a2a", bytes.NewBufferString(payload))
	recorder := httptest.NewRecorder()
	dispatcher.ServeHTTP(recorder, req)

	var resp a2a.Response
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, recorder.Body.String())
	}
	return recorder, &resp
}

func TestDispatcherParseError(t *testing.T) {
	_, resp := postRPC(t, newTestDispatcher(), `{not valid json`)

	if resp.Error == nil || resp.Error.Code != a2a.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	// 解析失败时 ID 未知，按协议回 null。
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
}

func TestDispatcherUnknownMethod(t *testing.T) {
	recorder, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"2.0","id":7,"method":"tasks/explode","params":{}}`)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown method, got %d", recorder.Code)
	}
	if resp.Error == nil || resp.Error.Code != a2a.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Fatalf("expected id echoed, got %s", resp.ID)
	}
}

func TestDispatcherRejectsWrongVersion(t *testing.T) {
	_, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"1.0","id":1,"method":"tasks/list"}`)

	if resp.Error == nil || resp.Error.Code != a2a.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp.Error)
	}
}

func TestDispatcherMessageSend(t *testing.T) {
	recorder, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"2.0","id":"req-1","method":"message/send","params":{"message":{"role":"user","parts":[{"kind":"text","text":"你好"}]}}}`)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != `"req-1"` {
		t.Fatalf("expected string id echoed, got %s", resp.ID)
	}

	var record a2a.Task
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-encode result: %v", err)
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if record.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("expected submitted, got %s", record.Status.State)
	}
	if record.ID == "" || record.ContextID == "" {
		t.Fatalf("expected generated ids, got %+v", record)
	}
}

func TestDispatcherMessageSendInvalidParams(t *testing.T) {
	_, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"2.0","id":2,"method":"message/send","params":"not an object"}`)

	if resp.Error == nil || resp.Error.Code != a2a.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}

func TestDispatcherTaskNotFound(t *testing.T) {
	recorder, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"2.0","id":3,"method":"tasks/get","params":{"id":"missing"}}`)

	// 领域错误经 JSON-RPC error 对象返回，HTTP 状态仍是 200。
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if resp.Error == nil || resp.Error.Code != a2a.CodeTaskNotFound {
		t.Fatalf("expected task-not-found, got %+v", resp.Error)
	}
}

func TestDispatcherUnsupportedOperation(t *testing.T) {
	_, resp := postRPC(t, newTestDispatcher(),
		`{"jsonrpc":"2.0","id":4,"method":"tasks/resubscribe","params":{"id":"t1"}}`)

	if resp.Error == nil || resp.Error.Code != a2a.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported operation, got %+v", resp.Error)
	}
}

func TestDispatcherTasksClear(t *testing.T) {
	dispatcher := newTestDispatcher()

	_, send := postRPC(t, dispatcher,
		`{"jsonrpc":"2.0","id":1,"method":"message/send","params":{"message":{"role":"user","parts":[{"kind":"text","text":"hi"}]}}}`)
	if send.Error != nil {
		t.Fatalf("send failed: %+v", send.Error)
	}

	_, resp := postRPC(t, dispatcher, `{"jsonrpc":"2.0","id":2,"method":"tasks/clear"}`)
	if resp.Error != nil {
		t.Fatalf("clear failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %T", resp.Result)
	}
	if result["cleared"] != float64(1) {
		t.Fatalf("expected 1 cleared, got %v", result["cleared"])
	}
}

// panicStorage 模拟底层存储在读取时异常击穿的场景。
type panicStorage struct {
	*task.MemoryStorage
}

func (s *panicStorage) LoadTask(_ context.Context, _ string, _ int) (*a2a.Task, error) {
	panic("存储后端异常")
}

func TestDispatcherRecoversFromHandlerPanic(t *testing.T) {
	store := &panicStorage{MemoryStorage: task.NewMemoryStorage()}
	manager := task.NewManager(store, task.NewMemoryScheduler(16))
	dispatcher := NewDispatcher(manager)

	recorder, resp := postRPC(t, dispatcher,
		`{"jsonrpc":"2.0","id":9,"method":"tasks/get","params":{"id":"t-1"}}`)

	// 处理过程中的 panic 必须折算成 internal error 响应，而不是裸断连接。
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if resp.Error == nil || resp.Error.Code != a2a.CodeInternalError {
		t.Fatalf("expected internal error, got %+v", resp.Error)
	}
	if string(resp.ID) != "9" {
		t.Fatalf("expected id echoed, got %s", resp.ID)
	}
}

func TestDispatcherRejectsGet(t *testing.T) {
	dispatcher := newTestDispatcher()
	req := httptest.NewRequest(http.MethodGet, "/a2a", nil)
	recorder := httptest.NewRecorder()
	dispatcher.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}
