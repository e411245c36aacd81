package task

import (
	"context"
	"errors"
	"iter"
	"testing"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

func collectResults(t *testing.T, executor Executor) ([]any, error) {
	t.Helper()
	results, err := executor.Execute(context.Background(), nil)
	if err != nil {
		return nil, err
	}
	var values []any
	for result := range results {
		if result.Err != nil {
			return values, result.Err
		}
		values = append(values, result.Value)
	}
	return values, nil
}

func TestSingleExecutor(t *testing.T) {
	executor := NewSingleExecutor(func(context.Context, []a2a.Message) (any, error) {
		return "答案", nil
	})
	if executor.Kind() != ExecutorSingle {
		t.Fatalf("unexpected kind: %s", executor.Kind())
	}
	values, err := collectResults(t, executor)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(values) != 1 || values[0] != "答案" {
		t.Fatalf("unexpected results: %+v", values)
	}
}

func TestSingleExecutorError(t *testing.T) {
	boom := errors.New("boom")
	executor := NewSingleExecutor(func(context.Context, []a2a.Message) (any, error) {
		return nil, boom
	})
	_, err := collectResults(t, executor)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestBatchExecutorPreservesOrder(t *testing.T) {
	executor := NewBatchExecutor(func(context.Context, []a2a.Message) ([]any, error) {
		return []any{"一", "二", "三"}, nil
	})
	values, err := collectResults(t, executor)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []any{"一", "二", "三"}
	if len(values) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(values))
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("result %d: expected %v, got %v", i, want[i], values[i])
		}
	}
}

func TestIteratorExecutorStopsOnError(t *testing.T) {
	boom := errors.New("iterator broke")
	executor := NewIteratorExecutor(func(context.Context, []a2a.Message) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			if !yield("first", nil) {
				return
			}
			yield(nil, boom)
		}
	})
	values, err := collectResults(t, executor)
	if !errors.Is(err, boom) {
		t.Fatalf("expected iterator error, got %v", err)
	}
	if len(values) != 1 || values[0] != "first" {
		t.Fatalf("expected results before error to be delivered: %+v", values)
	}
}

func TestStreamExecutor(t *testing.T) {
	executor := NewStreamExecutor(func(context.Context, []a2a.Message) (<-chan any, error) {
		out := make(chan any, 2)
		out <- "a"
		out <- "b"
		close(out)
		return out, nil
	})
	values, err := collectResults(t, executor)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Fatalf("unexpected results: %+v", values)
	}
}

func TestStreamExecutorSetupError(t *testing.T) {
	boom := errors.New("no stream")
	executor := NewStreamExecutor(func(context.Context, []a2a.Message) (<-chan any, error) {
		return nil, boom
	})
	if _, err := executor.Execute(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("expected setup error, got %v", err)
	}
}

func TestExecutorsConvertCallablePanicToError(t *testing.T) {
	executors := map[string]Executor{
		"single": NewSingleExecutor(func(context.Context, []a2a.Message) (any, error) {
			panic("single 崩溃")
		}),
		"batch": NewBatchExecutor(func(context.Context, []a2a.Message) ([]any, error) {
			panic("batch 崩溃")
		}),
		"iterator": NewIteratorExecutor(func(context.Context, []a2a.Message) iter.Seq2[any, error] {
			return func(func(any, error) bool) {
				panic("iterator 崩溃")
			}
		}),
	}
	for name, executor := range executors {
		_, err := collectResults(t, executor)
		if err == nil {
			t.Fatalf("%s: expected error from panicking callable", name)
		}
		if xerrors.RetryableError(err) {
			t.Fatalf("%s: panic must not be retryable: %v", name, err)
		}
	}
}

func TestStreamExecutorSetupPanic(t *testing.T) {
	executor := NewStreamExecutor(func(context.Context, []a2a.Message) (<-chan any, error) {
		panic("建流崩溃")
	})
	if _, err := executor.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error from panicking stream setup")
	}
}

func TestConvertResult(t *testing.T) {
	parts, err := convertResult("纯文本")
	if err != nil {
		t.Fatalf("convert string: %v", err)
	}
	if len(parts) != 1 || parts[0].Kind != a2a.PartKindText || parts[0].Text != "纯文本" {
		t.Fatalf("unexpected text part: %+v", parts)
	}

	parts, err = convertResult([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("convert bytes: %v", err)
	}
	if len(parts) != 1 || parts[0].Kind != a2a.PartKindFile || parts[0].File == nil {
		t.Fatalf("unexpected file part: %+v", parts)
	}
	if parts[0].File.MimeType != "application/octet-stream" {
		t.Fatalf("unexpected mime type: %s", parts[0].File.MimeType)
	}

	parts, err = convertResult(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("convert map: %v", err)
	}
	if len(parts) != 1 || parts[0].Kind != a2a.PartKindData {
		t.Fatalf("unexpected data part: %+v", parts)
	}
	if parts[0].Data["key"] != "value" {
		t.Fatalf("data payload lost: %+v", parts[0].Data)
	}

	existing := a2a.NewTextPart("已是 Part")
	parts, err = convertResult(existing)
	if err != nil {
		t.Fatalf("convert part: %v", err)
	}
	if len(parts) != 1 || parts[0].Text != "已是 Part" {
		t.Fatalf("part passthrough failed: %+v", parts)
	}

	type payload struct {
		Name string `json:"name"`
	}
	parts, err = convertResult(payload{Name: "结构体"})
	if err != nil {
		t.Fatalf("convert struct: %v", err)
	}
	if len(parts) != 1 || parts[0].Kind != a2a.PartKindData {
		t.Fatalf("unexpected struct conversion: %+v", parts)
	}

	if _, err := convertResult(nil); !errors.Is(err, ErrInvalidAgentResponse) {
		t.Fatalf("expected ErrInvalidAgentResponse for nil, got %v", err)
	}
}
