package task

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"OpenA2A-Relay/internal/a2a"
	xerrors "OpenA2A-Relay/internal/errors"
)

// ExecutorKind 在注册时声明智能体回调的执行形态，Worker 不做
// 运行期探测。
type ExecutorKind string

const (
	// ExecutorSingle 单次调用返回一个结果。
	ExecutorSingle ExecutorKind = "single"
	// ExecutorBatch 单次调用返回有序的一批结果。
	ExecutorBatch ExecutorKind = "batch"
	// ExecutorIterator 通过迭代器逐个产出结果。
	ExecutorIterator ExecutorKind = "iterator"
	// ExecutorStream 通过 channel 异步产出结果。
	ExecutorStream ExecutorKind = "stream"
)

// Result 是执行器产出的一个增量结果。Err 非空时表示执行中断，
// 后续不会再有结果。
type Result struct {
	Value any
	Err   error
}

// Executor 把四种回调形态统一成一条增量结果流，Worker 逐个消费，
// 因此迭代器与流式回调不会长时间阻塞消费循环。
type Executor interface {
	Kind() ExecutorKind
	Execute(ctx context.Context, history []a2a.Message) (<-chan Result, error)
}

// SingleFunc 是返回单个结果的回调。
type SingleFunc func(ctx context.Context, history []a2a.Message) (any, error)

// BatchFunc 是返回一批有序结果的回调。
type BatchFunc func(ctx context.Context, history []a2a.Message) ([]any, error)

// IteratorFunc 是以迭代器形式逐个产出结果的回调。
type IteratorFunc func(ctx context.Context, history []a2a.Message) iter.Seq2[any, error]

// StreamFunc 是以 channel 形式异步产出结果的回调。
type StreamFunc func(ctx context.Context, history []a2a.Message) (<-chan any, error)

// recoverToResult 把回调中逃逸的 panic 转换为普通执行错误，
// 避免击穿消费循环。panic 视为回调缺陷，不参与重试。
func recoverToResult(ctx context.Context, out chan<- Result) {
	r := recover()
	if r == nil {
		return
	}
	err := xerrors.New(xerrors.CodeExecutorFailure,
		fmt.Sprintf("回调发生 panic: %v", r),
		xerrors.WithRetryable(false),
	)
	select {
	case out <- Result{Err: err}:
	case <-ctx.Done():
	}
}

type singleExecutor struct{ fn SingleFunc }

// NewSingleExecutor 包装返回单个结果的回调。
func NewSingleExecutor(fn SingleFunc) Executor {
	return &singleExecutor{fn: fn}
}

func (e *singleExecutor) Kind() ExecutorKind { return ExecutorSingle }

func (e *singleExecutor) Execute(ctx context.Context, history []a2a.Message) (<-chan Result, error) {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		defer recoverToResult(ctx, out)
		value, err := e.fn(ctx, history)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		out <- Result{Value: value}
	}()
	return out, nil
}

type batchExecutor struct{ fn BatchFunc }

// NewBatchExecutor 包装返回一批结果的回调，保持产出顺序。
func NewBatchExecutor(fn BatchFunc) Executor {
	return &batchExecutor{fn: fn}
}

func (e *batchExecutor) Kind() ExecutorKind { return ExecutorBatch }

func (e *batchExecutor) Execute(ctx context.Context, history []a2a.Message) (<-chan Result, error) {
	out := make(chan Result)
	go func() {
		defer close(out)
		defer recoverToResult(ctx, out)
		values, err := e.fn(ctx, history)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		for _, value := range values {
			select {
			case <-ctx.Done():
				out <- Result{Err: ctx.Err()}
				return
			case out <- Result{Value: value}:
			}
		}
	}()
	return out, nil
}

type iteratorExecutor struct{ fn IteratorFunc }

// NewIteratorExecutor 包装迭代器形式的回调。
func NewIteratorExecutor(fn IteratorFunc) Executor {
	return &iteratorExecutor{fn: fn}
}

func (e *iteratorExecutor) Kind() ExecutorKind { return ExecutorIterator }

func (e *iteratorExecutor) Execute(ctx context.Context, history []a2a.Message) (<-chan Result, error) {
	out := make(chan Result)
	go func() {
		defer close(out)
		defer recoverToResult(ctx, out)
		for value, err := range e.fn(ctx, history) {
			if err != nil {
				out <- Result{Err: err}
				return
			}
			select {
			case <-ctx.Done():
				out <- Result{Err: ctx.Err()}
				return
			case out <- Result{Value: value}:
			}
		}
	}()
	return out, nil
}

type streamExecutor struct{ fn StreamFunc }

// NewStreamExecutor 包装 channel 形式的回调。
func NewStreamExecutor(fn StreamFunc) Executor {
	return &streamExecutor{fn: fn}
}

func (e *streamExecutor) Kind() ExecutorKind { return ExecutorStream }

func (e *streamExecutor) Execute(ctx context.Context, history []a2a.Message) (_ <-chan Result, err error) {
	// 流式回调的建流阶段在调用方协程同步执行，panic 同样要止损。
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure,
				fmt.Sprintf("回调发生 panic: %v", r),
				xerrors.WithRetryable(false),
			)
		}
	}()
	values, err := e.fn(ctx, history)
	if err != nil {
		return nil, err
	}
	out := make(chan Result)
	go func() {
		defer close(out)
		defer recoverToResult(ctx, out)
		for {
			select {
			case <-ctx.Done():
				out <- Result{Err: ctx.Err()}
				return
			case value, ok := <-values:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					out <- Result{Err: ctx.Err()}
					return
				case out <- Result{Value: value}:
				}
			}
		}
	}()
	return out, nil
}

// convertResult 把回调产出的一个结果转换为 Part 列表：字符串转
// 文本 Part，字节串转文件 Part，结构化值转数据 Part。
func convertResult(value any) ([]a2a.Part, error) {
	switch v := value.(type) {
	case nil:
		return nil, ErrInvalidAgentResponse
	case string:
		return []a2a.Part{a2a.NewTextPart(v)}, nil
	case []byte:
		return []a2a.Part{a2a.NewFilePart(a2a.FileContent{
			MimeType: "application/octet-stream",
			Bytes:    v,
		})}, nil
	case a2a.Part:
		return []a2a.Part{v}, nil
	case []a2a.Part:
		return v, nil
	case a2a.Message:
		return v.Parts, nil
	case map[string]any:
		content, err := json.Marshal(v)
		if err != nil {
			return nil, ErrInvalidAgentResponse
		}
		return []a2a.Part{a2a.NewDataPart(string(content), v)}, nil
	default:
		// 其余结构化类型统一经 JSON 规约成映射。
		content, err := json.Marshal(v)
		if err != nil {
			return []a2a.Part{a2a.NewTextPart(fmt.Sprint(v))}, nil
		}
		var data map[string]any
		if err := json.Unmarshal(content, &data); err != nil {
			return []a2a.Part{a2a.NewTextPart(string(content))}, nil
		}
		return []a2a.Part{a2a.NewDataPart(string(content), data)}, nil
	}
}
