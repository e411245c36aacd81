package task

import (
	"context"
	"sync"

	xerrors "OpenA2A-Relay/internal/errors"
)

// MemoryScheduler 使用 channel 实现进程内 FIFO 调度，不跨进程、
// 不跨重启，主要用于测试与单机部署。关闭通过独立的 done 信号
// 广播，操作 channel 本身永不关闭，并发入队不会 panic。
type MemoryScheduler struct {
	ch   chan Operation
	done chan struct{}
	once sync.Once
}

// NewMemoryScheduler 创建内存调度器。
func NewMemoryScheduler(size int) *MemoryScheduler {
	if size <= 0 {
		size = 64
	}
	return &MemoryScheduler{
		ch:   make(chan Operation, size),
		done: make(chan struct{}),
	}
}

// RunTask 实现 Scheduler 接口。
func (s *MemoryScheduler) RunTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationRun, Params: params})
}

// CancelTask 实现 Scheduler 接口。
func (s *MemoryScheduler) CancelTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationCancel, Params: params})
}

// PauseTask 实现 Scheduler 接口。
func (s *MemoryScheduler) PauseTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationPause, Params: params})
}

// ResumeTask 实现 Scheduler 接口。
func (s *MemoryScheduler) ResumeTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationResume, Params: params})
}

func (s *MemoryScheduler) enqueue(ctx context.Context, op Operation) error {
	select {
	case <-s.done:
		return xerrors.New(xerrors.CodeQueueFailure, "调度器已关闭")
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- op:
		return nil
	}
}

// ReceiveTaskOperations 启动指定数量的工作协程消费操作，直到上下文取消。
func (s *MemoryScheduler) ReceiveTaskOperations(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.done:
					return
				case op := <-s.ch:
					_ = handler(ctx, op)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存调度器，重复关闭是安全的。
func (s *MemoryScheduler) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

var _ Scheduler = (*MemoryScheduler)(nil)
