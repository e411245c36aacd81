package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenA2A-Relay/internal/errors"
	"OpenA2A-Relay/pkg/logger"
)

// RedisSchedulerConfig 描述 Redis 调度器的连接参数。
type RedisSchedulerConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisScheduler 使用 Redis list 实现跨进程任务调度。操作经
// RPUSH 入队、BLPOP 出队，投递语义为 at-least-once；多个消费进程
// 共享同一队列名时，不保证入队 run 的进程也会收到后续的 cancel。
type RedisScheduler struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisScheduler 创建 Redis 调度器实例。
func NewRedisScheduler(cfg RedisSchedulerConfig, log *slog.Logger) (*RedisScheduler, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "a2a:task_operations"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		// 阻塞超时只用于周期性检查关闭信号，不是任务超时。
		wait = time.Second
	}
	if log == nil {
		log = logger.Named("redis_scheduler")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisScheduler{client: client, queue: queue, wait: wait, log: log}, nil
}

// RunTask 实现 Scheduler 接口。
func (s *RedisScheduler) RunTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationRun, Params: params})
}

// CancelTask 实现 Scheduler 接口。
func (s *RedisScheduler) CancelTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationCancel, Params: params})
}

// PauseTask 实现 Scheduler 接口。
func (s *RedisScheduler) PauseTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationPause, Params: params})
}

// ResumeTask 实现 Scheduler 接口。
func (s *RedisScheduler) ResumeTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationResume, Params: params})
}

func (s *RedisScheduler) enqueue(ctx context.Context, op Operation) error {
	payload, err := encodeOperation(ctx, op)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 入队任务操作失败")
	}
	return nil
}

// ReceiveTaskOperations 通过 BLPOP 循环消费操作。反序列化失败或
// 连接抖动只记录日志并继续，消费循环不能因为单条坏消息退出。
func (s *RedisScheduler) ReceiveTaskOperations(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := s.client.BLPop(ctx, s.wait, s.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					s.log.Warn("Redis 取任务操作失败，稍后重试", slog.Any("error", err))
					select {
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					case <-time.After(s.wait):
					}
					continue
				}
				if len(values) != 2 {
					continue
				}
				op, opCtx, err := decodeOperation(ctx, []byte(values[1]))
				if err != nil {
					s.log.Error("丢弃无法解析的任务操作", slog.Any("error", err))
					continue
				}
				if err := handler(opCtx, op); err != nil {
					s.log.Error("任务操作处理失败",
						slog.Any("error", err),
						slog.String("operation", string(op.Type)),
						slog.String("task_id", op.Params.TaskID),
					)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// GetQueueLength 返回队列当前长度，供运维观测。
func (s *RedisScheduler) GetQueueLength(ctx context.Context) (int64, error) {
	length, err := s.client.LLen(ctx, s.queue).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询队列长度失败")
	}
	return length, nil
}

// ClearQueue 删除队列中积压的全部操作。
func (s *RedisScheduler) ClearQueue(ctx context.Context) error {
	if err := s.client.Del(ctx, s.queue).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "清空队列失败")
	}
	return nil
}

// HealthCheck 检查 Redis 连接是否可用。
func (s *RedisScheduler) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 健康检查失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisScheduler) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Scheduler = (*RedisScheduler)(nil)
