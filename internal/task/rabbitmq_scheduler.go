package task

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenA2A-Relay/internal/errors"
	"OpenA2A-Relay/pkg/logger"
)

// RabbitMQSchedulerConfig 描述 RabbitMQ 调度器的连接参数。
type RabbitMQSchedulerConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQScheduler 使用 RabbitMQ 实现跨进程任务调度，线上格式与
// Redis 后端一致，两者可互换。
type RabbitMQScheduler struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
}

// NewRabbitMQScheduler 创建 RabbitMQ 调度器实例。
func NewRabbitMQScheduler(cfg RabbitMQSchedulerConfig, log *slog.Logger) (*RabbitMQScheduler, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "a2a.task_operations"
	}
	if log == nil {
		log = logger.Named("rabbitmq_scheduler")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQScheduler{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// RunTask 实现 Scheduler 接口。
func (s *RabbitMQScheduler) RunTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationRun, Params: params})
}

// CancelTask 实现 Scheduler 接口。
func (s *RabbitMQScheduler) CancelTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationCancel, Params: params})
}

// PauseTask 实现 Scheduler 接口。
func (s *RabbitMQScheduler) PauseTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationPause, Params: params})
}

// ResumeTask 实现 Scheduler 接口。
func (s *RabbitMQScheduler) ResumeTask(ctx context.Context, params OperationParams) error {
	return s.enqueue(ctx, Operation{Type: OperationResume, Params: params})
}

func (s *RabbitMQScheduler) enqueue(ctx context.Context, op Operation) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 调度器未初始化")
	}
	payload, err := encodeOperation(ctx, op)
	if err != nil {
		return err
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 入队任务操作失败")
	}
	return nil
}

// ReceiveTaskOperations 使用手动确认模式消费队列。坏消息直接确认并
// 丢弃，避免毒消息无限循环。
func (s *RabbitMQScheduler) ReceiveTaskOperations(ctx context.Context, workerCount int, handler Handler) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 调度器未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := s.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					op, opCtx, err := decodeOperation(ctx, msg.Body)
					if err != nil {
						s.log.Error("丢弃无法解析的任务操作", slog.Any("error", err))
						_ = msg.Ack(false)
						continue
					}
					if err := handler(opCtx, op); err != nil {
						s.log.Error("任务操作处理失败",
							slog.Any("error", err),
							slog.String("operation", string(op.Type)),
							slog.String("task_id", op.Params.TaskID),
						)
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQScheduler) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Scheduler = (*RabbitMQScheduler)(nil)
