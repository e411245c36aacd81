package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenA2A-Relay/internal/a2a"
	"OpenA2A-Relay/internal/config"
	"OpenA2A-Relay/internal/observability/alerting"
	"OpenA2A-Relay/internal/protocol"
	"OpenA2A-Relay/internal/task"
	"OpenA2A-Relay/pkg/logger"
)

// main 是 A2A 中继守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("a2arelayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("A2A_RELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "a2arelay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	// 初始化任务存储。
	var storage task.Storage
	switch cfg.Storage.Driver {
	case "memory", "":
		storage = task.NewMemoryStorage()
	case "mysql":
		store, err := task.NewMySQLStorage(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		storage = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.L().Error("关闭任务存储失败", "error", err)
		}
	}()

	// 初始化任务调度器。
	var scheduler task.Scheduler
	switch cfg.Scheduler.Driver {
	case "memory", "":
		scheduler = task.NewMemoryScheduler(1024)
	case "redis":
		sched, err := task.NewRedisScheduler(task.RedisSchedulerConfig{
			Address:   cfg.Scheduler.Redis.Address,
			Password:  cfg.Scheduler.Redis.Password,
			DB:        cfg.Scheduler.Redis.DB,
			Queue:     cfg.Scheduler.Queue,
			BlockWait: cfg.Scheduler.Redis.BlockWait(),
		}, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		scheduler = sched
	case "rabbitmq":
		sched, err := task.NewRabbitMQScheduler(task.RabbitMQSchedulerConfig{
			URL:        cfg.Scheduler.RabbitMQ.URL,
			Queue:      cfg.Scheduler.Queue,
			Prefetch:   cfg.Scheduler.RabbitMQ.Prefetch,
			Durable:    cfg.Scheduler.RabbitMQ.Durable,
			AutoDelete: cfg.Scheduler.RabbitMQ.AutoDelete,
		}, logger.Named("scheduler"))
		if err != nil {
			return err
		}
		scheduler = sched
	default:
		return fmt.Errorf("未知的调度驱动: %s", cfg.Scheduler.Driver)
	}
	defer func() {
		if err := scheduler.Close(); err != nil {
			logger.L().Error("关闭任务调度器失败", "error", err)
		}
	}()

	// 告警渠道:日志渠道始终开启,webhook 渠道按配置启用。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Audit()}}
	if cfg.Alerting.Enabled {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.WebhookURL,
			Timeout: 5 * time.Second,
		})
	}
	alerter := alerting.NewFanout(notifiers...)

	executor := task.NewSingleExecutor(echoExecutor)

	worker := task.NewWorker(executor, storage, scheduler,
		task.WithWorkerCount(cfg.Worker.Workers),
		task.WithMaxRetries(cfg.Worker.MaxRetries),
		task.WithWorkerLogger(logger.Named("worker")),
		task.WithAlertDispatcher(alerter),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务执行端异常退出", "error", err)
		}
	}()

	manager := task.NewManager(storage, scheduler,
		task.WithManagerLogger(logger.Named("manager")),
	)
	dispatcher := protocol.NewDispatcher(manager,
		protocol.WithDispatcherLogger(logger.Named("protocol")),
	)
	server := protocol.NewServer(cfg.Server.Address, dispatcher,
		protocol.WithServerLogger(logger.Named("server")),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// echoExecutor 是内置的回显执行器,把最后一条用户消息原样返回。
// 实际部署时通常替换为业务方自己的执行器实现。
func echoExecutor(_ context.Context, history []a2a.Message) (any, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != a2a.RoleUser {
			continue
		}
		var parts []string
		for _, part := range history[i].Parts {
			if part.Kind == a2a.PartKindText {
				parts = append(parts, part.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", nil
}
