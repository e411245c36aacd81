// Package config 负责加载并校验启动配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述服务启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制协议服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 描述任务存储后端的连接信息。
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SchedulerConfig 描述任务调度后端。memory 适合单进程部署,
// redis 与 rabbitmq 用于多进程横向扩展。
type SchedulerConfig struct {
	Driver   string         `yaml:"driver"`
	Queue    string         `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 调度器的连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// BlockWait 返回 BLPOP 的阻塞等待时长。
func (c RedisConfig) BlockWait() time.Duration {
	return time.Duration(c.BlockWaitSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 调度器的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// WorkerConfig 控制任务执行端的并发与重试策略。
type WorkerConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertingConfig 控制任务失败告警。
type AlertingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Scheduler.Driver == "" {
		c.Scheduler.Driver = "memory"
	}
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate 检查互相依赖的配置项。
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 storage.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Scheduler.Driver {
	case "memory":
	case "redis":
		if c.Scheduler.Redis.Address == "" {
			return errors.New("scheduler.driver 为 redis 时必须提供 scheduler.redis.address")
		}
	case "rabbitmq":
		if c.Scheduler.RabbitMQ.URL == "" {
			return errors.New("scheduler.driver 为 rabbitmq 时必须提供 scheduler.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的调度驱动: %s", c.Scheduler.Driver)
	}

	if c.Alerting.Enabled && c.Alerting.WebhookURL == "" {
		return errors.New("alerting.enabled 为 true 时必须提供 alerting.webhook_url")
	}
	return nil
}
