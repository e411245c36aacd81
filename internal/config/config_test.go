package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a2arelay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \"\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address default: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected storage default: %s", cfg.Storage.Driver)
	}
	if cfg.Scheduler.Driver != "memory" {
		t.Fatalf("unexpected scheduler default: %s", cfg.Scheduler.Driver)
	}
	if cfg.Worker.Workers != 4 || cfg.Worker.MaxRetries != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
storage:
  driver: mysql
  dsn: "user:pass@tcp(127.0.0.1:3306)/a2a"
scheduler:
  driver: redis
  queue: "custom:queue"
  redis:
    address: "127.0.0.1:6379"
    db: 2
    block_wait_seconds: 3
worker:
  workers: 8
  max_retries: 5
alerting:
  enabled: true
  webhook_url: "https://hooks.example.com/a2a"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.DSN == "" {
		t.Fatalf("unexpected storage: %+v", cfg.Storage)
	}
	if cfg.Scheduler.Queue != "custom:queue" || cfg.Scheduler.Redis.DB != 2 {
		t.Fatalf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Redis.BlockWait() != 3*time.Second {
		t.Fatalf("unexpected block wait: %s", cfg.Scheduler.Redis.BlockWait())
	}
	if cfg.Worker.Workers != 8 || cfg.Worker.MaxRetries != 5 {
		t.Fatalf("unexpected worker: %+v", cfg.Worker)
	}
	if !cfg.Alerting.Enabled || cfg.Alerting.WebhookURL == "" {
		t.Fatalf("unexpected alerting: %+v", cfg.Alerting)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"mysql without dsn", "storage:\n  driver: mysql\n"},
		{"redis without address", "scheduler:\n  driver: redis\n"},
		{"rabbitmq without url", "scheduler:\n  driver: rabbitmq\n"},
		{"unknown storage driver", "storage:\n  driver: etcd\n"},
		{"unknown scheduler driver", "scheduler:\n  driver: kafka\n"},
		{"alerting without webhook", "alerting:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
