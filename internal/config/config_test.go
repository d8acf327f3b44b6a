package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "embedded" {
		t.Errorf("Expected default queue type 'embedded', got '%s'", cfg.Queue.Type)
	}
	if cfg.Queue.SQS.WaitTimeSeconds != 20 {
		t.Errorf("Expected default SQS wait time 20, got %d", cfg.Queue.SQS.WaitTimeSeconds)
	}
	if cfg.Queue.SQS.VisibilityTimeout != 120 {
		t.Errorf("Expected default visibility timeout 120, got %d", cfg.Queue.SQS.VisibilityTimeout)
	}
	if cfg.Queue.ActiveMQ.BrokerAddr != "localhost:61613" {
		t.Errorf("Expected default STOMP address, got '%s'", cfg.Queue.ActiveMQ.BrokerAddr)
	}
	if cfg.Router.MaxPools != 50 {
		t.Errorf("Expected default max pools 50, got %d", cfg.Router.MaxPools)
	}
	if cfg.Router.SyncInterval != 5*time.Minute {
		t.Errorf("Expected default sync interval 5m, got %v", cfg.Router.SyncInterval)
	}
	if cfg.Standby.Enabled {
		t.Error("Expected standby disabled by default")
	}
	if cfg.Standby.LockTTL != 30*time.Second {
		t.Errorf("Expected default lock TTL 30s, got %v", cfg.Standby.LockTTL)
	}
	if cfg.Mediation.Timeout != 900*time.Second {
		t.Errorf("Expected default mediation timeout 900s, got %v", cfg.Mediation.Timeout)
	}
	if cfg.Mediation.MaxRetries != 2 {
		t.Errorf("Expected default mediation retries 2, got %d", cfg.Mediation.MaxRetries)
	}
	if cfg.Mediation.HTTPVersion != "HTTP_2" {
		t.Errorf("Expected default HTTP_2, got '%s'", cfg.Mediation.HTTPVersion)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("QUEUE_TYPE", "sqs")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/123/orders")
	t.Setenv("MAX_POOLS", "10")
	t.Setenv("CONFIG_SYNC_INTERVAL", "1m")
	t.Setenv("STANDBY_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://redis.internal:6379")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "sqs" {
		t.Errorf("Expected queue type 'sqs', got '%s'", cfg.Queue.Type)
	}
	if cfg.Queue.SQS.QueueURL != "https://sqs.us-east-1.amazonaws.com/123/orders" {
		t.Errorf("Unexpected queue URL: %s", cfg.Queue.SQS.QueueURL)
	}
	if cfg.Router.MaxPools != 10 {
		t.Errorf("Expected max pools 10, got %d", cfg.Router.MaxPools)
	}
	if cfg.Router.SyncInterval != time.Minute {
		t.Errorf("Expected sync interval 1m, got %v", cfg.Router.SyncInterval)
	}
	if !cfg.Standby.Enabled {
		t.Error("Expected standby enabled")
	}
	if cfg.Standby.RedisURL != "redis://redis.internal:6379" {
		t.Errorf("Unexpected Redis URL: %s", cfg.Standby.RedisURL)
	}
}

func TestLoadMediationEnvOverrides(t *testing.T) {
	t.Setenv("MEDIATION_TIMEOUT_SECONDS", "60")
	t.Setenv("MEDIATION_CONNECT_TIMEOUT_MS", "2500")
	t.Setenv("MEDIATION_MAX_RETRIES", "5")
	t.Setenv("MEDIATION_RETRY_DELAY_MS", "250")
	t.Setenv("MEDIATION_HTTP_VERSION", "HTTP_1_1")
	t.Setenv("SYNC_INTERVAL_MS", "120000")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Mediation.Timeout != 60*time.Second {
		t.Errorf("Expected mediation timeout 60s, got %v", cfg.Mediation.Timeout)
	}
	if cfg.Mediation.ConnectTimeout != 2500*time.Millisecond {
		t.Errorf("Expected connect timeout 2.5s, got %v", cfg.Mediation.ConnectTimeout)
	}
	if cfg.Mediation.MaxRetries != 5 {
		t.Errorf("Expected 5 retries, got %d", cfg.Mediation.MaxRetries)
	}
	if cfg.Mediation.RetryDelay != 250*time.Millisecond {
		t.Errorf("Expected retry delay 250ms, got %v", cfg.Mediation.RetryDelay)
	}
	if cfg.Mediation.HTTPVersion != "HTTP_1_1" {
		t.Errorf("Expected HTTP_1_1, got '%s'", cfg.Mediation.HTTPVersion)
	}
	if cfg.Router.SyncInterval != 2*time.Minute {
		t.Errorf("Expected sync interval 2m from SYNC_INTERVAL_MS, got %v", cfg.Router.SyncInterval)
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	content := `
data_dir = "/var/lib/routeflow"

[http]
port = 7070

[queue]
type = "activemq"

[queue.activemq]
broker_addr = "mq.internal:61613"
username = "router"
heartbeat_send = "5s"

[router]
max_pools = 25
sync_interval = "2m"

[standby]
enabled = true
lock_ttl = "45s"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("ROUTEFLOW_CONFIG", path)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTP.Port != 7070 {
		t.Errorf("Expected port 7070 from file, got %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "activemq" {
		t.Errorf("Expected queue type 'activemq', got '%s'", cfg.Queue.Type)
	}
	if cfg.Queue.ActiveMQ.BrokerAddr != "mq.internal:61613" {
		t.Errorf("Unexpected broker addr: %s", cfg.Queue.ActiveMQ.BrokerAddr)
	}
	if cfg.Queue.ActiveMQ.HeartbeatSend != 5*time.Second {
		t.Errorf("Expected heartbeat 5s, got %v", cfg.Queue.ActiveMQ.HeartbeatSend)
	}
	// Unset file fields keep defaults
	if cfg.Queue.ActiveMQ.HeartbeatRecv != 10*time.Second {
		t.Errorf("Expected default heartbeat recv 10s, got %v", cfg.Queue.ActiveMQ.HeartbeatRecv)
	}
	if cfg.Router.MaxPools != 25 {
		t.Errorf("Expected max pools 25, got %d", cfg.Router.MaxPools)
	}
	if !cfg.Standby.Enabled {
		t.Error("Expected standby enabled from file")
	}
	if cfg.Standby.LockTTL != 45*time.Second {
		t.Errorf("Expected lock TTL 45s, got %v", cfg.Standby.LockTTL)
	}
	if cfg.DataDir != "/var/lib/routeflow" {
		t.Errorf("Unexpected data dir: %s", cfg.DataDir)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	content := `
[http]
port = 7070

[queue]
type = "nats"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("ROUTEFLOW_CONFIG", path)
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.HTTP.Port != 9999 {
		t.Errorf("Expected env to override file, got port %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "nats" {
		t.Errorf("Expected file value to survive, got queue type '%s'", cfg.Queue.Type)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ROUTEFLOW_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))

	if _, err := Load(context.Background()); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	t.Setenv("ACTIVEMQ_PASSWORD", "secret://amq-password")
	t.Setenv("ROUTEFLOW_SECRET_AMQ_PASSWORD", "swordfish")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Queue.ActiveMQ.Password != "swordfish" {
		t.Errorf("Expected resolved secret, got '%s'", cfg.Queue.ActiveMQ.Password)
	}
}

func TestLoadFailsOnMissingSecret(t *testing.T) {
	t.Setenv("CONFIG_SOURCE_AUTH_TOKEN", "secret://not-there")

	if _, err := Load(context.Background()); err == nil {
		t.Error("Expected error for unresolvable secret reference")
	}
}
