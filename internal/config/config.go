package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.routeflow.tech/internal/common/secrets"
)

// Config holds all configuration for the message router.
//
// Values load from environment variables, optionally overriding a TOML
// file. String values may be secret references of the form
// "secret://name"; Load resolves them through the configured secrets
// provider.
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Queue broker connection configuration
	Queue QueueConfig

	// Router processing configuration
	Router RouterConfig

	// Mediation configures outbound HTTP delivery
	Mediation MediationConfig

	// ConfigSource locates the routing configuration document
	ConfigSource ConfigSourceConfig

	// Standby (primary/standby failover) configuration
	Standby StandbyConfig

	// Secrets provider configuration
	Secrets secrets.Config

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// QueueConfig holds broker connection configuration.
// Which queues to consume comes from the routing configuration
// document; this struct carries how to reach each broker type.
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs", "activemq"

	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string // storage directory for the embedded server

	// Stream and Consumer override the JetStream stream and durable
	// consumer names ("DISPATCH" and "router" when empty)
	Stream   string
	Consumer string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	// QueueURL is a fallback single queue for deployments without a
	// routing configuration document
	QueueURL string

	Region            string
	Endpoint          string // custom endpoint, e.g. LocalStack
	WaitTimeSeconds   int
	VisibilityTimeout int
	MaxMessages       int

	// Connections is the default number of pollers per queue
	Connections int
}

// ActiveMQConfig holds ActiveMQ STOMP configuration
type ActiveMQConfig struct {
	// BrokerAddr is the host:port of the STOMP listener
	BrokerAddr string

	// Queue is a fallback single queue for deployments without a
	// routing configuration document
	Queue string

	Username string
	Password string

	// Connections is the default number of subscriptions per queue
	Connections int

	HeartbeatSend time.Duration
	HeartbeatRecv time.Duration
}

// RouterConfig holds message routing limits
type RouterConfig struct {
	// MaxPools caps the number of processing pools accepted from the
	// routing configuration
	MaxPools int

	// SyncInterval is how often the routing configuration is refreshed
	SyncInterval time.Duration
}

// MediationConfig holds outbound HTTP delivery settings
type MediationConfig struct {
	// Timeout bounds the whole mediation call including the response body
	Timeout time.Duration

	// ConnectTimeout bounds dialing the callback target
	ConnectTimeout time.Duration

	// MaxRetries is the number of additional attempts after the first call
	MaxRetries int

	// RetryDelay is the base backoff before the first retry
	RetryDelay time.Duration

	// HTTPVersion selects "HTTP_2" (default) or "HTTP_1_1"
	HTTPVersion string
}

// ConfigSourceConfig holds the routing configuration source settings
type ConfigSourceConfig struct {
	// URL of the HTTP endpoint serving the routing configuration
	// document. Empty means a static single-queue configuration is
	// derived from the environment.
	URL string

	// AuthToken is sent as a bearer token when fetching the document
	AuthToken string
}

// StandbyConfig holds primary/standby failover configuration
type StandbyConfig struct {
	// Enabled controls whether standby coordination is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// RedisURL locates the Redis instance holding the leader lock
	RedisURL string

	// LockTTL is how long the lock is valid before expiring
	LockTTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load builds configuration from defaults, an optional TOML file, and
// environment variables, in increasing order of precedence, then
// resolves secret references.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	if path := findConfigFile(); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := resolveSecrets(ctx, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns the built-in configuration.
func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:4200"},
		},
		Queue: QueueConfig{
			Type: "embedded",
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				DataDir: "./data/nats",
			},
			SQS: SQSConfig{
				Region:            "us-east-1",
				WaitTimeSeconds:   20,
				VisibilityTimeout: 120,
			},
			ActiveMQ: ActiveMQConfig{
				BrokerAddr:    "localhost:61613",
				HeartbeatSend: 10 * time.Second,
				HeartbeatRecv: 10 * time.Second,
			},
		},
		Router: RouterConfig{
			MaxPools:     50,
			SyncInterval: 5 * time.Minute,
		},
		Mediation: MediationConfig{
			Timeout:        900 * time.Second,
			ConnectTimeout: 10 * time.Second,
			MaxRetries:     2,
			RetryDelay:     time.Second,
			HTTPVersion:    "HTTP_2",
		},
		Standby: StandbyConfig{
			RedisURL:        "redis://localhost:6379",
			LockTTL:         30 * time.Second,
			RefreshInterval: 10 * time.Second,
		},
		Secrets: *secrets.LoadConfigFromEnv(),
		DataDir: "./data",
	}
}

// applyEnv overrides cfg with any environment variables that are set.
func applyEnv(cfg *Config) {
	setInt(&cfg.HTTP.Port, "HTTP_PORT")
	setSlice(&cfg.HTTP.CORSOrigins, "CORS_ORIGINS")

	setString(&cfg.Queue.Type, "QUEUE_TYPE")
	setString(&cfg.Queue.NATS.URL, "NATS_URL")
	setString(&cfg.Queue.NATS.DataDir, "NATS_DATA_DIR")
	setString(&cfg.Queue.NATS.Stream, "NATS_STREAM")
	setString(&cfg.Queue.NATS.Consumer, "NATS_CONSUMER")
	setString(&cfg.Queue.SQS.QueueURL, "SQS_QUEUE_URL")
	setString(&cfg.Queue.SQS.Region, "AWS_REGION")
	setString(&cfg.Queue.SQS.Endpoint, "SQS_ENDPOINT")
	setString(&cfg.Queue.SQS.Endpoint, "AWS_ENDPOINT_URL")
	setInt(&cfg.Queue.SQS.WaitTimeSeconds, "SQS_WAIT_TIME_SECONDS")
	setInt(&cfg.Queue.SQS.VisibilityTimeout, "SQS_VISIBILITY_TIMEOUT")
	setInt(&cfg.Queue.SQS.MaxMessages, "SQS_MAX_MESSAGES")
	setInt(&cfg.Queue.SQS.Connections, "SQS_CONNECTIONS")
	setString(&cfg.Queue.ActiveMQ.BrokerAddr, "ACTIVEMQ_BROKER_ADDR")
	setString(&cfg.Queue.ActiveMQ.BrokerAddr, "ACTIVEMQ_BROKER_URL")
	setString(&cfg.Queue.ActiveMQ.Queue, "ACTIVEMQ_QUEUE")
	setString(&cfg.Queue.ActiveMQ.Username, "ACTIVEMQ_USERNAME")
	setString(&cfg.Queue.ActiveMQ.Username, "ACTIVEMQ_USER")
	setString(&cfg.Queue.ActiveMQ.Password, "ACTIVEMQ_PASSWORD")
	setInt(&cfg.Queue.ActiveMQ.Connections, "ACTIVEMQ_CONNECTIONS")
	setDuration(&cfg.Queue.ActiveMQ.HeartbeatSend, "ACTIVEMQ_HEARTBEAT_SEND")
	setDuration(&cfg.Queue.ActiveMQ.HeartbeatRecv, "ACTIVEMQ_HEARTBEAT_RECV")

	setInt(&cfg.Router.MaxPools, "MAX_POOLS")
	setDuration(&cfg.Router.SyncInterval, "CONFIG_SYNC_INTERVAL")
	setMillis(&cfg.Router.SyncInterval, "SYNC_INTERVAL_MS")

	setSeconds(&cfg.Mediation.Timeout, "MEDIATION_TIMEOUT_SECONDS")
	setMillis(&cfg.Mediation.ConnectTimeout, "MEDIATION_CONNECT_TIMEOUT_MS")
	setInt(&cfg.Mediation.MaxRetries, "MEDIATION_MAX_RETRIES")
	setMillis(&cfg.Mediation.RetryDelay, "MEDIATION_RETRY_DELAY_MS")
	setString(&cfg.Mediation.HTTPVersion, "MEDIATION_HTTP_VERSION")

	setString(&cfg.ConfigSource.URL, "CONFIG_SOURCE_URL")
	setString(&cfg.ConfigSource.AuthToken, "CONFIG_SOURCE_AUTH_TOKEN")

	setBool(&cfg.Standby.Enabled, "STANDBY_ENABLED")
	setString(&cfg.Standby.InstanceID, "HOSTNAME")
	setString(&cfg.Standby.InstanceID, "INSTANCE_ID")
	setString(&cfg.Standby.RedisURL, "REDIS_URL")
	setDuration(&cfg.Standby.LockTTL, "STANDBY_LOCK_TTL")
	setDuration(&cfg.Standby.RefreshInterval, "STANDBY_REFRESH_INTERVAL")

	setString(&cfg.DataDir, "DATA_DIR")
	setBool(&cfg.DevMode, "ROUTEFLOW_DEV")
}

// resolveSecrets replaces secret:// references in the fields that may
// carry credentials. The provider is only constructed when at least
// one reference is present.
func resolveSecrets(ctx context.Context, cfg *Config) error {
	fields := []*string{
		&cfg.Queue.ActiveMQ.Password,
		&cfg.ConfigSource.AuthToken,
		&cfg.Standby.RedisURL,
	}

	hasRef := false
	for _, f := range fields {
		if secrets.IsRef(*f) {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return nil
	}

	provider, err := secrets.NewProvider(&cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to create secrets provider: %w", err)
	}

	for _, f := range fields {
		resolved, err := secrets.Resolve(ctx, provider, *f)
		if err != nil {
			return err
		}
		*f = resolved
	}
	return nil
}

// Environment variable helpers. Each setter only writes when the
// variable is present, preserving file and default values otherwise.

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setBool(dst *bool, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			*dst = boolVal
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = duration
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if ms, err := strconv.Atoi(value); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if secs, err := strconv.Atoi(value); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

func setSlice(dst *[]string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = strings.Split(value, ",")
	}
}
