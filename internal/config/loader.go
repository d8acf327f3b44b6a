package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"go.routeflow.tech/internal/common/secrets"
)

// tomlConfig mirrors the Config struct for file-based configuration.
// Durations are strings in Go duration syntax ("30s", "5m").
type tomlConfig struct {
	HTTP         tomlHTTPConfig         `toml:"http"`
	Queue        tomlQueueConfig        `toml:"queue"`
	Router       tomlRouterConfig       `toml:"router"`
	Mediation    tomlMediationConfig    `toml:"mediation"`
	ConfigSource tomlConfigSourceConfig `toml:"config_source"`
	Standby      tomlStandbyConfig      `toml:"standby"`
	Secrets      secrets.Config         `toml:"secrets"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

type tomlHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type tomlQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     tomlNATSConfig     `toml:"nats"`
	SQS      tomlSQSConfig      `toml:"sqs"`
	ActiveMQ tomlActiveMQConfig `toml:"activemq"`
}

type tomlNATSConfig struct {
	URL      string `toml:"url"`
	DataDir  string `toml:"data_dir"`
	Stream   string `toml:"stream"`
	Consumer string `toml:"consumer"`
}

type tomlSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	Endpoint          string `toml:"endpoint"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	MaxMessages       int    `toml:"max_messages"`
	Connections       int    `toml:"connections"`
}

type tomlActiveMQConfig struct {
	BrokerAddr    string `toml:"broker_addr"`
	Queue         string `toml:"queue"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	Connections   int    `toml:"connections"`
	HeartbeatSend string `toml:"heartbeat_send"`
	HeartbeatRecv string `toml:"heartbeat_recv"`
}

type tomlRouterConfig struct {
	MaxPools     int    `toml:"max_pools"`
	SyncInterval string `toml:"sync_interval"`
}

type tomlMediationConfig struct {
	Timeout        string `toml:"timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	MaxRetries     int    `toml:"max_retries"`
	RetryDelay     string `toml:"retry_delay"`
	HTTPVersion    string `toml:"http_version"`
}

type tomlConfigSourceConfig struct {
	URL       string `toml:"url"`
	AuthToken string `toml:"auth_token"`
}

type tomlStandbyConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	RedisURL        string `toml:"redis_url"`
	LockTTL         string `toml:"lock_ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// configPaths lists the locations searched for a config file when
// ROUTEFLOW_CONFIG is not set.
var configPaths = []string{
	"config.toml",
	"application.toml",
	"routeflow.toml",
	"./config/config.toml",
	"/etc/routeflow/config.toml",
}

// findConfigFile returns the path of the config file to load, or ""
// when none exists.
func findConfigFile() string {
	if path := os.Getenv("ROUTEFLOW_CONFIG"); path != "" {
		return path
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// applyFile overlays values from a TOML file onto cfg. Only fields
// present in the file (non-zero after decode) are applied.
func applyFile(cfg *Config, path string) error {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return err
	}

	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}
	if len(tc.HTTP.CORSOrigins) > 0 {
		cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}

	if tc.Queue.Type != "" {
		cfg.Queue.Type = tc.Queue.Type
	}
	if tc.Queue.NATS.URL != "" {
		cfg.Queue.NATS.URL = tc.Queue.NATS.URL
	}
	if tc.Queue.NATS.DataDir != "" {
		cfg.Queue.NATS.DataDir = tc.Queue.NATS.DataDir
	}
	if tc.Queue.NATS.Stream != "" {
		cfg.Queue.NATS.Stream = tc.Queue.NATS.Stream
	}
	if tc.Queue.NATS.Consumer != "" {
		cfg.Queue.NATS.Consumer = tc.Queue.NATS.Consumer
	}
	if tc.Queue.SQS.QueueURL != "" {
		cfg.Queue.SQS.QueueURL = tc.Queue.SQS.QueueURL
	}
	if tc.Queue.SQS.Region != "" {
		cfg.Queue.SQS.Region = tc.Queue.SQS.Region
	}
	if tc.Queue.SQS.Endpoint != "" {
		cfg.Queue.SQS.Endpoint = tc.Queue.SQS.Endpoint
	}
	if tc.Queue.SQS.WaitTimeSeconds != 0 {
		cfg.Queue.SQS.WaitTimeSeconds = tc.Queue.SQS.WaitTimeSeconds
	}
	if tc.Queue.SQS.VisibilityTimeout != 0 {
		cfg.Queue.SQS.VisibilityTimeout = tc.Queue.SQS.VisibilityTimeout
	}
	if tc.Queue.SQS.MaxMessages != 0 {
		cfg.Queue.SQS.MaxMessages = tc.Queue.SQS.MaxMessages
	}
	if tc.Queue.SQS.Connections != 0 {
		cfg.Queue.SQS.Connections = tc.Queue.SQS.Connections
	}
	if tc.Queue.ActiveMQ.BrokerAddr != "" {
		cfg.Queue.ActiveMQ.BrokerAddr = tc.Queue.ActiveMQ.BrokerAddr
	}
	if tc.Queue.ActiveMQ.Queue != "" {
		cfg.Queue.ActiveMQ.Queue = tc.Queue.ActiveMQ.Queue
	}
	if tc.Queue.ActiveMQ.Username != "" {
		cfg.Queue.ActiveMQ.Username = tc.Queue.ActiveMQ.Username
	}
	if tc.Queue.ActiveMQ.Connections != 0 {
		cfg.Queue.ActiveMQ.Connections = tc.Queue.ActiveMQ.Connections
	}
	if tc.Queue.ActiveMQ.Password != "" {
		cfg.Queue.ActiveMQ.Password = tc.Queue.ActiveMQ.Password
	}
	setTOMLDuration(&cfg.Queue.ActiveMQ.HeartbeatSend, tc.Queue.ActiveMQ.HeartbeatSend)
	setTOMLDuration(&cfg.Queue.ActiveMQ.HeartbeatRecv, tc.Queue.ActiveMQ.HeartbeatRecv)

	if tc.Router.MaxPools != 0 {
		cfg.Router.MaxPools = tc.Router.MaxPools
	}
	setTOMLDuration(&cfg.Router.SyncInterval, tc.Router.SyncInterval)

	setTOMLDuration(&cfg.Mediation.Timeout, tc.Mediation.Timeout)
	setTOMLDuration(&cfg.Mediation.ConnectTimeout, tc.Mediation.ConnectTimeout)
	if tc.Mediation.MaxRetries != 0 {
		cfg.Mediation.MaxRetries = tc.Mediation.MaxRetries
	}
	setTOMLDuration(&cfg.Mediation.RetryDelay, tc.Mediation.RetryDelay)
	if tc.Mediation.HTTPVersion != "" {
		cfg.Mediation.HTTPVersion = tc.Mediation.HTTPVersion
	}

	if tc.ConfigSource.URL != "" {
		cfg.ConfigSource.URL = tc.ConfigSource.URL
	}
	if tc.ConfigSource.AuthToken != "" {
		cfg.ConfigSource.AuthToken = tc.ConfigSource.AuthToken
	}

	if tc.Standby.Enabled {
		cfg.Standby.Enabled = true
	}
	if tc.Standby.InstanceID != "" {
		cfg.Standby.InstanceID = tc.Standby.InstanceID
	}
	if tc.Standby.RedisURL != "" {
		cfg.Standby.RedisURL = tc.Standby.RedisURL
	}
	setTOMLDuration(&cfg.Standby.LockTTL, tc.Standby.LockTTL)
	setTOMLDuration(&cfg.Standby.RefreshInterval, tc.Standby.RefreshInterval)

	if tc.Secrets.Provider != "" {
		cfg.Secrets = tc.Secrets
	}

	if tc.DataDir != "" {
		cfg.DataDir = tc.DataDir
	}
	if tc.DevMode {
		cfg.DevMode = true
	}

	return nil
}

func setTOMLDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}
