// Package queue provides broker abstractions for the message router.
//
// Each broker backend (SQS, ActiveMQ/STOMP, NATS JetStream, embedded)
// implements the same Consumer contract: a set of pollers that deliver
// message batches to a handler, plus health and depth reporting. Ack and
// nack semantics live on the Message itself so the router can hand
// broker-agnostic callbacks to its pools.
package queue

import (
	"context"
	"time"
)

// Visibility bounds shared by every backend. Nack delays outside this
// range are clamped before they reach the broker.
const (
	MinVisibilitySeconds = 0
	MaxVisibilitySeconds = 43200
)

// DefaultGroup is the message group assigned when a message carries none.
const DefaultGroup = "__DEFAULT__"

// Message is one frame received from a broker.
type Message interface {
	// ID returns the broker-assigned message identifier. It may change
	// across redeliveries of the same logical message.
	ID() string

	// Data returns the raw message body.
	Data() []byte

	// Subject returns the queue or subject the message arrived on.
	Subject() string

	// MessageGroup returns the broker-level ordering group, or "" when
	// the broker does not carry one.
	MessageGroup() string

	// ReceiveCount returns how many times the broker has delivered this
	// message, starting at 1. Zero when the broker does not report it.
	ReceiveCount() int

	// Ack permanently removes the message from the broker.
	Ack() error

	// Nak returns the message for redelivery using the broker default
	// delay.
	Nak() error

	// NakWithDelay returns the message for redelivery after the given
	// delay. The delay is clamped to [MinVisibilitySeconds,
	// MaxVisibilitySeconds].
	NakWithDelay(delay time.Duration) error

	// InProgress extends the processing deadline where the broker
	// supports it; a no-op elsewhere.
	InProgress() error

	// Metadata returns broker-specific attributes.
	Metadata() map[string]string
}

// ReceiptHandleUpdatable is implemented by messages whose ack token can
// expire and be replaced on redelivery (SQS). When the router detects a
// physical redelivery of an in-flight message it swaps in the fresh
// handle so the eventual ack still lands.
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newReceiptHandle string)
	GetReceiptHandle() string
}

// BatchHandler receives one poll's worth of parsed messages. The handler
// owns ack/nack for every message it accepts; if it returns an error the
// consumer nacks the whole batch.
type BatchHandler func(batch []Message) error

// ConsumerHealth reports poll liveness for a consumer.
type ConsumerHealth struct {
	Running           bool          `json:"isRunning"`
	LastPollTime      time.Time     `json:"lastPollTime"`
	TimeSinceLastPoll time.Duration `json:"timeSinceLastPoll"`
	Healthy           bool          `json:"isHealthy"`
}

// QueueMetrics carries broker-reported depth figures. Fields the broker
// cannot report are zero.
type QueueMetrics struct {
	QueueName          string `json:"queueName"`
	PendingMessages    int64  `json:"pendingMessages"`
	MessagesNotVisible int64  `json:"messagesNotVisible"`
}

// Consumer is the uniform contract every broker backend satisfies.
type Consumer interface {
	// Start spawns the configured number of pollers plus one metrics
	// updater. Calling Start on a running consumer is a no-op.
	Start(handler BatchHandler) error

	// Stop signals the pollers to exit, waits for them, and releases
	// broker resources held by this consumer.
	Stop() error

	// Health reports whether the consumer is running and polling. A
	// consumer that has not completed a poll in over a minute is
	// unhealthy.
	Health() ConsumerHealth

	// Metrics returns broker-side queue depth where available.
	Metrics(ctx context.Context) (QueueMetrics, error)

	// QueueID identifies the source queue for pipeline tracking.
	QueueID() string
}

// Publisher publishes messages to a queue.
type Publisher interface {
	// Publish sends a message to the given subject or queue.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithGroup sends a message tagged with an ordering group.
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error

	// PublishWithDeduplication sends a message with a deduplication ID
	// that suppresses re-insertion within the broker's dedup window.
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error

	// Close releases publisher resources.
	Close() error
}

// Config selects and configures a broker backend.
type Config struct {
	// Type is one of "EMBEDDED", "NATS", "SQS", "ACTIVEMQ".
	Type string

	// DataDir is the storage directory for the embedded backend.
	DataDir string

	NATS  NATSConfig
	SQS   SQSConfig
	STOMP STOMPConfig
}

// NATSConfig holds JetStream configuration, shared by the external and
// embedded backends.
type NATSConfig struct {
	URL          string
	StreamName   string
	ConsumerName string
	Subjects     []string
	MaxPending   int
	AckWait      time.Duration
	MaxDeliver   int
	MaxAge       time.Duration

	// Pollers is the number of concurrent message loops.
	Pollers int
}

// SQSConfig holds AWS SQS configuration.
type SQSConfig struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32

	// Endpoint overrides the AWS endpoint (LocalStack).
	Endpoint string

	// Pollers is the number of concurrent receive loops.
	Pollers int

	// MetricsPollInterval controls how often queue attributes are
	// fetched for depth reporting.
	MetricsPollInterval time.Duration
}

// STOMPConfig holds ActiveMQ connection configuration.
type STOMPConfig struct {
	// BrokerAddr is the host:port of the STOMP listener (61613).
	BrokerAddr string
	Queue      string
	Username   string
	Password   string

	// Pollers is the number of concurrent subscriptions.
	Pollers int

	// HeartbeatSend and HeartbeatRecv configure STOMP heart-beating.
	HeartbeatSend time.Duration
	HeartbeatRecv time.Duration
}

// ClampVisibility bounds a visibility delay to what brokers accept.
func ClampVisibility(seconds int64) int32 {
	if seconds < MinVisibilitySeconds {
		return MinVisibilitySeconds
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return int32(seconds)
}
