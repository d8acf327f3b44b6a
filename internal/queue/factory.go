package queue

import (
	"fmt"
	"strings"
)

// QueueType selects a broker backend.
type QueueType string

const (
	TypeEmbedded QueueType = "EMBEDDED" // in-process JetStream
	TypeNATS     QueueType = "NATS"     // external NATS JetStream
	TypeSQS      QueueType = "SQS"      // AWS SQS
	TypeActiveMQ QueueType = "ACTIVEMQ" // ActiveMQ over STOMP
)

// ParseQueueType normalizes a configured broker type. Empty input selects
// the embedded broker.
func ParseQueueType(s string) (QueueType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EMBEDDED":
		return TypeEmbedded, nil
	case "NATS":
		return TypeNATS, nil
	case "SQS":
		return TypeSQS, nil
	case "ACTIVEMQ", "STOMP":
		return TypeActiveMQ, nil
	default:
		return "", fmt.Errorf("unknown queue type: %q (use EMBEDDED, NATS, SQS or ACTIVEMQ)", s)
	}
}

// DefaultConfig returns the embedded-broker configuration used when
// nothing else is configured.
func DefaultConfig() *Config {
	return &Config{
		Type:    string(TypeEmbedded),
		DataDir: "./data/nats",
		NATS: NATSConfig{
			StreamName:   "DISPATCH",
			ConsumerName: "router",
			Subjects:     []string{"dispatch.>"},
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
	}
}
