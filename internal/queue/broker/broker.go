// Package broker connects the configured queue backend and builds
// consumers for it on demand.
//
// One Broker is created at startup and lives for the process. The router
// asks it for a consumer per configured queue entry, both on config sync
// and when rebuilding a stalled consumer, so the Broker owns whatever
// long-lived state the backend needs (the embedded server, the NATS
// connection, one SQS client per queue URL).
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.routeflow.tech/internal/queue"
	natsqueue "go.routeflow.tech/internal/queue/nats"
	sqsqueue "go.routeflow.tech/internal/queue/sqs"
	stompqueue "go.routeflow.tech/internal/queue/stomp"
	"go.routeflow.tech/internal/router/configsource"
)

// Broker hands out consumers and publishers for one backend type.
type Broker struct {
	queueType queue.QueueType
	cfg       *queue.Config

	embedded   *natsqueue.EmbeddedServer
	natsClient *natsqueue.Client

	mu         sync.Mutex
	sqsClients map[string]*sqsqueue.Client
}

// Connect initializes the configured backend. The embedded broker starts
// its server here; NATS dials here; SQS and ActiveMQ defer connections to
// consumer construction.
func Connect(ctx context.Context, cfg *queue.Config) (*Broker, error) {
	if cfg == nil {
		cfg = queue.DefaultConfig()
	}

	qt, err := queue.ParseQueueType(cfg.Type)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		queueType:  qt,
		cfg:        cfg,
		sqsClients: make(map[string]*sqsqueue.Client),
	}

	switch qt {
	case queue.TypeEmbedded:
		embeddedCfg := natsqueue.DefaultEmbeddedConfig()
		if cfg.DataDir != "" {
			embeddedCfg.DataDir = cfg.DataDir
		}
		if cfg.NATS.StreamName != "" {
			embeddedCfg.StreamName = cfg.NATS.StreamName
		}
		if len(cfg.NATS.Subjects) > 0 {
			embeddedCfg.Subjects = cfg.NATS.Subjects
		}
		if cfg.NATS.ConsumerName != "" {
			embeddedCfg.ConsumerName = cfg.NATS.ConsumerName
		}
		if cfg.NATS.AckWait > 0 {
			embeddedCfg.AckWait = cfg.NATS.AckWait
		}
		if cfg.NATS.Pollers > 0 {
			embeddedCfg.Pollers = cfg.NATS.Pollers
		}

		embedded, err := natsqueue.NewEmbeddedServer(embeddedCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded broker: %w", err)
		}
		b.embedded = embedded

	case queue.TypeNATS:
		client, err := natsqueue.NewClient(&cfg.NATS)
		if err != nil {
			return nil, err
		}
		b.natsClient = client
	}

	return b, nil
}

// Type returns the backend type.
func (b *Broker) Type() queue.QueueType {
	return b.queueType
}

// IsEmbedded reports whether messages come from the in-process broker,
// which changes the default pool for unlabelled messages.
func (b *Broker) IsEmbedded() bool {
	return b.queueType == queue.TypeEmbedded
}

// Consumer builds a consumer for one configured queue entry. Safe for
// concurrent use.
func (b *Broker) Consumer(ctx context.Context, entry configsource.QueueEntry) (queue.Consumer, error) {
	id := entry.Identifier()
	if id == "" {
		return nil, fmt.Errorf("queue entry has neither queueUri nor queueName")
	}

	switch b.queueType {
	case queue.TypeEmbedded:
		return b.embedded.NewConsumer(ctx, durableName(id), subjectFor(id))

	case queue.TypeNATS:
		return b.natsClient.NewConsumer(ctx, durableName(id), subjectFor(id))

	case queue.TypeSQS:
		client, err := b.sqsClient(ctx, entry)
		if err != nil {
			return nil, err
		}
		return client.NewConsumer(id), nil

	case queue.TypeActiveMQ:
		stompCfg := b.cfg.STOMP
		stompCfg.Queue = id
		if entry.Connections > 0 {
			stompCfg.Pollers = entry.Connections
		}
		return stompqueue.NewConsumer(id, &stompCfg), nil
	}

	return nil, fmt.Errorf("unsupported queue type: %s", b.queueType)
}

// sqsClient returns the client for a queue URL, creating it on first use.
func (b *Broker) sqsClient(ctx context.Context, entry configsource.QueueEntry) (*sqsqueue.Client, error) {
	id := entry.Identifier()

	b.mu.Lock()
	defer b.mu.Unlock()

	if client, ok := b.sqsClients[id]; ok {
		return client, nil
	}

	sqsCfg := b.cfg.SQS
	sqsCfg.QueueURL = id
	if entry.Connections > 0 {
		sqsCfg.Pollers = entry.Connections
	}

	client, err := sqsqueue.NewClient(ctx, &sqsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS client for %s: %w", id, err)
	}
	b.sqsClients[id] = client
	return client, nil
}

// Publisher returns a publisher for the backend. Only the embedded and
// NATS backends accept publishes from this process; SQS and ActiveMQ
// queues are fed by external producers.
func (b *Broker) Publisher() (queue.Publisher, error) {
	switch b.queueType {
	case queue.TypeEmbedded:
		return b.embedded.Publisher(), nil
	case queue.TypeNATS:
		return b.natsClient.Publisher(), nil
	case queue.TypeActiveMQ:
		return stompqueue.NewPublisher(&b.cfg.STOMP), nil
	case queue.TypeSQS:
		if b.cfg.SQS.QueueURL == "" {
			return nil, fmt.Errorf("SQS publisher requires a queue URL")
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if client, ok := b.sqsClients[b.cfg.SQS.QueueURL]; ok {
			return client.Publisher(), nil
		}
		client, err := sqsqueue.NewClient(context.Background(), &b.cfg.SQS)
		if err != nil {
			return nil, err
		}
		b.sqsClients[b.cfg.SQS.QueueURL] = client
		return client.Publisher(), nil
	}
	return nil, fmt.Errorf("unsupported queue type: %s", b.queueType)
}

// CheckConnectivity verifies the backend is reachable.
func (b *Broker) CheckConnectivity(ctx context.Context) error {
	switch b.queueType {
	case queue.TypeEmbedded:
		return b.embedded.CheckConnectivity(ctx)
	case queue.TypeNATS:
		return b.natsClient.CheckConnectivity(ctx)
	case queue.TypeActiveMQ:
		return stompqueue.CheckConnectivity(ctx, &b.cfg.STOMP)
	case queue.TypeSQS:
		b.mu.Lock()
		clients := make([]*sqsqueue.Client, 0, len(b.sqsClients))
		for _, c := range b.sqsClients {
			clients = append(clients, c)
		}
		b.mu.Unlock()

		for _, c := range clients {
			if err := c.HealthCheck(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported queue type: %s", b.queueType)
}

// CheckQueueAccessible verifies one queue is reachable on the backend.
func (b *Broker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	switch b.queueType {
	case queue.TypeEmbedded:
		return b.embedded.CheckQueueAccessible(ctx)
	case queue.TypeNATS:
		return b.natsClient.CheckQueueAccessible(ctx)
	case queue.TypeSQS:
		b.mu.Lock()
		client, ok := b.sqsClients[queueName]
		b.mu.Unlock()
		if !ok {
			return fmt.Errorf("no SQS client for queue %s", queueName)
		}
		return client.HealthCheck(ctx)
	case queue.TypeActiveMQ:
		return stompqueue.CheckConnectivity(ctx, &b.cfg.STOMP)
	}
	return fmt.Errorf("unsupported queue type: %s", b.queueType)
}

// Embedded exposes the embedded server, nil for other backends.
func (b *Broker) Embedded() *natsqueue.EmbeddedServer {
	return b.embedded
}

// Close releases backend resources.
func (b *Broker) Close() error {
	if b.embedded != nil {
		return b.embedded.Close()
	}
	if b.natsClient != nil {
		return b.natsClient.Close()
	}
	return nil
}

// durableName converts a queue identifier into a valid JetStream durable
// consumer name; dots and wildcards are not allowed there.
func durableName(id string) string {
	r := strings.NewReplacer(".", "-", "*", "-", ">", "-", "/", "-", " ", "-")
	return "router-" + r.Replace(id)
}

// subjectFor maps a configured queue name onto a stream subject. Names
// already carrying a token separator are used as-is.
func subjectFor(id string) string {
	if strings.Contains(id, ".") {
		return id
	}
	return "dispatch." + id
}
