// Package nats implements the queue contracts on NATS JetStream, both
// against an external server and the embedded one.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.routeflow.tech/internal/common/metrics"
	"go.routeflow.tech/internal/queue"
)

const (
	// fetchBatchSize is how many messages one poll requests.
	fetchBatchSize = 10

	// fetchMaxWait bounds how long a poll blocks when the stream is empty.
	fetchMaxWait = 5 * time.Second

	// starvationThreshold is how long a single poll may take before the
	// consumer logs a warning.
	starvationThreshold = 30 * time.Second

	// healthyPollWindow is how recent the last poll must be for the
	// consumer to report healthy.
	healthyPollWindow = 60 * time.Second

	metricsPollInterval = time.Minute
)

// Headers carrying routing hints on published messages.
const (
	headerMsgGroup = "Nats-Msg-Group"
	headerMsgID    = "Nats-Msg-Id"
)

// Client wraps a NATS connection and hands out publishers and consumers
// for one JetStream stream.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  *queue.NATSConfig
}

// NewClient connects to an external NATS server. The connection retries
// forever; brief broker outages surface as slow polls, not errors.
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	applyDefaults(cfg)

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js, cfg: cfg}, nil
}

func applyDefaults(cfg *queue.NATSConfig) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "DISPATCH"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "router"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.Pollers <= 0 {
		cfg.Pollers = 1
	}
}

// Publisher returns a publisher bound to this connection.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{js: c.js, stream: c.cfg.StreamName}
}

// NewConsumer creates or updates a durable JetStream consumer and wraps it
// in the uniform consumer contract. An empty filterSubject consumes the
// whole stream.
func (c *Client) NewConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	return newDurableConsumer(ctx, c.js, name, filterSubject, c.cfg)
}

// CheckConnectivity reports whether the NATS connection is up.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	if c.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS connection is %s", c.conn.Status())
	}
	return nil
}

// CheckQueueAccessible verifies the stream backing the queue exists.
func (c *Client) CheckQueueAccessible(ctx context.Context) error {
	_, err := c.js.Stream(ctx, c.cfg.StreamName)
	return err
}

// JetStream exposes the JetStream context for stream administration.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains the NATS connection.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

func newDurableConsumer(ctx context.Context, js jetstream.JetStream, name, filterSubject string, cfg *queue.NATSConfig) (*Consumer, error) {
	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", cfg.StreamName, err)
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: cfg.MaxPending,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", name, err)
	}

	queueID := filterSubject
	if queueID == "" {
		queueID = cfg.StreamName
	}

	return &Consumer{
		consumer: consumer,
		name:     name,
		queueID:  queueID,
		pollers:  cfg.Pollers,
	}, nil
}

// Publisher publishes messages to a JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

// NewPublisher wraps a JetStream context for publishing.
func NewPublisher(js jetstream.JetStream, streamName string) *Publisher {
	return &Publisher{js: js, stream: streamName}
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithGroup tags the message with an ordering group header.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set(headerMsgGroup, messageGroup)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message with group: %w", err)
	}
	return nil
}

// PublishWithDeduplication sets the Nats-Msg-Id header; JetStream drops
// reinsertions within the stream's duplicate window.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	msg.Header.Set(headerMsgID, deduplicationID)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message with deduplication: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// Consumer pulls batches from a durable JetStream consumer with one or
// more pollers and delivers them to a handler.
type Consumer struct {
	consumer jetstream.Consumer
	name     string
	queueID  string
	pollers  int

	handler queue.BatchHandler

	running      atomic.Bool
	lastPollUnix atomic.Int64

	pending    atomic.Int64
	ackPending atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// Start launches the pollers and the metrics updater. Idempotent.
func (c *Consumer) Start(handler queue.BatchHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return nil
	}
	c.handler = handler
	c.running.Store(true)
	c.stopCh = make(chan struct{})

	slog.Info("Starting NATS consumer",
		"consumer", c.name,
		"queue", c.queueID,
		"pollers", c.pollers)

	for i := 0; i < c.pollers; i++ {
		c.wg.Add(1)
		go c.pollLoop(i)
	}

	c.wg.Add(1)
	go c.metricsLoop()

	return nil
}

// Stop signals the pollers to exit and waits for them.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	slog.Info("NATS consumer stopped", "consumer", c.name)
	return nil
}

// Health reports poll liveness.
func (c *Consumer) Health() queue.ConsumerHealth {
	running := c.running.Load()
	last := c.lastPollUnix.Load()

	h := queue.ConsumerHealth{Running: running}
	if last > 0 {
		h.LastPollTime = time.UnixMilli(last)
		h.TimeSinceLastPoll = time.Since(h.LastPollTime)
	}
	h.Healthy = running && (last == 0 || h.TimeSinceLastPoll < healthyPollWindow)
	return h
}

// Metrics returns the most recently fetched consumer depth figures:
// undelivered messages as pending, delivered-but-unacked as not visible.
func (c *Consumer) Metrics(ctx context.Context) (queue.QueueMetrics, error) {
	return queue.QueueMetrics{
		QueueName:          c.queueID,
		PendingMessages:    c.pending.Load(),
		MessagesNotVisible: c.ackPending.Load(),
	}, nil
}

// QueueID identifies the source queue for pipeline tracking.
func (c *Consumer) QueueID() string {
	return c.queueID
}

func (c *Consumer) pollLoop(id int) {
	defer c.wg.Done()

	for c.running.Load() {
		start := time.Now()
		batchSize, err := c.pollOnce()
		if elapsed := time.Since(start); elapsed > starvationThreshold {
			slog.Warn("NATS poll iteration took unusually long",
				"consumer", c.name, "poller", id, "elapsed", elapsed)
		}

		if err != nil {
			if !c.running.Load() {
				return
			}
			slog.Error("Error fetching NATS messages", "error", err, "consumer", c.name, "poller", id)
			c.sleep(time.Second)
			continue
		}

		// Adaptive pacing: Fetch already blocked up to fetchMaxWait on an
		// empty stream, so only the brief partial-batch pause applies.
		switch {
		case batchSize == 0:
			c.sleep(time.Second)
		case batchSize < fetchBatchSize:
			c.sleep(50 * time.Millisecond)
		}
	}
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}

func (c *Consumer) pollOnce() (int, error) {
	c.lastPollUnix.Store(time.Now().UnixMilli())

	fetched, err := c.consumer.Fetch(fetchBatchSize, jetstream.FetchMaxWait(fetchMaxWait))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var batch []queue.Message
	for msg := range fetched.Messages() {
		batch = append(batch, &NATSMessage{msg: msg})
	}
	if err := fetched.Error(); err != nil {
		// Partial batches are still delivered; surface the error after.
		slog.Warn("NATS fetch ended with error", "error", err, "consumer", c.name)
	}

	if len(batch) == 0 {
		return 0, nil
	}

	if err := c.handler(batch); err != nil {
		slog.Error("Batch handler failed - nacking batch", "error", err, "consumer", c.name)
		for _, m := range batch {
			if nakErr := m.Nak(); nakErr != nil {
				slog.Warn("Failed to nack message after handler error",
					"error", nakErr, "messageId", m.ID())
			}
		}
	}

	return len(batch), nil
}

func (c *Consumer) metricsLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	c.updateQueueMetrics()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.updateQueueMetrics()
		}
	}
}

func (c *Consumer) updateQueueMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := c.consumer.Info(ctx)
	if err != nil {
		slog.Warn("Failed to fetch NATS consumer info", "error", err, "consumer", c.name)
		return
	}

	c.pending.Store(int64(info.NumPending))
	c.ackPending.Store(int64(info.NumAckPending))
	metrics.QueueDepthGauge.WithLabelValues(c.queueID).Set(float64(info.NumPending))
}

// NATSMessage adapts one received JetStream message to the queue contract.
type NATSMessage struct {
	msg jetstream.Msg
}

// ID prefers the publisher-assigned Nats-Msg-Id and falls back to the
// stream sequence, which changes on requeue but not on redelivery.
func (m *NATSMessage) ID() string {
	if id := m.msg.Headers().Get(headerMsgID); id != "" {
		return id
	}
	meta, err := m.msg.Metadata()
	if err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *NATSMessage) Data() []byte {
	return m.msg.Data()
}

func (m *NATSMessage) Subject() string {
	return m.msg.Subject()
}

func (m *NATSMessage) MessageGroup() string {
	return m.msg.Headers().Get(headerMsgGroup)
}

// ReceiveCount reports JetStream's delivery counter, starting at 1.
func (m *NATSMessage) ReceiveCount() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(meta.NumDelivered)
}

func (m *NATSMessage) Ack() error {
	return m.msg.Ack()
}

func (m *NATSMessage) Nak() error {
	return m.msg.Nak()
}

func (m *NATSMessage) NakWithDelay(delay time.Duration) error {
	clamped := time.Duration(queue.ClampVisibility(int64(delay.Seconds()))) * time.Second
	return m.msg.NakWithDelay(clamped)
}

// InProgress resets the ack wait timer, extending the processing window.
func (m *NATSMessage) InProgress() error {
	return m.msg.InProgress()
}

func (m *NATSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
