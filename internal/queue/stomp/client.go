// Package stomp implements the queue contracts on ActiveMQ over STOMP.
//
// Each poller owns its own connection and subscription because STOMP acks
// are only valid on the connection that delivered the frame. Lost
// connections are rebuilt with a fixed backoff; the broker redelivers
// whatever was unacked.
package stomp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"go.routeflow.tech/internal/queue"
)

const (
	// maxBatch is how many frames one poll may hand to the handler.
	maxBatch = 10

	// pollWait bounds how long a poll blocks waiting for the first frame.
	pollWait = time.Second

	// reconnectDelay between connection attempts.
	reconnectDelay = time.Second

	// starvationThreshold is how long a single poll may take before the
	// consumer logs a warning.
	starvationThreshold = 30 * time.Second

	// healthyPollWindow is how recent the last poll must be for the
	// consumer to report healthy.
	healthyPollWindow = 60 * time.Second
)

// ActiveMQ maps these STOMP headers onto JMS message properties.
const (
	headerMessageID     = "message-id"
	headerGroupID       = "JMSXGroupID"
	headerDeliveryCount = "JMSXDeliveryCount"
)

// NewConsumer builds a consumer for one ActiveMQ queue. Connections are
// established lazily by the pollers so a down broker delays consumption
// instead of failing startup.
func NewConsumer(name string, cfg *queue.STOMPConfig) *Consumer {
	applyDefaults(cfg)
	return &Consumer{
		name: name,
		cfg:  cfg,
	}
}

func applyDefaults(cfg *queue.STOMPConfig) {
	if cfg.BrokerAddr == "" {
		cfg.BrokerAddr = "localhost:61613"
	}
	if cfg.Pollers <= 0 {
		cfg.Pollers = 1
	}
	if cfg.HeartbeatSend <= 0 {
		cfg.HeartbeatSend = 10 * time.Second
	}
	if cfg.HeartbeatRecv <= 0 {
		cfg.HeartbeatRecv = 10 * time.Second
	}
}

// destination converts a queue name to a STOMP destination.
func destination(name string) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	return "/queue/" + name
}

// dial opens a STOMP connection with the configured credentials and
// heartbeats.
func dial(cfg *queue.STOMPConfig) (*stomp.Conn, error) {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V12),
		stomp.ConnOpt.HeartBeat(cfg.HeartbeatSend, cfg.HeartbeatRecv),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}

	conn, err := stomp.Dial("tcp", cfg.BrokerAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ at %s: %w", cfg.BrokerAddr, err)
	}
	return conn, nil
}

// CheckConnectivity dials the broker and disconnects, verifying the STOMP
// listener is reachable.
func CheckConnectivity(ctx context.Context, cfg *queue.STOMPConfig) error {
	conn, err := dial(cfg)
	if err != nil {
		return err
	}
	return conn.Disconnect()
}

// Publisher publishes messages to ActiveMQ queues.
type Publisher struct {
	cfg *queue.STOMPConfig

	mu   sync.Mutex
	conn *stomp.Conn
}

// NewPublisher creates a publisher. The connection is established on
// first use and rebuilt after send failures.
func NewPublisher(cfg *queue.STOMPConfig) *Publisher {
	applyDefaults(cfg)
	return &Publisher{cfg: cfg}
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(subject, data)
}

// PublishWithGroup tags the message with the JMSXGroupID header, which
// ActiveMQ uses for exclusive group routing.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(subject, data, stomp.SendOpt.Header(headerGroupID, messageGroup))
}

// PublishWithDeduplication is best effort: ActiveMQ has no broker-side
// dedup window over STOMP, so the ID travels as a header for receivers.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(subject, data, stomp.SendOpt.Header("deduplication-id", deduplicationID))
}

func (p *Publisher) send(subject string, data []byte, opts ...func(*frame.Frame) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := dial(p.cfg)
		if err != nil {
			return err
		}
		p.conn = conn
	}

	if err := p.conn.Send(destination(subject), "application/json", data, opts...); err != nil {
		// Drop the connection; the next send re-dials.
		p.conn.Disconnect()
		p.conn = nil
		return fmt.Errorf("failed to send STOMP message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		err := p.conn.Disconnect()
		p.conn = nil
		return err
	}
	return nil
}

// Consumer subscribes to an ActiveMQ queue in client-individual ack mode
// and delivers frame batches to a handler.
type Consumer struct {
	name string
	cfg  *queue.STOMPConfig

	handler queue.BatchHandler

	running      atomic.Bool
	lastPollUnix atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// Start launches the pollers. Idempotent.
func (c *Consumer) Start(handler queue.BatchHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return nil
	}
	c.handler = handler
	c.running.Store(true)
	c.stopCh = make(chan struct{})

	slog.Info("Starting ActiveMQ consumer",
		"consumer", c.name,
		"broker", c.cfg.BrokerAddr,
		"queue", c.cfg.Queue,
		"pollers", c.cfg.Pollers)

	for i := 0; i < c.cfg.Pollers; i++ {
		c.wg.Add(1)
		go c.pollLoop(i)
	}

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
	slog.Info("ActiveMQ consumer stopped", "consumer", c.name)
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

// Metrics returns queue identity only; ActiveMQ does not report depth
// over STOMP.
func (c *Consumer) Metrics(ctx context.Context) (queue.QueueMetrics, error) {
	return queue.QueueMetrics{QueueName: c.cfg.Queue}, nil
}

// QueueID identifies the source queue for pipeline tracking.
func (c *Consumer) QueueID() string {
	return c.cfg.Queue
}

// pollLoop maintains one connection and subscription, reconnecting with a
// fixed backoff until the consumer stops.
func (c *Consumer) pollLoop(id int) {
	defer c.wg.Done()

	for c.running.Load() {
		conn, sub, err := c.subscribe()
		if err != nil {
			slog.Error("Failed to connect to ActiveMQ", "error", err,
				"consumer", c.name, "poller", id)
			c.sleep(reconnectDelay)
			continue
		}

		slog.Info("ActiveMQ subscription established",
			"consumer", c.name, "poller", id, "queue", c.cfg.Queue)

		c.consume(conn, sub, id)

		if sub.Active() {
			sub.Unsubscribe()
		}
		conn.Disconnect()

		if c.running.Load() {
			c.sleep(reconnectDelay)
		}
	}
}

func (c *Consumer) subscribe() (*stomp.Conn, *stomp.Subscription, error) {
	conn, err := dial(c.cfg)
	if err != nil {
		return nil, nil, err
	}

	sub, err := conn.Subscribe(destination(c.cfg.Queue), stomp.AckClientIndividual)
	if err != nil {
		conn.Disconnect()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Queue, err)
	}

	return conn, sub, nil
}

// consume polls the subscription until it breaks or the consumer stops.
func (c *Consumer) consume(conn *stomp.Conn, sub *stomp.Subscription, id int) {
	for c.running.Load() {
		start := time.Now()
		batch, err := c.collectBatch(sub)
		c.lastPollUnix.Store(time.Now().UnixMilli())

		if elapsed := time.Since(start); elapsed > starvationThreshold {
			slog.Warn("ActiveMQ poll iteration took unusually long",
				"consumer", c.name, "poller", id, "elapsed", elapsed)
		}

		if err != nil {
			if !c.running.Load() {
				return
			}
			slog.Error("ActiveMQ subscription broken - reconnecting",
				"error", err, "consumer", c.name, "poller", id)
			return
		}

		if len(batch) == 0 {
			continue
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

		// A partial batch lets a few more frames accumulate before the
		// next poll; a full batch polls again immediately.
		if len(batch) < maxBatch {
			c.sleep(50 * time.Millisecond)
		}
	}
}

// collectBatch blocks up to pollWait for one frame, then drains whatever
// else is already buffered, up to maxBatch.
func (c *Consumer) collectBatch(sub *stomp.Subscription) ([]queue.Message, error) {
	var batch []queue.Message

	select {
	case <-c.stopCh:
		return nil, nil
	case msg, ok := <-sub.C:
		if !ok {
			return nil, fmt.Errorf("subscription channel closed")
		}
		if msg.Err != nil {
			return nil, msg.Err
		}
		batch = append(batch, newSTOMPMessage(msg))
	case <-time.After(pollWait):
		return nil, nil
	}

	for len(batch) < maxBatch {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return batch, fmt.Errorf("subscription channel closed")
			}
			if msg.Err != nil {
				return batch, msg.Err
			}
			batch = append(batch, newSTOMPMessage(msg))
		default:
			return batch, nil
		}
	}

	return batch, nil
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	}
}

// STOMPMessage adapts one received STOMP frame to the queue contract.
type STOMPMessage struct {
	msg *stomp.Message
}

func newSTOMPMessage(msg *stomp.Message) *STOMPMessage {
	return &STOMPMessage{msg: msg}
}

func (m *STOMPMessage) ID() string {
	if m.msg.Header == nil {
		return ""
	}
	return m.msg.Header.Get(headerMessageID)
}

func (m *STOMPMessage) Data() []byte {
	return m.msg.Body
}

func (m *STOMPMessage) Subject() string {
	return m.msg.Destination
}

func (m *STOMPMessage) MessageGroup() string {
	if m.msg.Header == nil {
		return ""
	}
	return m.msg.Header.Get(headerGroupID)
}

// ReceiveCount reads the JMSXDeliveryCount header, 0 if absent.
func (m *STOMPMessage) ReceiveCount() int {
	if m.msg.Header == nil {
		return 0
	}
	if v := m.msg.Header.Get(headerDeliveryCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func (m *STOMPMessage) Ack() error {
	return m.msg.Conn.Ack(m.msg)
}

func (m *STOMPMessage) Nak() error {
	return m.msg.Conn.Nack(m.msg)
}

// NakWithDelay nacks the frame; the redelivery delay is governed by the
// broker's redelivery policy, not the client.
func (m *STOMPMessage) NakWithDelay(delay time.Duration) error {
	slog.Debug("STOMP nack - redelivery delay is broker-governed",
		"requestedDelay", delay, "messageId", m.ID())
	return m.msg.Conn.Nack(m.msg)
}

// InProgress is a no-op: STOMP has no processing deadline to extend.
func (m *STOMPMessage) InProgress() error {
	return nil
}

func (m *STOMPMessage) Metadata() map[string]string {
	result := make(map[string]string)
	if m.msg.Header == nil {
		return result
	}
	for i := 0; i < m.msg.Header.Len(); i++ {
		k, v := m.msg.Header.GetAt(i)
		result[k] = v
	}
	return result
}
