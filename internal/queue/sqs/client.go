// Package sqs implements the queue contracts on AWS SQS.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.routeflow.tech/internal/common/metrics"
	"go.routeflow.tech/internal/queue"
)

// SQSClientAPI is the subset of the SQS client the package uses, extracted
// so tests can substitute a fake.
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

const (
	// starvationThreshold is how long a single poll may take before the
	// consumer logs a warning.
	starvationThreshold = 30 * time.Second

	// healthyPollWindow is how recent the last poll must be for the
	// consumer to report healthy.
	healthyPollWindow = 60 * time.Second
)

// Client owns the SQS connection and hands out publishers and consumers
// for one queue URL.
type Client struct {
	api SQSClientAPI
	cfg *queue.SQSConfig
}

// NewClient creates an SQS client. When cfg.Endpoint is set the client
// targets that endpoint with static credentials (LocalStack); otherwise
// the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	applyDefaults(cfg)

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Client{api: api, cfg: cfg}, nil
}

// NewClientWithAPI wires a pre-built SQS API, used by tests.
func NewClientWithAPI(api SQSClientAPI, cfg *queue.SQSConfig) *Client {
	applyDefaults(cfg)
	return &Client{api: api, cfg: cfg}
}

func applyDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
	if cfg.Pollers <= 0 {
		cfg.Pollers = 1
	}
	if cfg.MetricsPollInterval <= 0 {
		cfg.MetricsPollInterval = time.Minute
	}
}

// Publisher returns a publisher for the configured queue.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{api: c.api, queueURL: c.cfg.QueueURL}
}

// NewConsumer builds a consumer over this client's queue. The name is
// used for logging and pipeline tracking.
func (c *Client) NewConsumer(name string) *Consumer {
	return &Consumer{
		api:            c.api,
		queueURL:       c.cfg.QueueURL,
		name:           name,
		cfg:            c.cfg,
		pendingDeletes: make(map[string]struct{}),
		stopCh:         make(chan struct{}),
	}
}

// API exposes the underlying client for health checks.
func (c *Client) API() SQSClientAPI {
	return c.api
}

// HealthCheck verifies the queue is accessible.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Publisher publishes messages to SQS.
type Publisher struct {
	api      SQSClientAPI
	queueURL string
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(ctx, subject, data, "", "")
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(ctx, subject, data, messageGroup, "")
}

// PublishWithDeduplication targets FIFO queues, which require a message
// group on every send. Without an explicit group the deduplication ID
// doubles as the group so unrelated messages stay parallel.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.send(ctx, subject, data, deduplicationID, deduplicationID)
}

func (p *Publisher) send(ctx context.Context, subject string, data []byte, group, dedupID string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Subject": {
				DataType:    aws.String("String"),
				StringValue: aws.String(subject),
			},
		},
	}
	if group != "" {
		input.MessageGroupId = aws.String(group)
	}
	if dedupID != "" {
		input.MessageDeduplicationId = aws.String(dedupID)
	}

	if _, err := p.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// Consumer long-polls an SQS queue with one or more pollers and delivers
// message batches to a handler.
type Consumer struct {
	api      SQSClientAPI
	queueURL string
	name     string
	cfg      *queue.SQSConfig

	// Messages that were processed but whose delete failed on an expired
	// receipt handle. The next observation of the same SQS message ID
	// deletes it instead of redelivering.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	handler queue.BatchHandler

	running      atomic.Bool
	lastPollUnix atomic.Int64

	depth      atomic.Int64
	notVisible atomic.Int64

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

	slog.Info("Starting SQS consumer",
		"consumer", c.name,
		"queueURL", c.queueURL,
		"pollers", c.cfg.Pollers,
		"maxMessages", c.cfg.MaxNumberOfMessages,
		"waitTime", c.cfg.WaitTimeSeconds)

	for i := 0; i < c.cfg.Pollers; i++ {
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
	slog.Info("SQS consumer stopped", "consumer", c.name)
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

// Metrics returns the most recently fetched queue depth figures.
func (c *Consumer) Metrics(ctx context.Context) (queue.QueueMetrics, error) {
	return queue.QueueMetrics{
		QueueName:          c.queueURL,
		PendingMessages:    c.depth.Load(),
		MessagesNotVisible: c.notVisible.Load(),
	}, nil
}

// QueueID identifies the source queue for pipeline tracking.
func (c *Consumer) QueueID() string {
	return c.queueURL
}

func (c *Consumer) pollLoop(id int) {
	defer c.wg.Done()

	for c.running.Load() {
		start := time.Now()
		batchSize, err := c.pollOnce()
		if elapsed := time.Since(start); elapsed > starvationThreshold {
			slog.Warn("SQS poll iteration took unusually long",
				"consumer", c.name, "poller", id, "elapsed", elapsed)
		}

		if err != nil {
			if !c.running.Load() {
				return
			}
			slog.Error("Error polling SQS messages", "error", err, "consumer", c.name, "poller", id)
			c.sleep(time.Second)
			continue
		}

		// Adaptive pacing: an empty queue backs off a full second, a
		// partial batch briefly lets messages accumulate, a full batch
		// polls again immediately.
		switch {
		case batchSize == 0:
			c.sleep(time.Second)
		case batchSize < int(c.cfg.MaxNumberOfMessages):
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

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(c.cfg.WaitTimeSeconds+10)*time.Second)
	defer cancel()

	result, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.cfg.MaxNumberOfMessages,
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     c.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	batch := make([]queue.Message, 0, len(result.Messages))
	for i := range result.Messages {
		msg := &result.Messages[i]
		sqsMessageID := aws.ToString(msg.MessageId)

		if c.isPendingDelete(sqsMessageID) {
			// Already processed on a previous delivery; the fresh
			// receipt handle lets the delete land this time.
			slog.Info("Deleting previously processed SQS message", "sqsMessageId", sqsMessageID)
			if err := c.deleteMessage(ctx, msg.ReceiptHandle); err != nil {
				slog.Warn("Failed to delete previously processed message",
					"error", err, "sqsMessageId", sqsMessageID)
			} else {
				c.clearPendingDelete(sqsMessageID)
			}
			continue
		}

		batch = append(batch, &SQSMessage{
			msg:               msg,
			api:               c.api,
			queueURL:          c.queueURL,
			sqsMessageID:      sqsMessageID,
			receiptHandle:     aws.ToString(msg.ReceiptHandle),
			visibilityTimeout: c.cfg.VisibilityTimeout,
			consumer:          c,
		})
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

func (c *Consumer) isPendingDelete(sqsMessageID string) bool {
	c.pendingDeletesMu.RLock()
	defer c.pendingDeletesMu.RUnlock()
	_, ok := c.pendingDeletes[sqsMessageID]
	return ok
}

func (c *Consumer) clearPendingDelete(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	delete(c.pendingDeletes, sqsMessageID)
	c.pendingDeletesMu.Unlock()
}

// markForDeletion records a message whose ack failed on an expired
// receipt handle so the next poll deletes it.
func (c *Consumer) markForDeletion(sqsMessageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "sqsMessageId", sqsMessageID)
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (c *Consumer) metricsLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.MetricsPollInterval)
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

	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		slog.Warn("Failed to fetch SQS queue attributes", "error", err, "consumer", c.name)
		return
	}

	if v, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.depth.Store(n)
			metrics.QueueDepthGauge.WithLabelValues(c.queueURL).Set(float64(n))
		}
	}
	if v, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.notVisible.Store(n)
		}
	}
}

// SQSMessage adapts one received SQS message to the queue contract.
type SQSMessage struct {
	msg               *types.Message
	api               SQSClientAPI
	queueURL          string
	sqsMessageID      string
	visibilityTimeout int32
	consumer          *Consumer

	// receiptHandle may be replaced when the router observes a
	// redelivery of a message that is still in flight.
	receiptHandle string
	handleMu      sync.Mutex
}

func (m *SQSMessage) ID() string {
	return m.sqsMessageID
}

func (m *SQSMessage) Data() []byte {
	if m.msg.Body != nil {
		return []byte(*m.msg.Body)
	}
	return nil
}

func (m *SQSMessage) Subject() string {
	if attr, ok := m.msg.MessageAttributes["Subject"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

func (m *SQSMessage) MessageGroup() string {
	if group, ok := m.msg.Attributes["MessageGroupId"]; ok {
		return group
	}
	return ""
}

// ReceiveCount reads the ApproximateReceiveCount attribute, 0 if absent.
func (m *SQSMessage) ReceiveCount() int {
	if v, ok := m.msg.Attributes["ApproximateReceiveCount"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// Ack deletes the message. An expired receipt handle is not fatal: the
// message ID is parked in the pending-delete set and removed on its next
// delivery.
func (m *SQSMessage) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.GetReceiptHandle()),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			m.consumer.markForDeletion(m.sqsMessageID)
			slog.Info("Receipt handle expired - marked for deletion on next poll",
				"sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	slog.Debug("SQS message deleted", "sqsMessageId", m.sqsMessageID)
	return nil
}

// Nak is a no-op: the message becomes visible again when its visibility
// timeout lapses.
func (m *SQSMessage) Nak() error {
	slog.Debug("SQS nack - message redelivered after visibility timeout",
		"sqsMessageId", m.sqsMessageID)
	return nil
}

func (m *SQSMessage) NakWithDelay(delay time.Duration) error {
	return m.changeVisibility(queue.ClampVisibility(int64(delay.Seconds())))
}

// InProgress resets the visibility window to its configured value.
func (m *SQSMessage) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

// ExtendVisibility grants the message additional processing time.
func (m *SQSMessage) ExtendVisibility(seconds int32) error {
	return m.changeVisibility(queue.ClampVisibility(int64(seconds)))
}

func (m *SQSMessage) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.GetReceiptHandle()),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			slog.Debug("Receipt handle expired - cannot change visibility",
				"sqsMessageId", m.sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}

	slog.Debug("Changed message visibility", "sqsMessageId", m.sqsMessageID, "timeout", timeout)
	return nil
}

// UpdateReceiptHandle swaps in the handle from a newer delivery of the
// same message.
func (m *SQSMessage) UpdateReceiptHandle(newReceiptHandle string) {
	m.handleMu.Lock()
	m.receiptHandle = newReceiptHandle
	m.handleMu.Unlock()
	slog.Info("Updated receipt handle after redelivery", "sqsMessageId", m.sqsMessageID)
}

func (m *SQSMessage) GetReceiptHandle() string {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.receiptHandle
}

func (m *SQSMessage) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue != nil {
			result[k] = *v.StringValue
		}
	}
	return result
}

func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "ReceiptHandleIsInvalid") ||
		strings.Contains(s, "receipt handle has expired")
}
