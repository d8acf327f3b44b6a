package sqs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.routeflow.tech/internal/queue"
)

// MockSQSClient implements SQSClientAPI for testing
type MockSQSClient struct {
	receiveMessageFunc          func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteMessageFunc           func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	changeMessageVisibilityFunc func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	sendMessageFunc             func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	getQueueAttributesFunc      func(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)

	receiveMessageCalls          atomic.Int32
	deleteMessageCalls           atomic.Int32
	changeMessageVisibilityCalls atomic.Int32
	sendMessageCalls             atomic.Int32

	mu                    sync.Mutex
	deletedReceiptHandles []string
	visibilityChanges     []visibilityChange
}

type visibilityChange struct {
	receiptHandle string
	timeout       int32
}

func NewMockSQSClient() *MockSQSClient {
	return &MockSQSClient{
		deletedReceiptHandles: make([]string, 0),
		visibilityChanges:     make([]visibilityChange, 0),
	}
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveMessageCalls.Add(1)
	if m.receiveMessageFunc != nil {
		return m.receiveMessageFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{}}, nil
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleteMessageCalls.Add(1)
	m.mu.Lock()
	if params.ReceiptHandle != nil {
		m.deletedReceiptHandles = append(m.deletedReceiptHandles, *params.ReceiptHandle)
	}
	m.mu.Unlock()
	if m.deleteMessageFunc != nil {
		return m.deleteMessageFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.changeMessageVisibilityCalls.Add(1)
	m.mu.Lock()
	if params.ReceiptHandle != nil {
		m.visibilityChanges = append(m.visibilityChanges, visibilityChange{
			receiptHandle: *params.ReceiptHandle,
			timeout:       params.VisibilityTimeout,
		})
	}
	m.mu.Unlock()
	if m.changeMessageVisibilityFunc != nil {
		return m.changeMessageVisibilityFunc(ctx, params, optFns...)
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *MockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sendMessageCalls.Add(1)
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{
		MessageId: aws.String("mock-message-id"),
	}, nil
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.getQueueAttributesFunc != nil {
		return m.getQueueAttributesFunc(ctx, params, optFns...)
	}
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			"ApproximateNumberOfMessages": "0",
		},
	}, nil
}

func (m *MockSQSClient) GetDeletedReceiptHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.deletedReceiptHandles...)
}

func (m *MockSQSClient) GetVisibilityChanges() []visibilityChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]visibilityChange{}, m.visibilityChanges...)
}

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789/test-queue"

func newTestSQSConsumer(api SQSClientAPI) *Consumer {
	client := NewClientWithAPI(api, &queue.SQSConfig{
		QueueURL:        testQueueURL,
		Region:          "eu-west-1",
		WaitTimeSeconds: 1,
	})
	return client.NewConsumer("test-consumer")
}

func newTestSQSMessage(mockClient *MockSQSClient, consumer *Consumer, id, handle string) *SQSMessage {
	return &SQSMessage{
		msg: &types.Message{
			MessageId:     aws.String(id),
			Body:          aws.String(`{"test": true}`),
			ReceiptHandle: aws.String(handle),
		},
		api:               mockClient,
		queueURL:          testQueueURL,
		sqsMessageID:      id,
		receiptHandle:     handle,
		visibilityTimeout: 120,
		consumer:          consumer,
	}
}

// TestSQSMessageAck tests that Ack deletes the message from SQS
func TestSQSMessageAck(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	msg := newTestSQSMessage(mockClient, consumer, "test-msg-1", "receipt-handle-1")

	if err := msg.Ack(); err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}

	if mockClient.deleteMessageCalls.Load() != 1 {
		t.Errorf("Expected 1 delete call, got %d", mockClient.deleteMessageCalls.Load())
	}

	deleted := mockClient.GetDeletedReceiptHandles()
	if len(deleted) != 1 || deleted[0] != "receipt-handle-1" {
		t.Errorf("Expected receipt-handle-1 to be deleted, got %v", deleted)
	}
}

// TestSQSMessageNak tests that Nak does NOT delete the message (relies on visibility timeout)
func TestSQSMessageNak(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	msg := newTestSQSMessage(mockClient, consumer, "test-msg-nack", "receipt-handle-nack")

	if err := msg.Nak(); err != nil {
		t.Fatalf("Nak returned error: %v", err)
	}

	if mockClient.deleteMessageCalls.Load() != 0 {
		t.Errorf("Expected 0 delete calls for nack, got %d", mockClient.deleteMessageCalls.Load())
	}
	if mockClient.changeMessageVisibilityCalls.Load() != 0 {
		t.Errorf("Expected 0 visibility calls for plain nack, got %d",
			mockClient.changeMessageVisibilityCalls.Load())
	}
}

// TestSQSMessageNakWithDelay tests nack with custom delay
func TestSQSMessageNakWithDelay(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	msg := newTestSQSMessage(mockClient, consumer, "test-msg-delay", "receipt-delay")

	if err := msg.NakWithDelay(60 * time.Second); err != nil {
		t.Fatalf("NakWithDelay returned error: %v", err)
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != 60 {
		t.Errorf("Expected visibility 60, got %d", changes[0].timeout)
	}
}

// TestSQSMessageNakWithDelayClamped tests that oversized delays are clamped
func TestSQSMessageNakWithDelayClamped(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	msg := newTestSQSMessage(mockClient, consumer, "test-msg-clamp", "receipt-clamp")

	if err := msg.NakWithDelay(13 * time.Hour); err != nil {
		t.Fatalf("NakWithDelay returned error: %v", err)
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != queue.MaxVisibilitySeconds {
		t.Errorf("Expected clamped visibility %d, got %d", queue.MaxVisibilitySeconds, changes[0].timeout)
	}
}

// TestSQSMessageInProgress tests resetting the visibility window
func TestSQSMessageInProgress(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	msg := newTestSQSMessage(mockClient, consumer, "test-msg-progress", "receipt-progress")

	if err := msg.InProgress(); err != nil {
		t.Fatalf("InProgress returned error: %v", err)
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != 120 {
		t.Errorf("Expected visibility 120, got %d", changes[0].timeout)
	}
}

// TestSQSMessageData tests retrieving message data
func TestSQSMessageData(t *testing.T) {
	msgBody := `{"messageId": "msg-123", "payload": {"a": 1}}`

	msg := &SQSMessage{
		msg: &types.Message{
			MessageId: aws.String("test-msg-data"),
			Body:      aws.String(msgBody),
		},
		sqsMessageID: "test-msg-data",
	}

	if string(msg.Data()) != msgBody {
		t.Errorf("Expected message body %s, got %s", msgBody, string(msg.Data()))
	}
}

// TestSQSMessageSubject tests retrieving message subject from attributes
func TestSQSMessageSubject(t *testing.T) {
	msg := &SQSMessage{
		msg: &types.Message{
			MessageId: aws.String("test-msg-subject"),
			Body:      aws.String(`{}`),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"Subject": {
					DataType:    aws.String("String"),
					StringValue: aws.String("router.messages"),
				},
			},
		},
		sqsMessageID: "test-msg-subject",
	}

	if msg.Subject() != "router.messages" {
		t.Errorf("Expected subject 'router.messages', got '%s'", msg.Subject())
	}
}

// TestSQSMessageMessageGroup tests reading the FIFO group attribute
func TestSQSMessageMessageGroup(t *testing.T) {
	msg := &SQSMessage{
		msg: &types.Message{
			MessageId: aws.String("test-msg-group"),
			Attributes: map[string]string{
				"MessageGroupId": "order-42",
			},
		},
		sqsMessageID: "test-msg-group",
	}

	if msg.MessageGroup() != "order-42" {
		t.Errorf("Expected group 'order-42', got '%s'", msg.MessageGroup())
	}

	noGroup := &SQSMessage{msg: &types.Message{MessageId: aws.String("x")}}
	if noGroup.MessageGroup() != "" {
		t.Errorf("Expected empty group, got '%s'", noGroup.MessageGroup())
	}
}

// TestSQSMessageReceiveCount tests reading the redelivery counter
func TestSQSMessageReceiveCount(t *testing.T) {
	msg := &SQSMessage{
		msg: &types.Message{
			MessageId: aws.String("test-msg-count"),
			Attributes: map[string]string{
				"ApproximateReceiveCount": "3",
			},
		},
	}

	if msg.ReceiveCount() != 3 {
		t.Errorf("Expected receive count 3, got %d", msg.ReceiveCount())
	}

	missing := &SQSMessage{msg: &types.Message{}}
	if missing.ReceiveCount() != 0 {
		t.Errorf("Expected 0 when attribute absent, got %d", missing.ReceiveCount())
	}
}

// TestSQSMessageMetadata tests retrieving all message attributes
func TestSQSMessageMetadata(t *testing.T) {
	msg := &SQSMessage{
		msg: &types.Message{
			MessageId: aws.String("test-msg-meta"),
			Body:      aws.String(`{}`),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"Subject": {
					DataType:    aws.String("String"),
					StringValue: aws.String("test.subject"),
				},
				"Priority": {
					DataType:    aws.String("String"),
					StringValue: aws.String("high"),
				},
			},
		},
		sqsMessageID: "test-msg-meta",
	}

	metadata := msg.Metadata()
	if len(metadata) != 2 {
		t.Errorf("Expected 2 metadata entries, got %d", len(metadata))
	}
	if metadata["Subject"] != "test.subject" {
		t.Errorf("Expected Subject 'test.subject', got '%s'", metadata["Subject"])
	}
	if metadata["Priority"] != "high" {
		t.Errorf("Expected Priority 'high', got '%s'", metadata["Priority"])
	}
}

// TestSQSMessageHandleExpiredReceiptHandle tests handling of expired receipt handles
func TestSQSMessageHandleExpiredReceiptHandle(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.deleteMessageFunc = func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
		return nil, errors.New("The receipt handle has expired")
	}

	consumer := newTestSQSConsumer(mockClient)
	msg := newTestSQSMessage(mockClient, consumer, "test-msg-expired", "expired-receipt")

	// Ack should not return an error for an expired receipt handle
	if err := msg.Ack(); err != nil {
		t.Fatalf("Ack should handle expired receipt gracefully, got error: %v", err)
	}

	if !consumer.isPendingDelete("test-msg-expired") {
		t.Error("Message should be marked for deletion on next poll")
	}
}

// TestConsumerDeletesPendingOnRedelivery tests that a redelivered message
// whose previous ack failed is deleted instead of handed to the handler
func TestConsumerDeletesPendingOnRedelivery(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.receiveMessageFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
		return &sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{
					MessageId:     aws.String("sqs-1"),
					Body:          aws.String(`{}`),
					ReceiptHandle: aws.String("fresh-receipt"),
				},
			},
		}, nil
	}

	consumer := newTestSQSConsumer(mockClient)
	consumer.markForDeletion("sqs-1")

	var handled atomic.Int32
	consumer.handler = func(batch []queue.Message) error {
		handled.Add(int32(len(batch)))
		return nil
	}
	consumer.running.Store(true)

	if _, err := consumer.pollOnce(); err != nil {
		t.Fatalf("pollOnce returned error: %v", err)
	}

	if handled.Load() != 0 {
		t.Error("Pending-delete message should not reach the handler")
	}
	if mockClient.deleteMessageCalls.Load() != 1 {
		t.Errorf("Expected 1 delete call, got %d", mockClient.deleteMessageCalls.Load())
	}
	if consumer.isPendingDelete("sqs-1") {
		t.Error("Pending delete entry should be cleared after the delete lands")
	}
}

// TestConsumerDeliversBatches tests the poll loop end to end with a mock API
func TestConsumerDeliversBatches(t *testing.T) {
	mockClient := NewMockSQSClient()

	var delivered atomic.Bool
	mockClient.receiveMessageFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
		if delivered.Swap(true) {
			return &sqs.ReceiveMessageOutput{}, nil
		}
		return &sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{
					MessageId:     aws.String("sqs-1"),
					Body:          aws.String(`{"id":"msg-1"}`),
					ReceiptHandle: aws.String("receipt-1"),
					Attributes:    map[string]string{"MessageGroupId": "g1"},
				},
				{
					MessageId:     aws.String("sqs-2"),
					Body:          aws.String(`{"id":"msg-2"}`),
					ReceiptHandle: aws.String("receipt-2"),
				},
			},
		}, nil
	}

	consumer := newTestSQSConsumer(mockClient)

	var batchSize atomic.Int32
	var firstID atomic.Value
	err := consumer.Start(func(batch []queue.Message) error {
		batchSize.Store(int32(len(batch)))
		if len(batch) > 0 {
			firstID.Store(batch[0].ID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if err := consumer.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	if batchSize.Load() != 2 {
		t.Errorf("Expected a 2-message batch, got %d", batchSize.Load())
	}
	if got, _ := firstID.Load().(string); got != "sqs-1" {
		t.Errorf("Expected broker message ID sqs-1, got %s", got)
	}

	h := consumer.Health()
	if h.Running {
		t.Error("Consumer should report stopped")
	}
	if h.LastPollTime.IsZero() {
		t.Error("Last poll time should be recorded")
	}
}

// TestConsumerStartIdempotent tests that a second Start is a no-op
func TestConsumerStartIdempotent(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestSQSConsumer(mockClient)

	handler := func(batch []queue.Message) error { return nil }
	if err := consumer.Start(handler); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := consumer.Start(handler); err != nil {
		t.Fatalf("Second Start returned error: %v", err)
	}
	defer consumer.Stop()

	if !consumer.Health().Running {
		t.Error("Consumer should be running")
	}
}

// TestConsumerMetrics tests depth reporting from queue attributes
func TestConsumerMetrics(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.getQueueAttributesFunc = func(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
		return &sqs.GetQueueAttributesOutput{
			Attributes: map[string]string{
				"ApproximateNumberOfMessages":           "42",
				"ApproximateNumberOfMessagesNotVisible": "7",
			},
		}, nil
	}

	consumer := newTestSQSConsumer(mockClient)
	consumer.updateQueueMetrics()

	m, err := consumer.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics returned error: %v", err)
	}
	if m.PendingMessages != 42 {
		t.Errorf("Expected 42 pending, got %d", m.PendingMessages)
	}
	if m.MessagesNotVisible != 7 {
		t.Errorf("Expected 7 not visible, got %d", m.MessagesNotVisible)
	}
	if m.QueueName != testQueueURL {
		t.Errorf("Expected queue name %s, got %s", testQueueURL, m.QueueName)
	}
}

// TestConsumerQueueID tests pipeline tracking identity
func TestConsumerQueueID(t *testing.T) {
	consumer := newTestSQSConsumer(NewMockSQSClient())
	if consumer.QueueID() != testQueueURL {
		t.Errorf("Expected queue URL as ID, got %s", consumer.QueueID())
	}
}

// TestPublisherPublish tests basic message publishing
func TestPublisherPublish(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.SendMessageInput

	mockClient.sendMessageFunc = func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
		capturedInput = params
		return &sqs.SendMessageOutput{MessageId: aws.String("published-msg-1")}, nil
	}

	publisher := &Publisher{api: mockClient, queueURL: testQueueURL}

	if err := publisher.Publish(context.Background(), "test.subject", []byte(`{"event": "test"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if mockClient.sendMessageCalls.Load() != 1 {
		t.Errorf("Expected 1 send call, got %d", mockClient.sendMessageCalls.Load())
	}
	if capturedInput == nil {
		t.Fatal("No input captured")
	}
	if aws.ToString(capturedInput.QueueUrl) != testQueueURL {
		t.Errorf("Queue URL mismatch")
	}
	if aws.ToString(capturedInput.MessageBody) != `{"event": "test"}` {
		t.Errorf("Message body mismatch")
	}
	if capturedInput.MessageAttributes["Subject"].StringValue == nil ||
		*capturedInput.MessageAttributes["Subject"].StringValue != "test.subject" {
		t.Errorf("Subject attribute not set correctly")
	}
}

// TestPublisherPublishWithGroup tests publishing with message group
func TestPublisherPublishWithGroup(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.SendMessageInput

	mockClient.sendMessageFunc = func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
		capturedInput = params
		return &sqs.SendMessageOutput{MessageId: aws.String("published-msg-2")}, nil
	}

	publisher := &Publisher{api: mockClient, queueURL: testQueueURL + ".fifo"}

	if err := publisher.PublishWithGroup(context.Background(), "test.subject", []byte(`{}`), "group-abc"); err != nil {
		t.Fatalf("PublishWithGroup failed: %v", err)
	}

	if capturedInput.MessageGroupId == nil || *capturedInput.MessageGroupId != "group-abc" {
		t.Errorf("MessageGroupId not set correctly")
	}
}

// TestPublisherPublishWithDeduplication tests publishing with deduplication ID
func TestPublisherPublishWithDeduplication(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.SendMessageInput

	mockClient.sendMessageFunc = func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
		capturedInput = params
		return &sqs.SendMessageOutput{MessageId: aws.String("published-msg-3")}, nil
	}

	publisher := &Publisher{api: mockClient, queueURL: testQueueURL + ".fifo"}

	if err := publisher.PublishWithDeduplication(context.Background(), "test.subject", []byte(`{}`), "dedup-123"); err != nil {
		t.Fatalf("PublishWithDeduplication failed: %v", err)
	}

	if capturedInput.MessageDeduplicationId == nil || *capturedInput.MessageDeduplicationId != "dedup-123" {
		t.Errorf("MessageDeduplicationId not set correctly")
	}
	if capturedInput.MessageGroupId == nil || *capturedInput.MessageGroupId != "dedup-123" {
		t.Errorf("MessageGroupId should default to the deduplication ID on FIFO queues")
	}
}

// TestSQSMessageUpdateReceiptHandle tests receipt handle update
func TestSQSMessageUpdateReceiptHandle(t *testing.T) {
	msg := &SQSMessage{
		sqsMessageID:  "test-msg",
		receiptHandle: "old-receipt-handle",
	}

	msg.UpdateReceiptHandle("new-receipt-handle")

	if msg.GetReceiptHandle() != "new-receipt-handle" {
		t.Errorf("Expected 'new-receipt-handle', got '%s'", msg.GetReceiptHandle())
	}
}

// TestIsReceiptHandleExpiredError tests error detection
func TestIsReceiptHandleExpiredError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "receipt handle expired",
			err:      errors.New("The receipt handle has expired"),
			expected: true,
		},
		{
			name:     "receipt handle invalid",
			err:      errors.New("ReceiptHandleIsInvalid: some details"),
			expected: true,
		},
		{
			name:     "other error",
			err:      errors.New("connection timeout"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isReceiptHandleExpiredError(tt.err)
			if result != tt.expected {
				t.Errorf("isReceiptHandleExpiredError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// TestApplyDefaults tests config defaulting
func TestApplyDefaults(t *testing.T) {
	cfg := &queue.SQSConfig{QueueURL: testQueueURL}
	applyDefaults(cfg)

	if cfg.WaitTimeSeconds != 20 {
		t.Errorf("Expected wait time 20, got %d", cfg.WaitTimeSeconds)
	}
	if cfg.VisibilityTimeout != 120 {
		t.Errorf("Expected visibility 120, got %d", cfg.VisibilityTimeout)
	}
	if cfg.MaxNumberOfMessages != 10 {
		t.Errorf("Expected max messages 10, got %d", cfg.MaxNumberOfMessages)
	}
	if cfg.Pollers != 1 {
		t.Errorf("Expected 1 poller, got %d", cfg.Pollers)
	}
}

// Ensure the mock and the real message satisfy the package contracts
var (
	_ SQSClientAPI                  = (*MockSQSClient)(nil)
	_ queue.Message                 = (*SQSMessage)(nil)
	_ queue.ReceiptHandleUpdatable  = (*SQSMessage)(nil)
	_ queue.Consumer                = (*Consumer)(nil)
	_ queue.Publisher               = (*Publisher)(nil)
)
