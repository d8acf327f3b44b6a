//go:build integration

// Integration tests against LocalStack. They require Docker and are run
// with -tags integration.
package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.routeflow.tech/internal/queue"
	"go.routeflow.tech/internal/queue/sqs/testutil"
)

// newLocalStackClient builds a client against a LocalStack queue with
// short waits so tests finish quickly.
func newLocalStackClient(ctx context.Context, t *testing.T, ls *testutil.LocalStackContainer, queueURL string, visibility int32, pollers int) *Client {
	t.Helper()

	client, err := NewClient(ctx, &queue.SQSConfig{
		QueueURL:            queueURL,
		Region:              "us-east-1",
		WaitTimeSeconds:     1,
		VisibilityTimeout:   visibility,
		MaxNumberOfMessages: 10,
		Endpoint:            ls.Endpoint,
		Pollers:             pollers,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

// waitFor polls cond until it holds or the timeout lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", desc)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestSQSIntegration_PublishAndConsume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateQueue(ctx, "dispatch-test")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	client := newLocalStackClient(ctx, t, ls, queueURL, 30, 1)

	testData := `{"id":"msg-1","target":"http://example.com/process"}`
	if err := client.Publisher().Publish(ctx, "dispatch.orders", []byte(testData)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	received := make(chan queue.Message, 1)
	consumer := client.NewConsumer("dispatch-test")
	err = consumer.Start(func(batch []queue.Message) error {
		for _, msg := range batch {
			if err := msg.Ack(); err != nil {
				return err
			}
			received <- msg
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	select {
	case msg := <-received:
		if string(msg.Data()) != testData {
			t.Errorf("Unexpected message data: got %s, want %s", msg.Data(), testData)
		}
		if msg.Subject() != "dispatch.orders" {
			t.Errorf("Unexpected subject: got %s, want dispatch.orders", msg.Subject())
		}
		if msg.ID() == "" {
			t.Error("Message ID should not be empty")
		}
		if msg.Metadata()["Subject"] != "dispatch.orders" {
			t.Errorf("Metadata Subject mismatch: got %s", msg.Metadata()["Subject"])
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestSQSIntegration_GroupOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateFIFOQueue(ctx, "dispatch-fifo")
	if err != nil {
		t.Fatalf("Failed to create FIFO queue: %v", err)
	}

	client := newLocalStackClient(ctx, t, ls, queueURL, 30, 1)

	messages := []string{"first", "second", "third", "fourth", "fifth"}
	for _, msg := range messages {
		err = client.Publisher().PublishWithGroup(ctx, "dispatch.orders", []byte(msg), "customer-1")
		if err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	var mu sync.Mutex
	var received []string

	consumer := client.NewConsumer("dispatch-fifo")
	err = consumer.Start(func(batch []queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range batch {
			received = append(received, string(msg.Data()))
			if err := msg.Ack(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	waitFor(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= len(messages)
	}, "all FIFO messages")

	mu.Lock()
	defer mu.Unlock()
	for i, expected := range messages {
		if received[i] != expected {
			t.Errorf("Message %d: got %s, want %s", i, received[i], expected)
		}
	}
}

func TestSQSIntegration_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateQueue(ctx, "redelivery-test")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	// Visibility of 2s so the nacked message comes back quickly.
	client := newLocalStackClient(ctx, t, ls, queueURL, 2, 1)

	if err := client.Publisher().Publish(ctx, "dispatch.orders", []byte("retry-me")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	var mu sync.Mutex
	deliveries := 0

	consumer := client.NewConsumer("redelivery-test")
	err = consumer.Start(func(batch []queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range batch {
			deliveries++
			if deliveries == 1 {
				// Leave unacked: the visibility timeout redelivers it.
				if err := msg.Nak(); err != nil {
					return err
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	waitFor(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries >= 2
	}, "redelivery")
}

func TestSQSIntegration_Deduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateFIFOQueueWithDeduplication(ctx, "dedup-test")
	if err != nil {
		t.Fatalf("Failed to create FIFO queue: %v", err)
	}

	client := newLocalStackClient(ctx, t, ls, queueURL, 30, 1)
	publisher := client.Publisher()

	// Three sends with the same deduplication ID collapse to one message.
	for i := 0; i < 3; i++ {
		err = publisher.PublishWithDeduplication(ctx, "dispatch.orders", []byte("duplicate"), "dedup-123")
		if err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	err = publisher.PublishWithDeduplication(ctx, "dispatch.orders", []byte("unique"), "dedup-456")
	if err != nil {
		t.Fatalf("Failed to publish unique message: %v", err)
	}

	var mu sync.Mutex
	var received []string

	consumer := client.NewConsumer("dedup-test")
	err = consumer.Start(func(batch []queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range batch {
			received = append(received, string(msg.Data()))
			if err := msg.Ack(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	// Give the duplicates time to show up if deduplication were broken.
	time.Sleep(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Errorf("Expected 2 messages (1 deduplicated + 1 unique), got %d", len(received))
	}
}

func TestSQSIntegration_HealthAndMetrics(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateQueue(ctx, "health-test")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	client := newLocalStackClient(ctx, t, ls, queueURL, 30, 1)

	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}

	consumer := client.NewConsumer("health-test")
	err = consumer.Start(func(batch []queue.Message) error {
		for _, msg := range batch {
			msg.Ack()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	waitFor(t, 10*time.Second, func() bool {
		return consumer.Health().Healthy
	}, "consumer to report healthy")

	metrics, err := consumer.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if metrics.QueueName != queueURL {
		t.Errorf("Expected queue name %s, got %s", queueURL, metrics.QueueName)
	}
}

func TestSQSIntegration_MultiplePollers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}
	defer ls.Terminate(ctx)

	queueURL, err := ls.CreateQueue(ctx, "multi-poller-test")
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	client := newLocalStackClient(ctx, t, ls, queueURL, 30, 3)

	publisher := client.Publisher()
	for i := 0; i < 20; i++ {
		if err := publisher.Publish(ctx, "dispatch.orders", []byte{byte('0' + i%10)}); err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	received := 0

	consumer := client.NewConsumer("multi-poller-test")
	err = consumer.Start(func(batch []queue.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range batch {
			received++
			if err := msg.Ack(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	waitFor(t, 20*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received >= 20
	}, "all messages across pollers")
}
