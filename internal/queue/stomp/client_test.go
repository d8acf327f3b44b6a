package stomp

import (
	"context"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"go.routeflow.tech/internal/queue"
)

func TestDestination(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", "/queue/orders"},
		{"/queue/orders", "/queue/orders"},
		{"/topic/events", "/topic/events"},
	}

	for _, tc := range tests {
		if got := destination(tc.in); got != tc.want {
			t.Errorf("destination(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &queue.STOMPConfig{}
	applyDefaults(cfg)

	if cfg.BrokerAddr != "localhost:61613" {
		t.Errorf("Expected default broker addr, got '%s'", cfg.BrokerAddr)
	}
	if cfg.Pollers != 1 {
		t.Errorf("Expected default pollers 1, got %d", cfg.Pollers)
	}
	if cfg.HeartbeatSend != 10*time.Second {
		t.Errorf("Expected default send heartbeat 10s, got %v", cfg.HeartbeatSend)
	}
	if cfg.HeartbeatRecv != 10*time.Second {
		t.Errorf("Expected default recv heartbeat 10s, got %v", cfg.HeartbeatRecv)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &queue.STOMPConfig{
		BrokerAddr:    "amq:61613",
		Pollers:       3,
		HeartbeatSend: time.Minute,
	}
	applyDefaults(cfg)

	if cfg.BrokerAddr != "amq:61613" {
		t.Errorf("BrokerAddr overwritten: %s", cfg.BrokerAddr)
	}
	if cfg.Pollers != 3 {
		t.Errorf("Pollers overwritten: %d", cfg.Pollers)
	}
	if cfg.HeartbeatSend != time.Minute {
		t.Errorf("HeartbeatSend overwritten: %v", cfg.HeartbeatSend)
	}
}

func TestSTOMPMessage_FrameMapping(t *testing.T) {
	msg := &stomp.Message{
		Destination: "/queue/orders",
		Body:        []byte(`{"messageId":"m1"}`),
		Header: frame.NewHeader(
			"message-id", "ID:broker-1:42",
			"JMSXGroupID", "customer-7",
			"JMSXDeliveryCount", "2",
			"custom", "value",
		),
	}

	wrapped := newSTOMPMessage(msg)

	if wrapped.ID() != "ID:broker-1:42" {
		t.Errorf("Expected broker message ID, got '%s'", wrapped.ID())
	}
	if wrapped.Subject() != "/queue/orders" {
		t.Errorf("Expected subject '/queue/orders', got '%s'", wrapped.Subject())
	}
	if wrapped.MessageGroup() != "customer-7" {
		t.Errorf("Expected group 'customer-7', got '%s'", wrapped.MessageGroup())
	}
	if wrapped.ReceiveCount() != 2 {
		t.Errorf("Expected receive count 2, got %d", wrapped.ReceiveCount())
	}
	if string(wrapped.Data()) != `{"messageId":"m1"}` {
		t.Errorf("Unexpected body: %s", wrapped.Data())
	}

	meta := wrapped.Metadata()
	if meta["custom"] != "value" {
		t.Errorf("Expected custom header in metadata, got %v", meta)
	}
}

func TestSTOMPMessage_MissingHeaders(t *testing.T) {
	wrapped := newSTOMPMessage(&stomp.Message{
		Destination: "/queue/orders",
		Header:      frame.NewHeader(),
	})

	if wrapped.ID() != "" {
		t.Errorf("Expected empty ID, got '%s'", wrapped.ID())
	}
	if wrapped.MessageGroup() != "" {
		t.Errorf("Expected empty group, got '%s'", wrapped.MessageGroup())
	}
	if wrapped.ReceiveCount() != 0 {
		t.Errorf("Expected receive count 0, got %d", wrapped.ReceiveCount())
	}
}

func TestSTOMPMessage_NilHeader(t *testing.T) {
	wrapped := newSTOMPMessage(&stomp.Message{Destination: "/queue/orders"})

	if wrapped.ID() != "" {
		t.Errorf("Expected empty ID with nil header, got '%s'", wrapped.ID())
	}
	if len(wrapped.Metadata()) != 0 {
		t.Errorf("Expected empty metadata with nil header, got %v", wrapped.Metadata())
	}
}

func TestSTOMPMessage_InvalidDeliveryCount(t *testing.T) {
	wrapped := newSTOMPMessage(&stomp.Message{
		Header: frame.NewHeader("JMSXDeliveryCount", "not-a-number"),
	})

	if wrapped.ReceiveCount() != 0 {
		t.Errorf("Expected receive count 0 for unparseable header, got %d", wrapped.ReceiveCount())
	}
}

func TestSTOMPMessage_InProgressIsNoOp(t *testing.T) {
	wrapped := newSTOMPMessage(&stomp.Message{Header: frame.NewHeader()})

	if err := wrapped.InProgress(); err != nil {
		t.Errorf("InProgress should be a no-op, got %v", err)
	}
}

func TestConsumer_HealthBeforeStart(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})

	h := c.Health()
	if h.Running {
		t.Error("Consumer should not report running before Start")
	}
	if h.Healthy {
		t.Error("Stopped consumer should not report healthy")
	}
}

func TestConsumer_HealthAfterRecentPoll(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})
	c.running.Store(true)
	c.lastPollUnix.Store(time.Now().UnixMilli())

	h := c.Health()
	if !h.Healthy {
		t.Error("Recently polled consumer should be healthy")
	}
}

func TestConsumer_HealthStalePoll(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})
	c.running.Store(true)
	c.lastPollUnix.Store(time.Now().Add(-2 * time.Minute).UnixMilli())

	if c.Health().Healthy {
		t.Error("Consumer with a stale poll should be unhealthy")
	}
}

func TestConsumer_QueueID(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})

	if c.QueueID() != "orders" {
		t.Errorf("Expected queue ID 'orders', got '%s'", c.QueueID())
	}
}

func TestConsumer_MetricsReportQueueOnly(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})

	m, err := c.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.QueueName != "orders" {
		t.Errorf("Expected queue name 'orders', got '%s'", m.QueueName)
	}
	if m.PendingMessages != 0 || m.MessagesNotVisible != 0 {
		t.Error("STOMP metrics should not report depth")
	}
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	c := NewConsumer("test", &queue.STOMPConfig{Queue: "orders"})

	if err := c.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
}
