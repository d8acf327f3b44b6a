// Integration tests for the full delivery path: real process pools, the
// real HTTP mediator against httptest servers, and an embedded JetStream
// broker feeding the queue manager the way the router binary wires it.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.routeflow.tech/internal/queue"
	natsqueue "go.routeflow.tech/internal/queue/nats"
	"go.routeflow.tech/internal/router/configsource"
	"go.routeflow.tech/internal/router/manager"
	"go.routeflow.tech/internal/router/mediator"
	routermetrics "go.routeflow.tech/internal/router/metrics"
	"go.routeflow.tech/internal/router/model"
	"go.routeflow.tech/internal/router/pool"
)

// fastMediator returns an HTTP mediator tuned for tests: short timeout and
// minimal retry backoff.
func fastMediator(maxRetries int) *mediator.HTTPMediator {
	return mediator.NewHTTPMediator(&mediator.Config{
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		RetryDelay: 10 * time.Millisecond,
	})
}

// deliveryRecorder captures the X-Message-Id of every delivery in arrival
// order.
type deliveryRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *deliveryRecorder) record(req *http.Request) {
	r.mu.Lock()
	r.order = append(r.order, req.Header.Get("X-Message-Id"))
	r.mu.Unlock()
}

func (r *deliveryRecorder) deliveries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

func (r *deliveryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *deliveryRecorder) countFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.order {
		if got == id {
			n++
		}
	}
	return n
}

// routeCallback records ack/nack outcomes the way a broker would see them.
type routeCallback struct {
	acks  atomic.Int32
	nacks atomic.Int32

	mu     sync.Mutex
	acked  map[string]bool
	nacked map[string]time.Duration
}

func newRouteCallback() *routeCallback {
	return &routeCallback{
		acked:  make(map[string]bool),
		nacked: make(map[string]time.Duration),
	}
}

func (c *routeCallback) Ack(msg *pool.MessagePointer) {
	c.acks.Add(1)
	c.mu.Lock()
	c.acked[msg.ID] = true
	c.mu.Unlock()
}

func (c *routeCallback) Nack(msg *pool.MessagePointer, delay time.Duration) {
	c.nacks.Add(1)
	c.mu.Lock()
	c.nacked[msg.ID] = delay
	c.mu.Unlock()
}

func (c *routeCallback) IsAcked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked[id]
}

func (c *routeCallback) NackDelay(id string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay, ok := c.nacked[id]
	return delay, ok
}

func (c *routeCallback) AckCount() int {
	return int(c.acks.Load())
}

func (c *routeCallback) NackCount() int {
	return int(c.nacks.Load())
}

func poolMessage(id, group, target string) *pool.MessagePointer {
	return &pool.MessagePointer{
		ID:              id,
		BrokerMessageID: "broker-" + id,
		SourceQueue:     "dispatch.test",
		PoolCode:        "POOL-TEST",
		MessageGroupID:  group,
		MediationTarget: target,
		Payload:         []byte(`{"event":"integration"}`),
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", desc)
}

// === Pool + HTTP mediator ===

func TestPoolDeliversThroughHTTPMediator(t *testing.T) {
	rec := &deliveryRecorder{}
	var gotAuth, gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	med := fastMediator(0)
	callback := newRouteCallback()
	p := pool.NewProcessPool("POOL-TEST", 4, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	msg := poolMessage("msg-ok", "group-1", server.URL)
	msg.AuthToken = "secret-token"
	if !p.Submit(msg) {
		t.Fatal("Submit returned false")
	}

	waitUntil(t, 5*time.Second, "message to be acked", func() bool {
		return callback.IsAcked("msg-ok")
	})

	if rec.count() != 1 {
		t.Errorf("Expected 1 delivery, got %d", rec.count())
	}
	if got := rec.deliveries()[0]; got != "msg-ok" {
		t.Errorf("Expected X-Message-Id 'msg-ok', got '%s'", got)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Expected bearer auth header, got '%s'", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type, got '%s'", gotContentType)
	}
}

func TestPoolNacksOnServerError(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	med := fastMediator(1)
	callback := newRouteCallback()
	p := pool.NewProcessPool("POOL-TEST", 4, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	p.Submit(poolMessage("msg-500", "group-1", server.URL))

	waitUntil(t, 5*time.Second, "message to be nacked", func() bool {
		_, ok := callback.NackDelay("msg-500")
		return ok
	})

	delay, _ := callback.NackDelay("msg-500")
	if delay != model.DefaultDelaySeconds*time.Second {
		t.Errorf("Expected default nack delay %ds, got %v", model.DefaultDelaySeconds, delay)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("Expected 2 requests (initial + 1 retry), got %d", got)
	}
	if callback.IsAcked("msg-500") {
		t.Error("Server error must not ack")
	}
}

func TestPoolAcksOnClientError(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	med := fastMediator(2)
	callback := newRouteCallback()
	p := pool.NewProcessPool("POOL-TEST", 4, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	p.Submit(poolMessage("msg-404", "group-1", server.URL))

	// Config errors are acked so a bad callback URL cannot loop forever
	waitUntil(t, 5*time.Second, "message to be acked", func() bool {
		return callback.IsAcked("msg-404")
	})

	if got := requests.Load(); got != 1 {
		t.Errorf("Expected 1 request (4xx is not retried), got %d", got)
	}
	if callback.NackCount() != 0 {
		t.Errorf("Expected no nacks, got %d", callback.NackCount())
	}
}

func TestPoolPreservesGroupOrderThroughMediator(t *testing.T) {
	rec := &deliveryRecorder{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	med := fastMediator(0)
	callback := newRouteCallback()
	p := pool.NewProcessPool("POOL-TEST", 4, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	// Same group: strict FIFO even though four permits are available
	for i := 0; i < 5; i++ {
		p.Submit(poolMessage(fmt.Sprintf("fifo-%d", i), "order-42", server.URL))
	}

	waitUntil(t, 5*time.Second, "all group messages to be acked", func() bool {
		return callback.AckCount() == 5
	})

	got := rec.deliveries()
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("fifo-%d", i)
		if got[i] != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, got[i])
		}
	}
}

func TestPoolConcurrencyCapWithHTTPMediator(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	med := fastMediator(0)
	callback := newRouteCallback()
	p := pool.NewProcessPool("POOL-TEST", 3, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	// Distinct groups so only the semaphore limits parallelism
	for i := 0; i < 12; i++ {
		p.Submit(poolMessage(fmt.Sprintf("par-%d", i), fmt.Sprintf("group-%d", i), server.URL))
	}

	waitUntil(t, 10*time.Second, "all messages to be acked", func() bool {
		return callback.AckCount() == 12
	})

	if got := maxInFlight.Load(); got > 3 {
		t.Errorf("Observed %d concurrent mediations, limit is 3", got)
	}
}

// === End-to-end through the embedded broker ===

// e2eHarness assembles an embedded broker, a queue manager with one pool
// and a consumer, mirroring the router binary's embedded wiring.
type e2eHarness struct {
	embedded  *natsqueue.EmbeddedServer
	qm        *manager.QueueManager
	consumer  *manager.Consumer
	publisher queue.Publisher
}

func newE2EHarness(t *testing.T, med pool.Mediator) *e2eHarness {
	t.Helper()

	embedded, err := natsqueue.NewEmbeddedServer(&natsqueue.EmbeddedConfig{
		DataDir:         t.TempDir(),
		Host:            "127.0.0.1",
		Port:            -1,
		StreamName:      "DISPATCH",
		Subjects:        []string{"dispatch.>"},
		MaxAge:          time.Hour,
		DuplicateWindow: time.Minute,
		ConsumerName:    "router-test",
		AckWait:         30 * time.Second,
		Pollers:         1,
	})
	if err != nil {
		t.Fatalf("Failed to start embedded broker: %v", err)
	}
	t.Cleanup(func() { embedded.Close() })

	qm := manager.NewQueueManager(med,
		routermetrics.NewInMemoryPoolMetricsService(),
		routermetrics.NewInMemoryQueueMetricsService())
	qm.Start()
	t.Cleanup(qm.Stop)
	qm.ApplyPoolConfigs([]configsource.PoolEntry{{Code: "POOL-MEDIUM", Concurrency: 4}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qc, err := embedded.NewConsumer(ctx, "router-test", "dispatch.>")
	if err != nil {
		t.Fatalf("Failed to create embedded consumer: %v", err)
	}

	entry := configsource.QueueEntry{QueueName: "dispatch.>"}
	return &e2eHarness{
		embedded:  embedded,
		qm:        qm,
		consumer:  manager.NewConsumer(entry.Identifier(), entry, qc, qm, true),
		publisher: embedded.Publisher(),
	}
}

func (h *e2eHarness) start(t *testing.T) {
	t.Helper()
	if err := h.consumer.Start(); err != nil {
		t.Fatalf("Failed to start consumer: %v", err)
	}
	t.Cleanup(func() { h.consumer.Stop() })
}

func (h *e2eHarness) envelope(t *testing.T, id, group, target string) []byte {
	t.Helper()
	data, err := json.Marshal(&model.MessagePointer{
		ID:              id,
		PoolCode:        "POOL-MEDIUM",
		MediationTarget: target,
		MessageGroupID:  group,
		Payload:         json.RawMessage(`{"source":"integration"}`),
	})
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}
	return data
}

func (h *e2eHarness) publish(t *testing.T, id, group, target string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.publisher.Publish(ctx, "dispatch.orders", h.envelope(t, id, group, target)); err != nil {
		t.Fatalf("Failed to publish %s: %v", id, err)
	}
}

// streamDrained reports whether every published frame has been acked:
// WorkQueue retention deletes messages on ack.
func (h *e2eHarness) streamDrained() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := h.embedded.JetStream().Stream(ctx, "DISPATCH")
	if err != nil {
		return false
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return false
	}
	return info.State.Msgs == 0
}

func TestEndToEndEmbeddedDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded broker test in short mode")
	}

	rec := &deliveryRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		time.Sleep(5 * time.Millisecond)
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	h := newE2EHarness(t, fastMediator(0))

	// Interleaved publish across three groups; per-group order must survive
	// the broker, the batch routing and the pool.
	groups := []string{"order-1", "order-2", "order-3"}
	for seq := 0; seq < 4; seq++ {
		for _, group := range groups {
			h.publish(t, fmt.Sprintf("%s-%d", group, seq), group, server.URL)
		}
	}

	h.start(t)

	waitUntil(t, 15*time.Second, "all 12 messages to be delivered", func() bool {
		return rec.count() == 12
	})

	for _, group := range groups {
		var got []string
		for _, id := range rec.deliveries() {
			if strings.HasPrefix(id, group+"-") {
				got = append(got, id)
			}
		}
		if len(got) != 4 {
			t.Fatalf("Group %s: expected 4 deliveries, got %d", group, len(got))
		}
		for seq := 0; seq < 4; seq++ {
			want := fmt.Sprintf("%s-%d", group, seq)
			if got[seq] != want {
				t.Errorf("Group %s position %d: expected %s, got %s", group, seq, want, got[seq])
			}
		}
	}

	waitUntil(t, 15*time.Second, "stream to drain after acks", h.streamDrained)
}

func TestEndToEndInBatchDeduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded broker test in short mode")
	}

	rec := &deliveryRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	h := newE2EHarness(t, fastMediator(0))

	// Two frames with the same application ID, published before the consumer
	// starts so one fetch delivers both in the same batch
	h.publish(t, "dup-1", "order-1", server.URL)
	h.publish(t, "dup-1", "order-1", server.URL)
	h.publish(t, "solo-1", "order-2", server.URL)

	h.start(t)

	waitUntil(t, 15*time.Second, "stream to drain after acks", h.streamDrained)

	if got := rec.countFor("dup-1"); got != 1 {
		t.Errorf("Expected 1 delivery for duplicated message, got %d", got)
	}
	if got := rec.countFor("solo-1"); got != 1 {
		t.Errorf("Expected 1 delivery for solo message, got %d", got)
	}
}

func TestEndToEndPublishDeduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded broker test in short mode")
	}

	rec := &deliveryRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	h := newE2EHarness(t, fastMediator(0))

	// Same deduplication ID twice within the duplicate window: the stream
	// keeps only the first frame
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	envelope := h.envelope(t, "pub-dup", "order-1", server.URL)
	if err := h.publisher.PublishWithDeduplication(ctx, "dispatch.orders", envelope, "pub-dup"); err != nil {
		t.Fatalf("First publish failed: %v", err)
	}
	if err := h.publisher.PublishWithDeduplication(ctx, "dispatch.orders", envelope, "pub-dup"); err != nil {
		t.Fatalf("Second publish failed: %v", err)
	}

	h.start(t)

	waitUntil(t, 15*time.Second, "stream to drain after acks", h.streamDrained)

	if got := rec.countFor("pub-dup"); got != 1 {
		t.Errorf("Expected 1 delivery after publish dedup, got %d", got)
	}
}

func TestEndToEndDeferredRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded broker test in short mode")
	}

	rec := &deliveryRecorder{}
	var mu sync.Mutex
	seen := make(map[string]bool)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		id := r.Header.Get("X-Message-Id")

		mu.Lock()
		first := !seen[id]
		seen[id] = true
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if first {
			fmt.Fprint(w, `{"ack":false,"message":"not ready","delaySeconds":1}`)
			return
		}
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	h := newE2EHarness(t, fastMediator(0))
	h.publish(t, "deferred-1", "order-1", server.URL)
	h.start(t)

	// First delivery is deferred with a one second delay, the broker
	// redelivers, the second delivery acks
	waitUntil(t, 20*time.Second, "deferred message to be redelivered", func() bool {
		return rec.countFor("deferred-1") >= 2
	})
	waitUntil(t, 15*time.Second, "stream to drain after final ack", h.streamDrained)
}

func BenchmarkPoolMediatorDelivery(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ack":true}`)
	}))
	defer server.Close()

	med := fastMediator(0)
	callback := newRouteCallback()
	p := pool.NewProcessPool("bench-pool", 10, nil, med, callback, routermetrics.NewInMemoryPoolMetricsService())
	p.Start()
	defer p.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg := poolMessage(fmt.Sprintf("bench-%d", i), fmt.Sprintf("group-%d", i%10), server.URL)
		for !p.Submit(msg) {
			time.Sleep(time.Millisecond)
		}
	}
	for callback.AckCount() < b.N {
		time.Sleep(time.Millisecond)
	}
}
