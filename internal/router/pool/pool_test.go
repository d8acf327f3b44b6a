package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	routermetrics "go.routeflow.tech/internal/router/metrics"
)

// MockMediator implements Mediator for testing
type MockMediator struct {
	processFunc func(msg *MessagePointer) *MediationOutcome
	callCount   atomic.Int32
	mu          sync.Mutex
	calls       []*MessagePointer
}

func NewMockMediator() *MockMediator {
	return &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultSuccess}
		},
		calls: make([]*MessagePointer, 0),
	}
}

func (m *MockMediator) Process(msg *MessagePointer) *MediationOutcome {
	m.callCount.Add(1)
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	m.mu.Unlock()
	return m.processFunc(msg)
}

func (m *MockMediator) GetCallCount() int {
	return int(m.callCount.Load())
}

func (m *MockMediator) GetCalls() []*MessagePointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MessagePointer{}, m.calls...)
}

// MockCallback implements MessageCallback for testing
type MockCallback struct {
	ackCount  atomic.Int32
	nackCount atomic.Int32
	acked     sync.Map
	nacked    sync.Map // msg.ID -> nack delay
}

func NewMockCallback() *MockCallback {
	return &MockCallback{}
}

func (c *MockCallback) Ack(msg *MessagePointer) {
	c.ackCount.Add(1)
	c.acked.Store(msg.ID, msg)
}

func (c *MockCallback) Nack(msg *MessagePointer, delay time.Duration) {
	c.nackCount.Add(1)
	c.nacked.Store(msg.ID, delay)
}

func (c *MockCallback) GetAckCount() int {
	return int(c.ackCount.Load())
}

func (c *MockCallback) GetNackCount() int {
	return int(c.nackCount.Load())
}

func (c *MockCallback) GetNackDelay(id string) (time.Duration, bool) {
	v, ok := c.nacked.Load(id)
	if !ok {
		return 0, false
	}
	return v.(time.Duration), true
}

func newTestPool(concurrency int, rateLimitPerMinute *int, mediator Mediator, callback MessageCallback) *ProcessPool {
	return NewProcessPool("test-pool", concurrency, rateLimitPerMinute, mediator, callback, routermetrics.NewInMemoryPoolMetricsService())
}

func TestNewProcessPool(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool(5, nil, mediator, callback)

	if pool == nil {
		t.Fatal("NewProcessPool returned nil")
	}

	if pool.poolCode != "test-pool" {
		t.Errorf("Expected poolCode 'test-pool', got '%s'", pool.poolCode)
	}

	if pool.GetConcurrency() != 5 {
		t.Errorf("Expected concurrency 5, got %d", pool.GetConcurrency())
	}

	if pool.GetQueueCapacity() != 100 {
		t.Errorf("Expected queue capacity 100 for concurrency 5, got %d", pool.GetQueueCapacity())
	}
}

func TestQueueCapacityFor(t *testing.T) {
	tests := []struct {
		concurrency int
		want        int
	}{
		{1, 50},
		{2, 50},
		{3, 60},
		{5, 100},
		{50, 1000},
	}

	for _, tt := range tests {
		if got := QueueCapacityFor(tt.concurrency); got != tt.want {
			t.Errorf("QueueCapacityFor(%d) = %d, want %d", tt.concurrency, got, tt.want)
		}
	}
}

func TestProcessPoolSubmit(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool(5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	msg := &MessagePointer{
		ID:              "msg-1",
		MessageGroupID:  "group-1",
		MediationTarget: "http://example.com/webhook",
		Payload:         []byte(`{"test": true}`),
	}

	if !pool.Submit(msg) {
		t.Error("Submit returned false for valid message")
	}

	// Wait for processing
	time.Sleep(100 * time.Millisecond)

	if mediator.GetCallCount() != 1 {
		t.Errorf("Expected 1 mediator call, got %d", mediator.GetCallCount())
	}

	if callback.GetAckCount() != 1 {
		t.Errorf("Expected 1 ack, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolSubmitBeforeStart(t *testing.T) {
	pool := newTestPool(5, nil, NewMockMediator(), NewMockCallback())

	msg := &MessagePointer{ID: "msg-1", MessageGroupID: "group-1"}
	if pool.Submit(msg) {
		t.Error("Submit should return false before Start")
	}
	if pool.GetQueueSize() != 0 {
		t.Errorf("Rejected submit should leave no queued messages, got %d", pool.GetQueueSize())
	}
}

func TestProcessPoolConcurrency(t *testing.T) {
	var processingCount atomic.Int32
	var maxConcurrent atomic.Int32

	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			current := processingCount.Add(1)
			// Track max concurrent
			for {
				max := maxConcurrent.Load()
				if current <= max || maxConcurrent.CompareAndSwap(max, current) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond) // Simulate work
			processingCount.Add(-1)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	concurrency := 3
	pool := newTestPool(concurrency, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit messages from different groups (to allow parallel processing)
	for i := 0; i < 10; i++ {
		msg := &MessagePointer{
			ID:              string(rune('a' + i)),
			MessageGroupID:  string(rune('a' + i)), // Different group per message
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Wait for all to complete
	time.Sleep(500 * time.Millisecond)

	if maxConcurrent.Load() > int32(concurrency) {
		t.Errorf("Max concurrent %d exceeded concurrency limit %d", maxConcurrent.Load(), concurrency)
	}

	if callback.GetAckCount() != 10 {
		t.Errorf("Expected 10 acks, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolMessageGroupFIFO(t *testing.T) {
	var processOrder []string
	var mu sync.Mutex

	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			mu.Lock()
			processOrder = append(processOrder, msg.ID)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	// Concurrency above 1 must not reorder messages within a group
	pool := newTestPool(4, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit messages in order for same group
	group := "same-group"
	for i := 0; i < 5; i++ {
		msg := &MessagePointer{
			ID:              string(rune('1' + i)),
			MessageGroupID:  group,
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// Wait for processing
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Verify FIFO order within group
	expected := []string{"1", "2", "3", "4", "5"}
	if len(processOrder) != len(expected) {
		t.Fatalf("Expected %d messages processed, got %d", len(expected), len(processOrder))
	}

	for i, id := range expected {
		if processOrder[i] != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, processOrder[i])
		}
	}
}

func TestProcessPoolHighPriorityFirst(t *testing.T) {
	gate := make(chan struct{})
	var first atomic.Bool
	first.Store(true)

	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			// Hold the first message so the rest queue up behind it
			if first.CompareAndSwap(true, false) {
				<-gate
			}
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	group := "same-group"
	pool.Submit(&MessagePointer{ID: "blocker", MessageGroupID: group})

	// Wait until the blocker is inside the mediator
	time.Sleep(100 * time.Millisecond)

	pool.Submit(&MessagePointer{ID: "regular-1", MessageGroupID: group})
	pool.Submit(&MessagePointer{ID: "regular-2", MessageGroupID: group})
	pool.Submit(&MessagePointer{ID: "high-1", MessageGroupID: group, HighPriority: true})

	close(gate)
	time.Sleep(300 * time.Millisecond)

	calls := mediator.GetCalls()
	if len(calls) != 4 {
		t.Fatalf("Expected 4 mediator calls, got %d", len(calls))
	}

	expected := []string{"blocker", "high-1", "regular-1", "regular-2"}
	for i, id := range expected {
		if calls[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, calls[i].ID)
		}
	}
}

func TestProcessPoolCapacityRejection(t *testing.T) {
	gate := make(chan struct{})

	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			<-gate
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	// Concurrency 1 floors the admission bound at MinQueueCapacity
	pool := newTestPool(1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	if pool.GetQueueCapacity() != MinQueueCapacity {
		t.Fatalf("Expected queue capacity %d, got %d", MinQueueCapacity, pool.GetQueueCapacity())
	}

	accepted := 0
	for i := 0; i < MinQueueCapacity; i++ {
		msg := &MessagePointer{
			ID:             string(rune('a'+i%26)) + string(rune('0'+i/26)),
			MessageGroupID: "same-group",
		}
		if pool.Submit(msg) {
			accepted++
		}
	}

	if accepted != MinQueueCapacity {
		t.Errorf("Expected %d accepted messages, got %d", MinQueueCapacity, accepted)
	}

	if pool.Submit(&MessagePointer{ID: "overflow", MessageGroupID: "same-group"}) {
		t.Error("Submit should reject message beyond queue capacity")
	}

	if pool.GetQueueSize() != MinQueueCapacity {
		t.Errorf("Rejected submit should not change queue size, got %d", pool.GetQueueSize())
	}

	close(gate)
}

func TestProcessPoolMediationFailure(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultErrorProcess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	msg := &MessagePointer{
		ID:              "msg-1",
		MessageGroupID:  "group-1",
		MediationTarget: "http://example.com",
	}

	pool.Submit(msg)
	time.Sleep(100 * time.Millisecond)

	// Failed mediation should result in nack with the default delay
	if callback.GetNackCount() != 1 {
		t.Errorf("Expected 1 nack for failed mediation, got %d", callback.GetNackCount())
	}

	if delay, ok := callback.GetNackDelay("msg-1"); !ok || delay != 30*time.Second {
		t.Errorf("Expected 30s nack delay, got %v (recorded=%v)", delay, ok)
	}
}

func TestProcessPoolErrorConfigAcks(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultErrorConfig, StatusCode: 404}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&MessagePointer{ID: "msg-1", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	// Configuration errors are not retryable and must be acked
	if callback.GetAckCount() != 1 {
		t.Errorf("Expected 1 ack for config error, got %d", callback.GetAckCount())
	}
	if callback.GetNackCount() != 0 {
		t.Errorf("Expected 0 nacks for config error, got %d", callback.GetNackCount())
	}
}

func TestProcessPoolDeferredNacksWithDelay(t *testing.T) {
	delay := 90 * time.Second
	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultDeferred, Delay: &delay}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&MessagePointer{ID: "msg-1", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	if callback.GetAckCount() != 0 {
		t.Errorf("Deferred message must not be acked, got %d acks", callback.GetAckCount())
	}
	if got, ok := callback.GetNackDelay("msg-1"); !ok || got != delay {
		t.Errorf("Expected nack with delay %v, got %v (recorded=%v)", delay, got, ok)
	}
}

func TestProcessPoolNilOutcomeNacks(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return nil
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&MessagePointer{ID: "msg-1", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	if callback.GetNackCount() != 1 {
		t.Errorf("Expected nil outcome to nack, got %d nacks", callback.GetNackCount())
	}
}

func TestProcessPoolBatchGroupFastFail(t *testing.T) {
	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			return &MediationOutcome{Result: MediationResultErrorProcess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(1, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Three messages of the same batch+group. The first fails mediation;
	// the rest must be nacked without reaching the mediator.
	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		pool.Submit(&MessagePointer{
			ID:             id,
			BatchID:        "batch-1",
			MessageGroupID: "group-1",
		})
	}

	time.Sleep(200 * time.Millisecond)

	if mediator.GetCallCount() != 1 {
		t.Errorf("Expected 1 mediator call, got %d", mediator.GetCallCount())
	}
	if callback.GetNackCount() != 3 {
		t.Errorf("Expected 3 nacks, got %d", callback.GetNackCount())
	}

	if delay, _ := callback.GetNackDelay("msg-1"); delay != 30*time.Second {
		t.Errorf("Failed message should nack with default delay, got %v", delay)
	}
	if delay, _ := callback.GetNackDelay("msg-2"); delay != 10*time.Second {
		t.Errorf("Fast-failed message should nack with 10s delay, got %v", delay)
	}
	if delay, _ := callback.GetNackDelay("msg-3"); delay != 10*time.Second {
		t.Errorf("Fast-failed message should nack with 10s delay, got %v", delay)
	}

	// Once every message of the batch+group is finished the failure marker
	// is cleared, so a redelivery is mediated again.
	pool.Submit(&MessagePointer{
		ID:             "msg-2",
		BatchID:        "batch-1",
		MessageGroupID: "group-1",
	})
	time.Sleep(100 * time.Millisecond)

	if mediator.GetCallCount() != 2 {
		t.Errorf("Expected redelivered message to be mediated, got %d calls", mediator.GetCallCount())
	}
}

func TestProcessPoolPanicRecovery(t *testing.T) {
	var first atomic.Bool
	first.Store(true)

	mediator := &MockMediator{
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			if first.CompareAndSwap(true, false) {
				panic("mediator blew up")
			}
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(2, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&MessagePointer{ID: "msg-1", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	if callback.GetNackCount() != 1 {
		t.Errorf("Panicked message should be nacked, got %d nacks", callback.GetNackCount())
	}

	// The group goroutine must survive the panic
	pool.Submit(&MessagePointer{ID: "msg-2", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	if callback.GetAckCount() != 1 {
		t.Errorf("Pool should keep processing after a panic, got %d acks", callback.GetAckCount())
	}
}

func TestProcessPoolDrain(t *testing.T) {
	mediator := &MockMediator{
		calls: make([]*MessagePointer, 0),
		processFunc: func(msg *MessagePointer) *MediationOutcome {
			time.Sleep(20 * time.Millisecond)
			return &MediationOutcome{Result: MediationResultSuccess}
		},
	}
	callback := NewMockCallback()

	pool := newTestPool(5, nil, mediator, callback)
	pool.Start()

	// Submit some messages
	for i := 0; i < 5; i++ {
		msg := &MessagePointer{
			ID:              string(rune('a' + i)),
			MessageGroupID:  string(rune('a' + i)),
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	pool.Drain()

	// Draining pools reject new work
	if pool.Submit(&MessagePointer{ID: "late", MessageGroupID: "late"}) {
		t.Error("Submit should return false while draining")
	}

	// In-flight messages still finish
	time.Sleep(300 * time.Millisecond)

	if callback.GetAckCount() != 5 {
		t.Errorf("Expected 5 acks after drain, got %d", callback.GetAckCount())
	}
	if !pool.IsFullyDrained() {
		t.Error("Pool should report fully drained")
	}

	pool.Shutdown()
}

func TestProcessPoolUpdateConcurrency(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool(5, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	if !pool.UpdateConcurrency(10) {
		t.Error("UpdateConcurrency(10) should succeed")
	}
	if pool.GetConcurrency() != 10 {
		t.Errorf("Expected concurrency 10, got %d", pool.GetConcurrency())
	}

	if pool.UpdateConcurrency(0) {
		t.Error("UpdateConcurrency(0) should be rejected")
	}
	if pool.GetConcurrency() != 10 {
		t.Errorf("Rejected update should not change concurrency, got %d", pool.GetConcurrency())
	}
}

func TestProcessPoolUpdateRateLimit(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	rateLimit := 600
	pool := newTestPool(5, &rateLimit, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	if got := pool.GetRateLimitPerMinute(); got == nil || *got != 600 {
		t.Fatalf("Expected rate limit 600, got %v", got)
	}

	newLimit := 1200
	pool.UpdateRateLimit(&newLimit)
	if got := pool.GetRateLimitPerMinute(); got == nil || *got != 1200 {
		t.Errorf("Expected rate limit 1200, got %v", got)
	}

	pool.UpdateRateLimit(nil)
	if got := pool.GetRateLimitPerMinute(); got != nil {
		t.Errorf("Expected rate limiting disabled, got %v", *got)
	}
	if pool.IsRateLimited() {
		t.Error("Pool without a limiter should not report rate limited")
	}
}

func TestProcessPoolIdleGroupCleanup(t *testing.T) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := newTestPool(2, nil, mediator, callback)
	pool.idleTimeout = 50 * time.Millisecond
	pool.Start()
	defer pool.Shutdown()

	pool.Submit(&MessagePointer{ID: "msg-1", MessageGroupID: "group-1"})
	time.Sleep(30 * time.Millisecond)

	if pool.countMessageGroups() != 1 {
		t.Fatalf("Expected 1 active group, got %d", pool.countMessageGroups())
	}

	// The idle group goroutine retires itself after the timeout
	time.Sleep(200 * time.Millisecond)

	if pool.countMessageGroups() != 0 {
		t.Errorf("Expected idle group to be cleaned up, got %d groups", pool.countMessageGroups())
	}

	// A new message for the same group spawns a fresh handler
	pool.Submit(&MessagePointer{ID: "msg-2", MessageGroupID: "group-1"})
	time.Sleep(100 * time.Millisecond)

	if callback.GetAckCount() != 2 {
		t.Errorf("Expected 2 acks, got %d", callback.GetAckCount())
	}
}

func TestProcessPoolRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping rate limit test in short mode")
	}

	mediator := NewMockMediator()
	callback := NewMockCallback()

	rateLimit := 600 // 600 per minute = 10 per second (faster for testing)
	pool := newTestPool(10, &rateLimit, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit several messages quickly
	for i := 0; i < 3; i++ {
		msg := &MessagePointer{
			ID:              string(rune('a' + i)),
			MessageGroupID:  string(rune('a' + i)),
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}

	// 100ms spacing between admissions
	time.Sleep(500 * time.Millisecond)

	if callback.GetAckCount() != 3 {
		t.Errorf("Expected 3 acks with rate limiting enabled, got %d", callback.GetAckCount())
	}
}

func BenchmarkProcessPoolSubmit(b *testing.B) {
	mediator := NewMockMediator()
	callback := NewMockCallback()

	pool := NewProcessPool("bench-pool", 10, nil, mediator, callback, routermetrics.NewInMemoryPoolMetricsService())
	pool.Start()
	defer pool.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg := &MessagePointer{
			ID:              string(rune(i)),
			MessageGroupID:  "group",
			MediationTarget: "http://example.com",
		}
		pool.Submit(msg)
	}
}
