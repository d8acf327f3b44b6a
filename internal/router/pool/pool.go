// Package pool provides the message processing pool implementation
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.routeflow.tech/internal/common/metrics"
	routermetrics "go.routeflow.tech/internal/router/metrics"
	"go.routeflow.tech/internal/router/model"
)

// MessagePointer represents a message to be processed.
// This struct is used internally within the router/pool and contains all
// the information needed for mediation plus the broker callbacks.
type MessagePointer struct {
	ID              string // Application message ID (deduplication key)
	BrokerMessageID string // Broker-assigned message ID (pipeline tracking key)
	SourceQueue     string // Queue the message arrived on (terminal stats key)
	BatchID         string
	PoolCode        string
	MessageGroupID  string
	MediationTarget string // URL to POST the payload to
	MediationType   string // Type of mediation (HTTP is the only type today)
	AuthToken       string // Bearer token for the callback endpoint
	Payload         []byte // Opaque payload forwarded verbatim
	HighPriority    bool   // Selects the high tier of the group queue

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error

	// Receipt handle hooks for brokers that reissue delivery handles on
	// redelivery (SQS). Nil for other brokers.
	UpdateReceiptHandleFunc func(receiptHandle string)
	GetReceiptHandleFunc    func() string
}

// MediationResult represents the result of mediation
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultDeferred        MediationResult = "DEFERRED"         // 2xx with ack=false - retry later
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // 4xx - don't retry
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // 5xx, 429, timeout - retry
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // Connection error - retry
)

// MediationOutcome represents the outcome of mediation including optional delay
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay returns true if a custom delay is set
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// EffectiveDelay returns the redelivery delay for a nack, defaulting to
// DefaultDelaySeconds and clamped to MaxDelaySeconds.
func (o *MediationOutcome) EffectiveDelay() time.Duration {
	if o.Delay == nil || *o.Delay <= 0 {
		return model.DefaultDelaySeconds * time.Second
	}
	if *o.Delay > model.MaxDelaySeconds*time.Second {
		return model.MaxDelaySeconds * time.Second
	}
	return *o.Delay
}

// Mediator processes messages
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback handles terminal broker operations for a routed message.
// Implementations remove pipeline tracking entries before touching the broker.
type MessageCallback interface {
	// Ack removes the message from the broker
	Ack(msg *MessagePointer)
	// Nack returns the message to the broker for redelivery after delay.
	// A non-positive delay uses the broker's default redelivery behavior.
	Nack(msg *MessagePointer, delay time.Duration)
}

// Accounting buckets for processed messages. Also used as the Prometheus
// result label.
const (
	BucketSuccess   = "success"
	BucketFailed    = "failed"
	BucketTransient = "transient"
	BucketDeferred  = "deferred"
)

// OutcomeClass describes how one mediation result is acknowledged and
// accounted.
type OutcomeClass struct {
	Bucket     string // success, failed, transient or deferred
	Ack        bool   // ack removes the message; otherwise nack for redelivery
	FailsGroup bool   // poisons the batch group for FIFO enforcement
}

// OutcomePolicy maps each mediation result to its handling.
type OutcomePolicy map[MediationResult]OutcomeClass

// DefaultOutcomePolicy returns the standard classification table
func DefaultOutcomePolicy() OutcomePolicy {
	return OutcomePolicy{
		MediationResultSuccess:         {Bucket: BucketSuccess, Ack: true},
		MediationResultErrorConfig:     {Bucket: BucketFailed, Ack: true},
		MediationResultDeferred:        {Bucket: BucketDeferred, FailsGroup: true},
		MediationResultErrorProcess:    {Bucket: BucketTransient, FailsGroup: true},
		MediationResultErrorConnection: {Bucket: BucketFailed, FailsGroup: true},
	}
}

// Pool represents a message processing pool
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// Pool lifecycle states
const (
	stateStopped int32 = iota
	stateRunning
	stateDraining
)

const (
	// DefaultGroup for messages without a messageGroupId
	DefaultGroup = "__DEFAULT__"

	// IdleTimeoutMinutes before cleaning up inactive message groups
	IdleTimeoutMinutes = 5

	// CapacityPerWorker sizes the admission bound from the concurrency limit
	CapacityPerWorker = 20

	// MinQueueCapacity is the admission bound floor for small pools
	MinQueueCapacity = 50
)

// QueueCapacityFor returns the admission bound for a pool with the given
// concurrency: CapacityPerWorker messages per permit, floor MinQueueCapacity.
func QueueCapacityFor(concurrency int) int {
	capacity := concurrency * CapacityPerWorker
	if capacity < MinQueueCapacity {
		return MinQueueCapacity
	}
	return capacity
}

// ProcessPool implements Pool with per-message-group FIFO ordering.
// Each message group gets a dedicated goroutine draining a two-tier
// priority queue; a shared semaphore bounds concurrent mediation calls
// across groups.
type ProcessPool struct {
	poolCode      string
	queueCapacity int
	semaphore     *Semaphore

	state atomic.Int32

	limiterMu          sync.RWMutex
	limiter            *RateLimiter
	rateLimitPerMinute *int

	mediator        Mediator
	messageCallback MessageCallback
	stats           routermetrics.PoolMetricsService

	policy OutcomePolicy

	groupsMu sync.Mutex
	groups   map[string]*groupHandler

	// Messages accepted and not yet finished (queued or processing)
	queuedMessages atomic.Int32

	// Batch+Group FIFO tracking
	batchMu          sync.Mutex
	failedBatchGroup map[string]struct{}
	batchGroupCount  map[string]int

	idleTimeout time.Duration

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	// Gauge update scheduling
	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// NewProcessPool creates a new process pool. The admission bound is derived
// from the concurrency limit via QueueCapacityFor.
func NewProcessPool(
	poolCode string,
	concurrency int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
	stats routermetrics.PoolMetricsService,
) *ProcessPool {
	if concurrency < 1 {
		concurrency = 1
	}
	queueCapacity := QueueCapacityFor(concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	pool := &ProcessPool{
		poolCode:         poolCode,
		queueCapacity:    queueCapacity,
		semaphore:        NewSemaphore(concurrency),
		mediator:         mediator,
		messageCallback:  messageCallback,
		stats:            stats,
		policy:           DefaultOutcomePolicy(),
		groups:           make(map[string]*groupHandler),
		failedBatchGroup: make(map[string]struct{}),
		batchGroupCount:  make(map[string]int),
		idleTimeout:      IdleTimeoutMinutes * time.Minute,
		ctx:              ctx,
		cancel:           cancel,
		gaugeCtx:         gaugeCtx,
		gaugeCancel:      gaugeCancel,
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		pool.limiter = NewRateLimiter(*rateLimitPerMinute, queueCapacity)
		pool.rateLimitPerMinute = rateLimitPerMinute
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"rateLimit", *rateLimitPerMinute)
	}

	stats.InitializePoolCapacity(poolCode, concurrency, queueCapacity)
	return pool
}

// Start begins processing
func (p *ProcessPool) Start() {
	if p.state.CompareAndSwap(stateStopped, stateRunning) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool with per-group goroutines",
			"pool", p.poolCode,
			"concurrency", p.semaphore.Limit(),
			"queueCapacity", p.queueCapacity)
	}
}

// Drain stops accepting new work but finishes processing
func (p *ProcessPool) Drain() {
	if p.state.CompareAndSwap(stateRunning, stateDraining) {
		slog.Info("Draining process pool",
			"pool", p.poolCode,
			"queued", p.queuedMessages.Load())
	}
}

// Submit submits a message for processing. Returns false without side
// effects when the pool is not running or at capacity.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if p.state.Load() != stateRunning {
		return false
	}

	// Admission is atomic on the queued counter so concurrent submits
	// cannot overshoot the capacity bound.
	if queued := p.queuedMessages.Add(1); int(queued) > p.queueCapacity {
		p.queuedMessages.Add(-1)
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		return false
	}

	groupID := normalizeGroup(msg.MessageGroupID)

	// Track for batch+group FIFO ordering
	batchKey := batchGroupKey(msg.BatchID, groupID)
	if batchKey != "" {
		p.batchMu.Lock()
		p.batchGroupCount[batchKey]++
		p.batchMu.Unlock()
	}

	// Enqueue under groupsMu; group retirement takes the same lock, so a
	// message can never land in a channel whose handler has exited.
	p.groupsMu.Lock()
	handler, ok := p.groups[groupID]
	if !ok {
		handler = newGroupHandler(groupID, p.queueCapacity)
		p.groups[groupID] = handler
		p.wg.Add(1)
		go p.runGroup(handler)
		slog.Debug("Created new message group with dedicated goroutine",
			"pool", p.poolCode,
			"group", groupID)
	}
	accepted := handler.enqueue(msg)
	p.groupsMu.Unlock()

	if !accepted {
		p.queuedMessages.Add(-1)
		if batchKey != "" {
			p.releaseBatchGroup(batchKey)
		}
		return false
	}

	p.stats.RecordMessageSubmitted(p.poolCode)
	return true
}

// processMessage processes a single message. Called only from the group's
// goroutine, so messages within a group never overlap.
func (p *ProcessPool) processMessage(msg *MessagePointer) {
	groupID := normalizeGroup(msg.MessageGroupID)
	batchKey := batchGroupKey(msg.BatchID, groupID)

	finished := false
	finish := func() {
		if !finished {
			finished = true
			p.queuedMessages.Add(-1)
			if batchKey != "" {
				p.releaseBatchGroup(batchKey)
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.nackSafely(msg, model.DefaultDelaySeconds*time.Second)
			finish()
		}
	}()

	// FIFO enforcement: once one message of a batch+group has failed, the
	// rest are returned to the broker unprocessed.
	if batchKey != "" && p.isBatchGroupFailed(batchKey) {
		slog.Warn("Message from failed batch+group, nacking to preserve FIFO ordering",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"batchGroup", batchKey)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "batch_failed").Inc()
		p.nackSafely(msg, model.FastFailDelaySeconds*time.Second)
		finish()
		return
	}

	// Rate limit before taking a permit so a throttled pool does not hold
	// concurrency slots while it waits.
	p.limiterMu.RLock()
	limiter := p.limiter
	p.limiterMu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(p.ctx); err != nil {
			if errors.Is(err, ErrRateQueueFull) {
				metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
				metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
				p.stats.RecordRateLimitExceeded(p.poolCode)
				slog.Warn("Rate limiter queue full, nacking message",
					"pool", p.poolCode,
					"messageId", msg.ID)
				p.nackSafely(msg, model.FastFailDelaySeconds*time.Second)
			} else {
				// Shutdown while waiting for a slot
				p.nackSafely(msg, 0)
			}
			finish()
			return
		}
	}

	if err := p.semaphore.Acquire(p.ctx); err != nil {
		p.nackSafely(msg, 0)
		finish()
		return
	}
	defer p.semaphore.Release()

	slog.Info("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	startTime := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(startTime)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", resultName(outcome),
		"duration", duration)

	p.handleMediationOutcome(msg, outcome, batchKey, duration)
	finish()
}

func resultName(outcome *MediationOutcome) string {
	if outcome == nil {
		return "<nil>"
	}
	return string(outcome.Result)
}

// handleMediationOutcome acks or nacks the message per the outcome policy
// and records the accounting bucket.
func (p *ProcessPool) handleMediationOutcome(msg *MessagePointer, outcome *MediationOutcome, batchKey string, duration time.Duration) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	class, ok := p.policy[outcome.Result]
	if !ok {
		slog.Warn("Unknown mediation result, treating as transient",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", string(outcome.Result))
		class = OutcomeClass{Bucket: BucketTransient, FailsGroup: true}
	}

	durationMs := duration.Milliseconds()
	metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, class.Bucket).Inc()

	switch class.Bucket {
	case BucketSuccess:
		p.stats.RecordProcessingSuccess(p.poolCode, durationMs)
	case BucketDeferred:
		p.stats.RecordProcessingDeferred(p.poolCode, durationMs)
	case BucketTransient:
		p.stats.RecordProcessingTransient(p.poolCode, durationMs)
	default:
		p.stats.RecordProcessingFailure(p.poolCode, durationMs, string(outcome.Result))
	}

	if class.FailsGroup && batchKey != "" {
		p.markBatchGroupFailed(batchKey)
	}

	if class.Ack {
		if outcome.Result == MediationResultErrorConfig {
			slog.Warn("Configuration error - ACKing to prevent retry",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"statusCode", outcome.StatusCode)
		} else {
			slog.Info("Message processed successfully - ACKing",
				"pool", p.poolCode,
				"messageId", msg.ID)
		}
		p.ackSafely(msg)
		return
	}

	delay := outcome.EffectiveDelay()
	slog.Warn("Message not completed - NACKing for retry",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", string(outcome.Result),
		"delay", delay)
	p.nackSafely(msg, delay)
}

// ackSafely acks a message, swallowing panics from broker callbacks
func (p *ProcessPool) ackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message ack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.messageCallback.Ack(msg)
}

// nackSafely nacks a message, swallowing panics from broker callbacks
func (p *ProcessPool) nackSafely(msg *MessagePointer, delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.messageCallback.Nack(msg, delay)
}

// --- Batch group tracking ---

func normalizeGroup(groupID string) string {
	if groupID == "" {
		return DefaultGroup
	}
	return groupID
}

func batchGroupKey(batchID, groupID string) string {
	if batchID == "" {
		return ""
	}
	return batchID + "|" + groupID
}

func (p *ProcessPool) isBatchGroupFailed(batchKey string) bool {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	_, failed := p.failedBatchGroup[batchKey]
	return failed
}

func (p *ProcessPool) markBatchGroupFailed(batchKey string) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	if _, already := p.failedBatchGroup[batchKey]; !already {
		p.failedBatchGroup[batchKey] = struct{}{}
		slog.Warn("Batch+group marked as failed",
			"pool", p.poolCode,
			"batchGroup", batchKey)
	}
}

// releaseBatchGroup decrements the batch group counter and clears both
// tracking entries once every message of the batch group is finished.
func (p *ProcessPool) releaseBatchGroup(batchKey string) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	count, ok := p.batchGroupCount[batchKey]
	if !ok {
		return
	}
	count--
	if count <= 0 {
		delete(p.batchGroupCount, batchKey)
		delete(p.failedBatchGroup, batchKey)
		slog.Debug("Batch+group fully processed, cleaned up",
			"pool", p.poolCode,
			"batchGroup", batchKey)
		return
	}
	p.batchGroupCount[batchKey] = count
}

// --- Accessors ---

// GetPoolCode returns the pool code
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit
func (p *ProcessPool) GetConcurrency() int {
	return p.semaphore.Limit()
}

// GetRateLimitPerMinute returns the rate limit
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsFullyDrained returns true when no messages are queued or processing
func (p *ProcessPool) IsFullyDrained() bool {
	return p.queuedMessages.Load() == 0 && p.semaphore.Active() == 0
}

// GetQueueSize returns the number of accepted, unfinished messages
func (p *ProcessPool) GetQueueSize() int {
	return int(p.queuedMessages.Load())
}

// GetActiveWorkers returns the number of in-flight mediation calls
func (p *ProcessPool) GetActiveWorkers() int {
	return p.semaphore.Active()
}

// GetQueueCapacity returns the admission bound
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity returns true if the pool can accept the specified number of messages
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited returns true if the next admission would have to wait
func (p *ProcessPool) IsRateLimited() bool {
	p.limiterMu.RLock()
	limiter := p.limiter
	p.limiterMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Saturated()
}

// UpdateConcurrency updates the concurrency limit. Running mediations are
// never interrupted; a lowered limit takes effect as permits are released.
func (p *ProcessPool) UpdateConcurrency(newLimit int) bool {
	if newLimit <= 0 {
		return false
	}

	current := p.semaphore.Limit()
	if newLimit == current {
		return true
	}

	p.semaphore.SetLimit(newLimit)
	p.stats.InitializePoolCapacity(p.poolCode, newLimit, p.queueCapacity)
	slog.Info("Concurrency updated",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit replaces the rate limiter. A nil or non-positive rate
// disables rate limiting.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.limiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	if p.rateLimitPerMinute != nil && *p.rateLimitPerMinute == *newRateLimitPerMinute {
		return
	}

	p.limiter = NewRateLimiter(*newRateLimitPerMinute, p.queueCapacity)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// Shutdown stops the pool and waits briefly for group goroutines to exit
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.state.Store(stateStopped)

	// Stop gauge updater first
	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// runGaugeUpdater publishes pool gauges every 500ms
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

// updateGauges updates all pool gauge metrics
func (p *ProcessPool) updateGauges() {
	activeWorkers := p.semaphore.Active()
	availablePermits := p.semaphore.Available()
	queueSize := p.GetQueueSize()
	messageGroupCount := p.countMessageGroups()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(messageGroupCount))

	p.stats.UpdatePoolGauges(p.poolCode, activeWorkers, availablePermits, queueSize, messageGroupCount)
}

// countMessageGroups returns the number of active message groups
func (p *ProcessPool) countMessageGroups() int {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	return len(p.groups)
}
