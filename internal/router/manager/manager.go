// Package manager ties broker consumers to processing pools. The queue
// manager tracks every in-flight message under a dual-ID scheme so broker
// redeliveries and requeues of messages still being processed are caught
// before they reach a pool twice.
package manager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.routeflow.tech/internal/common/metrics"
	"go.routeflow.tech/internal/router/configsource"
	"go.routeflow.tech/internal/router/mediator"
	routermetrics "go.routeflow.tech/internal/router/metrics"
	"go.routeflow.tech/internal/router/model"
	"go.routeflow.tech/internal/router/pool"
	"go.routeflow.tech/internal/router/warning"
)

const (
	// DefaultPoolConcurrency is used when a config entry carries none
	DefaultPoolConcurrency = 10

	// DefaultMaxPools bounds how many pools config sync may create
	DefaultMaxPools = 50

	// DrainTimeout bounds how long Stop waits for pools to finish in-flight
	// work before shutting them down
	DrainTimeout = 30 * time.Second

	// drainSweepInterval is how often fully drained pools are reaped
	drainSweepInterval = 10 * time.Second
)

// WarningService records operational warnings for the monitoring API
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// PipelineCleanupConfig holds configuration for stale pipeline entry cleanup
type PipelineCleanupConfig struct {
	// Enabled controls whether cleanup is active
	Enabled bool
	// Interval is how often to run the cleanup
	Interval time.Duration
	// TTL is how long a message can be in the pipeline before being considered stale
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig holds configuration for visibility timeout
// extension on long-running messages
type VisibilityExtenderConfig struct {
	// Enabled controls whether visibility extension is active
	Enabled bool
	// Interval is how often to check for messages needing extension
	Interval time.Duration
	// Threshold is how long a message must be in flight before extending
	Threshold time.Duration
}

// DefaultVisibilityExtenderConfig returns sensible defaults
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:   true,
		Interval:  55 * time.Second,
		Threshold: 50 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for pipeline map leak detection
type LeakDetectionConfig struct {
	// Enabled controls whether leak detection is active
	Enabled bool
	// Interval is how often to check for leaks
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager routes messages to processing pools and owns the in-flight
// pipeline tracking that deduplicates broker redeliveries
type QueueManager struct {
	poolsMu  sync.RWMutex
	pools    map[string]*pool.ProcessPool
	maxPools int

	// Pools removed by config sync, still finishing in-flight work
	drainingPools sync.Map // code -> *pool.ProcessPool

	// Dual-ID pipeline tracking:
	// pipelineKey is the broker message ID (or the application message ID
	// for brokers without one). The reverse index catches requeues where
	// the same logical message reappears under a new broker ID.
	inFlight           sync.Map // pipelineKey -> *pool.MessagePointer
	inFlightSince      sync.Map // pipelineKey -> int64 (unix millis)
	msgIDToPipelineKey sync.Map // messageId -> pipelineKey

	mediator pool.Mediator
	callback *trackedCallback

	poolStats  routermetrics.PoolMetricsService
	queueStats routermetrics.QueueMetricsService

	warnings WarningService

	running     bool
	initialized bool
	runningMu   sync.Mutex

	cleanupConfig *PipelineCleanupConfig
	cleanupStop   chan struct{}
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityStop   chan struct{}
	visibilityWg     sync.WaitGroup

	leakConfig *LeakDetectionConfig
	leakStop   chan struct{}
	leakWg     sync.WaitGroup

	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
}

// NewQueueManager creates a queue manager delivering through the given
// mediator and recording into the given stats services. A nil mediator
// gets the default HTTP mediator; nil stats get in-memory services.
func NewQueueManager(
	med pool.Mediator,
	poolStats routermetrics.PoolMetricsService,
	queueStats routermetrics.QueueMetricsService,
) *QueueManager {
	if med == nil {
		med = mediator.NewHTTPMediator(nil)
	}
	if poolStats == nil {
		poolStats = routermetrics.NewInMemoryPoolMetricsService()
	}
	if queueStats == nil {
		queueStats = routermetrics.NewInMemoryQueueMetricsService()
	}

	m := &QueueManager{
		pools:            make(map[string]*pool.ProcessPool),
		maxPools:         DefaultMaxPools,
		mediator:         med,
		poolStats:        poolStats,
		queueStats:       queueStats,
		cleanupConfig:    DefaultPipelineCleanupConfig(),
		visibilityConfig: DefaultVisibilityExtenderConfig(),
		leakConfig:       DefaultLeakDetectionConfig(),
	}
	m.callback = &trackedCallback{manager: m}
	return m
}

// WithPipelineCleanup configures stale pipeline entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithVisibilityExtender configures visibility extension for long-running
// messages
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithLeakDetection configures pipeline map leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakConfig = cfg
	return m
}

// WithWarningService sets the warning sink for operational issues
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warnings = ws
	return m
}

// WithMaxPools overrides the pool count limit enforced during config apply
func (m *QueueManager) WithMaxPools(limit int) *QueueManager {
	if limit > 0 {
		m.maxPools = limit
	}
	return m
}

// Mediator returns the mediator messages are delivered through
func (m *QueueManager) Mediator() pool.Mediator {
	return m.mediator
}

// Start begins accepting messages and starts the background maintenance
// loops
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return
	}
	m.running = true

	if m.cleanupConfig.Enabled {
		m.cleanupStop = make(chan struct{})
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityStop = make(chan struct{})
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold)
	}

	if m.leakConfig.Enabled {
		m.leakStop = make(chan struct{})
		m.leakWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Pipeline leak detection started", "interval", m.leakConfig.Interval)
	}

	m.sweepStop = make(chan struct{})
	m.sweepWg.Add(1)
	go m.runDrainSweeper()

	slog.Info("Queue manager started")
}

// Stop drains the pools, nacks whatever is still in flight and closes the
// mediator. Pools get DrainTimeout to finish their work.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.cleanupStop != nil {
		close(m.cleanupStop)
		m.cleanupWg.Wait()
		m.cleanupStop = nil
	}
	if m.visibilityStop != nil {
		close(m.visibilityStop)
		m.visibilityWg.Wait()
		m.visibilityStop = nil
	}
	if m.leakStop != nil {
		close(m.leakStop)
		m.leakWg.Wait()
		m.leakStop = nil
	}
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepWg.Wait()
		m.sweepStop = nil
	}

	m.poolsMu.Lock()
	active := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		active = append(active, p)
	}
	m.poolsMu.Unlock()

	for _, p := range active {
		p.Drain()
	}

	deadline := time.Now().Add(DrainTimeout)
	for time.Now().Before(deadline) {
		if m.allDrained(active) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range active {
		slog.Info("Shutting down pool", "pool", p.GetPoolCode())
		p.Shutdown()
	}
	m.drainingPools.Range(func(code, value any) bool {
		value.(*pool.ProcessPool).Shutdown()
		m.drainingPools.Delete(code)
		return true
	})

	// Return anything still tracked so the broker redelivers promptly
	nacked := 0
	m.inFlight.Range(func(key, value any) bool {
		msg := value.(*pool.MessagePointer)
		if msg.NakFunc != nil {
			if err := msg.NakFunc(); err != nil {
				slog.Warn("Failed to nack in-flight message during shutdown",
					"messageId", msg.ID, "error", err)
			}
		}
		m.cleanupPipelineEntry(msg.ID, key.(string))
		nacked++
		return true
	})
	if nacked > 0 {
		slog.Info("Nacked in-flight messages during shutdown", "count", nacked)
	}

	if closer, ok := m.mediator.(interface{ Close() }); ok {
		closer.Close()
	}
	slog.Info("Queue manager stopped")
}

func (m *QueueManager) allDrained(pools []*pool.ProcessPool) bool {
	for _, p := range pools {
		if !p.IsFullyDrained() {
			return false
		}
	}
	drainingEmpty := true
	m.drainingPools.Range(func(_, value any) bool {
		if !value.(*pool.ProcessPool).IsFullyDrained() {
			drainingEmpty = false
			return false
		}
		return true
	})
	return drainingEmpty
}

func (m *QueueManager) isRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return m.running
}

// markInitialized records that the first config apply has completed, which
// arms leak detection
func (m *QueueManager) markInitialized() {
	m.runningMu.Lock()
	m.initialized = true
	m.runningMu.Unlock()
}

// GetPool returns the pool with the given code, or nil
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// GetPools returns a snapshot of the active pools keyed by code
func (m *QueueManager) GetPools() map[string]*pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	snapshot := make(map[string]*pool.ProcessPool, len(m.pools))
	for code, p := range m.pools {
		snapshot[code] = p
	}
	return snapshot
}

// PoolCount returns the number of active pools
func (m *QueueManager) PoolCount() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return len(m.pools)
}

// ApplyPoolConfigs reconciles the running pools against the configured set:
// new entries create pools (bounded by the pool limit), changed entries are
// updated in place, and pools absent from the config are drained.
func (m *QueueManager) ApplyPoolConfigs(entries []configsource.PoolEntry) {
	active := make(map[string]bool, len(entries))

	for _, entry := range entries {
		if entry.Code == "" {
			m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
				"Pool entry with empty code skipped", "QueueManager")
			continue
		}
		active[entry.Code] = true

		if existing := m.GetPool(entry.Code); existing != nil {
			if entry.Concurrency > 0 && entry.Concurrency != existing.GetConcurrency() {
				existing.UpdateConcurrency(entry.Concurrency)
				slog.Info("Updated pool concurrency",
					"pool", entry.Code,
					"concurrency", entry.Concurrency)
			}
			existing.UpdateRateLimit(entry.RateLimitPerMinute)
			continue
		}

		m.createPool(entry)
	}

	// Drain pools no longer present in the configuration
	m.poolsMu.RLock()
	var removed []string
	for code := range m.pools {
		if !active[code] {
			removed = append(removed, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range removed {
		m.drainPool(code)
	}

	if len(removed) > 0 {
		slog.Info("Pool config applied",
			"active", len(active),
			"draining", len(removed))
	}
}

// createPool creates and starts a pool, enforcing the pool count limit
func (m *QueueManager) createPool(entry configsource.PoolEntry) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[entry.Code]; exists {
		return p
	}

	if len(m.pools) >= m.maxPools {
		msg := fmt.Sprintf("Pool limit reached (%d/%d), refusing to create pool %s",
			len(m.pools), m.maxPools, entry.Code)
		slog.Error(msg)
		m.warn(warning.CategoryPoolLimit, warning.SeverityCritical, msg, "QueueManager")
		return nil
	}

	concurrency := entry.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}

	p := pool.NewProcessPool(entry.Code, concurrency, entry.RateLimitPerMinute,
		m.mediator, m.callback, m.poolStats)
	m.pools[entry.Code] = p
	p.Start()

	slog.Info("Created processing pool",
		"pool", entry.Code,
		"concurrency", concurrency,
		"queueCapacity", p.GetQueueCapacity())

	if len(m.pools)*2 >= m.maxPools {
		m.warn(warning.CategoryPoolLimit, warning.SeverityWarning,
			fmt.Sprintf("Pool count at %d of %d", len(m.pools), m.maxPools),
			"QueueManager")
	}

	return p
}

// drainPool moves a pool out of the active set; the drain sweeper reaps it
// once its in-flight work finishes
func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	p.Drain()
	m.drainingPools.Store(code, p)
	slog.Info("Draining pool removed from configuration", "pool", code)
}

// runDrainSweeper reaps drained pools every drainSweepInterval
func (m *QueueManager) runDrainSweeper() {
	defer m.sweepWg.Done()

	ticker := time.NewTicker(drainSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweepDrainingPools()
		}
	}
}

func (m *QueueManager) sweepDrainingPools() {
	m.drainingPools.Range(func(key, value any) bool {
		p := value.(*pool.ProcessPool)
		if p.IsFullyDrained() {
			p.Shutdown()
			m.drainingPools.Delete(key)
			slog.Info("Drained pool removed", "pool", key.(string))
		}
		return true
	})
}

// DrainingPoolCount returns how many removed pools are still draining
func (m *QueueManager) DrainingPoolCount() int {
	count := 0
	m.drainingPools.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// BatchRouteResult summarizes one batch routing pass
type BatchRouteResult struct {
	Submitted    int // Accepted by a pool
	Deduplicated int // Dropped as in-flight duplicates
	Rejected     int // Nacked for capacity, rate limiting or unknown pool
	FailBarrier  int // Nacked behind a failed submit in the same group
}

// pipelineKeyFor returns the pipeline tracking key: the broker message ID,
// or the application ID for brokers that do not assign one
func pipelineKeyFor(msg *pool.MessagePointer) string {
	if msg.BrokerMessageID != "" {
		return msg.BrokerMessageID
	}
	return msg.ID
}

// RouteMessageBatch routes one poll's worth of messages in three phases:
// in-flight deduplication, per-pool admission checks, then per-group FIFO
// submission with a failure barrier so a rejected message nacks the rest of
// its group instead of overtaking it.
func (m *QueueManager) RouteMessageBatch(messages []*pool.MessagePointer) BatchRouteResult {
	result := BatchRouteResult{}
	if len(messages) == 0 {
		return result
	}

	if !m.isRunning() {
		for _, msg := range messages {
			nackRaw(msg, model.CapacityDelaySeconds*time.Second)
		}
		result.Rejected = len(messages)
		return result
	}

	// Phase 1: deduplicate against the in-flight pipeline
	routable := make([]*pool.MessagePointer, 0, len(messages))
	for _, msg := range messages {
		key := pipelineKeyFor(msg)

		// Same broker ID: visibility timeout redelivery of a message still
		// being processed. Refresh the stored receipt handle so the eventual
		// ack lands, and nack this copy.
		if _, inFlight := m.inFlight.Load(key); inFlight {
			m.updateReceiptHandleIfPossible(key, msg)
			if msg.NakFunc != nil {
				msg.NakFunc()
			}
			result.Deduplicated++
			continue
		}

		// Same application ID under a different broker ID: the message was
		// requeued while the original copy is completing. Ack the new copy
		// to remove it permanently.
		if existing, ok := m.msgIDToPipelineKey.Load(msg.ID); ok && existing.(string) != key {
			slog.Info("Requeued duplicate detected, acking new copy",
				"messageId", msg.ID,
				"existingKey", existing.(string),
				"newKey", key)
			if msg.AckFunc != nil {
				msg.AckFunc()
			}
			result.Deduplicated++
			continue
		}

		routable = append(routable, msg)
	}

	if len(routable) == 0 {
		return result
	}

	// Phase 2: group by pool and check admission
	byPool := make(map[string][]*pool.MessagePointer)
	for _, msg := range routable {
		byPool[msg.PoolCode] = append(byPool[msg.PoolCode], msg)
	}

	admitted := make(map[string]*pool.ProcessPool)
	for poolCode, poolMessages := range byPool {
		p := m.GetPool(poolCode)
		if p == nil {
			m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
				fmt.Sprintf("No pool %q configured, nacking %d messages", poolCode, len(poolMessages)),
				"QueueManager")
			slog.Warn("Unknown pool code, nacking batch",
				"pool", poolCode,
				"messageCount", len(poolMessages))
			for _, msg := range poolMessages {
				if msg.NakFunc != nil {
					msg.NakFunc()
				}
			}
			result.Rejected += len(poolMessages)
			continue
		}

		if p.IsRateLimited() {
			slog.Warn("Pool rate limited, nacking batch",
				"pool", poolCode,
				"messageCount", len(poolMessages))
			for _, msg := range poolMessages {
				nackRaw(msg, model.FastFailDelaySeconds*time.Second)
			}
			result.Rejected += len(poolMessages)
			continue
		}

		if !p.HasCapacity(len(poolMessages)) {
			slog.Warn("Pool at capacity, nacking batch",
				"pool", poolCode,
				"messageCount", len(poolMessages))
			for _, msg := range poolMessages {
				nackRaw(msg, model.CapacityDelaySeconds*time.Second)
			}
			result.Rejected += len(poolMessages)
			continue
		}

		admitted[poolCode] = p
	}

	// Phase 3: per-group FIFO submission with failure barrier
	for poolCode, poolMessages := range byPool {
		p, ok := admitted[poolCode]
		if !ok {
			continue
		}

		for _, group := range groupInOrder(poolMessages) {
			barrier := false

			for _, msg := range group.messages {
				key := pipelineKeyFor(msg)

				if barrier {
					nackRaw(msg, model.CapacityDelaySeconds*time.Second)
					result.FailBarrier++
					continue
				}

				// Track before submit so the pool's terminal callback always
				// finds the entry
				m.trackPipelineEntry(key, msg)

				if !p.Submit(msg) {
					slog.Warn("Pool rejected message, raising failure barrier for group",
						"pool", poolCode,
						"messageId", msg.ID,
						"group", group.groupID)
					m.cleanupPipelineEntry(msg.ID, key)
					nackRaw(msg, model.CapacityDelaySeconds*time.Second)
					result.Rejected++
					barrier = true
					continue
				}

				result.Submitted++
			}
		}
	}

	slog.Debug("Batch routing complete",
		"submitted", result.Submitted,
		"deduplicated", result.Deduplicated,
		"rejected", result.Rejected,
		"failBarrier", result.FailBarrier)

	return result
}

// messageGroup preserves the arrival order of groups within a batch
type messageGroup struct {
	groupID  string
	messages []*pool.MessagePointer
}

// groupInOrder partitions messages by group, preserving both the order of
// first appearance and the order within each group
func groupInOrder(messages []*pool.MessagePointer) []messageGroup {
	groups := make([]messageGroup, 0)
	index := make(map[string]int)

	for _, msg := range messages {
		groupID := msg.MessageGroupID
		if groupID == "" {
			groupID = pool.DefaultGroup
		}

		if i, exists := index[groupID]; exists {
			groups[i].messages = append(groups[i].messages, msg)
		} else {
			index[groupID] = len(groups)
			groups = append(groups, messageGroup{
				groupID:  groupID,
				messages: []*pool.MessagePointer{msg},
			})
		}
	}
	return groups
}

// trackPipelineEntry inserts a message into the in-flight maps
func (m *QueueManager) trackPipelineEntry(pipelineKey string, msg *pool.MessagePointer) {
	m.inFlight.Store(pipelineKey, msg)
	m.inFlightSince.Store(pipelineKey, time.Now().UnixMilli())
	m.msgIDToPipelineKey.Store(msg.ID, pipelineKey)
}

// cleanupPipelineEntry removes a message from all tracking maps
func (m *QueueManager) cleanupPipelineEntry(messageID, pipelineKey string) {
	m.inFlight.Delete(pipelineKey)
	m.inFlightSince.Delete(pipelineKey)
	m.msgIDToPipelineKey.Delete(messageID)
}

// updateReceiptHandleIfPossible copies the redelivered message's receipt
// handle onto the stored in-flight copy so the eventual ack uses a handle
// the broker still honors
func (m *QueueManager) updateReceiptHandleIfPossible(pipelineKey string, newMsg *pool.MessagePointer) {
	value, exists := m.inFlight.Load(pipelineKey)
	if !exists {
		return
	}
	stored := value.(*pool.MessagePointer)

	if stored.UpdateReceiptHandleFunc == nil || newMsg.GetReceiptHandleFunc == nil {
		return
	}

	newHandle := newMsg.GetReceiptHandleFunc()
	if newHandle == "" {
		slog.Warn("Redelivered message has no receipt handle to adopt",
			"messageId", newMsg.ID)
		return
	}

	stored.UpdateReceiptHandleFunc(newHandle)
	slog.Info("Updated receipt handle for in-flight message after redelivery",
		"messageId", newMsg.ID,
		"pipelineKey", pipelineKey,
		"newHandle", truncateHandle(newHandle))
}

// truncateHandle shortens a receipt handle for logging
func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// Ack removes the message from tracking, records terminal stats and acks
// the broker
func (m *QueueManager) Ack(msg *pool.MessagePointer) {
	m.cleanupPipelineEntry(msg.ID, pipelineKeyFor(msg))
	if msg.SourceQueue != "" {
		m.queueStats.RecordMessageProcessed(msg.SourceQueue, true)
	}
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

// NackWithDelay removes the message from tracking, records terminal stats
// and returns it to the broker for redelivery after delay
func (m *QueueManager) NackWithDelay(msg *pool.MessagePointer, delay time.Duration) {
	m.cleanupPipelineEntry(msg.ID, pipelineKeyFor(msg))
	if msg.SourceQueue != "" {
		m.queueStats.RecordMessageProcessed(msg.SourceQueue, false)
	}
	nackRaw(msg, delay)
}

// nackRaw returns an untracked message to the broker, preferring a delayed
// nack when the broker supports one
func nackRaw(msg *pool.MessagePointer, delay time.Duration) {
	var err error
	switch {
	case delay > 0 && msg.NakDelayFunc != nil:
		err = msg.NakDelayFunc(delay)
	case msg.NakFunc != nil:
		err = msg.NakFunc()
	}
	if err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
	}
}

// trackedCallback implements pool.MessageCallback on top of the manager's
// pipeline tracking
type trackedCallback struct {
	manager *QueueManager
}

func (c *trackedCallback) Ack(msg *pool.MessagePointer) {
	c.manager.Ack(msg)
}

func (c *trackedCallback) Nack(msg *pool.MessagePointer, delay time.Duration) {
	c.manager.NackWithDelay(msg, delay)
}

func (m *QueueManager) warn(category, severity, message, source string) {
	if m.warnings != nil {
		m.warnings.AddWarning(category, severity, message, source)
	}
}

// runPipelineCleanup periodically drops tracking entries older than the TTL
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupStop:
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStalePipelineEntries()
		}
	}
}

// cleanupStalePipelineEntries removes entries stuck past the TTL. These are
// messages whose terminal callback never ran; the broker will redeliver
// them, so dropping the entry only releases memory.
func (m *QueueManager) cleanupStalePipelineEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()

	type staleEntry struct {
		pipelineKey string
		messageID   string
	}
	var stale []staleEntry

	m.inFlightSince.Range(func(key, value any) bool {
		pipelineKey := key.(string)
		since := value.(int64)

		if now-since > ttlMillis {
			entry := staleEntry{pipelineKey: pipelineKey}
			if msgValue, ok := m.inFlight.Load(pipelineKey); ok {
				entry.messageID = msgValue.(*pool.MessagePointer).ID
			}
			stale = append(stale, entry)
		}
		return true
	})

	for _, entry := range stale {
		m.cleanupPipelineEntry(entry.messageID, entry.pipelineKey)
	}

	if len(stale) > 0 {
		slog.Warn("Cleaned up stale pipeline entries, messages may have been stuck",
			"count", len(stale),
			"ttl", m.cleanupConfig.TTL)
	}
}

// runVisibilityExtender periodically extends the broker deadline of
// long-running messages
func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityStop:
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

// extendLongRunningVisibility sends an in-progress heartbeat for every
// message in flight longer than the threshold, keeping slow mediations from
// being redelivered mid-processing
func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extended := 0

	m.inFlightSince.Range(func(key, value any) bool {
		elapsed := now - value.(int64)
		if elapsed < thresholdMillis {
			return true
		}

		msgValue, exists := m.inFlight.Load(key.(string))
		if !exists {
			return true
		}
		msg := msgValue.(*pool.MessagePointer)
		if msg.InProgressFunc == nil {
			return true
		}

		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", msg.ID,
				"elapsedMs", elapsed)
		} else {
			extended++
		}
		return true
	})

	if extended > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extended,
			"threshold", m.visibilityConfig.Threshold)
	}
}

// runLeakDetection periodically compares pipeline size against pool
// capacity
func (m *QueueManager) runLeakDetection() {
	defer m.leakWg.Done()

	ticker := time.NewTicker(m.leakConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakStop:
			slog.Info("Pipeline leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

// checkForMapLeaks warns when the pipeline map outgrows the total pool
// capacity, which means terminal callbacks are not removing entries
func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running := m.running
	initialized := m.initialized
	m.runningMu.Unlock()

	if !running || !initialized {
		return
	}

	pipelineSize := m.GetPipelineSize()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = pool.MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		msg := fmt.Sprintf("Pipeline map size (%d) exceeds total pool capacity (%d), entries may be leaking",
			pipelineSize, totalCapacity)
		slog.Warn(msg,
			"pipelineSize", pipelineSize,
			"totalCapacity", totalCapacity)
		m.warn(warning.CategoryHealth, warning.SeverityWarning, msg, "QueueManager")
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}

// GetPipelineSize returns the number of messages currently tracked
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inFlight.Range(func(_, _ any) bool {
		size++
		return true
	})
	return size
}

// GetTotalPoolCapacity sums the admission bounds of all active pools
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}

// InFlightMessages returns up to limit tracked messages for the monitoring
// API. A non-empty messageID restricts the result to that message.
func (m *QueueManager) InFlightMessages(limit int, messageID string) []InFlightMessage {
	var result []InFlightMessage

	m.inFlight.Range(func(key, value any) bool {
		msg := value.(*pool.MessagePointer)
		if messageID != "" && msg.ID != messageID {
			return true
		}
		entry := InFlightMessage{
			MessageID:   msg.ID,
			PipelineKey: key.(string),
			PoolCode:    msg.PoolCode,
			SourceQueue: msg.SourceQueue,
		}
		if since, ok := m.inFlightSince.Load(key); ok {
			entry.InFlightSince = time.UnixMilli(since.(int64))
		}
		result = append(result, entry)
		return limit <= 0 || len(result) < limit
	})
	return result
}

// InFlightMessage is a monitoring view of one tracked message
type InFlightMessage struct {
	MessageID     string    `json:"messageId"`
	PipelineKey   string    `json:"pipelineKey"`
	PoolCode      string    `json:"poolCode"`
	SourceQueue   string    `json:"sourceQueue"`
	InFlightSince time.Time `json:"inFlightSince"`
}
