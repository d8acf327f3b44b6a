package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.routeflow.tech/internal/common/metrics"
	"go.routeflow.tech/internal/queue"
	"go.routeflow.tech/internal/router/configsource"
	"go.routeflow.tech/internal/router/warning"
)

// ConfigSyncConfig holds configuration for periodic config synchronization
type ConfigSyncConfig struct {
	// Enabled controls whether periodic sync runs
	Enabled bool
	// Interval between sync attempts
	Interval time.Duration
	// InitialRetryAttempts is how many times the initial sync is retried
	InitialRetryAttempts int
	// InitialRetryDelay between initial sync attempts
	InitialRetryDelay time.Duration
	// FailOnInitialSyncError makes Start fail when the initial sync never
	// succeeds; otherwise the router starts with the default pools
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns sensible defaults
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                true,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// ConsumerHealthConfig holds configuration for consumer stall detection
type ConsumerHealthConfig struct {
	// Enabled controls whether the health monitor runs
	Enabled bool
	// CheckInterval between health sweeps
	CheckInterval time.Duration
	// StallThreshold is how long a consumer may go without polling before
	// it is considered stalled
	StallThreshold time.Duration
	// MaxRestartAttempts bounds automatic restarts per consumer
	MaxRestartAttempts int
	// RestartDelay between stopping and restarting a stalled consumer
	RestartDelay time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// StandbyChecker reports whether this instance holds the primary role.
// Standby instances keep their config in sync but do not consume.
type StandbyChecker interface {
	IsPrimary() bool
}

// TrafficManager registers this instance with the load balancer while it
// should receive traffic. Registration failures must not block startup.
type TrafficManager interface {
	RegisterAsActive()
	DeregisterFromActive()
}

// ConsumerFactory builds a broker consumer for one configured queue entry
type ConsumerFactory func(entry configsource.QueueEntry) (queue.Consumer, error)

// Router coordinates the queue manager, the broker consumers and the
// configuration source. Config sync reconciles both the pool set and the
// consumer set against what the source reports.
type Router struct {
	manager *QueueManager

	source  configsource.Source
	syncCfg *ConfigSyncConfig
	factory ConsumerFactory

	consumersMu sync.RWMutex
	consumers   map[string]*Consumer

	// embedded selects the default pool code for unlabelled messages on
	// every consumer this router creates
	embedded bool

	healthCfg *ConsumerHealthConfig
	standby   StandbyChecker
	traffic   TrafficManager
	warnings  WarningService

	// syncMu single-flights config applies; the ticker and a manual
	// resync may race otherwise
	syncMu sync.Mutex

	runningMu sync.Mutex
	running   bool

	syncStop   chan struct{}
	syncWg     sync.WaitGroup
	healthStop chan struct{}
	healthWg   sync.WaitGroup
}

// NewRouter creates a router around the given queue manager
func NewRouter(m *QueueManager) *Router {
	return &Router{
		manager:   m,
		syncCfg:   DefaultConfigSyncConfig(),
		healthCfg: DefaultConsumerHealthConfig(),
		consumers: make(map[string]*Consumer),
	}
}

// WithConfigSource sets the remote configuration source and sync settings
func (r *Router) WithConfigSource(source configsource.Source, cfg *ConfigSyncConfig) *Router {
	r.source = source
	if cfg != nil {
		r.syncCfg = cfg
	}
	return r
}

// WithConsumerFactory sets the factory used to build consumers for
// config-provided queue entries
func (r *Router) WithConsumerFactory(f ConsumerFactory) *Router {
	r.factory = f
	return r
}

// WithConsumerHealth sets the stall detection settings
func (r *Router) WithConsumerHealth(cfg *ConsumerHealthConfig) *Router {
	if cfg != nil {
		r.healthCfg = cfg
	}
	return r
}

// WithStandbyChecker sets the primary/standby role source
func (r *Router) WithStandbyChecker(sc StandbyChecker) *Router {
	r.standby = sc
	return r
}

// WithTrafficManager sets the load balancer registration hook
func (r *Router) WithTrafficManager(tm TrafficManager) *Router {
	r.traffic = tm
	return r
}

// WithWarningService sets the warning sink
func (r *Router) WithWarningService(ws WarningService) *Router {
	r.warnings = ws
	return r
}

// WithEmbeddedBroker marks consumers as fed by the embedded broker, which
// changes the default pool code for unlabelled messages
func (r *Router) WithEmbeddedBroker(embedded bool) *Router {
	r.embedded = embedded
	return r
}

// Manager returns the underlying queue manager
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// AddConsumer registers a consumer ahead of Start. Used when queues come
// from local configuration instead of the config source.
func (r *Router) AddConsumer(id string, qc queue.Consumer) *Consumer {
	c := NewConsumer(id, configsource.QueueEntry{QueueName: id}, qc, r.manager, r.embedded)
	r.consumersMu.Lock()
	r.consumers[id] = c
	r.consumersMu.Unlock()
	return c
}

// Consumers returns a snapshot of the registered consumers
func (r *Router) Consumers() []*Consumer {
	r.consumersMu.RLock()
	defer r.consumersMu.RUnlock()

	out := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c)
	}
	return out
}

// ConsumerCount returns the number of registered consumers
func (r *Router) ConsumerCount() int {
	r.consumersMu.RLock()
	defer r.consumersMu.RUnlock()
	return len(r.consumers)
}

// Start brings up the manager, performs the initial config sync and starts
// the consumers plus the background sync and health loops
func (r *Router) Start() error {
	r.runningMu.Lock()
	if r.running {
		r.runningMu.Unlock()
		return nil
	}
	r.running = true
	r.runningMu.Unlock()

	if r.traffic != nil {
		r.traffic.RegisterAsActive()
	}

	r.manager.Start()

	r.syncStop = make(chan struct{})
	r.healthStop = make(chan struct{})

	if r.source != nil && r.syncCfg.Enabled {
		if err := r.initialSync(); err != nil {
			if r.syncCfg.FailOnInitialSyncError {
				r.runningMu.Lock()
				r.running = false
				r.runningMu.Unlock()
				r.manager.Stop()
				return fmt.Errorf("initial config sync failed: %w", err)
			}
			slog.Error("Initial config sync failed, starting with default pools", "error", err)
			r.warn(warning.CategoryConfiguration, warning.SeverityError,
				fmt.Sprintf("Initial config sync failed: %v", err), "Router")
			r.applyConfig(configsource.DefaultRouterConfig())
		}

		r.syncWg.Add(1)
		go r.runConfigSync()
	} else {
		// No remote source: default pools plus whatever consumers were
		// seeded through AddConsumer
		r.applyConfig(configsource.DefaultRouterConfig())
	}

	r.manager.markInitialized()
	r.startConsumersLocked()

	if r.healthCfg.Enabled {
		r.healthWg.Add(1)
		go r.runHealthMonitor()
	}

	slog.Info("Router started", "consumers", r.ConsumerCount(), "pools", r.manager.PoolCount())
	return nil
}

// Stop deregisters from the load balancer, then shuts down the loops, the
// consumers and the manager, in that order, so pools can drain work the
// consumers already delivered
func (r *Router) Stop() {
	r.runningMu.Lock()
	if !r.running {
		r.runningMu.Unlock()
		return
	}
	r.running = false
	r.runningMu.Unlock()

	if r.traffic != nil {
		r.traffic.DeregisterFromActive()
	}

	if r.healthStop != nil {
		close(r.healthStop)
		r.healthWg.Wait()
		r.healthStop = nil
	}
	if r.syncStop != nil {
		close(r.syncStop)
		r.syncWg.Wait()
		r.syncStop = nil
	}

	r.StopConsumers()
	r.manager.Stop()
	slog.Info("Router stopped")
}

func (r *Router) isRunning() bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running
}

// StartConsumers starts every registered consumer. Used on Resume and when
// this instance is promoted to primary.
func (r *Router) StartConsumers() {
	r.startConsumersLocked()
}

func (r *Router) startConsumersLocked() {
	for _, c := range r.Consumers() {
		if err := c.Start(); err != nil {
			slog.Error("Failed to start consumer", "queue", c.ID(), "error", err)
			r.warn(warning.CategoryHealth, warning.SeverityError,
				fmt.Sprintf("Failed to start consumer for %s: %v", c.ID(), err), "Router")
		}
	}
}

// StopConsumers stops every registered consumer without touching the pools,
// which keep draining in-flight work. Used on Pause and when this instance
// is demoted to standby.
func (r *Router) StopConsumers() {
	for _, c := range r.Consumers() {
		if err := c.Stop(); err != nil {
			slog.Error("Failed to stop consumer", "queue", c.ID(), "error", err)
		}
	}
}

// initialSync fetches and applies the first configuration, retrying on a
// fixed delay. A standby instance waits for promotion without consuming
// retry attempts.
func (r *Router) initialSync() error {
	var lastErr error

	for attempt := 1; attempt <= r.syncCfg.InitialRetryAttempts; attempt++ {
		if r.standby != nil && !r.standby.IsPrimary() {
			slog.Info("Standby instance, waiting for promotion before initial sync")
			select {
			case <-r.syncStop:
				return nil
			case <-time.After(r.syncCfg.InitialRetryDelay):
			}
			attempt--
			continue
		}

		cfg, err := r.source.Fetch(context.Background())
		if err == nil {
			r.applyConfig(cfg)
			slog.Info("Initial config sync complete",
				"attempt", attempt,
				"pools", len(cfg.ProcessingPools),
				"queues", len(cfg.Queues))
			return nil
		}

		lastErr = err
		slog.Warn("Initial config sync attempt failed",
			"attempt", attempt,
			"maxAttempts", r.syncCfg.InitialRetryAttempts,
			"error", err)

		select {
		case <-r.syncStop:
			return nil
		case <-time.After(r.syncCfg.InitialRetryDelay):
		}
	}
	return lastErr
}

// runConfigSync periodically refetches and applies the configuration
func (r *Router) runConfigSync() {
	defer r.syncWg.Done()

	ticker := time.NewTicker(r.syncCfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.syncStop:
			slog.Info("Config sync stopped")
			return
		case <-ticker.C:
			r.syncOnce()
		}
	}
}

func (r *Router) syncOnce() {
	if r.standby != nil && !r.standby.IsPrimary() {
		slog.Debug("Skipping config sync on standby instance")
		return
	}

	cfg, err := r.source.Fetch(context.Background())
	if err != nil {
		slog.Error("Config sync failed, keeping current configuration", "error", err)
		r.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("Config sync failed: %v", err), "Router")
		return
	}

	r.applyConfig(cfg)
}

// applyConfig reconciles pools and consumers against one fetched config
func (r *Router) applyConfig(cfg *configsource.RouterConfig) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	r.manager.ApplyPoolConfigs(cfg.ProcessingPools)

	// An empty queue list leaves locally seeded consumers in place
	if r.factory != nil && len(cfg.Queues) > 0 {
		r.applyQueues(cfg)
	}
}

// applyQueues reconciles the consumer set against the configured queues:
// new entries get a consumer from the factory, removed entries are stopped
func (r *Router) applyQueues(cfg *configsource.RouterConfig) {
	desired := make(map[string]configsource.QueueEntry, len(cfg.Queues))
	for _, entry := range cfg.Queues {
		id := entry.Identifier()
		if id == "" {
			r.warn(warning.CategoryConfiguration, warning.SeverityWarning,
				"Queue entry with neither queueUri nor queueName skipped", "Router")
			slog.Warn("Skipping queue entry with no identifier")
			continue
		}
		if entry.Connections <= 0 {
			entry.Connections = cfg.Connections
		}
		desired[id] = entry
	}

	var added, removed []string

	r.consumersMu.Lock()
	for id, entry := range desired {
		if _, exists := r.consumers[id]; exists {
			continue
		}
		qc, err := r.factory(entry)
		if err != nil {
			slog.Error("Failed to create consumer for configured queue",
				"queue", id, "error", err)
			r.warn(warning.CategoryConfiguration, warning.SeverityError,
				fmt.Sprintf("Failed to create consumer for %s: %v", id, err), "Router")
			continue
		}
		c := NewConsumer(id, entry, qc, r.manager, r.embedded)
		r.consumers[id] = c
		added = append(added, id)

		if r.isRunning() {
			if err := c.Start(); err != nil {
				slog.Error("Failed to start consumer", "queue", id, "error", err)
			}
		}
	}

	var stopping []*Consumer
	for id, c := range r.consumers {
		if _, keep := desired[id]; !keep {
			delete(r.consumers, id)
			stopping = append(stopping, c)
			removed = append(removed, id)
		}
	}
	r.consumersMu.Unlock()

	// Stop removed consumers off the sync path; Stop blocks until the
	// pollers exit
	for _, c := range stopping {
		go func(c *Consumer) {
			if err := c.Stop(); err != nil {
				slog.Error("Failed to stop removed consumer", "queue", c.ID(), "error", err)
			}
		}(c)
	}

	if len(added) > 0 || len(removed) > 0 {
		slog.Info("Consumer config applied", "added", added, "removed", removed)
	}
}

// runHealthMonitor periodically checks consumer liveness and queue depth
func (r *Router) runHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthCfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthStop:
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			r.checkConsumerHealth()
			r.pollQueueDepth()
		}
	}
}

// checkConsumerHealth detects stalled consumers and restarts them, up to
// MaxRestartAttempts each
func (r *Router) checkConsumerHealth() {
	for _, c := range r.Consumers() {
		h := c.Health()

		if h.Running && h.TimeSinceLastPoll > r.healthCfg.StallThreshold {
			metrics.ConsumerStallEvents.Inc()
			c.setStalled(true)

			slog.Error("Consumer stalled",
				"queue", c.ID(),
				"timeSinceLastPoll", h.TimeSinceLastPoll,
				"restartCount", c.GetRestartCount())

			if c.GetRestartCount() >= r.healthCfg.MaxRestartAttempts {
				r.warn(warning.CategoryHealth, warning.SeverityCritical,
					fmt.Sprintf("Consumer %s stalled and restart attempts exhausted (%d)",
						c.ID(), r.healthCfg.MaxRestartAttempts), "Router")
				continue
			}

			r.restartConsumer(c)
			continue
		}

		if c.IsStalled() && h.Healthy {
			slog.Info("Consumer recovered", "queue", c.ID())
			c.setStalled(false)
			c.resetRestartCount()
		}
	}
}

// restartConsumer stops a stalled consumer and brings up a replacement.
// When a factory is available the broker consumer is rebuilt from its
// config entry, dropping whatever connection state caused the stall.
func (r *Router) restartConsumer(c *Consumer) {
	count := c.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Warn("Restarting stalled consumer",
		"queue", c.ID(),
		"attempt", count,
		"maxAttempts", r.healthCfg.MaxRestartAttempts)
	r.warn(warning.CategoryHealth, warning.SeverityError,
		fmt.Sprintf("Restarting stalled consumer %s (attempt %d/%d)",
			c.ID(), count, r.healthCfg.MaxRestartAttempts), "Router")

	if err := c.Stop(); err != nil {
		slog.Error("Failed to stop stalled consumer", "queue", c.ID(), "error", err)
	}

	time.Sleep(r.healthCfg.RestartDelay)

	if r.factory == nil {
		if err := c.Start(); err != nil {
			slog.Error("Failed to restart consumer", "queue", c.ID(), "error", err)
		}
		return
	}

	qc, err := r.factory(c.Entry())
	if err != nil {
		slog.Error("Failed to rebuild consumer", "queue", c.ID(), "error", err)
		return
	}

	replacement := NewConsumer(c.ID(), c.Entry(), qc, r.manager, r.embedded)
	replacement.setRestartCount(count)

	r.consumersMu.Lock()
	r.consumers[c.ID()] = replacement
	r.consumersMu.Unlock()

	if err := replacement.Start(); err != nil {
		slog.Error("Failed to start rebuilt consumer", "queue", c.ID(), "error", err)
	}
}

// pollQueueDepth refreshes broker-side depth figures for monitoring
func (r *Router) pollQueueDepth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range r.Consumers() {
		qm, err := c.Metrics(ctx)
		if err != nil {
			slog.Debug("Queue depth unavailable", "queue", c.ID(), "error", err)
			continue
		}
		r.manager.queueStats.RecordQueueMetrics(c.QueueID(), qm.PendingMessages, qm.MessagesNotVisible)
		metrics.QueueDepthGauge.WithLabelValues(c.QueueID()).Set(float64(qm.PendingMessages))
	}
}

func (r *Router) warn(category, severity, message, source string) {
	if r.warnings != nil {
		r.warnings.AddWarning(category, severity, message, source)
	}
}
