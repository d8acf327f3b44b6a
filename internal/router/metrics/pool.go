package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// processingTimeWindow is the number of most recent processing durations kept
// for the rolling average.
const processingTimeWindow = 1000

// outcomeKind classifies a recorded processing outcome.
type outcomeKind int8

const (
	outcomeSucceeded outcomeKind = iota
	outcomeFailed
	outcomeTransient
	outcomeRateLimited
	outcomeDeferred
)

// poolOutcome is a timestamped outcome used to compute rolling window stats.
type poolOutcome struct {
	timestamp time.Time
	kind      outcomeKind
}

// PoolStats represents statistics for a processing pool
type PoolStats struct {
	PoolCode                string  `json:"poolCode"`
	TotalProcessed          int64   `json:"totalProcessed"`
	TotalSucceeded          int64   `json:"totalSucceeded"`
	TotalFailed             int64   `json:"totalFailed"`
	TotalTransient          int64   `json:"totalTransient"`
	TotalDeferred           int64   `json:"totalDeferred"`
	TotalRateLimited        int64   `json:"totalRateLimited"`
	SuccessRate             float64 `json:"successRate"`
	ActiveWorkers           int     `json:"activeWorkers"`
	AvailablePermits        int     `json:"availablePermits"`
	MaxConcurrency          int     `json:"maxConcurrency"`
	QueueSize               int     `json:"queueSize"`
	MaxQueueCapacity        int     `json:"maxQueueCapacity"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	// 5-minute rolling window
	TotalProcessed5min int64   `json:"totalProcessed5min"`
	Succeeded5min      int64   `json:"succeeded5min"`
	Failed5min         int64   `json:"failed5min"`
	Transient5min      int64   `json:"transient5min"`
	RateLimited5min    int64   `json:"rateLimited5min"`
	SuccessRate5min    float64 `json:"successRate5min"`
	// 30-minute rolling window
	TotalProcessed30min int64   `json:"totalProcessed30min"`
	Succeeded30min      int64   `json:"succeeded30min"`
	Failed30min         int64   `json:"failed30min"`
	Transient30min      int64   `json:"transient30min"`
	RateLimited30min    int64   `json:"rateLimited30min"`
	SuccessRate30min    float64 `json:"successRate30min"`
}

// EmptyPoolStats returns empty statistics for a pool
func EmptyPoolStats(poolCode string) *PoolStats {
	return &PoolStats{
		PoolCode:         poolCode,
		SuccessRate:      1.0,
		SuccessRate5min:  1.0,
		SuccessRate30min: 1.0,
	}
}

// PoolMetricsService tracks processing pool metrics
type PoolMetricsService interface {
	RecordMessageSubmitted(poolCode string)
	RecordProcessingStarted(poolCode string)
	RecordProcessingFinished(poolCode string)
	RecordProcessingSuccess(poolCode string, durationMs int64)
	RecordProcessingFailure(poolCode string, durationMs int64, errorType string)
	RecordProcessingTransient(poolCode string, durationMs int64)
	RecordProcessingDeferred(poolCode string, durationMs int64)
	RecordRateLimitExceeded(poolCode string)
	InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int)
	UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int)
	GetPoolStats(poolCode string) *PoolStats
	GetAllPoolStats() map[string]*PoolStats
	GetLastActivityTimestamp(poolCode string) *time.Time
	RemovePoolMetrics(poolCode string)
}

// poolMetricsHolder holds metrics for a single pool
type poolMetricsHolder struct {
	mu                    sync.RWMutex
	messagesSubmitted     int64
	messagesSucceeded     int64
	messagesFailed        int64
	messagesTransient     int64
	messagesDeferred      int64
	messagesRateLimited   int64
	processingTimesMs     []int64
	durationCursor        int
	activeWorkers         int
	availablePermits      int
	queueSize             int
	messageGroupCount     int
	maxConcurrency        int
	maxQueueCapacity      int
	lastActivityTimestamp time.Time
	recordedOutcomes      []poolOutcome
}

// recordDurationLocked appends a duration to the ring of recent durations.
// Caller must hold h.mu.
func (h *poolMetricsHolder) recordDurationLocked(durationMs int64) {
	if len(h.processingTimesMs) < processingTimeWindow {
		h.processingTimesMs = append(h.processingTimesMs, durationMs)
		return
	}
	h.processingTimesMs[h.durationCursor] = durationMs
	h.durationCursor = (h.durationCursor + 1) % processingTimeWindow
}

// recordOutcomeLocked appends a timestamped outcome, dropping entries older
// than the widest rolling window so the slice stays bounded.
// Caller must hold h.mu.
func (h *poolMetricsHolder) recordOutcomeLocked(kind outcomeKind) {
	now := time.Now()
	cutoff := now.Add(-30 * time.Minute)
	expired := 0
	for expired < len(h.recordedOutcomes) && !h.recordedOutcomes[expired].timestamp.After(cutoff) {
		expired++
	}
	if expired > 0 {
		h.recordedOutcomes = append(h.recordedOutcomes[:0:0], h.recordedOutcomes[expired:]...)
	}
	h.recordedOutcomes = append(h.recordedOutcomes, poolOutcome{timestamp: now, kind: kind})
}

// InMemoryPoolMetricsService is an in-memory implementation of PoolMetricsService
type InMemoryPoolMetricsService struct {
	mu      sync.RWMutex
	metrics map[string]*poolMetricsHolder
}

// NewInMemoryPoolMetricsService creates a new pool metrics service
func NewInMemoryPoolMetricsService() *InMemoryPoolMetricsService {
	return &InMemoryPoolMetricsService{
		metrics: make(map[string]*poolMetricsHolder),
	}
}

// RecordMessageSubmitted records that a message was submitted to a pool
func (s *InMemoryPoolMetricsService) RecordMessageSubmitted(poolCode string) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()
	holder.messagesSubmitted++
}

// RecordProcessingStarted records that processing started (no-op for gauge-based tracking)
func (s *InMemoryPoolMetricsService) RecordProcessingStarted(poolCode string) {
	// No-op: activeWorkers is tracked via UpdatePoolGauges()
}

// RecordProcessingFinished records that processing finished (no-op for gauge-based tracking)
func (s *InMemoryPoolMetricsService) RecordProcessingFinished(poolCode string) {
	// No-op: activeWorkers is tracked via UpdatePoolGauges()
}

// RecordProcessingSuccess records successful message processing
func (s *InMemoryPoolMetricsService) RecordProcessingSuccess(poolCode string, durationMs int64) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()

	holder.messagesSucceeded++
	holder.recordDurationLocked(durationMs)
	holder.lastActivityTimestamp = time.Now()
	holder.recordOutcomeLocked(outcomeSucceeded)
}

// RecordProcessingFailure records permanently failed message processing
func (s *InMemoryPoolMetricsService) RecordProcessingFailure(poolCode string, durationMs int64, errorType string) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()

	holder.messagesFailed++
	holder.recordDurationLocked(durationMs)
	holder.lastActivityTimestamp = time.Now()
	holder.recordOutcomeLocked(outcomeFailed)
}

// RecordProcessingTransient records a transient error (message will be retried).
// Transient outcomes count toward throughput windows but not toward the
// success rate, and they do not update the last activity timestamp.
func (s *InMemoryPoolMetricsService) RecordProcessingTransient(poolCode string, durationMs int64) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()

	holder.messagesTransient++
	holder.recordDurationLocked(durationMs)
	holder.recordOutcomeLocked(outcomeTransient)
}

// RecordProcessingDeferred records a deferred message (target asked to retry later)
func (s *InMemoryPoolMetricsService) RecordProcessingDeferred(poolCode string, durationMs int64) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()

	holder.messagesDeferred++
	holder.recordDurationLocked(durationMs)
	holder.lastActivityTimestamp = time.Now()
	holder.recordOutcomeLocked(outcomeDeferred)
}

// RecordRateLimitExceeded records a rate limit rejection
func (s *InMemoryPoolMetricsService) RecordRateLimitExceeded(poolCode string) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()
	holder.messagesRateLimited++
	holder.recordOutcomeLocked(outcomeRateLimited)
}

// InitializePoolCapacity sets pool capacity settings
func (s *InMemoryPoolMetricsService) InitializePoolCapacity(poolCode string, maxConcurrency, maxQueueCapacity int) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()
	holder.maxConcurrency = maxConcurrency
	holder.maxQueueCapacity = maxQueueCapacity
}

// UpdatePoolGauges updates gauge metrics for pool state
func (s *InMemoryPoolMetricsService) UpdatePoolGauges(poolCode string, activeWorkers, availablePermits, queueSize, messageGroupCount int) {
	holder := s.getOrCreateMetrics(poolCode)
	holder.mu.Lock()
	defer holder.mu.Unlock()
	holder.activeWorkers = activeWorkers
	holder.availablePermits = availablePermits
	holder.queueSize = queueSize
	holder.messageGroupCount = messageGroupCount
}

// GetPoolStats returns statistics for a specific pool
func (s *InMemoryPoolMetricsService) GetPoolStats(poolCode string) *PoolStats {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()

	if !ok {
		return EmptyPoolStats(poolCode)
	}

	return holder.buildStats(poolCode)
}

// GetAllPoolStats returns statistics for all pools
func (s *InMemoryPoolMetricsService) GetAllPoolStats() map[string]*PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*PoolStats)
	for poolCode, holder := range s.metrics {
		result[poolCode] = holder.buildStats(poolCode)
	}
	return result
}

// GetLastActivityTimestamp returns the last activity timestamp for a pool
func (s *InMemoryPoolMetricsService) GetLastActivityTimestamp(poolCode string) *time.Time {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	holder.mu.RLock()
	defer holder.mu.RUnlock()

	if holder.lastActivityTimestamp.IsZero() {
		return nil
	}
	ts := holder.lastActivityTimestamp
	return &ts
}

// RemovePoolMetrics removes all metrics for a pool
func (s *InMemoryPoolMetricsService) RemovePoolMetrics(poolCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.metrics[poolCode]; ok {
		delete(s.metrics, poolCode)
		slog.Info("Removed metrics for pool", "poolCode", poolCode)
	}
}

func (s *InMemoryPoolMetricsService) getOrCreateMetrics(poolCode string) *poolMetricsHolder {
	s.mu.RLock()
	holder, ok := s.metrics[poolCode]
	s.mu.RUnlock()

	if ok {
		return holder
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if holder, ok := s.metrics[poolCode]; ok {
		return holder
	}

	holder = &poolMetricsHolder{
		recordedOutcomes: make([]poolOutcome, 0),
	}
	s.metrics[poolCode] = holder
	slog.Info("Creating metrics for pool", "poolCode", poolCode)
	return holder
}

func (h *poolMetricsHolder) buildStats(poolCode string) *PoolStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Transient outcomes are retried and excluded from the success rate.
	totalProcessed := h.messagesSucceeded + h.messagesFailed

	successRate := 1.0
	if totalProcessed > 0 {
		successRate = float64(h.messagesSucceeded) / float64(totalProcessed)
	}

	avgProcessingTime := 0.0
	if len(h.processingTimesMs) > 0 {
		var sum int64
		for _, ms := range h.processingTimesMs {
			sum += ms
		}
		avgProcessingTime = float64(sum) / float64(len(h.processingTimesMs))
	}

	// Calculate rolling window metrics
	now := time.Now()
	fiveMinutesAgo := now.Add(-5 * time.Minute)
	thirtyMinutesAgo := now.Add(-30 * time.Minute)

	var succeeded5min, failed5min, transient5min, rateLimited5min int64
	var succeeded30min, failed30min, transient30min, rateLimited30min int64

	for _, outcome := range h.recordedOutcomes {
		if !outcome.timestamp.After(thirtyMinutesAgo) {
			continue
		}
		recent := outcome.timestamp.After(fiveMinutesAgo)
		switch outcome.kind {
		case outcomeSucceeded:
			succeeded30min++
			if recent {
				succeeded5min++
			}
		case outcomeFailed:
			failed30min++
			if recent {
				failed5min++
			}
		case outcomeTransient:
			transient30min++
			if recent {
				transient5min++
			}
		case outcomeRateLimited:
			rateLimited30min++
			if recent {
				rateLimited5min++
			}
		}
	}

	totalProcessed5min := succeeded5min + failed5min
	successRate5min := 1.0
	if totalProcessed5min > 0 {
		successRate5min = float64(succeeded5min) / float64(totalProcessed5min)
	}

	totalProcessed30min := succeeded30min + failed30min
	successRate30min := 1.0
	if totalProcessed30min > 0 {
		successRate30min = float64(succeeded30min) / float64(totalProcessed30min)
	}

	return &PoolStats{
		PoolCode:                poolCode,
		TotalProcessed:          totalProcessed,
		TotalSucceeded:          h.messagesSucceeded,
		TotalFailed:             h.messagesFailed,
		TotalTransient:          h.messagesTransient,
		TotalDeferred:           h.messagesDeferred,
		TotalRateLimited:        h.messagesRateLimited,
		SuccessRate:             successRate,
		ActiveWorkers:           h.activeWorkers,
		AvailablePermits:        h.availablePermits,
		MaxConcurrency:          h.maxConcurrency,
		MaxQueueCapacity:        h.maxQueueCapacity,
		QueueSize:               h.queueSize,
		AverageProcessingTimeMs: avgProcessingTime,
		TotalProcessed5min:      totalProcessed5min,
		Succeeded5min:           succeeded5min,
		Failed5min:              failed5min,
		Transient5min:           transient5min,
		RateLimited5min:         rateLimited5min,
		SuccessRate5min:         successRate5min,
		TotalProcessed30min:     totalProcessed30min,
		Succeeded30min:          succeeded30min,
		Failed30min:             failed30min,
		Transient30min:          transient30min,
		RateLimited30min:        rateLimited30min,
		SuccessRate30min:        successRate30min,
	}
}
