// Package configsource defines where router configuration comes from.
// The coordinator periodically fetches a RouterConfig and diffs it against
// the running pools and consumers.
package configsource

import (
	"context"
)

// QueueEntry describes one broker queue the router should consume
type QueueEntry struct {
	// QueueURI is the full queue address (SQS URL, broker destination)
	QueueURI string `json:"queueUri,omitempty"`

	// QueueName is the bare queue name when no URI is configured
	QueueName string `json:"queueName,omitempty"`

	// Connections is the number of concurrent pollers for this queue.
	// Zero means use the top-level default.
	Connections int `json:"connections,omitempty"`
}

// Identifier returns the queue's identity, preferring the URI.
// An empty result means the entry is unusable and should be skipped.
func (q QueueEntry) Identifier() string {
	if q.QueueURI != "" {
		return q.QueueURI
	}
	return q.QueueName
}

// PoolEntry describes one processing pool
type PoolEntry struct {
	Code               string `json:"code"`
	Concurrency        int    `json:"concurrency"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty"`
}

// RouterConfig is the full configuration set the coordinator applies
type RouterConfig struct {
	Queues          []QueueEntry `json:"queues"`
	Connections     int          `json:"connections,omitempty"`
	ProcessingPools []PoolEntry  `json:"processingPools"`
}

// Source supplies router configuration
type Source interface {
	Fetch(ctx context.Context) (*RouterConfig, error)
}

// StaticSource returns a fixed configuration on every fetch. Used for
// embedded mode and for tests.
type StaticSource struct {
	config *RouterConfig
}

// NewStaticSource creates a static source. A nil config uses the defaults.
func NewStaticSource(cfg *RouterConfig) *StaticSource {
	if cfg == nil {
		cfg = DefaultRouterConfig()
	}
	return &StaticSource{config: cfg}
}

// Fetch returns the stored configuration
func (s *StaticSource) Fetch(ctx context.Context) (*RouterConfig, error) {
	return s.config, nil
}

// DefaultRouterConfig returns the pool set used when no remote source is
// configured
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		ProcessingPools: []PoolEntry{
			{Code: "POOL-HIGH", Concurrency: 10},
			{Code: "POOL-MEDIUM", Concurrency: 10},
			{Code: "POOL-LOW", Concurrency: 10},
		},
	}
}
