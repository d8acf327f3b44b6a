package manager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.routeflow.tech/internal/common/tsid"
	"go.routeflow.tech/internal/queue"
	"go.routeflow.tech/internal/router/configsource"
	"go.routeflow.tech/internal/router/model"
	"go.routeflow.tech/internal/router/pool"
)

// Consumer bridges one broker consumer to the queue manager. It parses
// incoming frames, drops in-batch duplicates and hands the batch to the
// manager for routing. It also carries the supervision state the router's
// health monitor uses to detect and restart stalled consumers.
type Consumer struct {
	id            string
	entry         configsource.QueueEntry
	manager       *QueueManager
	queueConsumer queue.Consumer

	// embedded selects the default pool code for unlabelled messages
	embedded bool

	lastActivity atomic.Int64 // unix millis of last handled batch
	stalled      atomic.Bool

	restartMu    sync.Mutex
	restartCount int
}

// NewConsumer wraps a broker consumer for the given queue entry
func NewConsumer(id string, entry configsource.QueueEntry, qc queue.Consumer, m *QueueManager, embedded bool) *Consumer {
	c := &Consumer{
		id:            id,
		entry:         entry,
		manager:       m,
		queueConsumer: qc,
		embedded:      embedded,
	}
	c.touch()
	return c
}

// ID returns the consumer identifier (the queue URI or name)
func (c *Consumer) ID() string {
	return c.id
}

// Entry returns the config entry this consumer was created from
func (c *Consumer) Entry() configsource.QueueEntry {
	return c.entry
}

// Start begins polling the broker
func (c *Consumer) Start() error {
	c.touch()
	return c.queueConsumer.Start(c.handleBatch)
}

// Stop stops polling and releases broker resources
func (c *Consumer) Stop() error {
	return c.queueConsumer.Stop()
}

// Health reports broker poll liveness
func (c *Consumer) Health() queue.ConsumerHealth {
	return c.queueConsumer.Health()
}

// Metrics reports broker-side queue depth
func (c *Consumer) Metrics(ctx context.Context) (queue.QueueMetrics, error) {
	return c.queueConsumer.Metrics(ctx)
}

// QueueID identifies the source queue
func (c *Consumer) QueueID() string {
	return c.queueConsumer.QueueID()
}

// handleBatch parses one poll's worth of frames and routes them. Always
// returns nil: every frame is acked, nacked or handed to a pool here, so
// there is nothing left for the broker consumer to retry.
func (c *Consumer) handleBatch(batch []queue.Message) error {
	c.touch()
	if len(batch) == 0 {
		return nil
	}

	queueID := c.queueConsumer.QueueID()
	batchID := tsid.Generate()

	seen := make(map[string]bool, len(batch))
	pointers := make([]*pool.MessagePointer, 0, len(batch))

	for _, qmsg := range batch {
		c.manager.queueStats.RecordMessageReceived(queueID)

		parsed, err := model.Parse(qmsg.Data())
		if err != nil {
			// Malformed frames can never succeed; remove them
			slog.Warn("Dropping unparseable message",
				"queue", queueID,
				"brokerMessageId", qmsg.ID(),
				"error", err)
			if ackErr := qmsg.Ack(); ackErr != nil {
				slog.Error("Failed to ack unparseable message", "error", ackErr)
			}
			c.manager.queueStats.RecordMessageProcessed(queueID, false)
			continue
		}

		// The same producer message can appear twice in one poll when a
		// redelivery races the original; keep the first copy only
		if seen[parsed.ID] {
			slog.Info("Dropping in-batch duplicate",
				"messageId", parsed.ID,
				"queue", queueID)
			if ackErr := qmsg.Ack(); ackErr != nil {
				slog.Error("Failed to ack in-batch duplicate", "error", ackErr)
			}
			continue
		}
		seen[parsed.ID] = true

		pointers = append(pointers, c.buildPointer(parsed, qmsg, batchID, queueID))
	}

	if len(pointers) > 0 {
		c.manager.RouteMessageBatch(pointers)
	}
	return nil
}

// buildPointer converts a parsed envelope plus its broker frame into the
// pool's routing record
func (c *Consumer) buildPointer(parsed *model.MessagePointer, qmsg queue.Message, batchID, queueID string) *pool.MessagePointer {
	poolCode := parsed.PoolCode
	if poolCode == "" {
		if c.embedded {
			poolCode = model.DefaultPoolCodeEmbedded
		} else {
			poolCode = model.DefaultPoolCodeExternal
		}
	}

	groupID := parsed.MessageGroupID
	if groupID == "" {
		groupID = qmsg.MessageGroup()
	}

	ptr := &pool.MessagePointer{
		ID:              parsed.ID,
		BrokerMessageID: qmsg.ID(),
		SourceQueue:     queueID,
		BatchID:         batchID,
		PoolCode:        poolCode,
		MessageGroupID:  groupID,
		MediationTarget: parsed.MediationTarget,
		MediationType:   string(parsed.MediationType),
		AuthToken:       parsed.AuthToken,
		Payload:         []byte(parsed.Payload),
		HighPriority:    parsed.HighPriority,
		AckFunc:         qmsg.Ack,
		NakFunc:         qmsg.Nak,
		NakDelayFunc:    qmsg.NakWithDelay,
		InProgressFunc:  qmsg.InProgress,
	}

	if updatable, ok := qmsg.(queue.ReceiptHandleUpdatable); ok {
		ptr.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		ptr.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}

	return ptr
}

func (c *Consumer) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// GetLastActivity returns when the consumer last handled a batch
func (c *Consumer) GetLastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// TimeSinceLastActivity returns how long the consumer has been idle
func (c *Consumer) TimeSinceLastActivity() time.Duration {
	return time.Since(c.GetLastActivity())
}

// IsStalled reports whether the health monitor has marked this consumer
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

func (c *Consumer) setStalled(stalled bool) {
	c.stalled.Store(stalled)
}

// GetRestartCount returns how many times the health monitor has restarted
// this consumer
func (c *Consumer) GetRestartCount() int {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	return c.restartCount
}

func (c *Consumer) setRestartCount(count int) {
	c.restartMu.Lock()
	c.restartCount = count
	c.restartMu.Unlock()
}

func (c *Consumer) incrementRestartCount() int {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.setRestartCount(0)
}
