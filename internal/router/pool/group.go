package pool

import (
	"log/slog"
	"time"
)

// groupHandler owns the two-tier queue for one message group. A single
// goroutine drains it, so messages within the group never overlap.
type groupHandler struct {
	groupID string
	high    chan *MessagePointer
	regular chan *MessagePointer
}

func newGroupHandler(groupID string, capacity int) *groupHandler {
	return &groupHandler{
		groupID: groupID,
		high:    make(chan *MessagePointer, capacity),
		regular: make(chan *MessagePointer, capacity),
	}
}

// enqueue places the message in its priority tier without blocking
func (h *groupHandler) enqueue(msg *MessagePointer) bool {
	tier := h.regular
	if msg.HighPriority {
		tier = h.high
	}
	select {
	case tier <- msg:
		return true
	default:
		return false
	}
}

// pending returns the number of messages waiting in both tiers
func (h *groupHandler) pending() int {
	return len(h.high) + len(h.regular)
}

// runGroup drains one message group until shutdown or idle retirement.
// The high tier is exhausted before the regular tier is read; within a
// tier messages stay in arrival order.
func (p *ProcessPool) runGroup(h *groupHandler) {
	defer p.wg.Done()

	slog.Debug("Starting message group processor",
		"pool", p.poolCode,
		"group", h.groupID)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		// High tier first
		select {
		case msg := <-h.high:
			p.resetIdle(idle)
			p.processMessage(msg)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			slog.Debug("Message group processor shutting down",
				"pool", p.poolCode,
				"group", h.groupID)
			return

		case msg := <-h.high:
			p.resetIdle(idle)
			p.processMessage(msg)

		case msg := <-h.regular:
			p.resetIdle(idle)
			p.processMessage(msg)

		case <-idle.C:
			if p.retireGroup(h) {
				slog.Debug("Message group idle, cleaning up",
					"pool", p.poolCode,
					"group", h.groupID,
					"idleMinutes", IdleTimeoutMinutes)
				return
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

func (p *ProcessPool) resetIdle(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(p.idleTimeout)
}

// retireGroup removes an idle group from the pool. Returns false when a
// message arrived between the idle timeout firing and the lock being taken.
func (p *ProcessPool) retireGroup(h *groupHandler) bool {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	if h.pending() > 0 {
		return false
	}
	delete(p.groups, h.groupID)
	return true
}
