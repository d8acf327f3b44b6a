// Package model provides data structures for the message router
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MediationType defines the type of mediation to perform
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to external webhooks
	MediationTypeHTTP MediationType = "HTTP"
)

// Default pool codes assigned when a message does not name one.
const (
	// DefaultPoolCodeEmbedded is assigned to unlabelled messages from the embedded broker
	DefaultPoolCodeEmbedded = "POOL-MEDIUM"

	// DefaultPoolCodeExternal is assigned to unlabelled messages from external brokers
	DefaultPoolCodeExternal = "DEFAULT"
)

// ErrMissingMessageID is returned when a queue frame has no message identifier
var ErrMissingMessageID = errors.New("message envelope has no messageId")

// MessagePointer contains routing and mediation information.
// This record is deserialized from queue messages and carries everything
// needed to route a message through a processing pool to its callback URL.
type MessagePointer struct {
	// ID is the application-assigned message identifier (used for deduplication)
	ID string `json:"id"`

	// PoolCode is the processing pool identifier (e.g., "POOL-HIGH", "order-service")
	PoolCode string `json:"poolCode"`

	// AuthToken is the authentication token forwarded to the callback endpoint
	AuthToken string `json:"authToken,omitempty"`

	// MediationType is the type of mediation to perform (HTTP is the only type today)
	MediationType MediationType `json:"mediationType,omitempty"`

	// MediationTarget is the callback URL the payload is delivered to
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID is the optional message group ID for FIFO ordering within business entities.
	// Messages with the same messageGroupId are processed sequentially,
	// while messages with different messageGroupIds are processed concurrently.
	// Examples:
	//   - "order-12345" - All events for this order process in FIFO order
	//   - "user-67890" - All events for this user process in FIFO order
	//   - empty string - Uses the default group, processes independently
	MessageGroupID string `json:"messageGroupId,omitempty"`

	// Payload is the opaque JSON document posted to the callback URL.
	// The router never inspects it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the optional producer-side creation timestamp
	CreatedAt *time.Time `json:"createdAt,omitempty"`

	// HighPriority selects the high tier of the per-group priority queue
	HighPriority bool `json:"highPriority,omitempty"`

	// --- Internal fields (not serialized to queue) ---

	// BatchID is the internal batch identifier (NOT part of external contract, populated during routing).
	// Used to track messages from the same batch for FIFO ordering enforcement.
	BatchID string `json:"-"`

	// BrokerMessageID is the broker-assigned message ID (SQS MessageId, NATS
	// stream sequence, STOMP message-id) used for pipeline tracking
	BrokerMessageID string `json:"-"`
}

// wirePointer accepts the alias field names producers are allowed to use.
type wirePointer struct {
	MessagePointer
	MessageID   string `json:"messageId"`
	CallbackURL string `json:"callbackUrl"`
}

// Parse decodes a queue frame into a MessagePointer. Producers may use
// "messageId" for "id" and "callbackUrl" for "mediationTarget"; the canonical
// name wins when both are present. Returns ErrMissingMessageID when neither
// identifier field is set.
func Parse(data []byte) (*MessagePointer, error) {
	var w wirePointer
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid message envelope: %w", err)
	}

	mp := w.MessagePointer
	if mp.ID == "" {
		mp.ID = w.MessageID
	}
	if mp.MediationTarget == "" {
		mp.MediationTarget = w.CallbackURL
	}
	if mp.MediationType == "" {
		mp.MediationType = MediationTypeHTTP
	}

	if mp.ID == "" {
		return nil, ErrMissingMessageID
	}

	return &mp, nil
}

// MediationResponse is the response from a mediation endpoint indicating whether
// the message should be acknowledged.
//
// The endpoint returns HTTP 2xx with this DTO to indicate:
//   - ack: true  - Message processing is complete, ACK it and mark as success
//   - ack: false - Message is accepted but not ready to be processed yet.
//     Nack it and retry via queue visibility timeout. Optionally specify a delay.
type MediationResponse struct {
	// Ack indicates whether the message should be acknowledged (true) or nacked for retry (false)
	Ack bool `json:"ack"`

	// Message is an optional message or reason (e.g., delay reason if ack=false)
	Message string `json:"message,omitempty"`

	// DelaySeconds is the optional delay in seconds before the message becomes visible again
	// (only used when ack=false). Valid range: 1-43200 (12 hours).
	// If nil or 0, uses default visibility timeout (30s).
	DelaySeconds *int `json:"delaySeconds,omitempty"`
}

// Constants for delay handling
const (
	// MaxDelaySeconds is the maximum redelivery delay (12 hours, the SQS ceiling)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the default redelivery delay when none specified
	DefaultDelaySeconds = 30

	// FastFailDelaySeconds is the short redelivery delay for messages nacked
	// without processing (failed batch groups, rate limiter queue overflow)
	FastFailDelaySeconds = 10

	// CapacityDelaySeconds is the redelivery delay when a pool rejects a
	// message at admission (pool full or not running)
	CapacityDelaySeconds = 5
)

// GetEffectiveDelaySeconds returns the effective delay in seconds, clamped to valid range.
// Returns DefaultDelaySeconds if DelaySeconds is nil or 0.
func (r *MediationResponse) GetEffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}
