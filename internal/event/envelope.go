package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeUnlock
	EventTypeWithdrawUnlocked
	EventTypeCheckpoint
	EventTypeLiquidate
	EventTypeRegisterRewardStream
	EventTypeNotifyReward
	EventTypeClaimReward
	EventTypeClaimPayout
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// User context (nil for pool-wide events)
	UserID *uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream partition and sequence for ordering validation
	Partition      string
	SourceSequence int64

	// JSON wire encoding of the event as applied (see Marshal)
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// UserID returns the depositor the event touches (nil for pool-wide events)
	UserID() *uuid.UUID

	// Partition names the upstream ordering domain
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Timestamp is the caller-supplied time the event takes effect
	Timestamp() time.Time
}

// Meta carries the fields every event shares.
type Meta struct {
	EventID    uuid.UUID
	Source     string
	Sequence   int64
	OccurredAt time.Time
}

func (m Meta) IdempotencyKey() string { return m.EventID.String() }
func (m Meta) Partition() string      { return m.Source }
func (m Meta) SourceSequence() int64  { return m.Sequence }
func (m Meta) Timestamp() time.Time   { return m.OccurredAt }

// AssignSequence stamps a core-assigned source sequence on events from
// partitions without upstream ordering.
func (m *Meta) AssignSequence(seq int64) { m.Sequence = seq }

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeUnlock:
		return "Unlock"
	case EventTypeWithdrawUnlocked:
		return "WithdrawUnlocked"
	case EventTypeCheckpoint:
		return "Checkpoint"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeRegisterRewardStream:
		return "RegisterRewardStream"
	case EventTypeNotifyReward:
		return "NotifyReward"
	case EventTypeClaimReward:
		return "ClaimReward"
	case EventTypeClaimPayout:
		return "ClaimPayout"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeDeposit; et <= EventTypeClaimPayout; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
