package ingestion

import (
	"StabilityPool/internal/event"
	"fmt"
)

// NATSPartitionPrefix marks partitions fed from NATS subjects.
const NATSPartitionPrefix = "nats:"

// ParseRawEvent converts a raw NATS command into a typed event. The partition
// is the message subject, so every producer subject keeps its own sequence;
// a source named in the payload is ignored.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	evt, err := event.Unmarshal(raw.EventType, raw.Data)
	if err != nil {
		return nil, err
	}

	meta := metaOf(evt)
	if meta == nil {
		return nil, fmt.Errorf("unsupported event %T", evt)
	}
	if meta.OccurredAt.UnixMicro() <= 0 {
		return nil, fmt.Errorf("parse %s: timestamp_us is required", raw.EventType)
	}
	if meta.Sequence <= 0 {
		return nil, fmt.Errorf("parse %s: sequence must be positive", raw.EventType)
	}
	meta.Source = NATSPartitionPrefix + raw.Subject

	// a payout carried by a command is never trusted
	if l, ok := evt.(*event.Liquidate); ok {
		l.PayoutReceived = nil
	}
	return evt, nil
}

func metaOf(evt event.Event) *event.Meta {
	switch e := evt.(type) {
	case *event.Deposit:
		return &e.Meta
	case *event.Unlock:
		return &e.Meta
	case *event.WithdrawUnlocked:
		return &e.Meta
	case *event.Checkpoint:
		return &e.Meta
	case *event.Liquidate:
		return &e.Meta
	case *event.RegisterRewardStream:
		return &e.Meta
	case *event.NotifyReward:
		return &e.Meta
	case *event.ClaimReward:
		return &e.Meta
	case *event.ClaimPayout:
		return &e.Meta
	default:
		return nil
	}
}
