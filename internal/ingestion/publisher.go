package ingestion

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// OutboundSubjectPrefix is the subject root for published ledger events.
const OutboundSubjectPrefix = "pool.ledger.events"

type publishClient interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers. Events reach it only after the persistence worker committed
// them, on pool.ledger.events.{event_type}.
type OutboundPublisher struct {
	js       publishClient
	input    chan PublishableEvent
	subjects *xsync.Map[string, string]
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// PublishableEvent is a persisted event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	UserID         *string         `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js publishClient, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutboundPublisher{
		js:       js,
		input:    make(chan PublishableEvent, buffer),
		subjects: xsync.NewMap[string, string](),
		metrics:  metrics,
		logger:   logger,
	}
}

// PublishableFromOutput converts a core output for the wire.
func PublishableFromOutput(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.UserID != nil {
		uid := env.UserID.String()
		pe.UserID = &uid
	}
	return pe
}

// Enqueue hands a persisted batch to the publisher. It never blocks the
// persistence worker: a full queue drops the event, and consumers catch up
// from the event log.
func (op *OutboundPublisher) Enqueue(outputs []core.CoreOutput) {
	for _, out := range outputs {
		select {
		case op.input <- PublishableFromOutput(out):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
			op.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish queue full, event dropped")
		}
	}
	if op.metrics != nil {
		op.metrics.SetChannelMetrics("publish", len(op.input), cap(op.input))
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.input:
			if err := op.publish(ctx, evt); err != nil {
				// consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, op.subject(evt.EventType), data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}

func (op *OutboundPublisher) subject(eventType string) string {
	if s, ok := op.subjects.Load(eventType); ok {
		return s
	}
	s, _ := op.subjects.LoadOrStore(eventType, OutboundSubjectPrefix+"."+eventType)
	return s
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
