package ingestion

import (
	"StabilityPool/internal/event"
	"StabilityPool/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

type parsedEvent struct {
	evt        event.Event
	receivedAt time.Time
}

// Ingestor drains raw NATS commands into the core. Parsing and core
// application run in separate goroutines joined by a bounded channel.
// Messages are acked once parsed and queued, not after the core applied
// them, so AckWait never expires behind a slow apply and a full queue
// pushes back on NATS.
type Ingestor struct {
	core    EventProcessor
	oracle  LiquidationOracle
	raw     <-chan RawEvent
	parsed  chan parsedEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIngestor(c EventProcessor, oracle LiquidationOracle, raw <-chan RawEvent, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *Ingestor {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Ingestor{
		core:    c,
		oracle:  oracle,
		raw:     raw,
		parsed:  make(chan parsedEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled or the raw channel closes.
func (in *Ingestor) Run(ctx context.Context) error {
	go in.parseLoop(ctx)
	return in.applyLoop(ctx)
}

func (in *Ingestor) parseLoop(ctx context.Context) {
	defer close(in.parsed)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in.raw:
			if !ok {
				return
			}

			evt, err := ParseRawEvent(raw)
			if err != nil {
				in.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unparseable command")
				terminate(raw)
				continue
			}

			select {
			case in.parsed <- parsedEvent{evt: evt, receivedAt: raw.ReceivedAt}:
				ack(raw)
			case <-ctx.Done():
				nak(raw)
				return
			}
		}
	}
}

func (in *Ingestor) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in.parsed:
			if !ok {
				return nil
			}
			in.apply(ctx, p)
		}
	}
}

func (in *Ingestor) apply(ctx context.Context, p parsedEvent) {
	if in.metrics != nil {
		in.metrics.SetChannelMetrics("ingest", len(in.parsed), cap(in.parsed))
	}

	if !liquidationAllowed(ctx, in.oracle, p.evt) {
		if in.metrics != nil {
			in.metrics.LiquidationsRejected.WithLabelValues("oracle").Inc()
		}
		in.logger.Warn().Str("partition", p.evt.Partition()).Int64("source_sequence", p.evt.SourceSequence()).
			Msg("liquidation refused by oracle")
		return
	}

	receipt, err := in.core.ProcessEvent(ctx, p.evt)
	if err != nil {
		in.logger.Warn().Err(err).
			Str("event_type", p.evt.EventType().String()).
			Str("partition", p.evt.Partition()).
			Int64("source_sequence", p.evt.SourceSequence()).
			Msg("command rejected")
		return
	}
	if in.metrics != nil && !p.receivedAt.IsZero() {
		in.metrics.IngestToApply.WithLabelValues("nats").Observe(time.Since(p.receivedAt).Seconds())
	}
	if receipt.Duplicate {
		in.logger.Debug().Str("key", p.evt.IdempotencyKey()).Msg("duplicate command ignored")
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// terminate stops redelivery of a message that can never parse.
func terminate(raw RawEvent) {
	switch {
	case raw.TermFunc != nil:
		raw.TermFunc()
	case raw.AckFunc != nil:
		raw.AckFunc()
	}
}
