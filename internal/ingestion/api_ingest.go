package ingestion

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventProcessor is the write side of the pool core.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*core.Receipt, error)
}

// CommandService accepts commands from the API. Commands carry no upstream
// ordering, so they land on the "api" partition and the core assigns their
// sequence.
type CommandService struct {
	core    EventProcessor
	oracle  LiquidationOracle
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCommandService(c EventProcessor, oracle LiquidationOracle, metrics *observability.Metrics, logger zerolog.Logger) *CommandService {
	return &CommandService{
		core:    c,
		oracle:  oracle,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit applies one command. A missing event ID gets a fresh one, which
// makes the command non-idempotent; clients that retry must send their own.
func (s *CommandService) Submit(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	meta := metaOf(evt)
	if meta == nil {
		return nil, fmt.Errorf("unsupported event %T", evt)
	}
	if meta.EventID == uuid.Nil {
		meta.EventID = uuid.New()
	}
	if meta.OccurredAt.IsZero() || meta.OccurredAt.UnixMicro() <= 0 {
		meta.OccurredAt = s.now().UTC()
	}
	meta.Source = core.PartitionAPI
	meta.Sequence = 0

	if l, ok := evt.(*event.Liquidate); ok {
		l.PayoutReceived = nil
	}

	if !liquidationAllowed(ctx, s.oracle, evt) {
		if s.metrics != nil {
			s.metrics.LiquidationsRejected.WithLabelValues("oracle").Inc()
		}
		return nil, state.ErrLiquidationNotPermitted
	}

	start := s.now()
	receipt, err := s.core.ProcessEvent(ctx, evt)
	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues("api").Observe(s.now().Sub(start).Seconds())
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("event_type", evt.EventType().String()).Msg("command rejected")
		return nil, err
	}
	return receipt, nil
}
