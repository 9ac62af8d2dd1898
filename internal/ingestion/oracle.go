package ingestion

import (
	"StabilityPool/internal/event"
	"context"
	"sync/atomic"
)

// LiquidationOracle decides whether a liquidation may run at all. It stands
// in for the external solvency check of the system that owns the debt.
type LiquidationOracle interface {
	LiquidationPermitted(ctx context.Context, evt *event.Liquidate) bool
}

// ManualOracle is an operator switch. The zero value refuses liquidations
// until an operator confirms the debt system is under-collateralized.
type ManualOracle struct {
	permitted atomic.Bool
}

func NewManualOracle(permitted bool) *ManualOracle {
	o := &ManualOracle{}
	o.permitted.Store(permitted)
	return o
}

func (o *ManualOracle) LiquidationPermitted(_ context.Context, _ *event.Liquidate) bool {
	return o.permitted.Load()
}

// SetPermitted toggles the switch.
func (o *ManualOracle) SetPermitted(permitted bool) {
	o.permitted.Store(permitted)
}

func (o *ManualOracle) Permitted() bool {
	return o.permitted.Load()
}

// liquidationAllowed applies the oracle to evt; non-liquidations always pass.
func liquidationAllowed(ctx context.Context, oracle LiquidationOracle, evt event.Event) bool {
	l, ok := evt.(*event.Liquidate)
	if !ok || oracle == nil {
		return true
	}
	return oracle.LiquidationPermitted(ctx, l)
}
