package scheduler

import (
	"StabilityPool/internal/core"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/observability"
	"context"
)

// GaugeJob refreshes the pool gauges from the core's summary.
type GaugeJob struct {
	core    *core.PoolCore
	metrics *observability.Metrics
}

func NewGaugeJob(c *core.PoolCore, metrics *observability.Metrics) *GaugeJob {
	return &GaugeJob{core: c, metrics: metrics}
}

func (g *GaugeJob) Name() string { return "pool_gauges" }

func (g *GaugeJob) Run(_ context.Context) error {
	if g.metrics == nil {
		return nil
	}
	s, seq := g.core.Summary()
	g.metrics.PoolTotalActive.Set(fpmath.ToFloat64(s.TotalActive, fpmath.TokenConfig))
	g.metrics.PoolTotalUnlocking.Set(fpmath.ToFloat64(s.TotalUnlocking, fpmath.TokenConfig))
	g.metrics.PoolProduct.Set(fpmath.ToFloat64(s.P, fpmath.RateConfig))
	g.metrics.PoolEpoch.Set(float64(s.Epoch))
	g.metrics.PoolScale.Set(float64(s.Scale))
	g.metrics.PoolDepositors.Set(float64(s.Depositors))
	g.metrics.PoolUnlockRequests.Set(float64(s.UnlockRequests))
	g.metrics.CoreSequence.Set(float64(seq))
	g.metrics.SchedulerRuns.WithLabelValues(g.Name(), "ok").Inc()
	return nil
}
