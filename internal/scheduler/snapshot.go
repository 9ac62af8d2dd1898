package scheduler

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrPersistenceBehind means the core is ahead of the event log, so a
// snapshot could not be checked against a logged hash yet.
var ErrPersistenceBehind = errors.New("persistence has not caught up with the core")

// SnapshotStore is the part of persistence.SnapshotManager the job uses.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	LoggedStateHash(ctx context.Context, sequence int64) ([32]byte, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// PersistProgress reports the highest sequence committed to the event log.
type PersistProgress interface {
	LastPersisted() int64
}

// SnapshotJob captures the core's state. A snapshot is only marked verified
// after its hash matched the hash the event log recorded at that sequence;
// recovery loads verified snapshots only.
type SnapshotJob struct {
	mu        sync.Mutex
	core      *core.PoolCore
	store     SnapshotStore
	persisted PersistProgress
	minEvents int64
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewSnapshotJob(
	c *core.PoolCore,
	store SnapshotStore,
	persisted PersistProgress,
	minEvents int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SnapshotJob {
	return &SnapshotJob{
		core:      c,
		store:     store,
		persisted: persisted,
		minEvents: minEvents,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SetLastSnapshot records the sequence of the snapshot recovery started from.
func (j *SnapshotJob) SetLastSnapshot(seq int64) {
	j.mu.Lock()
	j.lastSeq = seq
	j.mu.Unlock()
}

func (j *SnapshotJob) Name() string { return "snapshot" }

// Run is the scheduled entry point. It skips quietly until min_events new
// events exist and persistence has caught up.
func (j *SnapshotJob) Run(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tip := j.core.LastSequence()
	if tip-j.lastSeq < j.minEvents || tip == 0 {
		j.record("skipped")
		return nil
	}
	if j.persisted.LastPersisted() < tip {
		j.record("skipped")
		j.logger.Debug().Int64("tip", tip).Int64("persisted", j.persisted.LastPersisted()).
			Msg("snapshot deferred, persistence behind")
		return nil
	}
	_, err := j.take(ctx)
	return err
}

// TakeSnapshot snapshots now regardless of min_events.
func (j *SnapshotJob) TakeSnapshot(ctx context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.take(ctx)
}

func (j *SnapshotJob) take(ctx context.Context) (int64, error) {
	start := j.now()
	state := j.core.CreateSnapshotState()
	if state.Sequence == 0 {
		j.record("skipped")
		return 0, fmt.Errorf("nothing to snapshot")
	}
	if j.persisted.LastPersisted() < state.Sequence {
		j.record("error")
		return 0, fmt.Errorf("snapshot %d: %w", state.Sequence, ErrPersistenceBehind)
	}

	snap := persistence.SnapshotFromCore(state, start.UTC())
	size, err := j.store.SaveSnapshot(ctx, snap)
	if err != nil {
		j.record("error")
		return 0, err
	}

	logged, err := j.store.LoggedStateHash(ctx, state.Sequence)
	if err != nil {
		j.record("error")
		return 0, err
	}
	if logged != state.StateHash {
		j.record("error")
		return 0, fmt.Errorf("snapshot %d: state hash mismatch: logged %x, captured %x",
			state.Sequence, logged, state.StateHash)
	}
	if err := j.store.MarkVerified(ctx, state.Sequence); err != nil {
		j.record("error")
		return 0, fmt.Errorf("mark snapshot %d verified: %w", state.Sequence, err)
	}

	j.lastSeq = state.Sequence
	j.record("ok")
	if j.metrics != nil {
		j.metrics.SnapshotTaken.Inc()
		j.metrics.SnapshotDuration.Observe(j.now().Sub(start).Seconds())
		j.metrics.SnapshotSizeBytes.Set(float64(size))
		j.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	j.logger.Info().Int64("sequence", state.Sequence).Int("size_bytes", size).Msg("snapshot taken")
	return state.Sequence, nil
}

func (j *SnapshotJob) record(result string) {
	if j.metrics != nil {
		j.metrics.SchedulerRuns.WithLabelValues(j.Name(), result).Inc()
	}
}
