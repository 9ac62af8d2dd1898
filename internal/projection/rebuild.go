package projection

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/state"
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Rebuilder regenerates every projection table from the event log by
// replaying it through a scratch core. The live core is not touched.
type Rebuilder struct {
	db        *sql.DB
	snapshots *persistence.SnapshotManager
	poolCfg   state.PoolConfig
	history   *LiquidationHistory
	logger    zerolog.Logger
	pageSize  int
}

func NewRebuilder(
	db *sql.DB,
	snapshots *persistence.SnapshotManager,
	poolCfg state.PoolConfig,
	history *LiquidationHistory,
	logger zerolog.Logger,
) *Rebuilder {
	return &Rebuilder{
		db:        db,
		snapshots: snapshots,
		poolCfg:   poolCfg,
		history:   history,
		logger:    logger,
		pageSize:  1000,
	}
}

// Rebuild truncates the projection tables and replays the whole log into
// them. It returns the last sequence the rebuilt tables reflect.
func (r *Rebuilder) Rebuild(ctx context.Context) (int64, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.account_balances`,
		`TRUNCATE projections.pool_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate projections: %w", err)
		}
	}
	if r.history != nil {
		r.history.Reset()
	}

	scratch := core.NewPoolCore(core.Options{Pool: r.poolCfg, Logger: r.logger})
	scratch.BeginReplay()
	defer scratch.EndReplay()

	var (
		tx    *sql.Tx
		count int
	)
	commit := func(seq int64) error {
		if tx == nil {
			return nil
		}
		if err := writeWatermark(ctx, tx, seq); err != nil {
			return err
		}
		err := tx.Commit()
		tx = nil
		return err
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	last, err := r.snapshots.ReplayFrom(ctx, 1, core.GenesisHash(), r.pageSize, func(env *event.EventEnvelope) error {
		output, err := scratch.ReplayEnvelope(ctx, env)
		if err != nil {
			return err
		}
		if tx == nil {
			if tx, err = r.db.BeginTx(ctx, nil); err != nil {
				return err
			}
		}
		entry, err := Apply(ctx, tx, *output)
		if err != nil {
			return err
		}
		if entry != nil && r.history != nil {
			r.history.Add(*entry)
		}
		count++
		if count%r.pageSize == 0 {
			return commit(env.Sequence)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild projections: %w", err)
	}
	if err := commit(last); err != nil {
		return 0, fmt.Errorf("rebuild projections: %w", err)
	}

	r.logger.Info().Int64("last_sequence", last).Int("events", count).Msg("projection rebuild complete")
	return last, nil
}
