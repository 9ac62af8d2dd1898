package projection

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionWorker updates projection tables from processed events.
// The core feeds it with non-blocking sends; if it falls behind, outputs are
// dropped and the tables can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *LiquidationHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lastSeq atomic.Int64
	gaps    atomic.Int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	history *LiquidationHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the last sequence applied to the projection tables.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Gaps counts missed sequences since the last rebuild.
func (pw *ProjectionWorker) Gaps() int64 { return pw.gaps.Load() }

// SetLastSequence seeds the watermark after startup or a rebuild.
func (pw *ProjectionWorker) SetLastSequence(seq int64) {
	pw.lastSeq.Store(seq)
	pw.gaps.Store(0)
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if last := pw.lastSeq.Load(); last > 0 && seq > last+1 {
				pw.gaps.Add(seq - last - 1)
				pw.logger.Warn().
					Int64("from", last+1).
					Int64("to", seq-1).
					Msg("projection missed outputs; rebuild to repair")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// projections are rebuildable; keep going
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(watermarkName).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq.Store(seq)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := Apply(ctx, tx, output)
	if err != nil {
		return err
	}
	if err := writeWatermark(ctx, tx, output.Envelope.Sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if entry != nil && pw.history != nil {
		pw.history.Add(*entry)
	}
	return nil
}

// Apply writes one output's rows: account balance deltas, a pool history
// row and, for liquidations, a liquidation history row.
func Apply(ctx context.Context, tx *sql.Tx, output core.CoreOutput) (*LiquidationEntry, error) {
	env := output.Envelope

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			amount := j.Amount.Dec()
			if err := addBalance(ctx, tx, j.DebitAccount.AccountPath(), j.Asset, amount, env.Sequence); err != nil {
				return nil, fmt.Errorf("balance projection: %w", err)
			}
			if err := addBalance(ctx, tx, j.CreditAccount.AccountPath(), j.Asset, "-"+amount, env.Sequence); err != nil {
				return nil, fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	p := output.Pool
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_history
			(sequence, event_type, p, epoch, scale, total_active, total_unlocking,
			 depositors, unlock_requests, event_time)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7::numeric, $8, $9, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.EventType.String(), p.P.Dec(), p.Epoch, p.Scale,
		p.TotalActive.Dec(), p.TotalUnlocking.Dec(), p.Depositors, p.UnlockRequests, env.Timestamp); err != nil {
		return nil, fmt.Errorf("pool history: %w", err)
	}

	if output.Liquidation == nil {
		return nil, nil
	}

	var liquidator uuid.UUID
	if evt, err := event.Unmarshal(env.EventType.String(), env.Payload); err == nil {
		if l, ok := evt.(*event.Liquidate); ok {
			liquidator = l.Liquidator
		}
	}
	entry := entryFromOutput(output, liquidator)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, liquidator, amount, payout, active_debit, unlocking_debit,
			 forfeited, wiped, epoch, scale, event_time)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric,
		        $7::numeric, $8, $9, $10, $11)
		ON CONFLICT (sequence) DO NOTHING
	`, entry.Sequence, entry.Liquidator, entry.Amount, entry.Payout, entry.ActiveDebit,
		entry.UnlockingDebit, entry.Forfeited, entry.Wiped, entry.Epoch, entry.Scale, entry.Timestamp); err != nil {
		return nil, fmt.Errorf("liquidation history: %w", err)
	}
	return &entry, nil
}

func addBalance(ctx context.Context, tx *sql.Tx, path, asset, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_balances (account_path, asset, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3::numeric, $4, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.account_balances.balance + $3::numeric,
		              last_sequence = $4, updated_at = NOW()
	`, path, asset, delta, seq)
	return err
}

func writeWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// ReadWatermark returns the last sequence the tables reflect.
func ReadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection = $1`, watermarkName,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
