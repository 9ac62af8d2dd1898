package query

import (
	"StabilityPool/internal/core"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/projection"
	"StabilityPool/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrNoDatabase is returned by history queries when no projection database
// is configured.
var ErrNoDatabase = errors.New("projection database not configured")

// QueryService serves live views from the core and history from the
// projection tables. Every response carries as_of_sequence.
type QueryService struct {
	core    *core.PoolCore
	db      *sql.DB
	history *projection.LiquidationHistory

	// now supplies the evaluation time when a caller gives none
	now func() time.Time
}

func NewQueryService(c *core.PoolCore, db *sql.DB, history *projection.LiquidationHistory) *QueryService {
	return &QueryService{core: c, db: db, history: history, now: time.Now}
}

// GetPool returns the pool-wide state.
func (qs *QueryService) GetPool() *PoolResponse {
	var resp PoolResponse
	qs.core.Read(func(p *state.Pool, asOf int64) {
		ev := p.EpochState()
		resp = PoolResponse{
			DepositAsset:   p.DepositAsset(),
			PayoutAsset:    p.PayoutAsset(),
			UnlockDuration: p.UnlockDuration(),
			P:              ev.P.Dec(),
			PDecimal:       fpmath.FormatUnits(ev.P, fpmath.RateConfig),
			Epoch:          ev.Epoch,
			Scale:          ev.Scale,
			TotalActive:    p.TotalActive().Dec(),
			TotalUnlocking: p.TotalUnlocking().Dec(),
			ActiveUnits:    fpmath.FormatUnits(p.TotalActive(), fpmath.TokenConfig),
			UnlockingUnits: fpmath.FormatUnits(p.TotalUnlocking(), fpmath.TokenConfig),
			Depositors:     p.DepositorCount(),
			UnlockRequests: p.UnlockRequestCount(),
			AsOfSequence:   asOf,
		}
		for _, s := range p.Streams() {
			resp.Streams = append(resp.Streams, StreamResponse{
				Token:          s.Token,
				Manager:        s.Manager,
				PeriodSeconds:  s.PeriodLength,
				Rate:           s.Rate.Dec(),
				PeriodFinishAt: s.PeriodFinishAt,
				LastUpdateAt:   s.LastUpdateAt,
			})
		}
	})
	return &resp
}

// GetDepositor evaluates a user's position at unix time at (0 means now).
func (qs *QueryService) GetDepositor(userID uuid.UUID, at int64) (*DepositorResponse, error) {
	at = qs.evalTime(at)

	var (
		resp DepositorResponse
		err  error
	)
	qs.core.Read(func(p *state.Pool, asOf int64) {
		active := p.CompoundedActive(userID)
		unlocking := p.CompoundedUnlocking(userID)
		resp = DepositorResponse{
			UserID:              userID,
			CompoundedActive:    active.Amount.Dec(),
			ActiveVoided:        active.Voided,
			CompoundedUnlocking: unlocking.Amount.Dec(),
			UnlockingVoided:     unlocking.Voided,
			UnlockedBalance:     p.UnlockedBalanceOf(userID, at).Dec(),
			UnlockingBalance:    p.UnlockingBalanceOf(userID, at).Dec(),
			ClaimablePayout:     p.ClaimablePayout(userID).Dec(),
			ClaimableRewards:    make(map[string]string),
			ActiveUnits:         fpmath.FormatUnits(active.Amount, fpmath.TokenConfig),
			PoolShare:           poolShare(active.Amount, p.TotalActive()),
			EvaluatedAt:         at,
			AsOfSequence:        asOf,
		}
		if req := p.UnlockRequestOf(userID); req != nil {
			resp.UnlockRequest = &UnlockRequestResponse{Amount: req.Amount.Dec(), MaturesAt: req.MaturesAt}
		}
		for _, s := range p.Streams() {
			amount, cerr := p.Claimable(userID, s.Token, at)
			if cerr != nil {
				err = fmt.Errorf("claimable %s: %w", s.Token, cerr)
				return
			}
			resp.ClaimableRewards[s.Token] = amount.Dec()
		}
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetClaimable returns the reward userID could claim from token at unix time at.
func (qs *QueryService) GetClaimable(userID uuid.UUID, token string, at int64) (*ClaimableResponse, error) {
	at = qs.evalTime(at)

	var (
		resp *ClaimableResponse
		err  error
	)
	qs.core.Read(func(p *state.Pool, asOf int64) {
		amount, cerr := p.Claimable(userID, token, at)
		if cerr != nil {
			err = cerr
			return
		}
		resp = &ClaimableResponse{UserID: userID, Token: token, Amount: amount.Dec(), EvaluatedAt: at, AsOfSequence: asOf}
	})
	return resp, err
}

// RecentLiquidations serves the newest liquidations from memory.
func (qs *QueryService) RecentLiquidations(limit int) *LiquidationsResponse {
	_, asOf := qs.core.Summary()
	resp := &LiquidationsResponse{Liquidations: []LiquidationResponse{}, AsOfSequence: asOf}
	if qs.history == nil {
		return resp
	}
	for _, e := range qs.history.Recent(clampLimit(limit)) {
		resp.Liquidations = append(resp.Liquidations, liquidationResponse(e))
	}
	return resp
}

// GetLiquidationHistory pages through projected liquidations below
// beforeSequence, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, beforeSequence int64, limit int) (*LiquidationsResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	asOf, err := projection.ReadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	entries, err := projection.QueryLiquidations(ctx, qs.db, beforeSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	resp := &LiquidationsResponse{Liquidations: make([]LiquidationResponse, 0, len(entries)), AsOfSequence: asOf}
	for _, e := range entries {
		resp.Liquidations = append(resp.Liquidations, liquidationResponse(e))
	}
	return resp, nil
}

// GetPoolHistory pages through per-event pool states below beforeSequence.
func (qs *QueryService) GetPoolHistory(ctx context.Context, beforeSequence int64, limit int) (*PoolHistoryResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	asOf, err := projection.ReadWatermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	if beforeSequence <= 0 {
		beforeSequence = 1<<63 - 1
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, p::text, epoch, scale, total_active::text,
		       total_unlocking::text, depositors, unlock_requests, event_time
		FROM projections.pool_history
		WHERE sequence < $1
		ORDER BY sequence DESC
		LIMIT $2
	`, beforeSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PoolHistoryResponse{Entries: []PoolHistoryEntry{}, AsOfSequence: asOf}
	for rows.Next() {
		var e PoolHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.P, &e.Epoch, &e.Scale, &e.TotalActive,
			&e.TotalUnlocking, &e.Depositors, &e.UnlockRequests, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, e)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching account (a full
// account path) below beforeSequence.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account string, beforeSequence int64, limit int) (*JournalHistoryResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	if beforeSequence <= 0 {
		beforeSequence = 1<<63 - 1
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset, amount::text, journal_type, event_time
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1) AND sequence < $2
		ORDER BY sequence DESC, journal_id
		LIMIT $3
	`, account, beforeSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	_, asOf := qs.core.Summary()
	resp := &JournalHistoryResponse{Entries: []JournalHistoryEntry{}, AsOfSequence: asOf}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.DebitAccount, &e.CreditAccount,
			&e.Asset, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		resp.Entries = append(resp.Entries, e)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the in-memory ledger invariants and, with a
// database, the hash chain, the projected zero-sum and the chain tip.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	lastSeq, tipHash := qs.core.Tip()
	report := &IntegrityReport{LastSequence: lastSeq}

	if err := qs.core.VerifyInvariants(); err != nil {
		report.LedgerError = err.Error()
	}

	if qs.db != nil {
		if err := qs.checkHashChain(ctx, report); err != nil {
			return nil, err
		}
		if err := qs.checkProjectedBalances(ctx, report); err != nil {
			return nil, err
		}

		var logged []byte
		err := qs.db.QueryRowContext(ctx,
			`SELECT state_hash FROM event_log.events WHERE sequence = $1`, lastSeq,
		).Scan(&logged)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// not persisted yet
		case err != nil:
			return nil, err
		default:
			report.TipMismatch = string(logged) != string(tipHash[:])
		}
	}

	report.IsHealthy = report.LedgerError == "" && !report.TipMismatch &&
		len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) checkHashChain(ctx context.Context, report *IntegrityReport) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND (e2.sequence IS NULL OR e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	return rows.Err()
}

func (qs *QueryService) checkProjectedBalances(ctx context.Context, report *IntegrityReport) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.account_balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	return rows.Err()
}

// --- helpers ---

func (qs *QueryService) evalTime(at int64) int64 {
	if at > 0 {
		return at
	}
	return qs.now().Unix()
}

// poolShare renders amount / total as a decimal fraction.
func poolShare(amount, total *uint256.Int) string {
	if total.IsZero() || amount.IsZero() {
		return "0"
	}
	share, err := fpmath.MulDiv(amount, fpmath.Precision, total, fpmath.RoundHalfEven)
	if err != nil {
		return "0"
	}
	return fpmath.FormatUnits(share, fpmath.RateConfig)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

func liquidationResponse(e projection.LiquidationEntry) LiquidationResponse {
	return LiquidationResponse{
		Sequence:       e.Sequence,
		Liquidator:     e.Liquidator,
		Amount:         e.Amount,
		Payout:         e.Payout,
		ActiveDebit:    e.ActiveDebit,
		UnlockingDebit: e.UnlockingDebit,
		Forfeited:      e.Forfeited,
		Wiped:          e.Wiped,
		Epoch:          e.Epoch,
		Scale:          e.Scale,
		Timestamp:      e.Timestamp,
	}
}
