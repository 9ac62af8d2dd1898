package state

import (
	fpmath "StabilityPool/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationOutcome describes how one absorbed liquidation moved the pool.
type LiquidationOutcome struct {
	Amount         *uint256.Int
	Payout         *uint256.Int
	LossPerUnit    *uint256.Int
	GainPerUnit    *uint256.Int
	ActiveDebit    *uint256.Int
	UnlockingDebit *uint256.Int

	// Forfeited is the remainder written off when rounding wipes the pool
	// although amount was below the combined total.
	Forfeited *uint256.Int
	Wiped     bool
	Epoch     uint64
	Scale     uint64
}

// LiquidationEngine turns a liquidated amount into per-unit loss and gain and
// applies them to the ledger. It never touches per-user state.
type LiquidationEngine struct {
	ledger      *EpochLedger
	liquidators map[uuid.UUID]struct{}

	// Rounding remainders carried into the next liquidation
	lastLossError *uint256.Int
	lastGainError *uint256.Int
}

func NewLiquidationEngine(ledger *EpochLedger, liquidators []uuid.UUID) *LiquidationEngine {
	allowed := make(map[uuid.UUID]struct{}, len(liquidators))
	for _, id := range liquidators {
		allowed[id] = struct{}{}
	}
	return &LiquidationEngine{
		ledger:        ledger,
		liquidators:   allowed,
		lastLossError: new(uint256.Int),
		lastGainError: new(uint256.Int),
	}
}

func (e *LiquidationEngine) Authorized(liquidator uuid.UUID) bool {
	_, ok := e.liquidators[liquidator]
	return ok
}

// noop is the outcome of a liquidation that moves nothing.
func (e *LiquidationEngine) noop() *LiquidationOutcome {
	return &LiquidationOutcome{
		Amount:         new(uint256.Int),
		Payout:         new(uint256.Int),
		LossPerUnit:    new(uint256.Int),
		GainPerUnit:    new(uint256.Int),
		ActiveDebit:    new(uint256.Int),
		UnlockingDebit: new(uint256.Int),
		Forfeited:      new(uint256.Int),
		Epoch:          e.ledger.Epoch(),
		Scale:          e.ledger.Scale(),
	}
}

// Absorb applies a liquidation of amount (already clamped to the combined
// total) that yielded payout. active and unlocking are the totals before the event.
func (e *LiquidationEngine) Absorb(amount, payout, active, unlocking *uint256.Int) (*LiquidationOutcome, error) {
	combined := new(uint256.Int).Add(active, unlocking)
	if combined.IsZero() {
		return nil, ErrNothingToLiquidate
	}
	if amount.Gt(combined) {
		return nil, fmt.Errorf("amount %s exceeds combined total %s", amount.Dec(), combined.Dec())
	}

	loss, lossErr, err := e.lossPerUnit(amount, combined)
	if err != nil {
		return nil, err
	}
	gain, gainErr, err := e.gainPerUnit(payout, combined)
	if err != nil {
		return nil, err
	}

	wiped, err := e.ledger.ApplyLoss(loss, gain)
	if err != nil {
		return nil, fmt.Errorf("apply loss: %w", err)
	}

	out := &LiquidationOutcome{
		Amount:      amount.Clone(),
		Payout:      payout.Clone(),
		LossPerUnit: loss,
		GainPerUnit: gain,
		Forfeited:   new(uint256.Int),
		Wiped:       wiped,
		Epoch:       e.ledger.Epoch(),
		Scale:       e.ledger.Scale(),
	}

	if wiped {
		out.ActiveDebit = active.Clone()
		out.UnlockingDebit = unlocking.Clone()
		out.Forfeited = new(uint256.Int).Sub(combined, amount)
		e.lastLossError = new(uint256.Int)
		e.lastGainError = new(uint256.Int)
		return out, nil
	}

	e.lastLossError = lossErr
	e.lastGainError = gainErr

	out.ActiveDebit = fpmath.MustMulDiv(amount, active, combined, fpmath.RoundDown)
	out.UnlockingDebit = fpmath.Min(new(uint256.Int).Sub(amount, out.ActiveDebit), unlocking)
	return out, nil
}

// lossPerUnit rounds up and feeds the remainder back so the pool never
// under-reports a loss across a run of liquidations.
func (e *LiquidationEngine) lossPerUnit(amount, combined *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if amount.Eq(combined) {
		return fpmath.Precision.Clone(), new(uint256.Int), nil
	}
	if amount.IsZero() {
		return new(uint256.Int), e.lastLossError.Clone(), nil
	}

	scaled, overflow := new(uint256.Int).MulOverflow(amount, fpmath.Precision)
	if overflow {
		return nil, nil, fmt.Errorf("loss numerator: %w", fpmath.ErrOverflow)
	}
	numerator := fpmath.SaturatingSub(scaled, e.lastLossError)

	loss := new(uint256.Int).Div(numerator, combined)
	loss.AddUint64(loss, 1)
	if loss.Gt(fpmath.Precision) {
		loss = fpmath.Precision.Clone()
	}

	remainder := fpmath.SaturatingSub(new(uint256.Int).Mul(loss, combined), numerator)
	return loss, remainder, nil
}

func (e *LiquidationEngine) gainPerUnit(payout, combined *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	scaled, overflow := new(uint256.Int).MulOverflow(payout, fpmath.Precision)
	if overflow {
		return nil, nil, fmt.Errorf("gain numerator: %w", fpmath.ErrOverflow)
	}
	numerator, err := fpmath.CheckedAdd(scaled, e.lastGainError)
	if err != nil {
		return nil, nil, fmt.Errorf("gain numerator: %w", err)
	}

	gain := new(uint256.Int).Div(numerator, combined)
	remainder := new(uint256.Int).Sub(numerator, new(uint256.Int).Mul(gain, combined))
	return gain, remainder, nil
}
