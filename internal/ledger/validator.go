package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, FormatSigned(total))
		}
	}

	return nil
}

// ValidatePoolTotals verifies the custody accounts mirror the pool's aggregate totals.
func (v *InvariantValidator) ValidatePoolTotals(asset string, active, unlocking *uint256.Int) error {
	if got := v.tracker.GetBalance(PoolAccount(SubTypeActive, asset)); !got.Eq(active) {
		return fmt.Errorf("pool:active:%s is %s, active total is %s", asset, FormatSigned(got), active.Dec())
	}
	if got := v.tracker.GetBalance(PoolAccount(SubTypeUnlocking, asset)); !got.Eq(unlocking) {
		return fmt.Errorf("pool:unlocking:%s is %s, unlocking total is %s", asset, FormatSigned(got), unlocking.Dec())
	}
	return nil
}

// ValidateCustodyNonNegative checks every pool and system account is >= 0.
func (v *InvariantValidator) ValidateCustodyNonNegative() error {
	for _, key := range v.tracker.Keys() {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
