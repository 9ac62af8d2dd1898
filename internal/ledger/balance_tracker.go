package ledger

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
// Balances are 256-bit two's complement: boundary accounts that only ever
// get credited go negative, and the per-asset sum wraps to exactly zero.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = new(uint256.Int).Add(bt.GetBalance(j.DebitAccount), j.Amount)
	bt.balances[j.CreditAccount] = new(uint256.Int).Sub(bt.GetBalance(j.CreditAccount), j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// SetBalance overwrites a balance (used for snapshot restore)
func (bt *BalanceTracker) SetBalance(key AccountKey, v *uint256.Int) {
	bt.balances[key] = v.Clone()
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*uint256.Int {
	totals := make(map[string]*uint256.Int)

	for key, balance := range bt.balances {
		sum, ok := totals[key.Asset]
		if !ok {
			sum = new(uint256.Int)
			totals[key.Asset] = sum
		}
		sum.Add(sum, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), FormatSigned(balance))
	}
	return nil
}

// Keys returns every tracked account ordered by path.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v.Clone()
	}
	return snapshot
}

// FormatSigned renders a two's complement balance as a signed decimal.
func FormatSigned(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}

// ParseSigned is the inverse of FormatSigned.
func ParseSigned(s string) (*uint256.Int, error) {
	neg := len(s) > 0 && s[0] == '-'
	if neg {
		s = s[1:]
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", s, err)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
