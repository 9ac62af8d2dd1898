package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeUnlock
	JournalTypeWithdrawal
	JournalTypeLiquidationDraw
	JournalTypeLiquidationForfeit
	JournalTypeLiquidationPayout
	JournalTypePayoutClaim
	JournalTypeRewardFunding
	JournalTypeRewardClaim
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeUnlock:
		return "unlock"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeLiquidationDraw:
		return "liquidation_draw"
	case JournalTypeLiquidationForfeit:
		return "liquidation_forfeit"
	case JournalTypeLiquidationPayout:
		return "liquidation_payout"
	case JournalTypePayoutClaim:
		return "payout_claim"
	case JournalTypeRewardFunding:
		return "reward_funding"
	case JournalTypeRewardClaim:
		return "reward_claim"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Deterministic: derived from event ref and leg index
	BatchID       uuid.UUID    // Groups balanced entries
	EventRef      string       // Idempotency key of source event
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	Asset         string       // Asset being transferred
	Amount        *uint256.Int // ALWAYS positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount between two accounts of the
// same asset, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
