package ledger

import (
	"StabilityPool/internal/event"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// journalNamespace seeds deterministic journal and batch IDs, so a replayed
// event log regenerates identical journals.
var journalNamespace = uuid.MustParse("8f0c2d4e-5b7a-4e61-9c3d-2a1f6e8b7d50")

// JournalGenerator creates balanced journal batches from applied pool operations
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// SetSequence repositions the generator after a snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// leg describes one journal line before IDs are assigned.
type leg struct {
	debit  AccountKey
	credit AccountKey
	amount *uint256.Int
	typ    JournalType
}

// build assembles a batch from legs, skipping zero amounts.
// Returns nil when every leg is zero.
func (jg *JournalGenerator) build(eventRef string, timestamp int64, legs ...leg) *Batch {
	batchID := uuid.NewSHA1(journalNamespace, []byte(eventRef))

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for i, l := range legs {
		if l.amount == nil || l.amount.IsZero() {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(fmt.Sprintf("%d", i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  l.debit,
			CreditAccount: l.credit,
			Asset:         l.debit.Asset,
			Amount:        l.amount.Clone(),
			JournalType:   l.typ,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	if len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// GenerateDeposit moves funds: external:deposits → pool:active
func (jg *JournalGenerator) GenerateDeposit(evt *event.Deposit, asset string) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  PoolAccount(SubTypeActive, asset),
		credit: ExternalAccount(SubTypeExternalDeposits, asset),
		amount: evt.Amount,
		typ:    JournalTypeDeposit,
	})
}

// GenerateUnlock moves funds: pool:active → pool:unlocking.
// amount is what left the active total, which rounding can put below evt.Amount.
func (jg *JournalGenerator) GenerateUnlock(evt *event.Unlock, asset string, amount *uint256.Int) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  PoolAccount(SubTypeUnlocking, asset),
		credit: PoolAccount(SubTypeActive, asset),
		amount: amount,
		typ:    JournalTypeUnlock,
	})
}

// GenerateWithdrawal moves funds: pool:unlocking → external:withdrawals.
// A voided request withdraws zero and produces no batch.
func (jg *JournalGenerator) GenerateWithdrawal(evt *event.WithdrawUnlocked, asset string, amount *uint256.Int) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  ExternalAccount(SubTypeExternalWithdrawals, asset),
		credit: PoolAccount(SubTypeUnlocking, asset),
		amount: amount,
		typ:    JournalTypeWithdrawal,
	})
}

// LiquidationAmounts are the debits and credits of one absorbed liquidation.
type LiquidationAmounts struct {
	ActiveDebit    *uint256.Int
	UnlockingDebit *uint256.Int
	Forfeited      *uint256.Int
	Payout         *uint256.Int
}

// GenerateLiquidation creates journals for a liquidation.
// Deposit-asset leaves both pool buckets to the converter; dust the pool
// could not attribute on a wipe is parked in system:forfeited; the converted
// payout lands in pool:payout_reserve.
func (jg *JournalGenerator) GenerateLiquidation(
	evt *event.Liquidate,
	depositAsset, payoutAsset string,
	amounts LiquidationAmounts,
) *Batch {
	converter := ExternalAccount(SubTypeExternalConverter, depositAsset)

	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(),
		leg{
			debit:  converter,
			credit: PoolAccount(SubTypeActive, depositAsset),
			amount: amounts.ActiveDebit,
			typ:    JournalTypeLiquidationDraw,
		},
		leg{
			debit:  converter,
			credit: PoolAccount(SubTypeUnlocking, depositAsset),
			amount: amounts.UnlockingDebit,
			typ:    JournalTypeLiquidationDraw,
		},
		leg{
			debit:  SystemAccount(SubTypeForfeited, depositAsset),
			credit: converter,
			amount: amounts.Forfeited,
			typ:    JournalTypeLiquidationForfeit,
		},
		leg{
			debit:  PoolAccount(SubTypePayoutReserve, payoutAsset),
			credit: ExternalAccount(SubTypeExternalConverter, payoutAsset),
			amount: amounts.Payout,
			typ:    JournalTypeLiquidationPayout,
		},
	)
}

// GeneratePayoutClaim moves funds: pool:payout_reserve → external:payout_claims
func (jg *JournalGenerator) GeneratePayoutClaim(evt *event.ClaimPayout, asset string, amount *uint256.Int) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  ExternalAccount(SubTypeExternalPayoutClaims, asset),
		credit: PoolAccount(SubTypePayoutReserve, asset),
		amount: amount,
		typ:    JournalTypePayoutClaim,
	})
}

// GenerateRewardFunding moves funds: external:reward_funding → pool:reward_vault
func (jg *JournalGenerator) GenerateRewardFunding(evt *event.NotifyReward) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  PoolAccount(SubTypeRewardVault, evt.Token),
		credit: ExternalAccount(SubTypeExternalRewardFunding, evt.Token),
		amount: evt.Amount,
		typ:    JournalTypeRewardFunding,
	})
}

// GenerateRewardClaim moves funds: pool:reward_vault → external:reward_claims
func (jg *JournalGenerator) GenerateRewardClaim(evt *event.ClaimReward, amount *uint256.Int) *Batch {
	return jg.build(evt.IdempotencyKey(), evt.Timestamp().UnixMicro(), leg{
		debit:  ExternalAccount(SubTypeExternalRewardClaims, evt.Token),
		credit: PoolAccount(SubTypeRewardVault, evt.Token),
		amount: amount,
		typ:    JournalTypeRewardClaim,
	})
}
