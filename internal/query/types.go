package query

import (
	"time"

	"github.com/google/uuid"
)

// PoolResponse is the pool-wide view.
type PoolResponse struct {
	DepositAsset   string           `json:"deposit_asset"`
	PayoutAsset    string           `json:"payout_asset"`
	UnlockDuration int64            `json:"unlock_duration_seconds"`
	P              string           `json:"p"`
	PDecimal       string           `json:"p_decimal"` // P as a fraction of 1, e.g. "0.98"
	Epoch          uint64           `json:"epoch"`
	Scale          uint64           `json:"scale"`
	TotalActive    string           `json:"total_active"`
	TotalUnlocking string           `json:"total_unlocking"`
	ActiveUnits    string           `json:"total_active_units"`
	UnlockingUnits string           `json:"total_unlocking_units"`
	Depositors     int              `json:"depositors"`
	UnlockRequests int              `json:"unlock_requests"`
	Streams        []StreamResponse `json:"streams"`
	AsOfSequence   int64            `json:"as_of_sequence"`
}

// StreamResponse describes one reward stream.
type StreamResponse struct {
	Token          string    `json:"token"`
	Manager        uuid.UUID `json:"manager"`
	PeriodSeconds  int64     `json:"period_seconds"`
	Rate           string    `json:"rate"` // per second, scaled by 1e18
	PeriodFinishAt int64     `json:"period_finish_at"`
	LastUpdateAt   int64     `json:"last_update_at"`
}

// DepositorResponse is one depositor's position evaluated at a point in time.
type DepositorResponse struct {
	UserID              uuid.UUID              `json:"user_id"`
	CompoundedActive    string                 `json:"compounded_active"`
	ActiveVoided        bool                   `json:"active_voided"`
	CompoundedUnlocking string                 `json:"compounded_unlocking"`
	UnlockingVoided     bool                   `json:"unlocking_voided"`
	UnlockRequest       *UnlockRequestResponse `json:"unlock_request,omitempty"`
	UnlockedBalance     string                 `json:"unlocked_balance"`
	UnlockingBalance    string                 `json:"unlocking_balance"`
	ClaimablePayout     string                 `json:"claimable_payout"`
	ClaimableRewards    map[string]string      `json:"claimable_rewards"`
	ActiveUnits         string                 `json:"compounded_active_units"`
	PoolShare           string                 `json:"pool_share"` // of the active total, half-even to 1e-18
	EvaluatedAt         int64                  `json:"evaluated_at"`
	AsOfSequence        int64                  `json:"as_of_sequence"`
}

type UnlockRequestResponse struct {
	Amount    string `json:"amount"` // as queued, before compounding
	MaturesAt int64  `json:"matures_at"`
}

// ClaimableResponse is the reward a user could claim from one stream.
type ClaimableResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Token        string    `json:"token"`
	Amount       string    `json:"amount"`
	EvaluatedAt  int64     `json:"evaluated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// LiquidationResponse is one absorbed liquidation.
type LiquidationResponse struct {
	Sequence       int64     `json:"sequence"`
	Liquidator     uuid.UUID `json:"liquidator"`
	Amount         string    `json:"amount"`
	Payout         string    `json:"payout"`
	ActiveDebit    string    `json:"active_debit"`
	UnlockingDebit string    `json:"unlocking_debit"`
	Forfeited      string    `json:"forfeited"`
	Wiped          bool      `json:"wiped"`
	Epoch          uint64    `json:"epoch"`
	Scale          uint64    `json:"scale"`
	Timestamp      time.Time `json:"timestamp"`
}

type LiquidationsResponse struct {
	Liquidations []LiquidationResponse `json:"liquidations"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// PoolHistoryEntry is the pool state right after one event.
type PoolHistoryEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	P              string    `json:"p"`
	Epoch          uint64    `json:"epoch"`
	Scale          uint64    `json:"scale"`
	TotalActive    string    `json:"total_active"`
	TotalUnlocking string    `json:"total_unlocking"`
	Depositors     int       `json:"depositors"`
	UnlockRequests int       `json:"unlock_requests"`
	Timestamp      time.Time `json:"timestamp"`
}

type PoolHistoryResponse struct {
	Entries      []PoolHistoryEntry `json:"entries"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp_us"`
}

type JournalHistoryResponse struct {
	Entries      []JournalHistoryEntry `json:"entries"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	LedgerError      string            `json:"ledger_error,omitempty"`
	TipMismatch      bool              `json:"tip_mismatch,omitempty"`
}

// UnbalancedAsset is an asset whose projected account balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
