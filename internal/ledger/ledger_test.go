package ledger_test

import (
	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PoolPath(t *testing.T) {
	key := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")

	path := key.AccountPath()
	if path != "pool:active:sUSD" {
		t.Errorf("got %q, want %q", path, "pool:active:sUSD")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.SystemAccount(ledger.SubTypeForfeited, "sUSD")

	path := key.AccountPath()
	if path != "system:forfeited:sUSD" {
		t.Errorf("got %q, want %q", path, "system:forfeited:sUSD")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")

	path := key.AccountPath()
	if path != "external:deposits:sUSD" {
		t.Errorf("got %q, want %q", path, "external:deposits:sUSD")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.PoolAccount(ledger.SubTypePayoutReserve, "ETH"),
		ledger.SystemAccount(ledger.SubTypeForfeited, "sUSD"),
		ledger.ExternalAccount(ledger.SubTypeExternalRewardClaims, "OP"),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("got %+v, want %+v", got, k)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, p := range []string{"", "pool:active", "user:active:sUSD", "pool:collateral:sUSD", "pool:active:"} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func journal(batchID uuid.UUID, debit, credit ledger.AccountKey, amount uint64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        uint256.NewInt(amount),
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.PoolAccount(ledger.SubTypeActive, "sUSD"))
	if !balance.IsZero() {
		t.Errorf("initial balance should be 0, got %s", balance.Dec())
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	external := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")

	bt.ApplyJournal(journal(uuid.New(), active, external, 1000))

	if got := bt.GetBalance(active); got.Uint64() != 1000 {
		t.Errorf("active: got %s, want 1000", got.Dec())
	}
	if got := ledger.FormatSigned(bt.GetBalance(external)); got != "-1000" {
		t.Errorf("external: got %s, want -1000", got)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	unlocking := ledger.PoolAccount(ledger.SubTypeUnlocking, "sUSD")
	external := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			journal(batchID, active, external, 500),
			journal(batchID, unlocking, active, 200),
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := bt.GetBalance(active); got.Uint64() != 300 {
		t.Errorf("active: got %s, want 300", got.Dec())
	}
	if got := bt.GetBalance(unlocking); got.Uint64() != 200 {
		t.Errorf("unlocking: got %s, want 200", got.Dec())
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	deposits := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")
	vault := ledger.PoolAccount(ledger.SubTypeRewardVault, "OP")
	funding := ledger.ExternalAccount(ledger.SubTypeExternalRewardFunding, "OP")

	bt.ApplyJournal(journal(uuid.New(), active, deposits, 10000))
	bt.ApplyJournal(journal(uuid.New(), vault, funding, 777))

	totals := bt.ComputeGlobalBalance()
	if len(totals) != 2 {
		t.Fatalf("expected totals for 2 assets, got %d", len(totals))
	}
	for asset, total := range totals {
		if !total.IsZero() {
			t.Errorf("global balance for %s should be 0, got %s", asset, ledger.FormatSigned(total))
		}
	}
}

func TestBalanceTracker_ValidateNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	deposits := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")

	bt.ApplyJournal(journal(uuid.New(), active, deposits, 100))

	if err := bt.ValidateNonNegative(active); err != nil {
		t.Errorf("active should be non-negative: %v", err)
	}
	if err := bt.ValidateNonNegative(deposits); err == nil {
		t.Error("deposits boundary account should be negative")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	deposits := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD")

	bt.ApplyJournal(journal(uuid.New(), active, deposits, 5000))

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot should have 2 entries, got %d", len(snap))
	}

	// Mutating the snapshot must not affect the tracker
	snap[active].SetUint64(0)
	if got := bt.GetBalance(active); got.Uint64() != 5000 {
		t.Errorf("tracker mutated through snapshot: got %s", got.Dec())
	}
}

func TestFormatSigned_RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "12345", "-12345", "-1"} {
		v, err := ledger.ParseSigned(s)
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if got := ledger.FormatSigned(v); got != s {
			t.Errorf("got %s, want %s", got, s)
		}
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			journal(batchID, ledger.PoolAccount(ledger.SubTypeActive, "sUSD"), ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD"), 0),
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	active := ledger.PoolAccount(ledger.SubTypeActive, "sUSD")
	batch := &ledger.Batch{
		BatchID:  batchID,
		Journals: []ledger.Journal{journal(batchID, active, active, 10)},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self transfer should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			journal(batchID, ledger.PoolAccount(ledger.SubTypeActive, "sUSD"), ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "ETH"), 10),
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			journal(uuid.New(), ledger.PoolAccount(ledger.SubTypeActive, "sUSD"), ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD"), 10),
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

var (
	testUser = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testTime = time.Unix(1_700_000_000, 0).UTC()
)

func meta(seq int64) event.Meta {
	return event.Meta{
		EventID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(seq)}),
		Source:     "api",
		Sequence:   seq,
		OccurredAt: testTime,
	}
}

func TestGenerator_DeterministicIDs(t *testing.T) {
	evt := &event.Deposit{Meta: meta(1), Receiver: testUser, Amount: uint256.NewInt(100)}

	a := ledger.NewJournalGenerator(1).GenerateDeposit(evt, "sUSD")
	b := ledger.NewJournalGenerator(1).GenerateDeposit(evt, "sUSD")

	if a.BatchID != b.BatchID {
		t.Errorf("batch ids differ: %s vs %s", a.BatchID, b.BatchID)
	}
	if a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Errorf("journal ids differ")
	}
	if a.EventRef != evt.IdempotencyKey() {
		t.Errorf("event ref: got %s", a.EventRef)
	}
}

func TestGenerator_ZeroWithdrawalProducesNoBatch(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)
	evt := &event.WithdrawUnlocked{Meta: meta(2), User: testUser}

	if batch := jg.GenerateWithdrawal(evt, "sUSD", new(uint256.Int)); batch != nil {
		t.Errorf("voided withdrawal should not journal, got %d entries", len(batch.Journals))
	}
}

func TestGenerator_LiquidationWipe(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1)
	v := ledger.NewInvariantValidator(bt)

	dep := jg.GenerateDeposit(&event.Deposit{Meta: meta(1), Receiver: testUser, Amount: uint256.NewInt(1000)}, "sUSD")
	unl := jg.GenerateUnlock(&event.Unlock{Meta: meta(2), User: testUser, Amount: uint256.NewInt(400)}, "sUSD", uint256.NewInt(400))
	for _, b := range []*ledger.Batch{dep, unl} {
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	// 999 absorbed against 1000 combined: wipe leaves 1 unit of dust
	liq := jg.GenerateLiquidation(
		&event.Liquidate{Meta: meta(3), Liquidator: testUser, Amount: uint256.NewInt(999)},
		"sUSD", "ETH",
		ledger.LiquidationAmounts{
			ActiveDebit:    uint256.NewInt(600),
			UnlockingDebit: uint256.NewInt(400),
			Forfeited:      uint256.NewInt(1),
			Payout:         uint256.NewInt(5),
		},
	)
	if len(liq.Journals) != 4 {
		t.Fatalf("expected 4 journals, got %d", len(liq.Journals))
	}
	if err := bt.ApplyBatch(liq); err != nil {
		t.Fatalf("apply liquidation: %v", err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidatePoolTotals("sUSD", new(uint256.Int), new(uint256.Int)); err != nil {
		t.Errorf("pool totals: %v", err)
	}
	if err := v.ValidateCustodyNonNegative(); err != nil {
		t.Errorf("custody: %v", err)
	}
	if got := bt.GetBalance(ledger.SystemAccount(ledger.SubTypeForfeited, "sUSD")); got.Uint64() != 1 {
		t.Errorf("forfeited: got %s, want 1", got.Dec())
	}
	if got := bt.GetBalance(ledger.PoolAccount(ledger.SubTypePayoutReserve, "ETH")); got.Uint64() != 5 {
		t.Errorf("payout reserve: got %s, want 5", got.Dec())
	}
}

func TestGenerator_LiquidationSkipsZeroLegs(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)

	liq := jg.GenerateLiquidation(
		&event.Liquidate{Meta: meta(4), Liquidator: testUser, Amount: uint256.NewInt(50)},
		"sUSD", "ETH",
		ledger.LiquidationAmounts{
			ActiveDebit:    uint256.NewInt(50),
			UnlockingDebit: new(uint256.Int),
			Forfeited:      new(uint256.Int),
			Payout:         uint256.NewInt(1),
		},
	)
	if len(liq.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(liq.Journals))
	}
	if err := liq.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestGenerator_RewardFlow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1)
	v := ledger.NewInvariantValidator(bt)

	fund := jg.GenerateRewardFunding(&event.NotifyReward{Meta: meta(5), Token: "OP", Manager: testUser, Amount: uint256.NewInt(1000)})
	claim := jg.GenerateRewardClaim(&event.ClaimReward{Meta: meta(6), User: testUser, Token: "OP"}, uint256.NewInt(400))
	for _, b := range []*ledger.Batch{fund, claim} {
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	if got := bt.GetBalance(ledger.PoolAccount(ledger.SubTypeRewardVault, "OP")); got.Uint64() != 600 {
		t.Errorf("vault: got %s, want 600", got.Dec())
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}
