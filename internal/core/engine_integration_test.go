package core_test

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	"StabilityPool/internal/state"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var (
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	manager    = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	alice      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bob        = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

const baseTime = 1_700_000_000

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func poolConfig() state.PoolConfig {
	return state.PoolConfig{
		DepositAsset:   "sUSD",
		PayoutAsset:    "wETH",
		UnlockDuration: 3600,
		Liquidators:    []uuid.UUID{liquidator},
		Converter:      state.NewFixedRateConverter(uint256.NewInt(500_000_000_000_000_000)),
	}
}

// newTestCore creates a PoolCore with buffered channels and no DB checker.
func newTestCore() (*core.PoolCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewPoolCore(core.Options{
		Pool:           poolConfig(),
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})
	return c, persistChan, projChan
}

func meta(source string, seq int64, offset int64) event.Meta {
	return event.Meta{
		EventID:    uuid.New(),
		Source:     source,
		Sequence:   seq,
		OccurredAt: time.Unix(baseTime+offset, 0).UTC(),
	}
}

func deposit(user uuid.UUID, amount *uint256.Int, offset int64) *event.Deposit {
	return &event.Deposit{Meta: meta("", 0, offset), Receiver: user, Amount: amount}
}

func liquidate(amount *uint256.Int, offset int64) *event.Liquidate {
	return &event.Liquidate{Meta: meta("", 0, offset), Liquidator: liquidator, Amount: amount, MinPayoutOut: new(uint256.Int)}
}

func mustProcess(t *testing.T, c *core.PoolCore, evt event.Event) *core.Receipt {
	t.Helper()
	r, err := c.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	return r
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func replayInto(t *testing.T, outputs []core.CoreOutput) *core.PoolCore {
	t.Helper()
	fresh := core.NewPoolCore(core.Options{Pool: poolConfig(), Logger: zerolog.Nop()})
	fresh.BeginReplay()
	for _, o := range outputs {
		_, err := fresh.ReplayEnvelope(context.Background(), o.Envelope)
		require.NoError(t, err)
	}
	fresh.EndReplay()
	return fresh
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDeposit_JournalsIntoActive(t *testing.T) {
	c, persistCh, _ := newTestCore()

	r := mustProcess(t, c, deposit(alice, tokens(100), 0))
	assert.Equal(t, int64(1), r.Sequence)
	assert.Equal(t, tokens(100).Dec(), r.Amount.Dec())

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 1)
	require.NotNil(t, outputs[0].Batch)
	require.Len(t, outputs[0].Batch.Journals, 1)

	j := outputs[0].Batch.Journals[0]
	assert.Equal(t, ledger.PoolAccount(ledger.SubTypeActive, "sUSD"), j.DebitAccount)
	assert.Equal(t, ledger.ExternalAccount(ledger.SubTypeExternalDeposits, "sUSD"), j.CreditAccount)
	assert.Equal(t, tokens(100).Dec(), outputs[0].Pool.TotalActive.Dec())
	require.NoError(t, c.VerifyInvariants())
}

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore()
	genesis := c.GetStateHash()

	evt := deposit(alice, tokens(5), 42)
	mustProcess(t, c, evt)

	env := drainOutputs(persistCh)[0].Envelope
	assert.Equal(t, int64(1), env.Sequence)
	assert.Equal(t, evt.IdempotencyKey(), env.IdempotencyKey)
	assert.Equal(t, event.EventTypeDeposit, env.EventType)
	assert.Equal(t, alice, *env.UserID)
	assert.Equal(t, core.PartitionAPI, env.Partition)
	assert.Equal(t, genesis, env.PrevHash)
	assert.Equal(t, c.GetStateHash(), env.StateHash)
	assert.NotEqual(t, env.PrevHash, env.StateHash)

	decoded, err := event.Unmarshal("Deposit", env.Payload)
	require.NoError(t, err)
	assert.Equal(t, tokens(5).Dec(), decoded.(*event.Deposit).Amount.Dec())
}

// ============================================================================
// Test: Idempotency and ordering
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore()

	evt := deposit(alice, tokens(10), 0)
	mustProcess(t, c, evt)
	r := mustProcess(t, c, evt)

	assert.True(t, r.Duplicate)
	assert.Len(t, drainOutputs(persistCh), 1)
	c.Read(func(p *state.Pool, asOf int64) {
		assert.Equal(t, tokens(10).Dec(), p.TotalActive().Dec())
		assert.Equal(t, int64(1), asOf)
	})
}

func TestSequence_APIPartitionIsAssigned(t *testing.T) {
	c, persistCh, _ := newTestCore()

	for i := 0; i < 3; i++ {
		mustProcess(t, c, deposit(alice, tokens(1), int64(i)))
	}

	outputs := drainOutputs(persistCh)
	require.Len(t, outputs, 3)
	for i, o := range outputs {
		assert.Equal(t, core.PartitionAPI, o.Envelope.Partition)
		assert.Equal(t, int64(i), o.Envelope.SourceSequence)
	}
}

func TestSequence_StrictPartitionRejectsGap(t *testing.T) {
	c, _, _ := newTestCore()
	const partition = "nats:pool.deposit"

	send := func(seq int64) error {
		evt := &event.Deposit{Meta: meta(partition, seq, seq), Receiver: alice, Amount: tokens(1)}
		_, err := c.ProcessEvent(context.Background(), evt)
		return err
	}

	require.NoError(t, send(5)) // baseline
	require.NoError(t, send(6))

	err := send(8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")

	require.NoError(t, send(7))
	err = send(7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-order")
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedUnlock_LeavesStateUntouched(t *testing.T) {
	c, persistCh, projCh := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(10), 0))
	drainOutputs(persistCh)
	drainOutputs(projCh)

	hash := c.GetStateHash()
	_, err := c.ProcessEvent(context.Background(), &event.Unlock{Meta: meta("", 0, 1), User: alice, Amount: tokens(20)})
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	assert.Equal(t, hash, c.GetStateHash())
	assert.Equal(t, int64(1), c.LastSequence())
	assert.Empty(t, drainOutputs(persistCh))
	assert.Empty(t, drainOutputs(projCh))
}

func TestUnauthorizedLiquidation_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(10), 0))
	drainOutputs(persistCh)

	evt := liquidate(tokens(1), 1)
	evt.Liquidator = bob
	_, err := c.ProcessEvent(context.Background(), evt)
	require.ErrorIs(t, err, state.ErrUnauthorized)
	assert.Empty(t, drainOutputs(persistCh))
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidation_RecordsPayoutAndJournals(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(1000), 0))
	mustProcess(t, c, deposit(bob, tokens(1000), 1))

	evt := liquidate(tokens(200), 2)
	evt.PayoutReceived = uint256.NewInt(1) // a live event cannot dictate its payout
	r := mustProcess(t, c, evt)

	require.NotNil(t, r.Liquidation)
	assert.Equal(t, tokens(100).Dec(), r.Liquidation.Payout.Dec())
	assert.False(t, r.Liquidation.Wiped)

	outputs := drainOutputs(persistCh)
	liq := outputs[len(outputs)-1]
	require.NotNil(t, liq.Liquidation)
	assert.Equal(t, tokens(1800).Dec(), liq.Pool.TotalActive.Dec())

	decoded, err := event.Unmarshal("Liquidate", liq.Envelope.Payload)
	require.NoError(t, err)
	assert.Equal(t, tokens(100).Dec(), decoded.(*event.Liquidate).PayoutReceived.Dec())

	accounts, _ := c.AccountBalances()
	balances := make(map[string]string)
	for _, a := range accounts {
		balances[a.Path] = a.Balance
	}
	assert.Equal(t, tokens(100).Dec(), balances["pool:payout_reserve:wETH"])
	assert.Equal(t, tokens(1800).Dec(), balances["pool:active:sUSD"])
	require.NoError(t, c.VerifyInvariants())
}

func TestLiquidation_ZeroAmountIsLoggedNoop(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(1000), 0))
	hashBefore := c.GetStateHash()

	r := mustProcess(t, c, liquidate(new(uint256.Int), 1))
	require.NotNil(t, r.Liquidation)
	assert.True(t, r.Liquidation.Amount.IsZero())
	assert.True(t, r.Liquidation.Payout.IsZero())
	assert.NotEqual(t, hashBefore, r.StateHash)

	outputs := drainOutputs(persistCh)
	assert.Nil(t, outputs[len(outputs)-1].Batch)
	assert.Equal(t, tokens(1000).Dec(), outputs[len(outputs)-1].Pool.TotalActive.Dec())
	require.NoError(t, c.VerifyInvariants())
}

func TestUnlock_FullBalancesAfterLiquidationsKeepLedgerBalanced(t *testing.T) {
	c, _, _ := newTestCore()
	users := []uuid.UUID{alice, bob, uuid.New()}
	amounts := []string{"1000000000000000007", "333333333333333331", "777777777777777773"}
	for i, u := range users {
		mustProcess(t, c, deposit(u, uint256.MustFromDecimal(amounts[i]), int64(i)))
	}
	mustProcess(t, c, liquidate(uint256.MustFromDecimal("123456789012345677"), 5))
	mustProcess(t, c, liquidate(uint256.MustFromDecimal("98765432109876543"), 6))

	for i, u := range users {
		var view *uint256.Int
		c.Read(func(pool *state.Pool, _ int64) { view = pool.CompoundedActive(u).Amount })
		mustProcess(t, c, &event.Unlock{Meta: meta("", 0, int64(10+i)), User: u, Amount: view})
	}
	require.NoError(t, c.VerifyInvariants())
}

func TestClaimPayout_DrainsReserve(t *testing.T) {
	c, _, _ := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(1000), 0))
	mustProcess(t, c, liquidate(tokens(100), 1))

	r := mustProcess(t, c, &event.ClaimPayout{Meta: meta("", 0, 2), User: alice})
	// single depositor: every wei of payout is hers, up to rounding
	assert.True(t, r.Amount.Cmp(tokens(50)) <= 0)
	assert.True(t, new(uint256.Int).Sub(tokens(50), r.Amount).Uint64() < 1_000_000)
	require.NoError(t, c.VerifyInvariants())
}

// ============================================================================
// Test: Replay and snapshots
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	c, persistCh, _ := newTestCore()

	mustProcess(t, c, &event.RegisterRewardStream{Meta: meta("", 0, 0), Token: "OP", Manager: manager, PeriodSeconds: 100})
	mustProcess(t, c, deposit(alice, tokens(1000), 1))
	mustProcess(t, c, deposit(bob, tokens(500), 2))
	mustProcess(t, c, &event.NotifyReward{Meta: meta("", 0, 3), Token: "OP", Manager: manager, Amount: tokens(50)})
	mustProcess(t, c, liquidate(tokens(300), 10))
	mustProcess(t, c, &event.Unlock{Meta: meta("", 0, 20), User: bob, Amount: tokens(100)})
	mustProcess(t, c, &event.ClaimReward{Meta: meta("", 0, 30), User: alice, Token: "OP"})

	fresh := replayInto(t, drainOutputs(persistCh))

	assert.Equal(t, c.GetStateHash(), fresh.GetStateHash())
	assert.Equal(t, c.LastSequence(), fresh.LastSequence())
	require.NoError(t, fresh.VerifyInvariants())
}

func TestReplay_DetectsTamperedLog(t *testing.T) {
	c, persistCh, _ := newTestCore()
	mustProcess(t, c, deposit(alice, tokens(10), 0))
	mustProcess(t, c, deposit(bob, tokens(10), 1))

	outputs := drainOutputs(persistCh)
	outputs[1].Envelope.StateHash[0] ^= 0xff

	fresh := core.NewPoolCore(core.Options{Pool: poolConfig(), Logger: zerolog.Nop()})
	fresh.BeginReplay()
	_, err := fresh.ReplayEnvelope(context.Background(), outputs[0].Envelope)
	require.NoError(t, err)
	_, err = fresh.ReplayEnvelope(context.Background(), outputs[1].Envelope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}

func TestReplay_PartitionResyncsAfterRejection(t *testing.T) {
	c, persistCh, _ := newTestCore()
	const partition = "nats:pool.unlock"

	mustProcess(t, c, &event.Deposit{Meta: meta(partition, 1, 0), Receiver: alice, Amount: tokens(10)})
	mustProcess(t, c, &event.Unlock{Meta: meta(partition, 2, 1), User: alice, Amount: tokens(1)})
	_, err := c.ProcessEvent(context.Background(), &event.Unlock{Meta: meta(partition, 3, 2), User: alice, Amount: tokens(100)})
	require.Error(t, err)

	fresh := replayInto(t, drainOutputs(persistCh))

	// upstream moved on to 4; the rebuilt partition only saw 2
	next := func() *event.Unlock {
		return &event.Unlock{Meta: meta(partition, 4, 3), User: alice, Amount: tokens(1)}
	}
	mustProcess(t, c, next())
	mustProcess(t, fresh, next())
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	c, _, _ := newTestCore()
	mustProcess(t, c, &event.RegisterRewardStream{Meta: meta("", 0, 0), Token: "OP", Manager: manager, PeriodSeconds: 100})
	mustProcess(t, c, deposit(alice, tokens(1000), 1))
	mustProcess(t, c, &event.NotifyReward{Meta: meta("", 0, 2), Token: "OP", Manager: manager, Amount: tokens(10)})
	mustProcess(t, c, liquidate(tokens(250), 5))
	mustProcess(t, c, &event.Unlock{Meta: meta("", 0, 6), User: alice, Amount: tokens(100)})

	snap := c.CreateSnapshotState()
	assert.Equal(t, int64(5), snap.Sequence)

	restored := core.NewPoolCore(core.Options{Pool: poolConfig(), Logger: zerolog.Nop()})
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.LastSequence(), restored.LastSequence())

	next := func() *event.Deposit {
		return &event.Deposit{
			Meta:     event.Meta{EventID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), OccurredAt: time.Unix(baseTime+50, 0)},
			Receiver: bob,
			Amount:   tokens(7),
		}
	}
	a := mustProcess(t, c, next())
	b := mustProcess(t, restored, next())
	assert.Equal(t, a.StateHash, b.StateHash)

	// the restored LRU still knows earlier keys
	r := mustProcess(t, restored, next())
	assert.True(t, r.Duplicate)
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput, 1)
	c := core.NewPoolCore(core.Options{
		Pool:           poolConfig(),
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Logger:         zerolog.Nop(),
	})

	mustProcess(t, c, deposit(alice, tokens(1), 0))
	mustProcess(t, c, deposit(alice, tokens(1), 1))

	assert.Len(t, persistChan, 2)
	assert.Len(t, projChan, 1)
}
