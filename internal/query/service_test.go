package query

import (
	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/projection"
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

var (
	liquidator = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	manager    = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	alice      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
)

const t0 = 1_700_000_000

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func at(offset int64) event.Meta {
	return event.Meta{EventID: uuid.New(), OccurredAt: time.Unix(t0+offset, 0)}
}

func newService(t *testing.T) (*QueryService, *core.PoolCore, *projection.LiquidationHistory) {
	t.Helper()
	c := core.NewPoolCore(core.Options{
		Pool: state.PoolConfig{
			DepositAsset:   "sUSD",
			PayoutAsset:    "wETH",
			UnlockDuration: 3600,
			Liquidators:    []uuid.UUID{liquidator},
			Converter:      state.NewFixedRateConverter(uint256.NewInt(1_000_000_000_000_000_000)),
		},
		Logger: zerolog.Nop(),
	})
	history := projection.NewLiquidationHistory(8)
	qs := NewQueryService(c, nil, history)
	qs.now = func() time.Time { return time.Unix(t0+100, 0) }
	return qs, c, history
}

func apply(t *testing.T, c *core.PoolCore, evt event.Event) {
	t.Helper()
	_, err := c.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
}

func TestGetPool_ReflectsCore(t *testing.T) {
	qs, c, _ := newService(t)
	apply(t, c, &event.RegisterRewardStream{Meta: at(0), Token: "OP", Manager: manager, PeriodSeconds: 100})
	apply(t, c, &event.Deposit{Meta: at(1), Receiver: alice, Amount: tokens(100)})
	apply(t, c, &event.Liquidate{Meta: at(2), Liquidator: liquidator, Amount: tokens(10)})

	pool := qs.GetPool()
	assert.Equal(t, int64(3), pool.AsOfSequence)
	assert.Equal(t, tokens(90).Dec(), pool.TotalActive)
	assert.Equal(t, "90", pool.ActiveUnits)
	assert.Equal(t, "0", pool.UnlockingUnits)
	assert.Contains(t, pool.PDecimal, "0.8999")
	assert.Equal(t, "sUSD", pool.DepositAsset)
	assert.Equal(t, int64(3600), pool.UnlockDuration)
	assert.Equal(t, 1, pool.Depositors)
	require.Len(t, pool.Streams, 1)
	assert.Equal(t, "OP", pool.Streams[0].Token)
}

func TestGetDepositor_EvaluatesAtTime(t *testing.T) {
	qs, c, _ := newService(t)
	apply(t, c, &event.RegisterRewardStream{Meta: at(0), Token: "OP", Manager: manager, PeriodSeconds: 100})
	apply(t, c, &event.Deposit{Meta: at(0), Receiver: alice, Amount: tokens(100)})
	apply(t, c, &event.Unlock{Meta: at(10), User: alice, Amount: tokens(40)})

	// still pending at the default clock
	d, err := qs.GetDepositor(alice, 0)
	require.NoError(t, err)
	assert.Equal(t, tokens(60).Dec(), d.CompoundedActive)
	assert.Equal(t, "60", d.ActiveUnits)
	assert.Equal(t, "1", d.PoolShare)
	assert.Equal(t, tokens(40).Dec(), d.UnlockingBalance)
	assert.Equal(t, "0", d.UnlockedBalance)
	require.NotNil(t, d.UnlockRequest)
	assert.Equal(t, int64(t0+10+3600), d.UnlockRequest.MaturesAt)
	assert.Equal(t, "0", d.ClaimableRewards["OP"])
	assert.Equal(t, int64(t0+100), d.EvaluatedAt)

	matured, err := qs.GetDepositor(alice, t0+10+3600)
	require.NoError(t, err)
	assert.Equal(t, tokens(40).Dec(), matured.UnlockedBalance)
	assert.Equal(t, "0", matured.UnlockingBalance)
}

func TestGetClaimable_UnknownStream(t *testing.T) {
	qs, _, _ := newService(t)
	_, err := qs.GetClaimable(alice, "NOPE", 0)
	assert.ErrorIs(t, err, state.ErrUnknownStream)
}

func TestRecentLiquidations_FromHistory(t *testing.T) {
	qs, _, history := newService(t)
	history.Add(projection.LiquidationEntry{Sequence: 7, Amount: "5"})
	history.Add(projection.LiquidationEntry{Sequence: 9, Amount: "6"})

	resp := qs.RecentLiquidations(1)
	require.Len(t, resp.Liquidations, 1)
	assert.Equal(t, int64(9), resp.Liquidations[0].Sequence)
}

func TestHistoryQueries_NeedDatabase(t *testing.T) {
	qs, _, _ := newService(t)
	ctx := context.Background()

	_, err := qs.GetLiquidationHistory(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, err = qs.GetPoolHistory(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrNoDatabase)
	_, err = qs.GetJournalHistory(ctx, "pool:active:sUSD", 0, 10)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestVerifyIntegrity_InMemory(t *testing.T) {
	qs, c, _ := newService(t)
	apply(t, c, &event.Deposit{Meta: at(0), Receiver: alice, Amount: tokens(5)})

	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(1), report.LastSequence)

	accounts := qs.GetAccounts()
	assert.Equal(t, int64(1), accounts.AsOfSequence)
	assert.Len(t, accounts.Accounts, 2)
}

func TestPoolShare(t *testing.T) {
	assert.Equal(t, "0", poolShare(tokens(1), new(uint256.Int)))
	assert.Equal(t, "0", poolShare(new(uint256.Int), tokens(3)))
	assert.Equal(t, "0.25", poolShare(tokens(1), tokens(4)))
	// 2/3 = 0.666...6|6 rounds the last place up
	assert.Equal(t, "0.666666666666666667", poolShare(tokens(2), tokens(3)))
	// 1/3 = 0.333...3|3 stays
	assert.Equal(t, "0.333333333333333333", poolShare(tokens(1), tokens(3)))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 500, clampLimit(10_000))
	assert.Equal(t, 20, clampLimit(20))
}
