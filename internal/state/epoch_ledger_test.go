package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var one = uint256.NewInt(1_000_000_000_000_000_000)

func TestEpochLedger_ZeroLossIsNoop(t *testing.T) {
	l := NewEpochLedger()
	snap := l.Snapshot()

	wiped, err := l.ApplyLoss(new(uint256.Int), new(uint256.Int))
	require.NoError(t, err)
	assert.False(t, wiped)
	assert.Equal(t, one.Dec(), l.P().Dec())

	res := l.Resolve(uint256.NewInt(12345), snap)
	assert.False(t, res.Voided)
	assert.Equal(t, uint64(12345), res.Amount.Uint64())
}

func TestEpochLedger_RejectsLossAboveOne(t *testing.T) {
	l := NewEpochLedger()
	_, err := l.ApplyLoss(new(uint256.Int).AddUint64(one, 1), new(uint256.Int))
	require.Error(t, err)
	assert.Equal(t, one.Dec(), l.P().Dec())
}

func TestEpochLedger_WipeStartsNewEpoch(t *testing.T) {
	l := NewEpochLedger()
	_, err := l.ApplyLoss(uint256.NewInt(500_000_000_000_000_000), new(uint256.Int))
	require.NoError(t, err)
	snap := l.Snapshot()

	wiped, err := l.ApplyLoss(one, uint256.NewInt(7))
	require.NoError(t, err)
	assert.True(t, wiped)
	assert.Equal(t, uint64(1), l.Epoch())
	assert.Equal(t, uint64(0), l.Scale())
	assert.Equal(t, one.Dec(), l.P().Dec())
	assert.True(t, l.SumAt(1, 0).IsZero())

	// gain is recorded at the wiped epoch, weighted by the pre-wipe P
	assert.Equal(t, "3500000000000000000", l.SumAt(0, 0).Dec())

	res := l.Resolve(uint256.NewInt(1000), snap)
	assert.True(t, res.Voided)
	assert.True(t, res.Amount.IsZero())
}

func TestEpochLedger_DoubleScaleBump(t *testing.T) {
	l := NewEpochLedger()
	l.p = uint256.NewInt(1_000_000_000)

	// factor of 1e-18 on P = 1e9 needs two rescalings to stay above 1e9
	loss := new(uint256.Int).SubUint64(one, 1)
	wiped, err := l.ApplyLoss(loss, new(uint256.Int))
	require.NoError(t, err)
	assert.False(t, wiped)
	assert.Equal(t, uint64(2), l.Scale())
	assert.Equal(t, "1000000000", l.P().Dec())
}

func TestEpochLedger_ResolveAcrossScales(t *testing.T) {
	l := NewEpochLedger()
	snap := l.Snapshot()

	// P: 1e18 -> 1e9 - 1, rescaled to 1e18 - 1e9
	loss := new(uint256.Int).Sub(one, uint256.NewInt(999_999_999))
	_, err := l.ApplyLoss(loss, new(uint256.Int))
	require.NoError(t, err)
	require.Equal(t, uint64(1), l.Scale())

	res := l.Resolve(uint256.MustFromDecimal("1000000000000000000000"), snap)
	assert.False(t, res.Voided)
	assert.Equal(t, "999999999000", res.Amount.Dec())
}

func TestEpochLedger_PayoutGainUsesLaterScale(t *testing.T) {
	l := NewEpochLedger()
	snap := l.Snapshot()

	loss := new(uint256.Int).Sub(one, uint256.NewInt(999_999_999))
	_, err := l.ApplyLoss(loss, new(uint256.Int))
	require.NoError(t, err)

	// gain per unit of 1.0 at P = 1e18 - 1e9 on scale 1
	_, err = l.ApplyLoss(new(uint256.Int), one)
	require.NoError(t, err)

	gain := l.PayoutGain(uint256.MustFromDecimal("1000000000000000000000"), snap)
	assert.Equal(t, "999999999000", gain.Dec())
}
