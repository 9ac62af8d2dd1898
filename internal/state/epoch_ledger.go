package state

import (
	fpmath "StabilityPool/internal/math"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// maxScaleLookahead bounds how many later scales a snapshot collects gains from.
// Beyond 1e9^8 every contribution rounds to zero.
const maxScaleLookahead = 8

// EpochScale keys every per-era accumulator.
type EpochScale struct {
	Epoch uint64
	Scale uint64
}

// Snapshot is the ledger state captured when a balance was last caught up.
type Snapshot struct {
	P     *uint256.Int
	S     *uint256.Int
	Epoch uint64
	Scale uint64
}

func (s Snapshot) Key() EpochScale {
	return EpochScale{Epoch: s.Epoch, Scale: s.Scale}
}

func (s Snapshot) appendCanonical(buf []byte) []byte {
	buf = appendUint256(buf, s.P)
	buf = appendUint256(buf, s.S)
	buf = binary.LittleEndian.AppendUint64(buf, s.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, s.Scale)
	return buf
}

// Resolution is the compounded value of a recorded amount.
// Voided means the amount was wiped out in an earlier epoch, as opposed to
// having compounded down to a legitimately small value.
type Resolution struct {
	Amount *uint256.Int
	Voided bool
}

// accumulator is a running sum per (epoch, scale), weighted by P at the time
// each increment was added.
type accumulator map[EpochScale]*uint256.Int

func (a accumulator) at(k EpochScale) *uint256.Int {
	if v, ok := a[k]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (a accumulator) add(k EpochScale, v *uint256.Int) error {
	if v.IsZero() {
		return nil
	}
	sum, err := fpmath.CheckedAdd(a.at(k), v)
	if err != nil {
		return fmt.Errorf("accumulator %d/%d: %w", k.Epoch, k.Scale, err)
	}
	a[k] = sum
	return nil
}

func (a accumulator) clone() accumulator {
	out := make(accumulator, len(a))
	for k, v := range a {
		out[k] = v.Clone()
	}
	return out
}

// sortedKeys returns keys in (epoch, scale) order.
func (a accumulator) sortedKeys() []EpochScale {
	keys := make([]EpochScale, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Epoch != keys[j].Epoch {
			return keys[i].Epoch < keys[j].Epoch
		}
		return keys[i].Scale < keys[j].Scale
	})
	return keys
}

// deltaSince returns the accumulated value since base was captured at from:
// (v[e][s] - base) + sum over i of v[e][s+i] / 1e9^i.
// Later scales are discounted because P was rescaled by 1e9 at each bump.
func deltaSince(lookup func(EpochScale) *uint256.Int, from EpochScale, base *uint256.Int) *uint256.Int {
	delta := fpmath.SaturatingSub(lookup(from), base)
	for i := uint64(1); i <= maxScaleLookahead; i++ {
		v := lookup(EpochScale{Epoch: from.Epoch, Scale: from.Scale + i})
		if v.IsZero() {
			continue
		}
		pow, _ := fpmath.ScalePow(i)
		delta.Add(delta, v.Div(v, pow))
	}
	return delta
}

// EpochLedger holds the global compounding state (P, S, epoch, scale).
type EpochLedger struct {
	p     *uint256.Int
	epoch uint64
	scale uint64
	sums  accumulator
}

func NewEpochLedger() *EpochLedger {
	return &EpochLedger{
		p:    fpmath.Precision.Clone(),
		sums: make(accumulator),
	}
}

func (l *EpochLedger) P() *uint256.Int { return l.p.Clone() }
func (l *EpochLedger) Epoch() uint64   { return l.epoch }
func (l *EpochLedger) Scale() uint64   { return l.scale }

func (l *EpochLedger) Key() EpochScale {
	return EpochScale{Epoch: l.epoch, Scale: l.scale}
}

// SumAt returns S[epoch][scale].
func (l *EpochLedger) SumAt(epoch, scale uint64) *uint256.Int {
	return l.sums.at(EpochScale{Epoch: epoch, Scale: scale})
}

// Snapshot captures the current state for a balance being caught up.
func (l *EpochLedger) Snapshot() Snapshot {
	return Snapshot{
		P:     l.p.Clone(),
		S:     l.sums.at(l.Key()),
		Epoch: l.epoch,
		Scale: l.scale,
	}
}

// ApplyLoss records a liquidation. lossPerUnit and gainPerUnit are fractions of
// the combined total, scaled by 1e18. A lossPerUnit of exactly 1e18 wipes the
// pool and starts a new epoch. Returns whether the pool was wiped.
func (l *EpochLedger) ApplyLoss(lossPerUnit, gainPerUnit *uint256.Int) (bool, error) {
	if lossPerUnit.Gt(fpmath.Precision) {
		return false, fmt.Errorf("loss per unit %s exceeds 1.0", lossPerUnit.Dec())
	}

	// Gains are weighted by the product before this event's shrinkage
	marginal, overflow := new(uint256.Int).MulOverflow(gainPerUnit, l.p)
	if overflow {
		return false, fmt.Errorf("gain per unit %s: %w", gainPerUnit.Dec(), fpmath.ErrOverflow)
	}
	if err := l.sums.add(l.Key(), marginal); err != nil {
		return false, err
	}

	if lossPerUnit.Eq(fpmath.Precision) {
		l.epoch++
		l.scale = 0
		l.p = fpmath.Precision.Clone()
		return true, nil
	}
	if lossPerUnit.IsZero() {
		return false, nil
	}

	factor := new(uint256.Int).Sub(fpmath.Precision, lossPerUnit)
	numerator := new(uint256.Int).Mul(l.p, factor)

	// P >= 1e9 and factor >= 1, so two bumps always land back above 1e9
	for bumps := uint64(0); ; bumps++ {
		pow, _ := fpmath.ScalePow(bumps)
		candidate := fpmath.MustMulDiv(numerator, pow, fpmath.Precision, fpmath.RoundDown)
		if !candidate.Lt(fpmath.ScaleFactor) || bumps == 2 {
			l.p = candidate
			l.scale += bumps
			break
		}
	}
	return false, nil
}

// Resolve compounds recorded from snap to the current state.
func (l *EpochLedger) Resolve(recorded *uint256.Int, snap Snapshot) Resolution {
	if recorded == nil || recorded.IsZero() {
		return Resolution{Amount: new(uint256.Int)}
	}
	if snap.Epoch != l.epoch {
		return Resolution{Amount: new(uint256.Int), Voided: true}
	}
	if snap.P == nil || snap.P.IsZero() || snap.Scale > l.scale {
		return Resolution{Amount: new(uint256.Int)}
	}

	pow, ok := fpmath.ScalePow(l.scale - snap.Scale)
	if !ok {
		return Resolution{Amount: new(uint256.Int)}
	}
	amount := fpmath.MustMulDiv(recorded, l.p, snap.P, fpmath.RoundDown)
	return Resolution{Amount: amount.Div(amount, pow)}
}

// PayoutGain returns the payout-asset gain earned by recorded since snap.
// Gains are read from the snapshot's own epoch, so a wiped position still
// collects the gain of the event that wiped it.
func (l *EpochLedger) PayoutGain(recorded *uint256.Int, snap Snapshot) *uint256.Int {
	if recorded == nil || recorded.IsZero() || snap.P == nil || snap.P.IsZero() {
		return new(uint256.Int)
	}
	delta := deltaSince(l.sums.at, snap.Key(), snap.S)
	gain, err := fpmath.ShareOf(recorded, delta, snap.P)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payout gain: %v", err))
	}
	return gain
}

// CanonicalBytes encodes P, epoch, scale and the current S for state hashing.
func (l *EpochLedger) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendUint256(buf, l.p)
	buf = binary.LittleEndian.AppendUint64(buf, l.epoch)
	buf = binary.LittleEndian.AppendUint64(buf, l.scale)
	buf = appendUint256(buf, l.sums.at(l.Key()))
	return buf
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}
