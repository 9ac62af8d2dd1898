package state

import (
	fpmath "StabilityPool/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PoolState is the serializable form of a Pool. Amounts are decimal strings
// and every collection is sorted, so equal pools encode to equal JSON.
type PoolState struct {
	P              string             `json:"p"`
	Epoch          uint64             `json:"epoch"`
	Scale          uint64             `json:"scale"`
	Sums           []AccumulatorEntry `json:"sums"`
	LastLossError  string             `json:"last_loss_error"`
	LastGainError  string             `json:"last_gain_error"`
	ActiveTotal    string             `json:"active_total"`
	UnlockingTotal string             `json:"unlocking_total"`
	Depositors     []DepositorState   `json:"depositors"`
	Unlocks        []UnlockState      `json:"unlocks"`
	Streams        []StreamState      `json:"streams"`
}

type AccumulatorEntry struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
	Value string `json:"value"`
}

type SnapshotState struct {
	P     string `json:"p"`
	S     string `json:"s"`
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
}

type TokenAmount struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type DepositorState struct {
	UserID         uuid.UUID     `json:"user_id"`
	Recorded       string        `json:"recorded"`
	Snapshot       SnapshotState `json:"snapshot"`
	RewardBase     []TokenAmount `json:"reward_base,omitempty"`
	AccruedPayout  string        `json:"accrued_payout"`
	AccruedRewards []TokenAmount `json:"accrued_rewards,omitempty"`
}

type UnlockState struct {
	UserID    uuid.UUID     `json:"user_id"`
	Amount    string        `json:"amount"`
	MaturesAt int64         `json:"matures_at"`
	Snapshot  SnapshotState `json:"snapshot"`
}

type StreamState struct {
	Token          string             `json:"token"`
	Manager        uuid.UUID          `json:"manager"`
	PeriodLength   int64              `json:"period_length"`
	Rate           string             `json:"rate"`
	PeriodFinishAt int64              `json:"period_finish_at"`
	LastUpdateAt   int64              `json:"last_update_at"`
	PerShare       []AccumulatorEntry `json:"per_share"`
}

// Export captures the full pool state.
func (p *Pool) Export() *PoolState {
	st := &PoolState{
		P:              p.ledger.p.Dec(),
		Epoch:          p.ledger.epoch,
		Scale:          p.ledger.scale,
		Sums:           exportAccumulator(p.ledger.sums),
		LastLossError:  p.engine.lastLossError.Dec(),
		LastGainError:  p.engine.lastGainError.Dec(),
		ActiveTotal:    p.activeTotal.Dec(),
		UnlockingTotal: p.unlockingTotal.Dec(),
		Depositors:     make([]DepositorState, 0, p.depositors.Len()),
		Unlocks:        make([]UnlockState, 0, p.unlocks.Len()),
		Streams:        make([]StreamState, 0),
	}

	for _, d := range p.depositors.All() {
		st.Depositors = append(st.Depositors, DepositorState{
			UserID:         d.UserID,
			Recorded:       d.Recorded.Dec(),
			Snapshot:       exportSnapshot(d.Snapshot),
			RewardBase:     exportTokenAmounts(d.RewardBase),
			AccruedPayout:  d.AccruedPayout.Dec(),
			AccruedRewards: exportTokenAmounts(d.AccruedRewards),
		})
	}
	for _, r := range p.unlocks.All() {
		st.Unlocks = append(st.Unlocks, UnlockState{
			UserID:    r.UserID,
			Amount:    r.Amount.Dec(),
			MaturesAt: r.MaturesAt,
			Snapshot:  exportSnapshot(r.Snapshot),
		})
	}
	for _, s := range p.rewards.Streams() {
		st.Streams = append(st.Streams, StreamState{
			Token:          s.Token,
			Manager:        s.Manager,
			PeriodLength:   s.PeriodLength,
			Rate:           s.Rate.Dec(),
			PeriodFinishAt: s.PeriodFinishAt,
			LastUpdateAt:   s.LastUpdateAt,
			PerShare:       exportAccumulator(s.perShare),
		})
	}
	return st
}

// Import replaces the pool's state with st. The pool's configuration
// (assets, liquidators, converter, unlock duration) is kept.
func (p *Pool) Import(st *PoolState) error {
	var err error
	dec := func(field, s string) *uint256.Int {
		if err != nil {
			return nil
		}
		v, perr := fpmath.ParseAmount(s)
		if perr != nil {
			err = fmt.Errorf("%s: %w", field, perr)
		}
		return v
	}

	fresh := NewPool(p.cfg)
	fresh.ledger.p = dec("p", st.P)
	fresh.ledger.epoch = st.Epoch
	fresh.ledger.scale = st.Scale
	fresh.engine.lastLossError = dec("last_loss_error", st.LastLossError)
	fresh.engine.lastGainError = dec("last_gain_error", st.LastGainError)
	fresh.activeTotal = dec("active_total", st.ActiveTotal)
	fresh.unlockingTotal = dec("unlocking_total", st.UnlockingTotal)
	if err != nil {
		return err
	}
	if fresh.ledger.p.IsZero() {
		return fmt.Errorf("p: must be positive")
	}
	if fresh.ledger.sums, err = importAccumulator(st.Sums); err != nil {
		return fmt.Errorf("sums: %w", err)
	}

	for _, ds := range st.Depositors {
		snap, serr := importSnapshot(ds.Snapshot)
		if serr != nil {
			return fmt.Errorf("depositor %s: %w", ds.UserID, serr)
		}
		d := newDepositor(ds.UserID, snap)
		d.Recorded = dec("recorded", ds.Recorded)
		d.AccruedPayout = dec("accrued_payout", ds.AccruedPayout)
		if err != nil {
			return fmt.Errorf("depositor %s: %w", ds.UserID, err)
		}
		if d.RewardBase, err = importTokenAmounts(ds.RewardBase); err != nil {
			return fmt.Errorf("depositor %s: %w", ds.UserID, err)
		}
		if d.AccruedRewards, err = importTokenAmounts(ds.AccruedRewards); err != nil {
			return fmt.Errorf("depositor %s: %w", ds.UserID, err)
		}
		fresh.depositors.restore(d)
	}

	for _, us := range st.Unlocks {
		snap, serr := importSnapshot(us.Snapshot)
		if serr != nil {
			return fmt.Errorf("unlock %s: %w", us.UserID, serr)
		}
		amount := dec("amount", us.Amount)
		if err != nil {
			return fmt.Errorf("unlock %s: %w", us.UserID, err)
		}
		fresh.unlocks.restore(&UnlockRequest{
			UserID:    us.UserID,
			Amount:    amount,
			MaturesAt: us.MaturesAt,
			Snapshot:  snap,
		})
	}

	for _, ss := range st.Streams {
		s, rerr := fresh.rewards.Register(ss.Token, ss.Manager, ss.PeriodLength)
		if rerr != nil {
			return rerr
		}
		s.Rate = dec("rate", ss.Rate)
		if err != nil {
			return fmt.Errorf("stream %s: %w", ss.Token, err)
		}
		s.PeriodFinishAt = ss.PeriodFinishAt
		s.LastUpdateAt = ss.LastUpdateAt
		if s.perShare, err = importAccumulator(ss.PerShare); err != nil {
			return fmt.Errorf("stream %s: %w", ss.Token, err)
		}
	}

	*p = *fresh
	return nil
}

func exportAccumulator(a accumulator) []AccumulatorEntry {
	out := make([]AccumulatorEntry, 0, len(a))
	for _, k := range a.sortedKeys() {
		out = append(out, AccumulatorEntry{Epoch: k.Epoch, Scale: k.Scale, Value: a[k].Dec()})
	}
	return out
}

func importAccumulator(entries []AccumulatorEntry) (accumulator, error) {
	a := make(accumulator, len(entries))
	for _, e := range entries {
		v, err := fpmath.ParseAmount(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%d/%d: %w", e.Epoch, e.Scale, err)
		}
		a[EpochScale{Epoch: e.Epoch, Scale: e.Scale}] = v
	}
	return a, nil
}

func exportSnapshot(s Snapshot) SnapshotState {
	return SnapshotState{P: s.P.Dec(), S: s.S.Dec(), Epoch: s.Epoch, Scale: s.Scale}
}

func importSnapshot(s SnapshotState) (Snapshot, error) {
	pv, err := fpmath.ParseAmount(s.P)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot p: %w", err)
	}
	sv, err := fpmath.ParseAmount(s.S)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot s: %w", err)
	}
	return Snapshot{P: pv, S: sv, Epoch: s.Epoch, Scale: s.Scale}, nil
}

func exportTokenAmounts(m map[string]*uint256.Int) []TokenAmount {
	if len(m) == 0 {
		return nil
	}
	out := make([]TokenAmount, 0, len(m))
	for _, t := range sortedTokens(m) {
		out = append(out, TokenAmount{Token: t, Amount: m[t].Dec()})
	}
	return out
}

func importTokenAmounts(entries []TokenAmount) (map[string]*uint256.Int, error) {
	m := make(map[string]*uint256.Int, len(entries))
	for _, e := range entries {
		v, err := fpmath.ParseAmount(e.Amount)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", e.Token, err)
		}
		m[e.Token] = v
	}
	return m, nil
}
