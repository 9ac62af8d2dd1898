package state

import (
	fpmath "StabilityPool/internal/math"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	DepositAsset   string
	PayoutAsset    string
	UnlockDuration int64 // seconds
	Liquidators    []uuid.UUID
	Converter      AssetConverter
}

// Pool is the stability pool's accounting core. It is single-writer: callers
// serialize mutating operations. Every operation validates fully before it
// mutates, so a rejected call leaves the pool unchanged.
type Pool struct {
	cfg        PoolConfig
	ledger     *EpochLedger
	depositors *DepositorBook
	unlocks    *UnlockQueue
	engine     *LiquidationEngine
	rewards    *RewardManager
	converter  AssetConverter

	activeTotal    *uint256.Int
	unlockingTotal *uint256.Int
}

func NewPool(cfg PoolConfig) *Pool {
	ledger := NewEpochLedger()
	return &Pool{
		cfg:            cfg,
		ledger:         ledger,
		depositors:     NewDepositorBook(),
		unlocks:        NewUnlockQueue(cfg.UnlockDuration),
		engine:         NewLiquidationEngine(ledger, cfg.Liquidators),
		rewards:        NewRewardManager(),
		converter:      cfg.Converter,
		activeTotal:    new(uint256.Int),
		unlockingTotal: new(uint256.Int),
	}
}

// UnlockResult reports the merged request after an unlock.
type UnlockResult struct {
	Queued    *uint256.Int
	MaturesAt int64

	// Moved is what left the active total. It can trail the unlocked amount
	// by a few wei of rounding.
	Moved *uint256.Int
}

// CheckpointResult reports a user's balances after a checkpoint.
type CheckpointResult struct {
	Active    *uint256.Int
	Unlocking *uint256.Int
	Voided    bool
}

// LiquidationRequest is the input to Liquidate.
type LiquidationRequest struct {
	Liquidator   uuid.UUID
	Amount       *uint256.Int
	MinPayoutOut *uint256.Int

	// RecordedPayout replays a conversion that already happened; the
	// converter is not called when it is set.
	RecordedPayout *uint256.Int
	Now            int64
}

// EpochView is the public (P, epoch, scale) triple.
type EpochView struct {
	P     *uint256.Int
	Epoch uint64
	Scale uint64
}

func (p *Pool) DepositAsset() string  { return p.cfg.DepositAsset }
func (p *Pool) PayoutAsset() string   { return p.cfg.PayoutAsset }
func (p *Pool) UnlockDuration() int64 { return p.unlocks.Duration() }

// --- mutations ---

// Deposit credits amount to receiver's active balance.
func (p *Pool) Deposit(receiver uuid.UUID, amount *uint256.Int, now int64) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	total, err := fpmath.CheckedAdd(p.activeTotal, amount)
	if err != nil {
		return nil, fmt.Errorf("active total: %w", err)
	}

	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	p.settle(receiver)

	d := p.depositors.GetOrCreate(receiver, p.ledger.Snapshot())
	if len(d.RewardBase) == 0 {
		p.baseRewards(d)
	}
	d.Recorded = new(uint256.Int).Add(d.Recorded, amount)
	p.activeTotal = total
	return d.Recorded.Clone(), nil
}

// Unlock moves amount of the user's active balance into their unlock request
// and restarts its maturity timer.
func (p *Pool) Unlock(userID uuid.UUID, amount *uint256.Int, now int64) (*UnlockResult, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	available := p.CompoundedActive(userID).Amount
	if amount.Gt(available) {
		return nil, fmt.Errorf("%w: unlock %s, available %s",
			ErrInsufficientBalance, amount.Dec(), available.Dec())
	}

	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	p.settle(userID)

	d := p.depositors.Get(userID)
	d.Recorded = new(uint256.Int).Sub(d.Recorded, amount)

	// per-user balances round down independently, so their sum can run a few
	// wei above the total
	moved := fpmath.Min(amount, p.activeTotal)
	p.activeTotal = new(uint256.Int).Sub(p.activeTotal, moved)
	p.unlockingTotal = new(uint256.Int).Add(p.unlockingTotal, moved)

	req := p.unlocks.Enqueue(userID, amount, p.ledger.Snapshot(), now)
	return &UnlockResult{Queued: req.Amount.Clone(), MaturesAt: req.MaturesAt, Moved: moved}, nil
}

// WithdrawUnlocked pays out the user's matured request. A request voided by a
// wipeout pays zero and is cleared.
func (p *Pool) WithdrawUnlocked(userID uuid.UUID, now int64) (Resolution, error) {
	req := p.unlocks.Get(userID)
	if req == nil {
		return Resolution{}, ErrNoUnlockRequest
	}
	if !req.Matured(now) {
		return Resolution{}, fmt.Errorf("%w: matures at %d, now %d", ErrNotMatured, req.MaturesAt, now)
	}

	res := p.ledger.Resolve(req.Amount, req.Snapshot)
	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return Resolution{}, err
	}
	p.settle(userID)

	// rounding can leave a resolved request a few wei above the total
	res.Amount = fpmath.Min(res.Amount, p.unlockingTotal)
	p.unlockingTotal = new(uint256.Int).Sub(p.unlockingTotal, res.Amount)
	p.unlocks.Remove(userID)
	return res, nil
}

// Checkpoint catches the user's balances up to the current ledger state.
// Calling it twice in a row changes nothing the second time.
func (p *Pool) Checkpoint(userID uuid.UUID, now int64) (*CheckpointResult, error) {
	active := p.CompoundedActive(userID)
	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	p.settle(userID)

	out := &CheckpointResult{Active: active.Amount, Unlocking: new(uint256.Int), Voided: active.Voided}
	if req := p.unlocks.Get(userID); req != nil {
		out.Unlocking = req.Amount.Clone()
	}
	return out, nil
}

// Liquidate draws req.Amount (clamped to the combined total) from the pool in
// exchange for payout-asset. Only per-pool aggregates change. A zero amount
// is a no-op that still succeeds.
func (p *Pool) Liquidate(ctx context.Context, req LiquidationRequest) (*LiquidationOutcome, error) {
	if !p.engine.Authorized(req.Liquidator) {
		return nil, fmt.Errorf("%w: liquidator %s", ErrUnauthorized, req.Liquidator)
	}
	combined := new(uint256.Int).Add(p.activeTotal, p.unlockingTotal)
	if combined.IsZero() {
		return nil, ErrNothingToLiquidate
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return p.engine.noop(), nil
	}
	amount := fpmath.Min(req.Amount, combined)

	payout := req.RecordedPayout
	if payout == nil {
		if p.converter == nil {
			return nil, fmt.Errorf("no asset converter configured")
		}
		var err error
		payout, err = p.converter.Convert(ctx, amount)
		if err != nil {
			return nil, fmt.Errorf("convert: %w", err)
		}
	}
	if req.MinPayoutOut != nil && payout.Lt(req.MinPayoutOut) {
		return nil, fmt.Errorf("%w: received %s, minimum %s",
			ErrSlippage, payout.Dec(), req.MinPayoutOut.Dec())
	}

	if err := p.rewards.AccrueAll(req.Now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	out, err := p.engine.Absorb(amount, payout, p.activeTotal, p.unlockingTotal)
	if err != nil {
		return nil, err
	}

	p.activeTotal = fpmath.SaturatingSub(p.activeTotal, out.ActiveDebit)
	p.unlockingTotal = fpmath.SaturatingSub(p.unlockingTotal, out.UnlockingDebit)
	return out, nil
}

// RegisterRewardStream creates a stream whose notifications only manager may send.
func (p *Pool) RegisterRewardStream(token string, manager uuid.UUID, period int64) error {
	if token == "" {
		return fmt.Errorf("reward stream token is empty")
	}
	_, err := p.rewards.Register(token, manager, period)
	return err
}

// NotifyReward funds token's stream with amount for a fresh period.
func (p *Pool) NotifyReward(token string, caller uuid.UUID, amount *uint256.Int, now int64) error {
	s, err := p.rewards.Get(token)
	if err != nil {
		return err
	}
	if caller != s.Manager {
		return fmt.Errorf("%w: %s is not the manager of %s", ErrUnauthorized, caller, token)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	if err := s.accrue(now, p.ledger, p.activeTotal); err != nil {
		return err
	}
	return s.notify(amount, now, p.activeTotal)
}

// ClaimReward pays out everything the user has vested in token.
func (p *Pool) ClaimReward(userID uuid.UUID, token string, now int64) (*uint256.Int, error) {
	if _, err := p.rewards.Get(token); err != nil {
		return nil, err
	}
	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	p.settle(userID)

	d := p.depositors.Get(userID)
	if d == nil {
		return new(uint256.Int), nil
	}
	claimed := d.accruedReward(token)
	delete(d.AccruedRewards, token)
	return claimed, nil
}

// ClaimPayout pays out the payout-asset gains of the user's active and queued balances.
func (p *Pool) ClaimPayout(userID uuid.UUID, now int64) (*uint256.Int, error) {
	if err := p.rewards.AccrueAll(now, p.ledger, p.activeTotal); err != nil {
		return nil, err
	}
	p.settle(userID)

	d := p.depositors.Get(userID)
	if d == nil {
		return new(uint256.Int), nil
	}
	claimed := d.AccruedPayout
	d.AccruedPayout = new(uint256.Int)
	return claimed, nil
}

// settle credits gains and compounds the user's active and queued balances to
// the current snapshot. Rewards must already be accrued.
func (p *Pool) settle(userID uuid.UUID) {
	snap := p.ledger.Snapshot()

	d := p.depositors.Get(userID)
	if d != nil {
		gain := p.ledger.PayoutGain(d.Recorded, d.Snapshot)
		d.AccruedPayout = new(uint256.Int).Add(d.AccruedPayout, gain)

		for _, s := range p.rewards.Streams() {
			earned := s.earned(s.perShare.at, d.Recorded, d.rewardBase(s.Token), d.Snapshot)
			if !earned.IsZero() {
				d.AccruedRewards[s.Token] = earned.Add(earned, d.accruedReward(s.Token))
			}
		}

		d.Recorded = p.ledger.Resolve(d.Recorded, d.Snapshot).Amount
		d.Snapshot = snap
		p.baseRewards(d)
	}

	if req := p.unlocks.Get(userID); req != nil {
		gain := p.ledger.PayoutGain(req.Amount, req.Snapshot)
		if !gain.IsZero() {
			d = p.depositors.GetOrCreate(userID, snap)
			d.AccruedPayout = new(uint256.Int).Add(d.AccruedPayout, gain)
		}
		req.Amount = p.ledger.Resolve(req.Amount, req.Snapshot).Amount
		req.Snapshot = snap
	}
}

// baseRewards pins every stream's accumulator at d's snapshot.
func (p *Pool) baseRewards(d *Depositor) {
	key := d.Snapshot.Key()
	for _, s := range p.rewards.Streams() {
		d.RewardBase[s.Token] = s.perShare.at(key)
	}
}

// --- views ---

func (p *Pool) CompoundedActive(userID uuid.UUID) Resolution {
	d := p.depositors.Get(userID)
	if d == nil {
		return Resolution{Amount: new(uint256.Int)}
	}
	return p.ledger.Resolve(d.Recorded, d.Snapshot)
}

func (p *Pool) CompoundedUnlocking(userID uuid.UUID) Resolution {
	req := p.unlocks.Get(userID)
	if req == nil {
		return Resolution{Amount: new(uint256.Int)}
	}
	return p.ledger.Resolve(req.Amount, req.Snapshot)
}

// UnlockedBalanceOf is the compounded request value once matured.
func (p *Pool) UnlockedBalanceOf(userID uuid.UUID, now int64) *uint256.Int {
	req := p.unlocks.Get(userID)
	if req == nil || !req.Matured(now) {
		return new(uint256.Int)
	}
	return p.ledger.Resolve(req.Amount, req.Snapshot).Amount
}

// UnlockingBalanceOf is the compounded request value while still pending.
func (p *Pool) UnlockingBalanceOf(userID uuid.UUID, now int64) *uint256.Int {
	req := p.unlocks.Get(userID)
	if req == nil || req.Matured(now) {
		return new(uint256.Int)
	}
	return p.ledger.Resolve(req.Amount, req.Snapshot).Amount
}

// UnlockRequestOf returns a copy of the user's request, or nil.
func (p *Pool) UnlockRequestOf(userID uuid.UUID) *UnlockRequest {
	req := p.unlocks.Get(userID)
	if req == nil {
		return nil
	}
	cp := *req
	cp.Amount = req.Amount.Clone()
	return &cp
}

func (p *Pool) TotalActive() *uint256.Int    { return p.activeTotal.Clone() }
func (p *Pool) TotalUnlocking() *uint256.Int { return p.unlockingTotal.Clone() }

func (p *Pool) EpochState() EpochView {
	return EpochView{P: p.ledger.P(), Epoch: p.ledger.Epoch(), Scale: p.ledger.Scale()}
}

// Claimable is the reward the user could claim from token at now.
func (p *Pool) Claimable(userID uuid.UUID, token string, now int64) (*uint256.Int, error) {
	s, err := p.rewards.Get(token)
	if err != nil {
		return nil, err
	}
	d := p.depositors.Get(userID)
	if d == nil {
		return new(uint256.Int), nil
	}

	inc, _, err := s.pending(now, p.ledger.p, p.activeTotal)
	if err != nil {
		return nil, err
	}
	current := p.ledger.Key()
	lookup := func(k EpochScale) *uint256.Int {
		v := s.perShare.at(k)
		if k == current {
			v.Add(v, inc)
		}
		return v
	}

	earned := s.earned(lookup, d.Recorded, d.rewardBase(token), d.Snapshot)
	return earned.Add(earned, d.accruedReward(token)), nil
}

// ClaimablePayout is the payout-asset the user could claim now.
func (p *Pool) ClaimablePayout(userID uuid.UUID) *uint256.Int {
	total := new(uint256.Int)
	if d := p.depositors.Get(userID); d != nil {
		total.Add(total, d.AccruedPayout)
		total.Add(total, p.ledger.PayoutGain(d.Recorded, d.Snapshot))
	}
	if req := p.unlocks.Get(userID); req != nil {
		total.Add(total, p.ledger.PayoutGain(req.Amount, req.Snapshot))
	}
	return total
}

// Streams returns copies of the registered reward streams' public fields.
func (p *Pool) Streams() []RewardStream {
	out := make([]RewardStream, 0)
	for _, s := range p.rewards.Streams() {
		cp := *s
		cp.Rate = s.Rate.Clone()
		cp.perShare = nil
		out = append(out, cp)
	}
	return out
}

func (p *Pool) DepositorCount() int { return p.depositors.Len() }
func (p *Pool) UnlockRequestCount() int { return p.unlocks.Len() }

// AppendCanonical encodes the global state plus the given users' positions
// for state hashing. users must be in a deterministic order.
func (p *Pool) AppendCanonical(buf []byte, users ...uuid.UUID) []byte {
	buf = append(buf, p.ledger.CanonicalBytes()...)
	buf = appendUint256(buf, p.activeTotal)
	buf = appendUint256(buf, p.unlockingTotal)
	for _, u := range users {
		if d := p.depositors.Get(u); d != nil {
			buf = append(buf, d.CanonicalBytes()...)
		}
		if r := p.unlocks.Get(u); r != nil {
			buf = append(buf, r.CanonicalBytes()...)
		}
	}
	return buf
}
