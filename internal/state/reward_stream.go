package state

import (
	fpmath "StabilityPool/internal/math"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RewardStream vests one secondary token linearly over a period, weighted by
// compounded active balances.
type RewardStream struct {
	Token          string
	Manager        uuid.UUID
	PeriodLength   int64 // seconds
	Rate           *uint256.Int // tokens per second, scaled by 1e18
	PeriodFinishAt int64
	LastUpdateAt   int64

	// Product-weighted reward per original deposit unit, per (epoch, scale)
	perShare accumulator
}

func newRewardStream(token string, manager uuid.UUID, period int64) *RewardStream {
	return &RewardStream{
		Token:        token,
		Manager:      manager,
		PeriodLength: period,
		Rate:         new(uint256.Int),
		perShare:     make(accumulator),
	}
}

func (s *RewardStream) lastApplicable(now int64) int64 {
	if now < s.PeriodFinishAt {
		return now
	}
	return s.PeriodFinishAt
}

// pending returns the increment accrual at now would add, and the timestamp
// it would advance to. No accrual happens while active is zero.
func (s *RewardStream) pending(now int64, p, active *uint256.Int) (*uint256.Int, int64, error) {
	end := s.lastApplicable(now)
	if end <= s.LastUpdateAt || active.IsZero() {
		return new(uint256.Int), s.LastUpdateAt, nil
	}
	if s.Rate.IsZero() {
		return new(uint256.Int), end, nil
	}
	inc, err := fpmath.AccrualIncrement(s.Rate, p, active, uint64(end-s.LastUpdateAt))
	if err != nil {
		return nil, 0, fmt.Errorf("stream %s: %w", s.Token, err)
	}
	return inc, end, nil
}

func (s *RewardStream) accrue(now int64, ledger *EpochLedger, active *uint256.Int) error {
	inc, end, err := s.pending(now, ledger.p, active)
	if err != nil {
		return err
	}
	if err := s.perShare.add(ledger.Key(), inc); err != nil {
		return fmt.Errorf("stream %s: %w", s.Token, err)
	}
	s.LastUpdateAt = end
	return nil
}

// earned is the reward recorded has collected since snap, given base was the
// accumulator value at snap's (epoch, scale).
func (s *RewardStream) earned(lookup func(EpochScale) *uint256.Int, recorded, base *uint256.Int, snap Snapshot) *uint256.Int {
	if recorded.IsZero() || snap.P == nil || snap.P.IsZero() {
		return new(uint256.Int)
	}
	share, err := fpmath.ShareOf(recorded, deltaSince(lookup, snap.Key(), base), snap.P)
	if err != nil {
		panic(fmt.Sprintf("FATAL: reward share %s: %v", s.Token, err))
	}
	return share
}

// notify funds a new period with amount plus whatever the running period had
// not yet emitted. Reward held back while the pool was empty is carried over.
func (s *RewardStream) notify(amount *uint256.Int, now int64, active *uint256.Int) error {
	total := amount.Clone()

	if now < s.PeriodFinishAt {
		total.Add(total, fpmath.Leftover(s.Rate, uint64(s.PeriodFinishAt-now)))
	}
	if active.IsZero() {
		if end := s.lastApplicable(now); end > s.LastUpdateAt {
			total.Add(total, fpmath.Leftover(s.Rate, uint64(end-s.LastUpdateAt)))
		}
	}

	rate, err := fpmath.RewardRate(total, uint64(s.PeriodLength))
	if err != nil {
		return fmt.Errorf("stream %s: %w", s.Token, err)
	}
	s.Rate = rate
	s.LastUpdateAt = now
	s.PeriodFinishAt = now + s.PeriodLength
	return nil
}

// RewardManager owns every registered stream.
type RewardManager struct {
	streams map[string]*RewardStream
}

func NewRewardManager() *RewardManager {
	return &RewardManager{streams: make(map[string]*RewardStream)}
}

func (m *RewardManager) Register(token string, manager uuid.UUID, period int64) (*RewardStream, error) {
	if _, ok := m.streams[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, token)
	}
	if period <= 0 {
		return nil, fmt.Errorf("stream %s: period: %w", token, ErrZeroAmount)
	}
	s := newRewardStream(token, manager, period)
	m.streams[token] = s
	return s, nil
}

func (m *RewardManager) Get(token string) (*RewardStream, error) {
	s, ok := m.streams[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, token)
	}
	return s, nil
}

// Streams returns every stream ordered by token.
func (m *RewardManager) Streams() []*RewardStream {
	out := make([]*RewardStream, 0, len(m.streams))
	for _, token := range sortedTokens(m.streams) {
		out = append(out, m.streams[token])
	}
	return out
}

// AccrueAll must run before anything changes P or the active total.
func (m *RewardManager) AccrueAll(now int64, ledger *EpochLedger, active *uint256.Int) error {
	for _, s := range m.Streams() {
		if err := s.accrue(now, ledger, active); err != nil {
			return err
		}
	}
	return nil
}
