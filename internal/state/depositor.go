package state

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Depositor is a user's active deposit as of their last checkpoint.
type Depositor struct {
	UserID   uuid.UUID
	Recorded *uint256.Int
	Snapshot Snapshot

	// RewardBase holds each stream's accumulator value at Snapshot's (epoch, scale).
	RewardBase map[string]*uint256.Int

	AccruedPayout  *uint256.Int
	AccruedRewards map[string]*uint256.Int
}

func newDepositor(userID uuid.UUID, snap Snapshot) *Depositor {
	return &Depositor{
		UserID:         userID,
		Recorded:       new(uint256.Int),
		Snapshot:       snap,
		RewardBase:     make(map[string]*uint256.Int),
		AccruedPayout:  new(uint256.Int),
		AccruedRewards: make(map[string]*uint256.Int),
	}
}

func (d *Depositor) accruedReward(token string) *uint256.Int {
	if v, ok := d.AccruedRewards[token]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (d *Depositor) rewardBase(token string) *uint256.Int {
	if v, ok := d.RewardBase[token]; ok {
		return v
	}
	return new(uint256.Int)
}

// CanonicalBytes for deterministic hashing
func (d *Depositor) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, d.UserID[:]...)
	buf = appendUint256(buf, d.Recorded)
	buf = d.Snapshot.appendCanonical(buf)
	buf = appendUint256(buf, d.AccruedPayout)

	for _, token := range sortedTokens(d.RewardBase) {
		buf = append(buf, byte(len(token)))
		buf = append(buf, token...)
		buf = appendUint256(buf, d.rewardBase(token))
		buf = appendUint256(buf, d.accruedReward(token))
	}
	return buf
}

// DepositorBook indexes depositors by user.
type DepositorBook struct {
	depositors map[uuid.UUID]*Depositor
}

func NewDepositorBook() *DepositorBook {
	return &DepositorBook{depositors: make(map[uuid.UUID]*Depositor)}
}

func (b *DepositorBook) Get(userID uuid.UUID) *Depositor {
	return b.depositors[userID]
}

// GetOrCreate returns the user's depositor, creating it at snap if absent.
func (b *DepositorBook) GetOrCreate(userID uuid.UUID, snap Snapshot) *Depositor {
	d, ok := b.depositors[userID]
	if !ok {
		d = newDepositor(userID, snap)
		b.depositors[userID] = d
	}
	return d
}

func (b *DepositorBook) Len() int { return len(b.depositors) }

// All returns depositors ordered by user id.
func (b *DepositorBook) All() []*Depositor {
	out := make([]*Depositor, 0, len(b.depositors))
	for _, d := range b.depositors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0
	})
	return out
}

func (b *DepositorBook) restore(d *Depositor) {
	b.depositors[d.UserID] = d
}

func sortedTokens[V any](m map[string]V) []string {
	tokens := make([]string, 0, len(m))
	for t := range m {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}
