package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Unlock queues Amount of the user's active balance for withdrawal.
type Unlock struct {
	Meta
	User   uuid.UUID
	Amount *uint256.Int
}

func (u *Unlock) EventType() EventType {
	return EventTypeUnlock
}

func (u *Unlock) UserID() *uuid.UUID {
	return &u.User
}

// WithdrawUnlocked pays out the user's matured unlock request.
type WithdrawUnlocked struct {
	Meta
	User uuid.UUID
}

func (w *WithdrawUnlocked) EventType() EventType {
	return EventTypeWithdrawUnlocked
}

func (w *WithdrawUnlocked) UserID() *uuid.UUID {
	return &w.User
}
