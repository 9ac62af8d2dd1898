package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RegisterRewardStream creates a linear-vesting stream for Token.
type RegisterRewardStream struct {
	Meta
	Token         string
	Manager       uuid.UUID
	PeriodSeconds int64
}

func (r *RegisterRewardStream) IdempotencyKey() string {
	return "stream:" + r.Token
}

func (r *RegisterRewardStream) EventType() EventType {
	return EventTypeRegisterRewardStream
}

func (r *RegisterRewardStream) UserID() *uuid.UUID {
	return nil
}

// NotifyReward funds Token's stream for a new period.
type NotifyReward struct {
	Meta
	Token   string
	Manager uuid.UUID
	Amount  *uint256.Int
}

func (n *NotifyReward) EventType() EventType {
	return EventTypeNotifyReward
}

func (n *NotifyReward) UserID() *uuid.UUID {
	return nil
}

// ClaimReward pays out the user's vested Token rewards.
type ClaimReward struct {
	Meta
	User  uuid.UUID
	Token string
}

func (c *ClaimReward) EventType() EventType {
	return EventTypeClaimReward
}

func (c *ClaimReward) UserID() *uuid.UUID {
	return &c.User
}
