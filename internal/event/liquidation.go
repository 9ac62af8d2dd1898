package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate draws Amount from the pool in exchange for payout-asset.
type Liquidate struct {
	Meta
	Liquidator   uuid.UUID
	Amount       *uint256.Int
	MinPayoutOut *uint256.Int

	// PayoutReceived is filled in by the core once the conversion has
	// happened, so the logged event replays without calling the converter.
	PayoutReceived *uint256.Int
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) UserID() *uuid.UUID {
	return nil // Pool-wide event
}

// ClaimPayout pays out the user's accrued liquidation gains.
type ClaimPayout struct {
	Meta
	User uuid.UUID
}

func (c *ClaimPayout) EventType() EventType {
	return EventTypeClaimPayout
}

func (c *ClaimPayout) UserID() *uuid.UUID {
	return &c.User
}
