package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Deposit credits Amount of the deposit asset to Receiver.
type Deposit struct {
	Meta
	Receiver uuid.UUID
	Amount   *uint256.Int
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) UserID() *uuid.UUID {
	return &d.Receiver
}

// Checkpoint catches a depositor's balances up to the current ledger state.
// Anyone may send it.
type Checkpoint struct {
	Meta
	User uuid.UUID
}

func (c *Checkpoint) EventType() EventType {
	return EventTypeCheckpoint
}

func (c *Checkpoint) UserID() *uuid.UUID {
	return &c.User
}
